package params

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const market = "0x0f0e0d0c0b0a09080706050403020100f0e0d0c0b0a090807060504030201000"

func setValid(t *testing.T) {
	t.Helper()
	t.Setenv("PANGEA_URL", "wss://pangea.example")
	t.Setenv("PANGEA_USERNAME", "user")
	t.Setenv("PANGEA_PASSWORD", "secret")
	t.Setenv("CONTRACT_ID", market)
	t.Setenv("CONTRACT_START_BLOCK", "100")
}

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadFromEnvDefaults(t *testing.T) {
	setValid(t)
	cfg, err := LoadFromEnv(noEnvFile(t))
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Market.StartBlock != 100 || cfg.Market.ID.Hex() != market {
		t.Errorf("market = %+v", cfg.Market)
	}
	if cfg.Ingest.ReconnectBackoff != time.Second || cfg.API.SubscriptionInterval != time.Second {
		t.Errorf("intervals = %s / %s", cfg.Ingest.ReconnectBackoff, cfg.API.SubscriptionInterval)
	}
	if cfg.API.Addr != ":8080" || cfg.Upstream.Chain != "FUEL" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	setValid(t)
	t.Setenv("RECONNECT_BACKOFF_MS", "250")
	t.Setenv("CORS_ORIGINS", "http://a.example, http://b.example")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("KAFKA_TOPIC", "trades")

	cfg, err := LoadFromEnv(noEnvFile(t))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ingest.ReconnectBackoff != 250*time.Millisecond {
		t.Errorf("backoff = %s", cfg.Ingest.ReconnectBackoff)
	}
	if len(cfg.API.CORSOrigins) != 2 || cfg.API.CORSOrigins[1] != "http://b.example" {
		t.Errorf("cors = %v", cfg.API.CORSOrigins)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Topic != "trades" {
		t.Errorf("kafka = %+v", cfg.Kafka)
	}
}

func TestLoadFromEnvFile(t *testing.T) {
	for _, k := range []string{"PANGEA_URL", "PANGEA_USERNAME", "PANGEA_PASSWORD", "CONTRACT_ID", "CONTRACT_START_BLOCK"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	path := filepath.Join(t.TempDir(), ".env")
	body := "PANGEA_URL=ws://localhost:9000\nPANGEA_USERNAME=u\nPANGEA_PASSWORD=p\nCONTRACT_ID=" + market + "\nCONTRACT_START_BLOCK=7\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFromEnv(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Market.StartBlock != 7 || cfg.Upstream.URL != "ws://localhost:9000" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadFromEnvErrors(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		field string
		want  error
	}{
		{"missing url", "PANGEA_URL", "", "PANGEA_URL", ErrRequired},
		{"http url", "PANGEA_URL", "https://pangea.example", "PANGEA_URL", ErrInvalid},
		{"missing password", "PANGEA_PASSWORD", "", "PANGEA_PASSWORD", ErrRequired},
		{"short market", "CONTRACT_ID", "0x1234", "CONTRACT_ID", ErrInvalid},
		{"unprefixed market", "CONTRACT_ID", strings.Repeat("ab", 32), "CONTRACT_ID", ErrInvalid},
		{"missing market", "CONTRACT_ID", "", "CONTRACT_ID", ErrRequired},
		{"missing start", "CONTRACT_START_BLOCK", "", "CONTRACT_START_BLOCK", ErrRequired},
		{"negative start", "CONTRACT_START_BLOCK", "-1", "CONTRACT_START_BLOCK", ErrInvalid},
		{"bad backoff", "RECONNECT_BACKOFF_MS", "soon", "RECONNECT_BACKOFF_MS", ErrInvalid},
		{"zero backoff", "RECONNECT_BACKOFF_MS", "0", "RECONNECT_BACKOFF_MS", ErrInvalid},
		{"kafka without topic", "KAFKA_BROKERS", "k1:9092", "KAFKA_BROKERS", ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setValid(t)
			t.Setenv(tt.key, tt.value)

			_, err := LoadFromEnv(noEnvFile(t))
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want *ConfigError", err)
			}
			if ce.Field != tt.field || !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want field %s wrapping %v", err, tt.field, tt.want)
			}
		})
	}
}
