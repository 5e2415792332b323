package params

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/uhyunpark/orderbook-mirror/pkg/event"
)

// ConfigError is a missing or invalid setting. It is fatal at startup.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

var (
	ErrRequired = errors.New("required")
	ErrInvalid  = errors.New("invalid value")
)

type Upstream struct {
	URL      string // ws:// or wss://
	Username string
	Password string
	Chain    string
}

type Market struct {
	ID         common.Hash
	StartBlock uint64
}

type Ingest struct {
	ReconnectBackoff time.Duration
}

type API struct {
	Addr                 string
	CORSOrigins          []string
	SubscriptionInterval time.Duration
}

type Log struct {
	File  string
	Level string
}

// Archive is enabled when Dir is set.
type Archive struct {
	Dir string
}

// Kafka is enabled when both Brokers and Topic are set.
type Kafka struct {
	Brokers []string
	Topic   string
}

type Config struct {
	Upstream Upstream
	Market   Market
	Ingest   Ingest
	API      API
	Log      Log
	Archive  Archive
	Kafka    Kafka
}

func Default() Config {
	return Config{
		Upstream: Upstream{Chain: "FUEL"},
		Ingest: Ingest{
			ReconnectBackoff: time.Second,
		},
		API: API{
			Addr:                 ":8080",
			CORSOrigins:          []string{"*"},
			SubscriptionInterval: time.Second,
		},
		Log: Log{Level: "info"},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Upstream.URL = os.Getenv("PANGEA_URL")
	cfg.Upstream.Username = os.Getenv("PANGEA_USERNAME")
	cfg.Upstream.Password = os.Getenv("PANGEA_PASSWORD")
	cfg.Upstream.Chain = getEnv("PANGEA_CHAIN", cfg.Upstream.Chain)

	if v := os.Getenv("CONTRACT_ID"); v != "" {
		id, err := event.ParseMarketID(v)
		if err != nil {
			return cfg, &ConfigError{Field: "CONTRACT_ID", Err: fmt.Errorf("%w: %v", ErrInvalid, err)}
		}
		cfg.Market.ID = id
	}

	if v := os.Getenv("CONTRACT_START_BLOCK"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return cfg, &ConfigError{Field: "CONTRACT_START_BLOCK", Err: fmt.Errorf("%w: %v", ErrInvalid, err)}
		}
		cfg.Market.StartBlock = n
	} else {
		return cfg, &ConfigError{Field: "CONTRACT_START_BLOCK", Err: ErrRequired}
	}

	var err error
	if cfg.Ingest.ReconnectBackoff, err = getMillis("RECONNECT_BACKOFF_MS", cfg.Ingest.ReconnectBackoff); err != nil {
		return cfg, err
	}
	if cfg.API.SubscriptionInterval, err = getMillis("SUBSCRIPTION_INTERVAL_MS", cfg.API.SubscriptionInterval); err != nil {
		return cfg, err
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.API.CORSOrigins = splitList(v)
	}

	cfg.Log.File = os.Getenv("LOG_FILE")
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Archive.Dir = os.Getenv("ARCHIVE_DIR")
	cfg.Kafka.Brokers = splitList(os.Getenv("KAFKA_BROKERS"))
	cfg.Kafka.Topic = os.Getenv("KAFKA_TOPIC")

	return cfg, cfg.Validate()
}

// Validate checks required settings and value ranges.
func (c *Config) Validate() error {
	u := c.Upstream.URL
	if u == "" {
		return &ConfigError{Field: "PANGEA_URL", Err: ErrRequired}
	}
	if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return &ConfigError{Field: "PANGEA_URL", Err: fmt.Errorf("%w: %q is not a ws:// or wss:// url", ErrInvalid, u)}
	}
	if c.Upstream.Username == "" {
		return &ConfigError{Field: "PANGEA_USERNAME", Err: ErrRequired}
	}
	if c.Upstream.Password == "" {
		return &ConfigError{Field: "PANGEA_PASSWORD", Err: ErrRequired}
	}
	if c.Market.ID == (common.Hash{}) {
		return &ConfigError{Field: "CONTRACT_ID", Err: ErrRequired}
	}
	if c.Ingest.ReconnectBackoff <= 0 {
		return &ConfigError{Field: "RECONNECT_BACKOFF_MS", Err: fmt.Errorf("%w: must be positive", ErrInvalid)}
	}
	if c.API.SubscriptionInterval <= 0 {
		return &ConfigError{Field: "SUBSCRIPTION_INTERVAL_MS", Err: fmt.Errorf("%w: must be positive", ErrInvalid)}
	}
	if (len(c.Kafka.Brokers) == 0) != (c.Kafka.Topic == "") {
		return &ConfigError{Field: "KAFKA_BROKERS", Err: fmt.Errorf("%w: KAFKA_BROKERS and KAFKA_TOPIC must be set together", ErrInvalid)}
	}
	return nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getMillis(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return def, &ConfigError{Field: key, Err: fmt.Errorf("%w: %v", ErrInvalid, err)}
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
