package event

import (
	"errors"
	"strings"
	"testing"

	"github.com/uhyunpark/orderbook-mirror/pkg/book"
)

const testMarket = "0x0f0e0d0c0b0a09080706050403020100f0e0d0c0b0a090807060504030201000"

func rec(fields string) []byte {
	return []byte(`{"block_number":103,"log_index":2,"tx_id":"0xaa","market_id":"` + testMarket + `","order_id":"0x01",` + fields + `}`)
}

func TestDecodeOpen(t *testing.T) {
	ev, err := Decode(rec(`"event_type":"Open","order_type":"Buy","user":"0xu","asset":"0xa","amount":"10","price":65000,"timestamp":1718000000`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Kind != Open || ev.Side != book.Buy {
		t.Errorf("kind=%s side=%s, want Open Buy", ev.Kind, ev.Side)
	}
	if ev.Block != 103 || ev.OrderID != "0x01" || ev.User != "0xu" || ev.Asset != "0xa" {
		t.Errorf("unexpected fields: %+v", ev)
	}
	if ev.Price.String() != "65000" || ev.Amount.String() != "10" {
		t.Errorf("price=%s amount=%s", ev.Price, ev.Amount)
	}
	if ev.Market.Hex() != testMarket {
		t.Errorf("market = %s", ev.Market.Hex())
	}
	if ev.Timestamp != 1718000000 {
		t.Errorf("timestamp = %d", ev.Timestamp)
	}
}

func TestDecodeKinds(t *testing.T) {
	tests := []struct {
		name   string
		fields string
		want   Kind
	}{
		{"new alias", `"event_type":"new","order_type":"sell","amount":"1","price":"2"`, Open},
		{"trade fully matched", `"event_type":"Trade","order_status":"Matched","amount":"0","price":"2","trade_size":"1"`, Fill},
		{"trade zero remaining", `"event_type":"Match","amount":"0","price":"2","trade_size":"1"`, Fill},
		{"trade partial", `"event_type":"Trade","amount":"3","price":"2","trade_size":"1"`, PartialFill},
		{"trade partially matched status", `"event_type":"trade","order_status":"PartiallyMatched","amount":"0","trade_size":"1"`, PartialFill},
		{"explicit partial", `"event_type":"PartialFill","amount":"3","trade_size":"1"`, PartialFill},
		{"fill without amount", `"event_type":"Fill","trade_size":"1"`, Fill},
		{"cancel", `"event_type":"Cancel"`, Cancel},
		{"cancelled", `"event_type":"CANCELLED"`, Cancel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode(rec(tt.fields))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if ev.Kind != tt.want {
				t.Errorf("kind = %s, want %s", ev.Kind, tt.want)
			}
		})
	}
}

func TestDecodeTradePriceFallsBackToPrice(t *testing.T) {
	ev, err := Decode(rec(`"event_type":"Trade","amount":"0","price":"7.5","trade_size":"2"`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.TradePrice.String() != "7.5" || ev.TradeSize.String() != "2" {
		t.Errorf("trade price=%s size=%s", ev.TradePrice, ev.TradeSize)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"block_number":`},
		{"wrong type", `{"block_number":"abc"}`},
		{"missing block", `{"market_id":"` + testMarket + `","order_id":"0x01","event_type":"Cancel"}`},
		{"missing order id", `{"block_number":5,"market_id":"` + testMarket + `","event_type":"Cancel"}`},
		{"bad market", `{"block_number":5,"market_id":"0x1234","order_id":"0x01","event_type":"Cancel"}`},
		{"market not hex", `{"block_number":5,"market_id":"zz","order_id":"0x01","event_type":"Cancel"}`},
		{"unknown event", string(rec(`"event_type":"Liquidate"`))},
		{"open without side", string(rec(`"event_type":"Open","amount":"1","price":"1"`))},
		{"open without price", string(rec(`"event_type":"Open","order_type":"Buy","amount":"1"`))},
		{"unknown side", string(rec(`"event_type":"Open","order_type":"Hold","amount":"1","price":"1"`))},
		{"negative amount", string(rec(`"event_type":"Open","order_type":"Buy","amount":"-1","price":"1"`))},
		{"fill without size", string(rec(`"event_type":"Fill","amount":"0"`))},
		{"bad decimal", string(rec(`"event_type":"Open","order_type":"Buy","amount":"ten","price":"1"`))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			if !errors.Is(err, ErrDecode) {
				t.Fatalf("err = %v, want ErrDecode", err)
			}
		})
	}
}

func TestKey(t *testing.T) {
	ev, err := Decode(rec(`"event_type":"Trade","amount":"0","trade_size":"1"`))
	if err != nil {
		t.Fatal(err)
	}
	if got := ev.Key(); got != "0xaa:2" {
		t.Errorf("Key = %q", got)
	}

	ev.TxID = ""
	if got := ev.Key(); !strings.HasPrefix(got, "103:2:0x01:Fill:") {
		t.Errorf("fallback Key = %q", got)
	}

	// equal-size fills of one order in one block differ by log index
	next := ev
	next.LogIndex++
	if ev.Key() == next.Key() {
		t.Errorf("fallback keys collide: %q", ev.Key())
	}
}

func TestParseMarketID(t *testing.T) {
	if _, err := ParseMarketID(testMarket); err != nil {
		t.Fatalf("valid id rejected: %v", err)
	}
	for _, bad := range []string{"", "0x", testMarket[2:], testMarket + "00"} {
		if _, err := ParseMarketID(bad); err == nil {
			t.Errorf("ParseMarketID(%q) accepted", bad)
		}
	}
}
