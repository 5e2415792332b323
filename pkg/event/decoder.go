// Package event decodes upstream order-stream records into typed events.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/orderbook-mirror/pkg/book"
)

// ErrDecode wraps every malformed-record failure.
var ErrDecode = errors.New("decode error")

type Kind uint8

const (
	Open Kind = iota + 1
	PartialFill
	Fill
	Cancel
)

func (k Kind) String() string {
	switch k {
	case Open:
		return "Open"
	case PartialFill:
		return "PartialFill"
	case Fill:
		return "Fill"
	case Cancel:
		return "Cancel"
	default:
		return "Unknown"
	}
}

// RawEvent is one decoded order-stream record.
type RawEvent struct {
	Block     uint64
	LogIndex  uint64
	TxID      string
	Market    common.Hash
	Kind      Kind
	OrderID   string
	User      string
	Asset     string
	Side      book.Side // zero when the record does not carry it
	Amount    decimal.Decimal
	Price     decimal.Decimal
	Timestamp uint64

	TradePrice decimal.Decimal
	TradeSize  decimal.Decimal
}

// Key identifies the upstream event across reconnects.
func (e RawEvent) Key() string {
	if e.TxID != "" {
		return fmt.Sprintf("%s:%d", e.TxID, e.LogIndex)
	}
	return fmt.Sprintf("%d:%d:%s:%s:%s", e.Block, e.LogIndex, e.OrderID, e.Kind, e.TradeSize)
}

// record mirrors the JSON stream wire format.
type record struct {
	BlockNumber uint64           `json:"block_number"`
	LogIndex    uint64           `json:"log_index"`
	TxID        string           `json:"tx_id"`
	MarketID    string           `json:"market_id"`
	OrderID     string           `json:"order_id"`
	EventType   string           `json:"event_type"`
	OrderType   string           `json:"order_type"`
	User        string           `json:"user"`
	Asset       string           `json:"asset"`
	Amount      *decimal.Decimal `json:"amount"`
	Price       *decimal.Decimal `json:"price"`
	Timestamp   uint64           `json:"timestamp"`
	OrderStatus string           `json:"order_status"`
	TradePrice  *decimal.Decimal `json:"trade_price"`
	TradeSize   *decimal.Decimal `json:"trade_size"`
}

func decodeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, args...))
}

// Decode parses one record. It is pure and safe for concurrent use.
func Decode(b []byte) (RawEvent, error) {
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return RawEvent{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if r.BlockNumber == 0 {
		return RawEvent{}, decodeErr("missing block_number")
	}
	if r.OrderID == "" {
		return RawEvent{}, decodeErr("missing order_id at block %d", r.BlockNumber)
	}
	market, err := ParseMarketID(r.MarketID)
	if err != nil {
		return RawEvent{}, fmt.Errorf("%w: order %s: %v", ErrDecode, r.OrderID, err)
	}

	ev := RawEvent{
		Block:      r.BlockNumber,
		LogIndex:   r.LogIndex,
		TxID:       r.TxID,
		Market:     market,
		OrderID:    r.OrderID,
		User:       r.User,
		Asset:      r.Asset,
		Timestamp:  r.Timestamp,
		Amount:     valueOf(r.Amount),
		Price:      valueOf(r.Price),
		TradePrice: valueOf(r.TradePrice),
		TradeSize:  valueOf(r.TradeSize),
	}
	for name, v := range map[string]decimal.Decimal{
		"amount": ev.Amount, "price": ev.Price, "trade_price": ev.TradePrice, "trade_size": ev.TradeSize,
	} {
		if v.IsNegative() {
			return RawEvent{}, decodeErr("order %s: negative %s %s", r.OrderID, name, v)
		}
	}

	if r.OrderType != "" {
		side, ok := parseSide(r.OrderType)
		if !ok {
			return RawEvent{}, decodeErr("order %s: unknown order_type %q", r.OrderID, r.OrderType)
		}
		ev.Side = side
	}

	kind, ok := parseKind(r.EventType, r.OrderStatus, r.Amount)
	if !ok {
		return RawEvent{}, decodeErr("order %s: unknown event_type %q", r.OrderID, r.EventType)
	}
	ev.Kind = kind

	switch kind {
	case Open:
		if ev.Side == 0 {
			return RawEvent{}, decodeErr("order %s: open without order_type", r.OrderID)
		}
		if r.Price == nil || r.Amount == nil {
			return RawEvent{}, decodeErr("order %s: open without price or amount", r.OrderID)
		}
	case PartialFill, Fill:
		if r.TradeSize == nil {
			return RawEvent{}, decodeErr("order %s: %s without trade_size", r.OrderID, kind)
		}
		if r.TradePrice == nil {
			ev.TradePrice = ev.Price
		}
	}
	return ev, nil
}

func valueOf(v *decimal.Decimal) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return *v
}

func parseSide(s string) (book.Side, bool) {
	switch strings.ToLower(s) {
	case "buy", "bid":
		return book.Buy, true
	case "sell", "ask":
		return book.Sell, true
	}
	return 0, false
}

// parseKind maps the upstream event name onto a Kind. Trade events are a
// Fill when the order has nothing left, a PartialFill otherwise.
func parseKind(eventType, status string, remaining *decimal.Decimal) (Kind, bool) {
	switch strings.ToLower(eventType) {
	case "open", "new":
		return Open, true
	case "partialfill", "partially_filled", "partiallymatched":
		return PartialFill, true
	case "cancel", "cancelled", "canceled":
		return Cancel, true
	case "fill", "filled", "trade", "match", "matched":
		switch strings.ToLower(status) {
		case "matched", "filled":
			return Fill, true
		case "partiallymatched", "partially_filled", "partiallyfilled":
			return PartialFill, true
		}
		if remaining != nil && remaining.IsZero() {
			return Fill, true
		}
		if remaining == nil && strings.HasPrefix(strings.ToLower(eventType), "fill") {
			return Fill, true
		}
		return PartialFill, true
	}
	return 0, false
}

// ParseMarketID parses a 0x-prefixed 32-byte market identifier.
func ParseMarketID(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("market id %q: %w", s, err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("market id %q: want %d bytes, got %d", s, common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}
