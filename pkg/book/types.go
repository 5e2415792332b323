package book

import (
	"errors"

	"github.com/shopspring/decimal"
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "Buy"
	case Sell:
		return "Sell"
	default:
		return "Unknown"
	}
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

// Status is the lifecycle state of a mirrored order.
type Status uint8

const (
	Active Status = iota
	PartiallyFilled
	Filled
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Active:
		return "Active"
	case PartiallyFilled:
		return "PartiallyFilled"
	case Filled:
		return "Filled"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// IsOpen reports whether an order with this status rests in a side index.
func (s Status) IsOpen() bool { return s == Active || s == PartiallyFilled }

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool { return s == Filled || s == Cancelled }

// Order is one on-chain limit order as last seen by the mirror.
// Amount is the remaining (unfilled) quantity.
type Order struct {
	ID        string
	User      string
	Asset     string
	Amount    decimal.Decimal
	Price     decimal.Decimal
	Timestamp uint64
	Side      Side
	Status    Status
	Block     uint64
}

// TradeEvent is an entry of the append-only trade log.
// Key identifies the upstream event so a replayed record is not appended twice.
type TradeEvent struct {
	ID        string
	Key       string
	Price     decimal.Decimal
	Size      decimal.Decimal
	Timestamp uint64
	Block     uint64
}

var (
	ErrInvalidOrder  = errors.New("invalid order")
	ErrInvalidTrade  = errors.New("invalid trade")
	ErrInvalidStatus = errors.New("invalid terminal status")
	ErrUnknownOrder  = errors.New("unknown order")
	ErrSideMismatch  = errors.New("order side is immutable")
	ErrStaleEvent    = errors.New("event older than stored order")
	ErrOrderClosed   = errors.New("order already closed")
)
