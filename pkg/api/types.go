package api

import (
	"github.com/uhyunpark/orderbook-mirror/pkg/book"
	"github.com/uhyunpark/orderbook-mirror/pkg/indexer"
)

// API response types for REST endpoints and WebSocket messages.
// Decimals are rendered as strings to keep full precision.

// ==============================
// REST Response Types
// ==============================

// OrderInfo represents an order (open or closed)
type OrderInfo struct {
	ID        string `json:"id"`
	User      string `json:"user"`
	Asset     string `json:"asset"`
	Side      string `json:"side"`   // "Buy" or "Sell"
	Status    string `json:"status"` // "Active", "PartiallyFilled", "Filled", "Cancelled"
	Price     string `json:"price"`
	Amount    string `json:"amount"` // remaining
	Timestamp uint64 `json:"timestamp"`
	Block     uint64 `json:"block"`
}

// TradeInfo represents one entry of the trade log
type TradeInfo struct {
	OrderID   string `json:"orderId"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp uint64 `json:"timestamp"`
	Block     uint64 `json:"block"`
}

// SpreadResponse carries lowest ask minus highest bid; null if a side is empty
type SpreadResponse struct {
	Spread *string `json:"spread"`
}

// StatusResponse reports ingestion progress and book size
type StatusResponse struct {
	State  string     `json:"state,omitempty"`
	Market string     `json:"market,omitempty"`
	Start  uint64     `json:"startBlock"`
	Cursor uint64     `json:"cursorBlock"`
	Book   book.Stats `json:"book"`
}

// ==============================
// WebSocket Message Types
// ==============================

const (
	ChannelBuyOrders  = "orders:buy"
	ChannelSellOrders = "orders:sell"
	ChannelTrades     = "trades"
)

// WSMessage is the envelope of every server push
type WSMessage struct {
	Type string `json:"type"`           // "orders", "trades", "error"
	Side string `json:"side,omitempty"` // set on "orders"
	Data any    `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["orders:buy", "trades"]
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Ingest exposes pipeline progress to the status endpoint.
type Ingest interface {
	State() indexer.State
	Cursor() indexer.Cursor
}

func toOrderInfo(o book.Order) OrderInfo {
	return OrderInfo{
		ID:        o.ID,
		User:      o.User,
		Asset:     o.Asset,
		Side:      o.Side.String(),
		Status:    o.Status.String(),
		Price:     o.Price.String(),
		Amount:    o.Amount.String(),
		Timestamp: o.Timestamp,
		Block:     o.Block,
	}
}

func toOrderInfos(orders []book.Order) []OrderInfo {
	out := make([]OrderInfo, len(orders))
	for i, o := range orders {
		out[i] = toOrderInfo(o)
	}
	return out
}

func toTradeInfos(trades []book.TradeEvent) []TradeInfo {
	out := make([]TradeInfo, len(trades))
	for i, t := range trades {
		out[i] = TradeInfo{
			OrderID:   t.ID,
			Price:     t.Price.String(),
			Size:      t.Size.String(),
			Timestamp: t.Timestamp,
			Block:     t.Block,
		}
	}
	return out
}
