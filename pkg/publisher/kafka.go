// Package publisher forwards trades appended to the book to Kafka.
package publisher

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/orderbook-mirror/pkg/book"
)

const (
	defaultBuffer = 1024
	maxBatch      = 100
	flushTimeout  = 5 * time.Second
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// TradeMessage is the JSON value of one Kafka message.
type TradeMessage struct {
	Market    string `json:"market"`
	OrderID   string `json:"orderId"`
	Key       string `json:"key"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp uint64 `json:"timestamp"`
	Block     uint64 `json:"block"`
}

// Trades publishes trades off the ingestion path. Publish never blocks;
// when the buffer is full the trade is dropped and counted.
type Trades struct {
	w       MessageWriter
	market  string
	ch      chan book.TradeEvent
	logger  *zap.SugaredLogger
	dropped atomic.Uint64
	sent    atomic.Uint64
}

func New(w MessageWriter, market string, buffer int, logger *zap.SugaredLogger) *Trades {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Trades{
		w:      w,
		market: market,
		ch:     make(chan book.TradeEvent, buffer),
		logger: logger,
	}
}

// Publish enqueues t. It is safe to use as a book.WithTradeHook callback.
func (p *Trades) Publish(t book.TradeEvent) {
	select {
	case p.ch <- t:
	default:
		if n := p.dropped.Add(1); n == 1 || n%1000 == 0 {
			p.logger.Warnw("trade_publish_dropped", "order_id", t.ID, "dropped_total", n)
		}
	}
}

// Run writes queued trades until ctx is done, then flushes what is left.
func (p *Trades) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return ctx.Err()
		case t := <-p.ch:
			p.write(ctx, p.batch(t))
		}
	}
}

func (p *Trades) batch(first book.TradeEvent) []kafka.Message {
	msgs := []kafka.Message{p.message(first)}
	for len(msgs) < maxBatch {
		select {
		case t := <-p.ch:
			msgs = append(msgs, p.message(t))
		default:
			return msgs
		}
	}
	return msgs
}

func (p *Trades) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for {
		select {
		case t := <-p.ch:
			p.write(ctx, p.batch(t))
		default:
			return
		}
	}
}

func (p *Trades) write(ctx context.Context, msgs []kafka.Message) {
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Errorw("trade_publish_failed", "count", len(msgs), "err", err)
		return
	}
	p.sent.Add(uint64(len(msgs)))
}

func (p *Trades) message(t book.TradeEvent) kafka.Message {
	val, _ := json.Marshal(TradeMessage{
		Market:    p.market,
		OrderID:   t.ID,
		Key:       t.Key,
		Price:     t.Price.String(),
		Size:      t.Size.String(),
		Timestamp: t.Timestamp,
		Block:     t.Block,
	})
	return kafka.Message{Key: []byte(t.ID), Value: val}
}

func (p *Trades) Dropped() uint64 { return p.dropped.Load() }
func (p *Trades) Sent() uint64    { return p.sent.Load() }

func (p *Trades) Close() error { return p.w.Close() }
