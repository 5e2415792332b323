package book

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Writer is the mutation side of the book. Only the ingestion pipeline writes.
type Writer interface {
	Upsert(o Order) error
	Close(id string, status Status, block uint64) error
	AppendTrade(t TradeEvent) error
}

// Reader is the query side of the book. Every call observes one exact
// prefix of the applied mutations.
type Reader interface {
	Range(min, max decimal.Decimal, side Side) []Order
	Active(side Side) []Order
	Sides() (bids, asks []Order)
	Trades() []TradeEvent
	Order(id string) (Order, bool)
	Spread() (decimal.Decimal, bool)
	Snapshot() Snapshot
	Stats() Stats
}

type Book interface {
	Writer
	Reader
}

// Snapshot is a coherent copy of the whole book taken under one lock.
type Snapshot struct {
	Seq       uint64
	Bids      []Order // price ascending
	Asks      []Order // price ascending
	Trades    []TradeEvent
	Spread    decimal.Decimal
	HasSpread bool
}

type Stats struct {
	Seq      uint64 `json:"seq"`
	OpenBids int    `json:"openBids"`
	OpenAsks int    `json:"openAsks"`
	Orders   int    `json:"orders"` // includes closed orders
	Trades   int    `json:"trades"`
}

type Option func(*Store)

// WithTradeHook registers fn to run after each newly appended trade.
// fn runs on the writer goroutine outside the store lock and must not block.
func WithTradeHook(fn func(TradeEvent)) Option {
	return func(s *Store) { s.onTrade = fn }
}

// Store is the in-memory order book of one market.
type Store struct {
	mu sync.RWMutex // single writer, many readers

	bids *priceTree
	asks *priceTree

	orders    map[string]*Order // id -> order, closed orders retained
	trades    []TradeEvent
	tradeKeys map[string]struct{}

	seq     uint64 // successful mutations applied
	onTrade func(TradeEvent)
}

var _ Book = (*Store)(nil)

func NewStore(opts ...Option) *Store {
	s := &Store{
		bids:      newPriceTree(),
		asks:      newPriceTree(),
		orders:    make(map[string]*Order),
		tradeKeys: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) tree(side Side) *priceTree {
	if side == Buy {
		return s.bids
	}
	return s.asks
}

// Upsert inserts a new order or updates amount and status of a known one.
func (s *Store) Upsert(o Order) error {
	if o.ID == "" || !o.Side.Valid() || o.Price.IsNegative() || o.Amount.IsNegative() {
		return fmt.Errorf("%w: id=%q side=%s price=%s amount=%s", ErrInvalidOrder, o.ID, o.Side, o.Price, o.Amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[o.ID]
	if !ok {
		stored := o
		s.orders[o.ID] = &stored
		if o.Status.IsOpen() {
			s.index(&stored)
		}
		s.seq++
		return nil
	}

	if cur.Side != o.Side {
		return fmt.Errorf("%w: order %s is %s, event says %s", ErrSideMismatch, o.ID, cur.Side, o.Side)
	}
	if o.Block < cur.Block {
		return fmt.Errorf("%w: order %s at block %d, event at block %d", ErrStaleEvent, o.ID, cur.Block, o.Block)
	}
	if cur.Status.IsTerminal() {
		if o.Status == cur.Status && o.Amount.Equal(cur.Amount) {
			return nil
		}
		return fmt.Errorf("%w: order %s is %s", ErrOrderClosed, o.ID, cur.Status)
	}
	if cur.Status == o.Status && cur.Amount.Equal(o.Amount) && cur.Block == o.Block && cur.Timestamp == o.Timestamp {
		return nil
	}

	cur.Amount = o.Amount
	cur.Block = o.Block
	cur.Timestamp = o.Timestamp
	if o.User != "" {
		cur.User = o.User
	}
	if o.Asset != "" {
		cur.Asset = o.Asset
	}
	if o.Status.IsTerminal() {
		s.unindex(cur)
	}
	cur.Status = o.Status
	s.seq++
	return nil
}

// Close moves an order to Filled or Cancelled. Closing a closed order is a no-op.
func (s *Store) Close(id string, status Status, block uint64) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	if cur.Status.IsTerminal() {
		return nil
	}
	if block < cur.Block {
		return fmt.Errorf("%w: order %s at block %d, close at block %d", ErrStaleEvent, id, cur.Block, block)
	}

	s.unindex(cur)
	cur.Status = status
	cur.Block = block
	s.seq++
	return nil
}

// AppendTrade adds t to the trade log unless its key was already recorded.
func (s *Store) AppendTrade(t TradeEvent) error {
	if t.Key == "" || t.Price.IsNegative() || t.Size.IsNegative() {
		return fmt.Errorf("%w: key=%q price=%s size=%s", ErrInvalidTrade, t.Key, t.Price, t.Size)
	}

	s.mu.Lock()
	if _, dup := s.tradeKeys[t.Key]; dup {
		s.mu.Unlock()
		return nil
	}
	s.tradeKeys[t.Key] = struct{}{}
	s.trades = append(s.trades, t)
	s.seq++
	hook := s.onTrade
	s.mu.Unlock()

	if hook != nil {
		hook(t)
	}
	return nil
}

func (s *Store) index(o *Order) {
	lvl := s.tree(o.Side).upsert(o.Price)
	lvl.ids = append(lvl.ids, o.ID)
}

func (s *Store) unindex(o *Order) {
	if !o.Status.IsOpen() {
		return
	}
	t := s.tree(o.Side)
	lvl := t.find(o.Price)
	if lvl == nil {
		return
	}
	lvl.remove(o.ID)
	if len(lvl.ids) == 0 {
		t.delete(o.Price)
	}
}

// Range returns open orders on side with min <= price <= max, price ascending.
func (s *Store) Range(min, max decimal.Decimal, side Side) []Order {
	if min.Cmp(max) > 0 {
		return []Order{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.tree(side), &min, &max)
}

// Active returns every open order on side, price ascending.
func (s *Store) Active(side Side) []Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.tree(side), nil, nil)
}

// Sides returns every open order of both sides from one point in time.
func (s *Store) Sides() (bids, asks []Order) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.bids, nil, nil), s.collect(s.asks, nil, nil)
}

func (s *Store) collect(t *priceTree, lo, hi *decimal.Decimal) []Order {
	out := make([]Order, 0)
	visit := func(lvl *priceLevel) bool {
		for _, id := range lvl.ids {
			out = append(out, *s.orders[id])
		}
		return true
	}
	if lo == nil {
		t.ascend(visit)
	} else {
		t.ascendRange(*lo, *hi, visit)
	}
	return out
}

// Trades returns the trade log, oldest first.
func (s *Store) Trades() []TradeEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TradeEvent, len(s.trades))
	copy(out, s.trades)
	return out
}

func (s *Store) Order(id string) (Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Spread returns lowest ask minus highest bid; false if either side is empty.
func (s *Store) Spread() (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spread()
}

func (s *Store) spread() (decimal.Decimal, bool) {
	bestBid := s.bids.max()
	bestAsk := s.asks.min()
	if bestBid == nil || bestAsk == nil {
		return decimal.Zero, false
	}
	return bestAsk.price.Sub(bestBid.price), true
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Seq:    s.seq,
		Bids:   s.collect(s.bids, nil, nil),
		Asks:   s.collect(s.asks, nil, nil),
		Trades: make([]TradeEvent, len(s.trades)),
	}
	copy(snap.Trades, s.trades)
	snap.Spread, snap.HasSpread = s.spread()
	return snap
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Seq: s.seq, Orders: len(s.orders), Trades: len(s.trades)}
	s.bids.ascend(func(l *priceLevel) bool { st.OpenBids += len(l.ids); return true })
	s.asks.ascend(func(l *priceLevel) bool { st.OpenAsks += len(l.ids); return true })
	return st
}

// Seq returns the number of mutations applied so far.
func (s *Store) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}
