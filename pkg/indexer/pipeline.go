// Package indexer drives ingestion: upstream records are decoded, applied to
// the book in arrival order and tracked by a resume cursor.
package indexer

import (
	"context"
	"errors"
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/orderbook-mirror/pkg/event"
	"github.com/uhyunpark/orderbook-mirror/pkg/util"
)

// LatestBlock as the upper bound of a historical query means the current head.
const LatestBlock = math.MaxUint64

// Source is the upstream record source.
type Source interface {
	Connect(ctx context.Context) error
	// Historical yields records in [from, to] and ends with io.EOF.
	Historical(ctx context.Context, market common.Hash, from, to uint64) (Stream, error)
	// Live yields records from block from onward until the connection drops.
	Live(ctx context.Context, market common.Hash, from uint64) (Stream, error)
	Close() error
}

type Stream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Recorder receives every decoded record of the configured market before it
// is applied.
type Recorder interface {
	Record(market common.Hash, block uint64, raw []byte) error
}

type State int32

const (
	Connecting State = iota
	Backfilling
	Following
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Backfilling:
		return "Backfilling"
	case Following:
		return "Following"
	case Reconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

const (
	PhaseBackfill = "backfill"
	PhaseFollow   = "follow"
)

// Cursor is the resume point of the pipeline. Last is 0 until a record applies.
type Cursor struct {
	Last   uint64      `json:"last"`
	Market common.Hash `json:"market"`
	Start  uint64      `json:"start"`
}

type Config struct {
	Market     common.Hash
	StartBlock uint64
	Backoff    time.Duration
}

// Pipeline is the single writer of the book. It runs
// Connecting -> Backfilling -> Following <-> Reconnecting until ctx ends.
type Pipeline struct {
	Source   Source
	Applier  *Applier
	Clock    util.Clock
	Logger   *zap.SugaredLogger
	Metrics  *Metrics // optional
	Recorder Recorder // optional

	// Test and observability hooks, called on the pipeline goroutine.
	OnStateChange func(State)
	OnRequest     func(phase string, from uint64)

	cfg   Config
	state atomic.Int32
	last  atomic.Uint64

	// keys of the records applied at block last; a reconnect replays that block
	atLast map[string]struct{}
}

func NewPipeline(cfg Config, src Source, applier *Applier, clock util.Clock, logger *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		Source:  src,
		Applier: applier,
		Clock:   clock,
		Logger:  logger,
		cfg:     cfg,
		atLast:  make(map[string]struct{}),
	}
}

func (p *Pipeline) State() State { return State(p.state.Load()) }

func (p *Pipeline) Cursor() Cursor {
	return Cursor{Last: p.last.Load(), Market: p.cfg.Market, Start: p.cfg.StartBlock}
}

// Run blocks until ctx is cancelled and returns ctx.Err(). Upstream failures
// never end it.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.Source.Close()

	p.setState(Connecting)
	for {
		err := p.Source.Connect(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.Logger.Warnw("connect_failed", "err", err, "backoff", p.cfg.Backoff)
		if err := p.wait(ctx); err != nil {
			return err
		}
	}

	p.setState(Backfilling)
	if err := p.backfill(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.Logger.Warnw("backfill_interrupted", "err", err, "cursor", p.last.Load())
	} else {
		p.Logger.Infow("backfill_done", "cursor", p.last.Load())
	}

	for {
		p.setState(Following)
		err := p.follow(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.Logger.Warnw("live_stream_ended", "err", err, "cursor", p.last.Load(), "backoff", p.cfg.Backoff)

		p.setState(Reconnecting)
		p.Metrics.reconnect()
		if err := p.wait(ctx); err != nil {
			return err
		}
	}
}

func (p *Pipeline) backfill(ctx context.Context) error {
	from := p.cfg.StartBlock
	p.request(PhaseBackfill, from)
	s, err := p.Source.Historical(ctx, p.cfg.Market, from, LatestBlock)
	if err != nil {
		return err
	}
	defer s.Close()

	err = p.consume(ctx, PhaseBackfill, s)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// follow opens a live stream at cursor+1, or at the start block when nothing
// has been applied yet. It returns when the stream fails or closes.
func (p *Pipeline) follow(ctx context.Context) error {
	from := p.cfg.StartBlock
	if last := p.last.Load(); last != 0 {
		from = last + 1
	}
	p.request(PhaseFollow, from)
	s, err := p.Source.Live(ctx, p.cfg.Market, from)
	if err != nil {
		return err
	}
	defer s.Close()
	return p.consume(ctx, PhaseFollow, s)
}

func (p *Pipeline) consume(ctx context.Context, phase string, s Stream) error {
	for {
		raw, err := s.Next(ctx)
		if err != nil {
			return err
		}
		p.Metrics.record(phase)
		p.handle(phase, raw)
	}
}

// handle decodes and applies one record. Decode and apply failures are
// logged and the record is skipped.
func (p *Pipeline) handle(phase string, raw []byte) {
	ev, err := event.Decode(raw)
	if err != nil {
		p.Metrics.decodeError()
		p.Logger.Warnw("decode_failed", "phase", phase, "err", err)
		return
	}
	if ev.Market != p.cfg.Market {
		p.Logger.Debugw("foreign_market_skipped", "market", ev.Market.Hex(), "block", ev.Block)
		return
	}

	last := p.last.Load()
	key := ev.Key()
	if ev.Block < last {
		p.Metrics.duplicate()
		p.Logger.Debugw("stale_record_dropped", "block", ev.Block, "cursor", last)
		return
	}
	if _, seen := p.atLast[key]; seen && ev.Block == last {
		p.Metrics.duplicate()
		p.Logger.Debugw("replayed_record_dropped", "block", ev.Block, "key", key)
		return
	}

	if p.Recorder != nil {
		if err := p.Recorder.Record(ev.Market, ev.Block, raw); err != nil {
			p.Logger.Errorw("record_archive_failed", "block", ev.Block, "err", err)
		}
	}

	if err := p.Applier.Apply(ev); err != nil {
		p.Metrics.applyError()
		p.Logger.Warnw("apply_failed",
			"phase", phase,
			"block", ev.Block,
			"order_id", ev.OrderID,
			"kind", ev.Kind.String(),
			"err", err)
	}

	if ev.Block > last {
		p.last.Store(ev.Block)
		p.Metrics.setCursor(ev.Block)
		clear(p.atLast)
	}
	p.atLast[key] = struct{}{}
}

func (p *Pipeline) wait(ctx context.Context) error {
	return util.Sleep(ctx, p.Clock, p.cfg.Backoff)
}

func (p *Pipeline) request(phase string, from uint64) {
	p.Logger.Infow("stream_request", "phase", phase, "from_block", from)
	if p.OnRequest != nil {
		p.OnRequest(phase, from)
	}
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
	p.Metrics.setState(s)
	p.Logger.Infow("pipeline_state", "state", s.String())
	if p.OnStateChange != nil {
		p.OnStateChange(s)
	}
}
