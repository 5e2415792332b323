// Package storage archives raw upstream records in Pebble so a book can be
// rebuilt offline.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/orderbook-mirror/pkg/indexer"
)

// Archive is an append-only, per-market log of raw records in block order.
// Records older than a market's archived head are assumed archived already;
// records at the head block are deduplicated by content hash.
type Archive struct {
	db *pebble.DB

	mu    sync.Mutex
	seq   uint64
	heads map[common.Hash]*head
}

// head tracks the newest archived block of a market.
type head struct {
	block  uint64
	hashes map[common.Hash]struct{}
}

var _ indexer.Recorder = (*Archive)(nil)

func Open(path string) (*Archive, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	a := &Archive{db: db, heads: make(map[common.Hash]*head)}

	val, closer, err := db.Get([]byte(keySeq))
	switch {
	case err == nil:
		a.seq = keyUint64(val)
		closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		db.Close()
		return nil, fmt.Errorf("failed to read sequence: %w", err)
	}
	return a, nil
}

func (a *Archive) Close() error { return a.db.Close() }

// Record appends raw under market and block. It implements indexer.Recorder.
func (a *Archive) Record(market common.Hash, block uint64, raw []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	h, err := a.head(market)
	if err != nil {
		return err
	}
	if block < h.block {
		return nil
	}
	if block > h.block {
		h.block = block
		h.hashes = make(map[common.Hash]struct{})
	}
	sum := crypto.Keccak256Hash(raw)
	if _, dup := h.hashes[sum]; dup {
		return nil
	}

	seq := a.seq + 1
	b := a.db.NewBatch()
	defer b.Close()
	if err := b.Set(recordKey(market, block, seq), raw, nil); err != nil {
		return fmt.Errorf("failed to stage record: %w", err)
	}
	if err := b.Set([]byte(keySeq), uint64Key(seq), nil); err != nil {
		return fmt.Errorf("failed to stage sequence: %w", err)
	}
	if err := b.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	a.seq = seq
	h.hashes[sum] = struct{}{}
	return nil
}

// head loads the newest archived block of market and the hashes of its
// records. Caller holds a.mu.
func (a *Archive) head(market common.Hash) (*head, error) {
	if h, ok := a.heads[market]; ok {
		return h, nil
	}
	h := &head{hashes: make(map[common.Hash]struct{})}

	prefix := recordPrefix(market)
	iter, err := a.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	if iter.Last() {
		block, _, ok := splitRecordKey(iter.Key())
		if !ok {
			return nil, fmt.Errorf("malformed record key %x", iter.Key())
		}
		h.block = block
		for ; iter.Valid(); iter.Prev() {
			if b, _, _ := splitRecordKey(iter.Key()); b != block {
				break
			}
			h.hashes[crypto.Keccak256Hash(iter.Value())] = struct{}{}
		}
	}
	a.heads[market] = h
	return h, nil
}

// LastBlock returns the newest archived block of market.
func (a *Archive) LastBlock(market common.Hash) (uint64, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, err := a.head(market)
	if err != nil {
		return 0, false, err
	}
	return h.block, h.block != 0, nil
}

// Scan calls fn for every record of market in [from, to], in arrival order.
func (a *Archive) Scan(market common.Hash, from, to uint64, fn func(block uint64, raw []byte) error) error {
	iter, err := a.iter(market, from, to)
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		block, _, ok := splitRecordKey(iter.Key())
		if !ok {
			continue
		}
		if err := fn(block, iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (a *Archive) iter(market common.Hash, from, to uint64) (*pebble.Iterator, error) {
	upper := keyUpperBound(recordPrefix(market))
	if to != indexer.LatestBlock {
		upper = blockKey(market, to+1)
	}
	return a.db.NewIter(&pebble.IterOptions{
		LowerBound: blockKey(market, from),
		UpperBound: upper,
	})
}

// Source serves archived records through indexer.Source. Live queries end
// at the archived head.
func (a *Archive) Source() indexer.Source { return archiveSource{a} }

type archiveSource struct{ a *Archive }

func (archiveSource) Connect(context.Context) error { return nil }
func (archiveSource) Close() error                  { return nil }

func (s archiveSource) Historical(_ context.Context, market common.Hash, from, to uint64) (indexer.Stream, error) {
	iter, err := s.a.iter(market, from, to)
	if err != nil {
		return nil, err
	}
	iter.First()
	return &iterStream{iter: iter}, nil
}

func (s archiveSource) Live(ctx context.Context, market common.Hash, from uint64) (indexer.Stream, error) {
	return s.Historical(ctx, market, from, indexer.LatestBlock)
}

type iterStream struct {
	iter *pebble.Iterator
}

func (s *iterStream) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.iter.Valid() {
		if err := s.iter.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	raw := append([]byte(nil), s.iter.Value()...)
	s.iter.Next()
	return raw, nil
}

func (s *iterStream) Close() error { return s.iter.Close() }
