package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/orderbook-mirror/pkg/indexer"
)

var (
	marketA = common.HexToHash("0xaa")
	marketB = common.HexToHash("0xbb")
)

func openArchive(t *testing.T, dir string) *Archive {
	t.Helper()
	a, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return a
}

func rec(block uint64, n int) []byte {
	return []byte(fmt.Sprintf(`{"block_number":%d,"n":%d}`, block, n))
}

func scanAll(t *testing.T, a *Archive, market common.Hash, from, to uint64) [][]byte {
	t.Helper()
	var out [][]byte
	err := a.Scan(market, from, to, func(_ uint64, raw []byte) error {
		out = append(out, append([]byte(nil), raw...))
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return out
}

func TestRecordAndScan(t *testing.T) {
	a := openArchive(t, t.TempDir())
	defer a.Close()

	input := []struct {
		market common.Hash
		block  uint64
		n      int
	}{
		{marketA, 101, 0},
		{marketA, 103, 0},
		{marketA, 103, 1},
		{marketB, 102, 0},
		{marketA, 105, 0},
	}
	for _, in := range input {
		if err := a.Record(in.market, in.block, rec(in.block, in.n)); err != nil {
			t.Fatal(err)
		}
	}

	got := scanAll(t, a, marketA, 0, indexer.LatestBlock)
	want := [][]byte{rec(101, 0), rec(103, 0), rec(103, 1), rec(105, 0)}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("record %d = %s, want %s", i, got[i], want[i])
		}
	}

	if got := scanAll(t, a, marketA, 102, 103); len(got) != 2 {
		t.Errorf("range [102,103] = %d records, want 2", len(got))
	}
	if got := scanAll(t, a, marketB, 0, indexer.LatestBlock); len(got) != 1 {
		t.Errorf("market B = %d records, want 1", len(got))
	}
}

func TestRecordSkipsArchivedOverlap(t *testing.T) {
	dir := t.TempDir()
	a := openArchive(t, dir)
	for _, b := range []uint64{101, 102, 102} {
		if err := a.Record(marketA, b, rec(b, 0)); err != nil {
			t.Fatal(err)
		}
	}
	if got := scanAll(t, a, marketA, 0, indexer.LatestBlock); len(got) != 2 {
		t.Fatalf("duplicate at head archived: %d records", len(got))
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	// a second run replays from the start block
	a = openArchive(t, dir)
	defer a.Close()
	for _, b := range []uint64{101, 102, 102, 103} {
		if err := a.Record(marketA, b, rec(b, 0)); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.Record(marketA, 103, rec(103, 1)); err != nil {
		t.Fatal(err)
	}
	got := scanAll(t, a, marketA, 0, indexer.LatestBlock)
	if len(got) != 4 {
		t.Fatalf("after reopen: %d records, want 4", len(got))
	}
	if !bytes.Equal(got[3], rec(103, 1)) {
		t.Errorf("last record = %s", got[3])
	}

	last, ok, err := a.LastBlock(marketA)
	if err != nil || !ok || last != 103 {
		t.Errorf("LastBlock = %d, %v, %v", last, ok, err)
	}
	if _, ok, _ := a.LastBlock(marketB); ok {
		t.Error("empty market reports a head")
	}
}

func TestArchiveSource(t *testing.T) {
	a := openArchive(t, t.TempDir())
	defer a.Close()
	for _, b := range []uint64{101, 103, 105} {
		if err := a.Record(marketA, b, rec(b, 0)); err != nil {
			t.Fatal(err)
		}
	}

	src := a.Source()
	ctx := context.Background()
	if err := src.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	s, err := src.Live(ctx, marketA, 103)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var got [][]byte
	for {
		raw, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, raw)
	}
	if len(got) != 2 || !bytes.Equal(got[0], rec(103, 0)) || !bytes.Equal(got[1], rec(105, 0)) {
		t.Errorf("live from 103 = %q", got)
	}
}

func TestScanStopsOnError(t *testing.T) {
	a := openArchive(t, t.TempDir())
	defer a.Close()
	for _, b := range []uint64{1, 2, 3} {
		_ = a.Record(marketA, b, rec(b, 0))
	}
	stop := errors.New("stop")
	calls := 0
	err := a.Scan(marketA, 0, indexer.LatestBlock, func(uint64, []byte) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("err=%v calls=%d", err, calls)
	}
}

func TestKeyUpperBound(t *testing.T) {
	tests := []struct {
		in, want []byte
	}{
		{[]byte("r:"), []byte("r;")},
		{[]byte{0x01, 0xff}, []byte{0x02}},
		{[]byte{0xff, 0xff}, nil},
	}
	for _, tt := range tests {
		if got := keyUpperBound(tt.in); !bytes.Equal(got, tt.want) {
			t.Errorf("keyUpperBound(%x) = %x, want %x", tt.in, got, tt.want)
		}
	}
}
