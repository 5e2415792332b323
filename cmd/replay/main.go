// Command replay rebuilds the book offline from a record archive written by
// the node and prints a summary.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/uhyunpark/orderbook-mirror/pkg/book"
	"github.com/uhyunpark/orderbook-mirror/pkg/event"
	"github.com/uhyunpark/orderbook-mirror/pkg/indexer"
	"github.com/uhyunpark/orderbook-mirror/pkg/storage"
	"github.com/uhyunpark/orderbook-mirror/pkg/util"
)

type summary struct {
	Market  string     `json:"market"`
	Cursor  uint64     `json:"cursorBlock"`
	Stats   book.Stats `json:"stats"`
	BestBid *string    `json:"bestBid"`
	BestAsk *string    `json:"bestAsk"`
	Spread  *string    `json:"spread"`
}

func main() {
	dir := flag.String("archive", "data/archive", "archive directory")
	marketHex := flag.String("market", "", "market id (0x-prefixed, 32 bytes)")
	from := flag.Uint64("from", 0, "first block to replay")
	dump := flag.Bool("dump", false, "print raw records instead of rebuilding")
	verbose := flag.Bool("v", false, "log pipeline progress")
	flag.Parse()

	market, err := event.ParseMarketID(*marketHex)
	if err != nil {
		log.Fatalf("-market: %v", err)
	}

	archive, err := storage.Open(*dir)
	if err != nil {
		log.Fatalf("archive: %v", err)
	}
	defer archive.Close()

	if *dump {
		err := archive.Scan(market, *from, indexer.LatestBlock, func(block uint64, raw []byte) error {
			_, err := fmt.Printf("%d\t%s\n", block, raw)
			return err
		})
		if err != nil {
			log.Fatalf("scan: %v", err)
		}
		return
	}

	logger := zap.NewNop()
	if *verbose {
		if logger, err = util.NewLogger(zap.DebugLevel); err != nil {
			log.Fatalf("logger: %v", err)
		}
	}
	defer logger.Sync()

	store := book.NewStore()
	pipeline := indexer.NewPipeline(indexer.Config{
		Market:     market,
		StartBlock: *from,
	}, archive.Source(), indexer.NewApplier(market, store), util.RealClock{}, logger.Sugar())

	// The archive has no live tail: stop once backfill hands over to follow.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipeline.OnRequest = func(phase string, _ uint64) {
		if phase == indexer.PhaseFollow {
			cancel()
		}
	}
	_ = pipeline.Run(ctx)

	snap := store.Snapshot()
	out := summary{
		Market: market.Hex(),
		Cursor: pipeline.Cursor().Last,
		Stats:  store.Stats(),
	}
	if n := len(snap.Bids); n > 0 {
		v := snap.Bids[n-1].Price.String()
		out.BestBid = &v
	}
	if len(snap.Asks) > 0 {
		v := snap.Asks[0].Price.String()
		out.BestAsk = &v
	}
	if snap.HasSpread {
		v := snap.Spread.String()
		out.Spread = &v
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("encode: %v", err)
	}
}
