package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/uhyunpark/orderbook-mirror/params"
	"github.com/uhyunpark/orderbook-mirror/pkg/api"
	"github.com/uhyunpark/orderbook-mirror/pkg/book"
	"github.com/uhyunpark/orderbook-mirror/pkg/indexer"
	"github.com/uhyunpark/orderbook-mirror/pkg/pangea"
	"github.com/uhyunpark/orderbook-mirror/pkg/publisher"
	"github.com/uhyunpark/orderbook-mirror/pkg/storage"
	"github.com/uhyunpark/orderbook-mirror/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	level, err := util.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("config: LOG_LEVEL: %v", err)
	}

	var logger *zap.Logger
	if cfg.Log.File != "" {
		logger, err = util.NewLoggerWithFile(cfg.Log.File, level)
	} else {
		logger, err = util.NewLogger(level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", level.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var wg sync.WaitGroup

	// ---- Trade publisher (optional) ----
	var storeOpts []book.Option
	if len(cfg.Kafka.Brokers) > 0 {
		pub := publisher.New(publisher.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), cfg.Market.ID.Hex(), 0, sugar)
		storeOpts = append(storeOpts, book.WithTradeHook(pub.Publish))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pub.Run(ctx)
			if err := pub.Close(); err != nil {
				sugar.Warnw("kafka_close_failed", "err", err)
			}
			sugar.Infow("trade_publisher_stopped", "sent", pub.Sent(), "dropped", pub.Dropped())
		}()
		sugar.Infow("trade_publisher_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// ---- Book + ingestion ----
	store := book.NewStore(storeOpts...)

	src := pangea.New(pangea.Config{
		URL:      cfg.Upstream.URL,
		Username: cfg.Upstream.Username,
		Password: cfg.Upstream.Password,
		Chain:    cfg.Upstream.Chain,
	}, sugar)

	pipeline := indexer.NewPipeline(indexer.Config{
		Market:     cfg.Market.ID,
		StartBlock: cfg.Market.StartBlock,
		Backoff:    cfg.Ingest.ReconnectBackoff,
	}, src, indexer.NewApplier(cfg.Market.ID, store), util.RealClock{}, sugar)
	pipeline.Metrics = indexer.NewMetrics(reg)

	if cfg.Archive.Dir != "" {
		archive, err := storage.Open(cfg.Archive.Dir)
		if err != nil {
			sugar.Fatalw("archive_open_failed", "dir", cfg.Archive.Dir, "err", err)
		}
		defer archive.Close()
		pipeline.Recorder = archive
		sugar.Infow("record_archive_enabled", "dir", cfg.Archive.Dir)
	}

	// ---- API Server ----
	apiServer := api.NewServer(store, pipeline, api.Config{
		CORSOrigins:  cfg.API.CORSOrigins,
		PollInterval: cfg.API.SubscriptionInterval,
		Gatherer:     reg,
	}, sugar)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(ctx, cfg.API.Addr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("node_starting",
		"market", cfg.Market.ID.Hex(),
		"start_block", cfg.Market.StartBlock,
		"upstream", cfg.Upstream.URL,
		"reconnect_backoff_ms", cfg.Ingest.ReconnectBackoff.Milliseconds())

	// Single writer: the pipeline runs on the main goroutine until shutdown
	_ = pipeline.Run(ctx)

	wg.Wait()
	st := store.Stats()
	sugar.Infow("node_stopped",
		"cursor", pipeline.Cursor().Last,
		"open_bids", st.OpenBids,
		"open_asks", st.OpenAsks,
		"trades", st.Trades)
}
