package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/orderbook-mirror/pkg/book"
	"github.com/uhyunpark/orderbook-mirror/pkg/util"
)

type Config struct {
	CORSOrigins  []string
	PollInterval time.Duration       // subscription cadence
	Gatherer     prometheus.Gatherer // nil uses the default registry
	Clock        util.Clock          // nil uses the real clock
}

// Server handles REST API and WebSocket connections
type Server struct {
	book   book.Reader
	ingest Ingest // optional
	cfg    Config
	router *mux.Router
	hub    *Hub
	logger *zap.SugaredLogger
}

// NewServer creates a new API server over a read-only view of the book
func NewServer(b book.Reader, ingest Ingest, cfg Config, logger *zap.SugaredLogger) *Server {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}

	s := &Server{
		book:   b,
		ingest: ingest,
		cfg:    cfg,
		router: mux.NewRouter(),
		hub:    NewHub(logger),
		logger: logger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Order endpoints; the fixed paths go before {id}
	api.HandleFunc("/orders/buy", s.handleSideOrders(book.Buy)).Methods("GET")
	api.HandleFunc("/orders/sell", s.handleSideOrders(book.Sell)).Methods("GET")
	api.HandleFunc("/orders", s.handleAllOrders).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")

	// Market endpoints
	api.HandleFunc("/spread", s.handleSpread).Methods("GET")
	api.HandleFunc("/trades", s.handleTrades).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("api_server_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.hub.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleSideOrders(side book.Side) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, toOrderInfos(s.book.Active(side)))
	}
}

// handleAllOrders returns buy then sell orders; limit and offset apply to
// the concatenation.
func (s *Server) handleAllOrders(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid pagination", err.Error())
		return
	}
	bids, asks := s.book.Sides()
	all := append(bids, asks...)
	respondJSON(w, toOrderInfos(paginate(all, limit, offset)))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	o, ok := s.book.Order(id)
	if !ok {
		respondError(w, http.StatusNotFound, "order not found", id)
		return
	}
	respondJSON(w, toOrderInfo(o))
}

func (s *Server) handleSpread(w http.ResponseWriter, r *http.Request) {
	var resp SpreadResponse
	if spread, ok := s.book.Spread(); ok {
		v := spread.String()
		resp.Spread = &v
	}
	respondJSON(w, resp)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid pagination", err.Error())
		return
	}
	respondJSON(w, toTradeInfos(paginate(s.book.Trades(), limit, offset)))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Book: s.book.Stats()}
	if s.ingest != nil {
		c := s.ingest.Cursor()
		resp.State = s.ingest.State().String()
		resp.Market = c.Market.Hex()
		resp.Start = c.Start
		resp.Cursor = c.Last
	}
	respondJSON(w, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

// pageParams parses limit and offset. A missing limit means no limit.
func pageParams(r *http.Request) (limit, offset int, err error) {
	limit = -1
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, errors.New("limit must be a non-negative integer")
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return items[:0]
	}
	items = items[offset:]
	if limit >= 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
