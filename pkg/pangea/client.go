// Package pangea streams order-book records from a Pangea indexer over
// WebSocket.
package pangea

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/orderbook-mirror/pkg/indexer"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadTimeout      = 2 * time.Minute

	toLatest    = "latest"
	toSubscribe = "subscribe"
)

// TransportError is a connection or stream failure. The pipeline answers it
// with a reconnect.
type TransportError struct {
	Op  string // "connect", "request", "read"
	Err error
}

func (e *TransportError) Error() string {
	return "pangea " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

type Config struct {
	URL              string
	Username         string
	Password         string
	Chain            string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration // per frame; 0 uses the default
}

// Client implements indexer.Source. Every query runs on its own connection.
type Client struct {
	cfg    Config
	dialer websocket.Dialer
	header http.Header
	logger *zap.SugaredLogger
}

var _ indexer.Source = (*Client)(nil)

func New(cfg Config, logger *zap.SugaredLogger) *Client {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.Chain == "" {
		cfg.Chain = "FUEL"
	}
	header := http.Header{}
	if cfg.Username != "" || cfg.Password != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		header.Set("Authorization", "Basic "+cred)
	}
	return &Client{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		header: header,
		logger: logger,
	}
}

// request is the query sent as the first frame on a connection.
type request struct {
	Chains     []string `json:"chains"`
	FromBlock  uint64   `json:"from_block"`
	ToBlock    any      `json:"to_block"` // block number, "latest" or "subscribe"
	MarketIDIn []string `json:"market_id__in"`
	Format     string   `json:"format"`
	Deltas     bool     `json:"deltas"`
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		return nil, &TransportError{Op: "connect", Err: err}
	}
	return conn, nil
}

// Connect checks that the endpoint accepts the credentials.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return conn.Close()
}

func (c *Client) Historical(ctx context.Context, market common.Hash, from, to uint64) (indexer.Stream, error) {
	var upper any = to
	if to == indexer.LatestBlock {
		upper = toLatest
	}
	return c.query(ctx, request{
		Chains:     []string{c.cfg.Chain},
		FromBlock:  from,
		ToBlock:    upper,
		MarketIDIn: []string{market.Hex()},
		Format:     "json_stream",
	})
}

func (c *Client) Live(ctx context.Context, market common.Hash, from uint64) (indexer.Stream, error) {
	return c.query(ctx, request{
		Chains:     []string{c.cfg.Chain},
		FromBlock:  from,
		ToBlock:    toSubscribe,
		MarketIDIn: []string{market.Hex()},
		Format:     "json_stream",
		Deltas:     true,
	})
}

// Close is a no-op; streams own their connections.
func (c *Client) Close() error { return nil }

func (c *Client) query(ctx context.Context, req request) (indexer.Stream, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, &TransportError{Op: "request", Err: err}
	}
	c.logger.Debugw("pangea_query", "from_block", req.FromBlock, "to_block", req.ToBlock)

	s := &stream{conn: conn, readTimeout: c.cfg.ReadTimeout}
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	s.stop = context.AfterFunc(ctx, func() { conn.Close() })
	return s, nil
}

// stream yields one record per line of each data frame.
type stream struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	pending     [][]byte
	stop        func() bool
	closeOnce   sync.Once
}

func (s *stream) Next(ctx context.Context) ([]byte, error) {
	for len(s.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil, io.EOF
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &TransportError{Op: "read", Err: err}
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) > 0 {
				s.pending = append(s.pending, line)
			}
		}
	}
	rec := s.pending[0]
	s.pending = s.pending[1:]
	return rec, nil
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stop()
		err = s.conn.Close()
	})
	return err
}
