package pangea

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/orderbook-mirror/pkg/indexer"
)

var market = common.HexToHash("0x0f0e0d0c0b0a09080706050403020100f0e0d0c0b0a090807060504030201000")

// upstream is a scripted Pangea endpoint. closeCode 0 drops the TCP
// connection without a close frame; -1 keeps it open until the client leaves.
type upstream struct {
	frames    []string
	closeCode int
	reqs      chan request
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != "user" || pass != "secret" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var req request
	if err := conn.ReadJSON(&req); err != nil {
		return
	}
	u.reqs <- req

	for _, f := range u.frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			return
		}
	}
	switch u.closeCode {
	case 0:
	case -1:
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	default:
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(u.closeCode, ""))
		_, _, _ = conn.ReadMessage()
	}
}

func newClient(t *testing.T, u *upstream, password string) *Client {
	t.Helper()
	if u.reqs == nil {
		u.reqs = make(chan request, 4)
	}
	srv := httptest.NewServer(u)
	t.Cleanup(srv.Close)
	return New(Config{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		Username:    "user",
		Password:    password,
		ReadTimeout: 5 * time.Second,
	}, zap.NewNop().Sugar())
}

func drain(t *testing.T, s indexer.Stream) ([]string, error) {
	t.Helper()
	var got []string
	for {
		rec, err := s.Next(context.Background())
		if err != nil {
			return got, err
		}
		got = append(got, string(rec))
	}
}

func TestConnect(t *testing.T) {
	ok := newClient(t, &upstream{closeCode: websocket.CloseNormalClosure}, "secret")
	if err := ok.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	bad := newClient(t, &upstream{}, "wrong")
	err := bad.Connect(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "connect" {
		t.Fatalf("err = %v, want connect TransportError", err)
	}
}

func TestHistoricalStreamsUntilNormalClose(t *testing.T) {
	u := &upstream{
		frames:    []string{`{"block_number":101}`, "{\"block_number\":102}\n{\"block_number\":103}\n"},
		closeCode: websocket.CloseNormalClosure,
	}
	c := newClient(t, u, "secret")

	s, err := c.Historical(context.Background(), market, 100, indexer.LatestBlock)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got, err := drain(t, s)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("end err = %v, want io.EOF", err)
	}
	want := []string{`{"block_number":101}`, `{"block_number":102}`, `{"block_number":103}`}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("records = %v, want %v", got, want)
	}

	req := <-u.reqs
	if req.FromBlock != 100 || req.ToBlock != "latest" || req.Deltas {
		t.Errorf("request = %+v", req)
	}
	if len(req.MarketIDIn) != 1 || req.MarketIDIn[0] != market.Hex() || req.Chains[0] != "FUEL" || req.Format != "json_stream" {
		t.Errorf("request = %+v", req)
	}
}

func TestHistoricalBoundedRange(t *testing.T) {
	u := &upstream{closeCode: websocket.CloseNormalClosure}
	c := newClient(t, u, "secret")

	s, err := c.Historical(context.Background(), market, 10, 20)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	_, _ = drain(t, s)

	req := <-u.reqs
	if n, ok := req.ToBlock.(float64); !ok || n != 20 {
		t.Errorf("to_block = %#v, want 20", req.ToBlock)
	}
}

func TestLiveDropIsTransportError(t *testing.T) {
	u := &upstream{frames: []string{`{"block_number":106}`}}
	c := newClient(t, u, "secret")

	s, err := c.Live(context.Background(), market, 106)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got, err := drain(t, s)
	if len(got) != 1 {
		t.Errorf("records = %v", got)
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "read" {
		t.Fatalf("err = %v, want read TransportError", err)
	}

	req := <-u.reqs
	if req.FromBlock != 106 || req.ToBlock != "subscribe" || !req.Deltas {
		t.Errorf("request = %+v", req)
	}
}

func TestLiveCancel(t *testing.T) {
	c := newClient(t, &upstream{closeCode: -1}, "secret")

	ctx, cancel := context.WithCancel(context.Background())
	s, err := c.Live(ctx, market, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	done := make(chan error, 1)
	go func() {
		_, err := s.Next(ctx)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after cancel")
	}
}
