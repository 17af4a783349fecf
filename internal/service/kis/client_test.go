package kis

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"SmartFlow/pkg/logger"

	"github.com/gorilla/websocket"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return l
}

const flowFrame = `{"type":"investor_flow","data":[{"code":"005930","market":"KOSPI","ts":1767340800000,` +
	`"frgn":{"buy_amt":1000,"sell_amt":400,"buy_vol":10,"sell_vol":4},` +
	`"orgn":{"buy_amt":500,"sell_amt":200,"buy_vol":5,"sell_vol":2},` +
	`"prsn":{"buy_amt":300,"sell_amt":600,"buy_vol":3,"sell_vol":6},` +
	`"pgm_buy_amt":7,"pgm_sell_amt":8}]}`

// newFeedServer serves the approval handshake and a websocket endpoint that
// drops its first connection right after one frame, then keeps the second
// alive.
func newFeedServer(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var dials int32
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/Approval", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"approval_key":"test-key"}`))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := atomic.AddInt32(&dials, 1)
		if _, _, err := conn.ReadMessage(); err != nil { // subscribe frame
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(flowFrame))
		if n == 1 {
			_ = conn.Close()
			return
		}
		// later connections stay open
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	return httptest.NewServer(mux), &dials
}

func TestReadSurvivesReconnect(t *testing.T) {
	srv, dials := newFeedServer(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	stream := New(srv.URL, wsURL, "app", "secret", []string{"KOSPI"}, time.Millisecond, testLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := stream.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := stream.Subscribe(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	recCh, errCh := stream.Read(ctx)

	select {
	case r := <-recCh:
		if r.InstrumentID != "005930" {
			t.Fatalf("unexpected record: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no record before the drop")
	}

	// server drops the socket; the read loop must report once and resume
	// after a reconnect instead of dying.
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected a read error after the drop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("socket drop was not reported")
	}
	if err := stream.Reconnect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	select {
	case r := <-recCh:
		if r == nil || r.InstrumentID != "005930" {
			t.Fatalf("unexpected record after reconnect: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ingestion dead after reconnect")
	}

	if atomic.LoadInt32(dials) < 2 {
		t.Fatalf("expected a second dial, got %d", atomic.LoadInt32(dials))
	}
	_ = stream.Close()
}
