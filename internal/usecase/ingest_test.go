package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"SmartFlow/internal/batcher"
	"SmartFlow/internal/domain/models"
)

type fakeStream struct {
	mu         sync.Mutex
	records    chan *models.FlowRecord
	errs       chan error
	reconnects int
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		records: make(chan *models.FlowRecord, 16),
		errs:    make(chan error, 1),
	}
}

func (s *fakeStream) Connect(context.Context) error   { return nil }
func (s *fakeStream) Subscribe(context.Context) error { return nil }
func (s *fakeStream) Read(context.Context) (<-chan *models.FlowRecord, <-chan error) {
	return s.records, s.errs
}
func (s *fakeStream) Reconnect(context.Context) error {
	s.mu.Lock()
	s.reconnects++
	s.mu.Unlock()
	return nil
}
func (s *fakeStream) Close() error      { return nil }
func (s *fakeStream) IsConnected() bool { return true }

func (s *fakeStream) reconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

func TestCollectorKeepsConsumingAfterStreamError(t *testing.T) {
	stream := newFakeStream()

	var mu sync.Mutex
	var got []*models.FlowRecord
	b := batcher.New(batcher.HandlerFunc(func(_ context.Context, records []*models.FlowRecord) error {
		mu.Lock()
		got = append(got, records...)
		mu.Unlock()
		return nil
	}), nopMetrics{}, batcher.WithMaxRecords(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	c := NewFlowCollector(stream, b, nopMetrics{}, testLogger(t))
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	ts := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	stream.records <- foreignBuy("005930", ts, 1_000_000)
	stream.errs <- errors.New("socket reset")

	deadline := time.Now().Add(time.Second)
	for stream.reconnectCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream error did not trigger a reconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Records delivered after the reconnect must still reach the batcher.
	stream.records <- foreignBuy("000660", ts.Add(time.Second), 2_000_000)

	deadline = time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ingestion dead after stream error, %d records delivered", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConsumeStopsWhenStreamChannelsClose(t *testing.T) {
	stream := newFakeStream()
	b := batcher.New(batcher.HandlerFunc(func(context.Context, []*models.FlowRecord) error {
		return nil
	}), nopMetrics{})

	c := NewFlowCollector(stream, b, nopMetrics{}, testLogger(t))

	recCh := make(chan *models.FlowRecord)
	errCh := make(chan error)
	done := make(chan struct{})
	go func() {
		c.consume(context.Background(), recCh, errCh)
		close(done)
	}()

	close(errCh)
	close(recCh)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consume kept running after the stream channels closed")
	}
}
