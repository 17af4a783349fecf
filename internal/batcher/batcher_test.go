package batcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"SmartFlow/internal/domain/models"
)

type nopMetrics struct{}

func (nopMetrics) RecordRecordIngested(string, string) {}
func (nopMetrics) RecordBatchClosed(string, int)       {}
func (nopMetrics) RecordSignal(string)                 {}
func (nopMetrics) RecordError(string)                  {}
func (nopMetrics) RecordCache(string, string)          {}
func (nopMetrics) RecordLatency(string, float64)       {}

type batchCollector struct {
	mu      sync.Mutex
	batches [][]*models.FlowRecord
}

func (c *batchCollector) HandleBatch(_ context.Context, records []*models.FlowRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, records)
	return nil
}

func (c *batchCollector) snapshot() [][]*models.FlowRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]*models.FlowRecord, len(c.batches))
	copy(out, c.batches)
	return out
}

func record(inst string, seq int) *models.FlowRecord {
	return &models.FlowRecord{
		InstrumentID: inst,
		Market:       models.MarketKOSPI,
		Timestamp:    time.Date(2026, 1, 2, 9, 0, seq, 0, time.UTC),
	}
}

func waitForBatches(t *testing.T, c *batchCollector, n int) [][]*models.FlowRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d batches, have %d", n, len(c.snapshot()))
	return nil
}

func TestBatcherClosesOnCount(t *testing.T) {
	coll := &batchCollector{}
	b := New(coll, nopMetrics{}, WithMaxRecords(3), WithMaxWait(time.Hour))
	b.Start(context.Background())
	defer b.Stop()

	for i := 0; i < 3; i++ {
		if err := b.Submit(record("A0001", i)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	batches := waitForBatches(t, coll, 1)
	if len(batches[0]) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batches[0]))
	}
	for i, r := range batches[0] {
		if r.Timestamp.Second() != i {
			t.Fatalf("arrival order broken at %d: %v", i, r.Timestamp)
		}
	}
}

func TestBatcherClosesOnTimeout(t *testing.T) {
	coll := &batchCollector{}
	b := New(coll, nopMetrics{}, WithMaxRecords(100), WithMaxWait(50*time.Millisecond))
	b.Start(context.Background())
	defer b.Stop()

	if err := b.Submit(record("A0001", 0)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := b.Submit(record("A0001", 1)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	batches := waitForBatches(t, coll, 1)
	if len(batches[0]) != 2 {
		t.Fatalf("batch size = %d, want 2", len(batches[0]))
	}
}

func TestBatcherQueueFull(t *testing.T) {
	coll := &batchCollector{}
	// Not started: nothing drains the queue.
	b := New(coll, nopMetrics{}, WithQueueSize(1))

	if err := b.Submit(record("A0001", 0)); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := b.Submit(record("A0001", 1)); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestBatcherNoDoubleMembership(t *testing.T) {
	coll := &batchCollector{}
	b := New(coll, nopMetrics{}, WithMaxRecords(3), WithMaxWait(time.Hour))
	b.Start(context.Background())
	defer b.Stop()

	for i := 0; i < 6; i++ {
		if err := b.Submit(record("A0001", i)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	batches := waitForBatches(t, coll, 2)
	seen := make(map[int]int)
	for _, batch := range batches {
		for _, r := range batch {
			seen[r.Timestamp.Second()]++
		}
	}
	for seq, n := range seen {
		if n != 1 {
			t.Fatalf("record %d appeared in %d batches", seq, n)
		}
	}
	if len(seen) != 6 {
		t.Fatalf("saw %d distinct records, want 6", len(seen))
	}
}

func TestBatcherStopFlushesPartialBatch(t *testing.T) {
	coll := &batchCollector{}
	b := New(coll, nopMetrics{}, WithMaxRecords(100), WithMaxWait(time.Hour))
	b.Start(context.Background())

	if err := b.Submit(record("A0001", 0)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	b.Stop()

	if got := coll.snapshot(); len(got) != 1 || len(got[0]) != 1 {
		t.Fatalf("expected flushed partial batch, got %v", got)
	}
}
