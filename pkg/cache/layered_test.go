package cache

import (
	"context"
	"testing"
	"time"
)

func newTestLayered(remote Service, opts ...LayeredOption) *LayeredCache {
	return NewLayeredCache(remote, opts...)
}

func TestLayeredGetAfterPut(t *testing.T) {
	remote := NewMemoryCache()
	defer remote.Close()
	lc := newTestLayered(remote)

	ctx := context.Background()
	if err := lc.Put(ctx, "snapshot:1", "value", time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	var got string
	if err := lc.Get(ctx, "snapshot:1", &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "value" {
		t.Fatalf("got %q", got)
	}
}

func TestLayeredCascadeInvalidation(t *testing.T) {
	remote := NewMemoryCache()
	defer remote.Close()
	lc := newTestLayered(remote)
	ctx := context.Background()

	// agg depends on bucket, snapshot depends on agg: invalidating the
	// bucket must remove all three.
	if err := lc.Put(ctx, "bucket:1", "b", time.Minute); err != nil {
		t.Fatalf("put bucket: %v", err)
	}
	if err := lc.Put(ctx, "agg:1", "a", time.Minute, "bucket:1"); err != nil {
		t.Fatalf("put agg: %v", err)
	}
	if err := lc.Put(ctx, "snapshot:1", "s", time.Minute, "agg:1"); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}
	if err := lc.Put(ctx, "other", "o", time.Minute); err != nil {
		t.Fatalf("put other: %v", err)
	}

	if err := lc.InvalidateCascade(ctx, "bucket:1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	var got string
	for _, key := range []string{"bucket:1", "agg:1", "snapshot:1"} {
		if err := lc.Get(ctx, key, &got); err != ErrCacheMiss {
			t.Fatalf("key %s should be invalidated, got %v", key, err)
		}
	}
	if err := lc.Get(ctx, "other", &got); err != nil {
		t.Fatalf("unrelated key must survive: %v", err)
	}
}

func TestLayeredCycleDetection(t *testing.T) {
	remote := NewMemoryCache()
	defer remote.Close()

	var cycled []string
	lc := newTestLayered(remote, WithCycleHook(func(key string) {
		cycled = append(cycled, key)
	}))
	ctx := context.Background()

	// a -> b -> c -> a
	if err := lc.Put(ctx, "a", 1, time.Minute, "c"); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := lc.Put(ctx, "b", 2, time.Minute, "a"); err != nil {
		t.Fatalf("put b: %v", err)
	}
	if err := lc.Put(ctx, "c", 3, time.Minute, "b"); err != nil {
		t.Fatalf("put c: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- lc.InvalidateCascade(ctx, "a") }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("invalidate: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cascade did not terminate on cyclic graph")
	}

	if len(cycled) == 0 {
		t.Fatal("cycle hook not invoked")
	}

	var got int
	for _, key := range []string{"a", "b", "c"} {
		if err := lc.Get(ctx, key, &got); err != ErrCacheMiss {
			t.Fatalf("key %s should be invalidated, got %v", key, err)
		}
	}
}

func TestLayeredDiamondIsNotACycle(t *testing.T) {
	remote := NewMemoryCache()
	defer remote.Close()

	var cycled []string
	lc := newTestLayered(remote, WithCycleHook(func(key string) {
		cycled = append(cycled, key)
	}))
	ctx := context.Background()

	// snapshot depends on both aggs, both aggs depend on the bucket. Two
	// paths reach the snapshot but no edge points back: not a cycle.
	if err := lc.Put(ctx, "bucket:1", "b", time.Minute); err != nil {
		t.Fatalf("put bucket: %v", err)
	}
	if err := lc.Put(ctx, "agg:1", "a", time.Minute, "bucket:1"); err != nil {
		t.Fatalf("put agg:1: %v", err)
	}
	if err := lc.Put(ctx, "agg:2", "a", time.Minute, "bucket:1"); err != nil {
		t.Fatalf("put agg:2: %v", err)
	}
	if err := lc.Put(ctx, "snapshot:1", "s", time.Minute, "agg:1", "agg:2"); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}

	if err := lc.InvalidateCascade(ctx, "bucket:1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	if len(cycled) != 0 {
		t.Fatalf("diamond reported as cycle: %v", cycled)
	}
	var got string
	for _, key := range []string{"bucket:1", "agg:1", "agg:2", "snapshot:1"} {
		if err := lc.Get(ctx, key, &got); err != ErrCacheMiss {
			t.Fatalf("key %s should be invalidated, got %v", key, err)
		}
	}
}

func TestLayeredSharedRemote(t *testing.T) {
	// Two layered caches over one shared remote stand in for two processes.
	remote := NewMemoryCache()
	defer remote.Close()
	first := newTestLayered(remote)
	second := newTestLayered(remote)
	ctx := context.Background()

	if err := first.Put(ctx, "snapshot:005930", "cached", time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	var got string
	if err := second.Get(ctx, "snapshot:005930", &got); err != nil {
		t.Fatalf("second process should hit shared level: %v", err)
	}
	if got != "cached" {
		t.Fatalf("got %q", got)
	}
}

func TestLayeredRepopulationHonorsRemoteTTL(t *testing.T) {
	// A remote hit must not pin the entry in a reader's local level past the
	// TTL the writer stored it with.
	remote := NewMemoryCache()
	defer remote.Close()
	writer := newTestLayered(remote)
	reader := newTestLayered(remote)
	ctx := context.Background()

	if err := writer.Put(ctx, "snapshot:005930", "v", 50*time.Millisecond); err != nil {
		t.Fatalf("put: %v", err)
	}

	var got string
	if err := reader.Get(ctx, "snapshot:005930", &got); err != nil {
		t.Fatalf("shared level hit: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if err := reader.Get(ctx, "snapshot:005930", &got); err != ErrCacheMiss {
		t.Fatalf("entry served after its TTL elapsed, err = %v", err)
	}
}

type failingRemote struct{}

func (failingRemote) Set(context.Context, string, interface{}, time.Duration) error {
	return context.DeadlineExceeded
}
func (failingRemote) Get(context.Context, string, interface{}) error {
	return context.DeadlineExceeded
}
func (failingRemote) TTL(context.Context, string) (time.Duration, error) {
	return 0, context.DeadlineExceeded
}
func (failingRemote) Delete(context.Context, ...string) error          { return nil }
func (failingRemote) DeleteByPattern(context.Context, string) error    { return nil }
func (failingRemote) Exists(context.Context, ...string) (bool, error)  { return false, nil }
func (failingRemote) Increment(context.Context, string) (int64, error) { return 0, nil }
func (failingRemote) Expire(context.Context, string, time.Duration) (bool, error) {
	return false, nil
}
func (failingRemote) MSet(context.Context, map[string]interface{}, time.Duration) error {
	return nil
}
func (failingRemote) MGet(context.Context, ...string) (map[string]string, error) {
	return map[string]string{}, nil
}
func (failingRemote) TryLock(context.Context, string, time.Duration) (bool, error) {
	return false, nil
}
func (failingRemote) Unlock(context.Context, string) error { return nil }

func TestLayeredDegradesToLocal(t *testing.T) {
	lc := newTestLayered(failingRemote{})
	ctx := context.Background()

	if err := lc.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set must succeed when remote is down: %v", err)
	}

	var got string
	if err := lc.Get(ctx, "k", &got); err != nil {
		t.Fatalf("get should serve from local: %v", err)
	}
	if got != "v" {
		t.Fatalf("got %q", got)
	}
}
