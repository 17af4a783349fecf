package cache

import (
	"context"
	"sync"
	"time"
)

// LayeredCache implements a two-level cache (L1: Memory, L2: shared remote).
// On top of plain Set/Get it tracks dependency edges between keys so that
// invalidating a source key cascades to every entry computed from it.
type LayeredCache struct {
	memCache *MemoryCache
	remote   Service
	onCycle  func(key string)

	depMu      sync.Mutex
	dependents map[string]map[string]struct{} // key -> keys derived from it
}

// NewLayeredCache creates a layered cache over a shared remote level. The
// remote is usually Redis, but any Service works, which also lets several
// processes share one store.
func NewLayeredCache(remote Service, opts ...LayeredOption) *LayeredCache {
	cfg := &LayeredConfig{
		MemoryMaxSize: 1000,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	return &LayeredCache{
		memCache:   NewMemoryCache(WithMemoryMaxSize(cfg.MemoryMaxSize)),
		remote:     remote,
		onCycle:    cfg.OnCycle,
		dependents: make(map[string]map[string]struct{}),
	}
}

// Set writes through to the remote level. A remote failure does not fail the
// write: the entry stays available locally and the cache degrades to
// local-only until the remote recovers.
func (lc *LayeredCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	_ = lc.memCache.Set(ctx, key, value, expiration)
	_ = lc.remote.Set(ctx, key, value, expiration)
	return nil
}

// Put is Set plus dependency registration: the entry will be invalidated
// whenever any of deps is cascade-invalidated.
func (lc *LayeredCache) Put(ctx context.Context, key string, value interface{}, expiration time.Duration, deps ...string) error {
	if err := lc.Set(ctx, key, value, expiration); err != nil {
		return err
	}

	lc.depMu.Lock()
	for _, dep := range deps {
		if dep == key {
			continue
		}
		set, ok := lc.dependents[dep]
		if !ok {
			set = make(map[string]struct{})
			lc.dependents[dep] = set
		}
		set[key] = struct{}{}
	}
	lc.depMu.Unlock()
	return nil
}

// InvalidateCascade removes key and, transitively, every entry registered as
// depending on it. A back-edge to a key still on the walk's path is a genuine
// cycle: the edge is dropped and reported through the cycle hook. An edge to
// a key already collected on another branch (a diamond) is skipped silently.
func (lc *LayeredCache) InvalidateCascade(ctx context.Context, key string) error {
	lc.depMu.Lock()

	var order []string
	seen := make(map[string]struct{})
	onPath := make(map[string]struct{})
	var cycleKeys []string

	var walk func(k string)
	walk = func(k string) {
		seen[k] = struct{}{}
		onPath[k] = struct{}{}
		order = append(order, k)
		for dep := range lc.dependents[k] {
			if _, back := onPath[dep]; back {
				delete(lc.dependents[k], dep)
				cycleKeys = append(cycleKeys, dep)
				continue
			}
			if _, visited := seen[dep]; visited {
				continue
			}
			walk(dep)
		}
		delete(onPath, k)
	}
	walk(key)

	for _, k := range order {
		delete(lc.dependents, k)
	}
	lc.depMu.Unlock()

	if lc.onCycle != nil {
		for _, k := range cycleKeys {
			lc.onCycle(k)
		}
	}

	return lc.Delete(ctx, order...)
}

func (lc *LayeredCache) Get(ctx context.Context, key string, dest interface{}) error {
	// L1: Try memory first
	if err := lc.memCache.Get(ctx, key, dest); err == nil {
		return nil
	}

	// L2: Try the shared level. Any remote failure reads as a miss so the
	// caller recomputes instead of erroring.
	if err := lc.remote.Get(ctx, key, dest); err != nil {
		return ErrCacheMiss
	}

	// Repopulate the local level bounded by the remaining remote TTL so the
	// local copy never outlives the writer's expiry. Unknown TTL skips the
	// repopulation and keeps serving from the shared level.
	if ttl, err := lc.remote.TTL(ctx, key); err == nil && ttl > 0 {
		_ = lc.memCache.Set(ctx, key, dest, ttl)
	}
	return nil
}

func (lc *LayeredCache) Delete(ctx context.Context, keys ...string) error {
	_ = lc.memCache.Delete(ctx, keys...)
	return lc.remote.Delete(ctx, keys...)
}

// Close closes both cache layers.
func (lc *LayeredCache) Close() error {
	_ = lc.memCache.Close()
	if closer, ok := lc.remote.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
