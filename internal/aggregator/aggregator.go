package aggregator

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"SmartFlow/internal/domain/models"
)

// InvalidateFunc is called with a bucket's cache key whenever a late record
// changes a bucket that downstream caches may have already derived from.
type InvalidateFunc func(cacheKey string)

// Aggregator maintains rolling per-window flow sums. Ingestion is the only
// writer; readers always get value copies, never live map entries.
type Aggregator struct {
	mu      sync.RWMutex
	buckets map[models.BucketKey]*models.Bucket

	sizes      []time.Duration
	tolerance  time.Duration
	now        func() time.Time
	invalidate InvalidateFunc

	reads atomic.Int64
}

type Option func(*Aggregator)

// WithBucketSizes sets the window sizes maintained per record.
func WithBucketSizes(sizes ...time.Duration) Option {
	return func(a *Aggregator) {
		if len(sizes) > 0 {
			a.sizes = sizes
		}
	}
}

// WithLatenessTolerance sets the grace period after a window ends during
// which updates are considered on time.
func WithLatenessTolerance(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.tolerance = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// WithInvalidateFunc registers the cascade-invalidation hook.
func WithInvalidateFunc(fn InvalidateFunc) Option {
	return func(a *Aggregator) {
		a.invalidate = fn
	}
}

// SetInvalidateFunc installs the cascade-invalidation hook after
// construction, for wiring orders where the cache layer is built later.
func (a *Aggregator) SetInvalidateFunc(fn InvalidateFunc) {
	a.invalidate = fn
}

// New creates an aggregator. Default windows are hourly and daily.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		buckets:   make(map[models.BucketKey]*models.Bucket),
		sizes:     []time.Duration{time.Hour, 24 * time.Hour},
		tolerance: 10 * time.Minute,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ingest accumulates a closed batch into every window size. A record landing
// in a window whose grace period has passed still updates the sums, and the
// bucket's cache key is handed to the invalidation hook so stale derived
// values get dropped.
func (a *Aggregator) Ingest(batch []*models.FlowRecord) {
	var lateKeys []string
	now := a.now()

	a.mu.Lock()
	for _, r := range batch {
		for _, size := range a.sizes {
			key := models.BucketKeyFor(r.InstrumentID, r.Market, size, r.Timestamp)

			b, ok := a.buckets[key]
			if !ok {
				b = &models.Bucket{Key: key}
				a.buckets[key] = b
			}

			late := now.After(key.Start.Add(size).Add(a.tolerance))
			b.Add(r)
			if late {
				lateKeys = append(lateKeys, key.CacheKey())
			}
		}
	}
	a.mu.Unlock()

	if a.invalidate != nil {
		for _, k := range lateKeys {
			a.invalidate(k)
		}
	}
}

// Read returns a copy of one bucket, open or closed.
func (a *Aggregator) Read(key models.BucketKey) (models.Bucket, bool) {
	a.reads.Add(1)

	a.mu.RLock()
	defer a.mu.RUnlock()

	b, ok := a.buckets[key]
	if !ok {
		return models.Bucket{}, false
	}
	return *b, true
}

// Range returns copies of the buckets for one identity whose windows start
// within [from, to), ordered by window start.
func (a *Aggregator) Range(instrumentID string, market models.Market, size time.Duration, from, to time.Time) []models.Bucket {
	a.reads.Add(1)

	a.mu.RLock()
	out := make([]models.Bucket, 0)
	for key, b := range a.buckets {
		if key.InstrumentID != instrumentID || key.Market != market || key.Size != size {
			continue
		}
		if key.Start.Before(from) || !key.Start.Before(to) {
			continue
		}
		out = append(out, *b)
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.Start.Before(out[j].Key.Start)
	})
	return out
}

// Instruments lists the distinct instrument IDs with buckets for a market
// and size. Market-wide buckets (empty instrument) are skipped.
func (a *Aggregator) Instruments(market models.Market, size time.Duration) []string {
	a.mu.RLock()
	set := make(map[string]struct{})
	for key := range a.buckets {
		if key.Market != market || key.Size != size || key.InstrumentID == "" {
			continue
		}
		set[key.InstrumentID] = struct{}{}
	}
	a.mu.RUnlock()

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DropBefore removes buckets whose window ended before cutoff. Run on a
// housekeeping cadence to bound memory.
func (a *Aggregator) DropBefore(cutoff time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	dropped := 0
	for key := range a.buckets {
		if key.Start.Add(key.Size).Before(cutoff) {
			delete(a.buckets, key)
			dropped++
		}
	}
	return dropped
}

// ReadCount reports how many reads were served. Used to verify cache
// effectiveness.
func (a *Aggregator) ReadCount() int64 {
	return a.reads.Load()
}
