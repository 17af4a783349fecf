package aggregator

import (
	"testing"
	"time"

	"SmartFlow/internal/domain/models"
)

var base = time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)

func foreignBuy(inst string, at time.Time, amount int64) *models.FlowRecord {
	return &models.FlowRecord{
		InstrumentID: inst,
		Market:       models.MarketKOSPI,
		Timestamp:    at,
		Foreign:      models.ClassFlow{BuyAmount: amount},
	}
}

func TestHourlyBucketSums(t *testing.T) {
	a := New(WithBucketSizes(time.Hour), WithClock(func() time.Time { return base }))

	// Three records, each foreign net +100, in one window.
	a.Ingest([]*models.FlowRecord{
		foreignBuy("A0001", base, 100),
		foreignBuy("A0001", base.Add(time.Minute), 100),
		foreignBuy("A0001", base.Add(2*time.Minute), 100),
	})

	key := models.BucketKeyFor("A0001", models.MarketKOSPI, time.Hour, base)
	b, ok := a.Read(key)
	if !ok {
		t.Fatal("bucket not found")
	}
	if got := b.Foreign.NetAmount(); got != 300 {
		t.Fatalf("foreign net = %d, want 300", got)
	}
	if b.RecordCount != 3 {
		t.Fatalf("record count = %d, want 3", b.RecordCount)
	}
}

func TestNetRecomputedFromTotals(t *testing.T) {
	a := New(WithBucketSizes(time.Hour), WithClock(func() time.Time { return base }))

	a.Ingest([]*models.FlowRecord{
		{
			InstrumentID: "A0001",
			Market:       models.MarketKOSPI,
			Timestamp:    base,
			Institution:  models.ClassFlow{BuyAmount: 700, SellAmount: 200},
		},
		{
			InstrumentID: "A0001",
			Market:       models.MarketKOSPI,
			Timestamp:    base.Add(time.Minute),
			Institution:  models.ClassFlow{BuyAmount: 100, SellAmount: 350},
		},
	})

	key := models.BucketKeyFor("A0001", models.MarketKOSPI, time.Hour, base)
	b, _ := a.Read(key)
	if got := b.Institution.NetAmount(); got != (700+100)-(200+350) {
		t.Fatalf("institution net = %d", got)
	}
}

func TestWindowAssignment(t *testing.T) {
	a := New(WithBucketSizes(time.Hour), WithClock(func() time.Time { return base }))

	a.Ingest([]*models.FlowRecord{
		foreignBuy("A0001", base.Add(59*time.Minute), 100),
		foreignBuy("A0001", base.Add(61*time.Minute), 100),
	})

	first, ok := a.Read(models.BucketKeyFor("A0001", models.MarketKOSPI, time.Hour, base))
	if !ok || first.RecordCount != 1 {
		t.Fatalf("first window: ok=%v count=%d", ok, first.RecordCount)
	}
	second, ok := a.Read(models.BucketKeyFor("A0001", models.MarketKOSPI, time.Hour, base.Add(time.Hour)))
	if !ok || second.RecordCount != 1 {
		t.Fatalf("second window: ok=%v count=%d", ok, second.RecordCount)
	}
}

func TestLateRecordUpdatesAndInvalidates(t *testing.T) {
	now := base
	var invalidated []string

	a := New(
		WithBucketSizes(time.Hour),
		WithLatenessTolerance(10*time.Minute),
		WithClock(func() time.Time { return now }),
		WithInvalidateFunc(func(key string) { invalidated = append(invalidated, key) }),
	)

	a.Ingest([]*models.FlowRecord{foreignBuy("A0001", base, 100)})
	if len(invalidated) != 0 {
		t.Fatalf("on-time record must not invalidate, got %v", invalidated)
	}

	// Window [09:00, 10:00) plus tolerance has passed.
	now = base.Add(2 * time.Hour)
	a.Ingest([]*models.FlowRecord{foreignBuy("A0001", base.Add(30*time.Minute), 50)})

	key := models.BucketKeyFor("A0001", models.MarketKOSPI, time.Hour, base)
	b, _ := a.Read(key)
	if got := b.Foreign.NetAmount(); got != 150 {
		t.Fatalf("late record not accumulated, net = %d", got)
	}
	if len(invalidated) != 1 || invalidated[0] != key.CacheKey() {
		t.Fatalf("expected invalidation of %s, got %v", key.CacheKey(), invalidated)
	}
}

func TestRangeOrdersByWindowStart(t *testing.T) {
	a := New(WithBucketSizes(time.Hour), WithClock(func() time.Time { return base }))

	a.Ingest([]*models.FlowRecord{
		foreignBuy("A0001", base.Add(2*time.Hour), 1),
		foreignBuy("A0001", base, 1),
		foreignBuy("A0001", base.Add(time.Hour), 1),
		foreignBuy("B0002", base, 1),
	})

	got := a.Range("A0001", models.MarketKOSPI, time.Hour, base, base.Add(3*time.Hour))
	if len(got) != 3 {
		t.Fatalf("range len = %d, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i-1].Key.Start.Before(got[i].Key.Start) {
			t.Fatalf("range not ordered at %d", i)
		}
	}
}

func TestReadCount(t *testing.T) {
	a := New(WithClock(func() time.Time { return base }))
	a.Range("A0001", models.MarketKOSPI, time.Hour, base, base.Add(time.Hour))
	a.Read(models.BucketKeyFor("A0001", models.MarketKOSPI, time.Hour, base))
	if got := a.ReadCount(); got != 2 {
		t.Fatalf("read count = %d, want 2", got)
	}
}

func TestDropBefore(t *testing.T) {
	a := New(WithBucketSizes(time.Hour), WithClock(func() time.Time { return base }))
	a.Ingest([]*models.FlowRecord{
		foreignBuy("A0001", base, 1),
		foreignBuy("A0001", base.Add(5*time.Hour), 1),
	})

	if dropped := a.DropBefore(base.Add(2 * time.Hour)); dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	if _, ok := a.Read(models.BucketKeyFor("A0001", models.MarketKOSPI, time.Hour, base)); ok {
		t.Fatal("old bucket should be gone")
	}
}
