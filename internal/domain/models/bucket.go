package models

import (
	"fmt"
	"time"
)

// BucketKey identifies one aggregation window. InstrumentID is empty for
// market-wide buckets.
type BucketKey struct {
	InstrumentID string
	Market       Market
	Size         time.Duration
	Start        time.Time
}

// BucketKeyFor assigns t to its window: the start is t truncated to the
// bucket size.
func BucketKeyFor(instrumentID string, market Market, size time.Duration, t time.Time) BucketKey {
	return BucketKey{
		InstrumentID: instrumentID,
		Market:       market,
		Size:         size,
		Start:        t.Truncate(size),
	}
}

// CacheKey renders the key in its canonical cache form, used both as the map
// key for cached aggregates and as a dependency edge for cascade invalidation.
func (k BucketKey) CacheKey() string {
	inst := k.InstrumentID
	if inst == "" {
		inst = "ALL"
	}
	return fmt.Sprintf("bucket:%s:%s:%s:%d", inst, k.Market, k.Size, k.Start.Unix())
}

// Bucket accumulates flow records over one window. All sums are exact int64
// KRW / share counts; nets are computed on read.
type Bucket struct {
	Key         BucketKey
	Foreign     ClassFlow
	Institution ClassFlow
	Individual  ClassFlow

	ProgramBuyAmount  int64
	ProgramSellAmount int64

	RecordCount int64
	LastUpdated time.Time
}

// Add accumulates one record into the bucket.
func (b *Bucket) Add(r *FlowRecord) {
	b.Foreign.BuyAmount += r.Foreign.BuyAmount
	b.Foreign.SellAmount += r.Foreign.SellAmount
	b.Foreign.BuyVolume += r.Foreign.BuyVolume
	b.Foreign.SellVolume += r.Foreign.SellVolume

	b.Institution.BuyAmount += r.Institution.BuyAmount
	b.Institution.SellAmount += r.Institution.SellAmount
	b.Institution.BuyVolume += r.Institution.BuyVolume
	b.Institution.SellVolume += r.Institution.SellVolume

	b.Individual.BuyAmount += r.Individual.BuyAmount
	b.Individual.SellAmount += r.Individual.SellAmount
	b.Individual.BuyVolume += r.Individual.BuyVolume
	b.Individual.SellVolume += r.Individual.SellVolume

	b.ProgramBuyAmount += r.ProgramBuyAmount
	b.ProgramSellAmount += r.ProgramSellAmount

	b.RecordCount++
	if r.Timestamp.After(b.LastUpdated) {
		b.LastUpdated = r.Timestamp
	}
}

// Class returns the accumulated flow for the given investor class.
func (b *Bucket) Class(c InvestorClass) ClassFlow {
	switch c {
	case InvestorForeign:
		return b.Foreign
	case InvestorInstitution:
		return b.Institution
	case InvestorIndividual:
		return b.Individual
	case InvestorProgram:
		return ClassFlow{BuyAmount: b.ProgramBuyAmount, SellAmount: b.ProgramSellAmount}
	}
	return ClassFlow{}
}

// SmartMoneyNet is the combined foreign and institution net amount.
func (b *Bucket) SmartMoneyNet() int64 {
	return b.Foreign.NetAmount() + b.Institution.NetAmount()
}

// TotalActivity sums buy and sell amounts across the three main classes.
func (b *Bucket) TotalActivity() int64 {
	total := int64(0)
	for _, c := range InvestorClasses {
		f := b.Class(c)
		total += f.BuyAmount + f.SellAmount
	}
	return total
}
