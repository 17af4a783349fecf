package detector

import (
	"context"
	"math"

	"SmartFlow/internal/domain/models"
	"SmartFlow/internal/domain/service"
)

// largeOrder is one qualifying above-threshold flow event.
type largeOrder struct {
	record *models.FlowRecord
	class  models.InvestorClass
	amount int64
	buy    bool
}

// LargeBlockRule flags instruments where foreign or institutional investors
// placed repeated above-threshold orders in the look-back. The score is a
// fixed base plus independently capped bonuses, so it is monotone in every
// input and never exceeds 10.
type LargeBlockRule struct {
	threshold int64
	minCount  int
}

func NewLargeBlockRule(cfg Config) *LargeBlockRule {
	return &LargeBlockRule{
		threshold: cfg.LargeOrderThreshold,
		minCount:  cfg.MinLargeOrders,
	}
}

func (r *LargeBlockRule) Method() models.DetectionMethod {
	return models.MethodLargeBlock
}

func (r *LargeBlockRule) Evaluate(ctx context.Context, w *service.DetectionWindow) ([]models.Signal, error) {
	var signals []models.Signal

	for inst, records := range w.Records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s, ok := r.scoreInstrument(inst, w, records); ok {
			signals = append(signals, s)
		}
	}
	return signals, nil
}

func (r *LargeBlockRule) scoreInstrument(inst string, w *service.DetectionWindow, records []*models.FlowRecord) (models.Signal, bool) {
	orders := r.collectOrders(records)
	if len(orders) < r.minCount {
		return models.Signal{}, false
	}

	var totalAmount, netAmount int64
	classes := make(map[models.InvestorClass]struct{})
	buys := 0
	for _, o := range orders {
		totalAmount += o.amount
		if o.buy {
			netAmount += o.amount
			buys++
		} else {
			netAmount -= o.amount
		}
		classes[o.class] = struct{}{}
	}
	// Accumulation means the qualifying flow nets toward buying.
	if netAmount <= 0 {
		return models.Signal{}, false
	}

	avg := float64(totalAmount) / float64(len(orders))

	confidence := 5.0
	confidence += countBonus(len(orders), r.minCount)
	confidence += sizeBonus(avg, float64(r.threshold))
	confidence += stealthBonus(orders, r.threshold)
	confidence += diversityBonus(len(classes))
	confidence += concentrationBonus(orders, w)
	if confidence > 10 {
		confidence = 10
	}

	dominant := models.InvestorForeign
	if _, ok := classes[models.InvestorInstitution]; ok && len(classes) == 1 {
		dominant = models.InvestorInstitution
	}

	return models.Signal{
		InstrumentID:  inst,
		Market:        w.Market,
		Method:        models.MethodLargeBlock,
		InvestorClass: dominant,
		Confidence:    confidence,
		NetAmount:     netAmount,
		Timestamp:     w.To,
		Details: map[string]float64{
			"order_count": float64(len(orders)),
			"avg_amount":  avg,
			"buy_orders":  float64(buys),
		},
	}, true
}

// collectOrders extracts per-class events whose amount clears the threshold.
func (r *LargeBlockRule) collectOrders(records []*models.FlowRecord) []largeOrder {
	var orders []largeOrder
	for _, rec := range records {
		for _, class := range []models.InvestorClass{models.InvestorForeign, models.InvestorInstitution} {
			f := rec.Class(class)
			if f.BuyAmount >= r.threshold {
				orders = append(orders, largeOrder{record: rec, class: class, amount: f.BuyAmount, buy: true})
			}
			if f.SellAmount >= r.threshold {
				orders = append(orders, largeOrder{record: rec, class: class, amount: f.SellAmount, buy: false})
			}
		}
	}
	return orders
}

// countBonus rewards extra qualifying orders above the minimum, 0.5 each,
// capped at 2.
func countBonus(count, minCount int) float64 {
	return math.Min(2.0, 0.5*float64(count-minCount))
}

// sizeBonus rewards how far the average order sits above the threshold,
// capped at 1.5.
func sizeBonus(avg, threshold float64) float64 {
	if avg <= threshold {
		return 0
	}
	return math.Min(1.5, (avg/threshold-1.0)*0.75)
}

// stealthBonus rewards order flow split into moderately sized pieces rather
// than a few huge prints: moderate orders move the market less. Capped at 1.
func stealthBonus(orders []largeOrder, threshold int64) float64 {
	if len(orders) == 0 {
		return 0
	}
	moderate := 0
	for _, o := range orders {
		if o.amount < 2*threshold {
			moderate++
		}
	}
	return math.Min(1.0, float64(moderate)/float64(len(orders)))
}

// diversityBonus rewards both foreign and institutional participation,
// capped at 1.
func diversityBonus(classCount int) float64 {
	return math.Min(1.0, 0.5*float64(classCount))
}

// concentrationBonus rewards orders packed into a short span of the
// look-back, capped at 0.5.
func concentrationBonus(orders []largeOrder, w *service.DetectionWindow) float64 {
	window := w.To.Sub(w.From)
	if window <= 0 || len(orders) < 2 {
		return 0
	}
	first := orders[0].record.Timestamp
	last := first
	for _, o := range orders[1:] {
		ts := o.record.Timestamp
		if ts.Before(first) {
			first = ts
		}
		if ts.After(last) {
			last = ts
		}
	}
	spread := last.Sub(first).Seconds() / window.Seconds()
	if spread >= 0.5 {
		return 0
	}
	return 0.5 * (1 - spread/0.5)
}
