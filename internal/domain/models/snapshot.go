package models

import "time"

// Pressure classifies the balance of smart-money buying vs selling.
type Pressure string

const (
	PressureBuying   Pressure = "BUYING_PRESSURE"
	PressureSelling  Pressure = "SELLING_PRESSURE"
	PressureBalanced Pressure = "BALANCED"
)

// Sentiment is a coarse market mood derived from a 0-100 score.
type Sentiment string

const (
	SentimentVeryBullish Sentiment = "VERY_BULLISH"
	SentimentBullish     Sentiment = "BULLISH"
	SentimentNeutral     Sentiment = "NEUTRAL"
	SentimentBearish     Sentiment = "BEARISH"
	SentimentVeryBearish Sentiment = "VERY_BEARISH"
)

// SentimentFor maps a 0-100 score to its sentiment band.
func SentimentFor(score float64) Sentiment {
	switch {
	case score >= 80:
		return SentimentVeryBullish
	case score >= 60:
		return SentimentBullish
	case score >= 40:
		return SentimentNeutral
	case score >= 20:
		return SentimentBearish
	default:
		return SentimentVeryBearish
	}
}

// ClassSummary is the aggregated view of one investor class over a window.
type ClassSummary struct {
	Class         InvestorClass `json:"class"`
	NetAmount     int64         `json:"net_amount"`
	NetVolume     int64         `json:"net_volume"`
	BuyAmount     int64         `json:"buy_amount"`
	SellAmount    int64         `json:"sell_amount"`
	ActivityRatio float64       `json:"activity_ratio"`
}

// TrendSummary describes the direction and quality of net flow across the
// window's buckets.
type TrendSummary struct {
	Direction   TrendDirection `json:"direction"`
	Strength    float64        `json:"strength"`
	Consistency float64        `json:"consistency"`
	Intensity   Intensity      `json:"intensity"`
}

// Snapshot is the market overview served by the query facade.
type Snapshot struct {
	InstrumentID   string         `json:"instrument_id,omitempty"`
	Market         Market         `json:"market"`
	Period         Period         `json:"period"`
	From           time.Time      `json:"from"`
	To             time.Time      `json:"to"`
	Classes        []ClassSummary `json:"classes"`
	SmartMoneyNet  int64          `json:"smart_money_net"`
	TotalActivity  int64          `json:"total_activity"`
	Pressure       Pressure       `json:"pressure"`
	Sentiment      Sentiment      `json:"sentiment"`
	SentimentScore float64        `json:"sentiment_score"`
	DominantClass  InvestorClass  `json:"dominant_class"`
	Aligned        bool           `json:"smart_money_aligned"`
	Trend          TrendSummary   `json:"trend"`
	BucketCount    int            `json:"bucket_count"`
	GeneratedAt    time.Time      `json:"generated_at"`
}
