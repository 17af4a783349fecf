package models

// Requests for the flow query HTTP endpoints. Defined in domain for consistency and reuse.

type SnapshotRequest struct {
	Instrument string `query:"instrument" json:"instrument" validate:"omitempty,len=6,numeric"`
	Market     string `query:"market" json:"market" default:"ALL" validate:"oneof=KOSPI KOSDAQ ALL"`
	Period     string `query:"period" json:"period" default:"1D" validate:"oneof=1D 5D 20D 60D"`
}

type SignalsRequest struct {
	Market        string  `query:"market" json:"market" default:"ALL" validate:"oneof=KOSPI KOSDAQ ALL"`
	Method        string  `query:"method" json:"method" validate:"omitempty,oneof=LARGE_BLOCK_ACCUMULATION INSTITUTIONAL_CLUSTERING STATISTICAL_ANOMALY"`
	MinConfidence float64 `query:"min_confidence" json:"min_confidence" default:"5" validate:"gte=0,lte=10"`
	Limit         int     `query:"limit" json:"limit" default:"20" validate:"gte=1,lte=200"`
}

type AggregateRequest struct {
	Instrument string `query:"instrument" json:"instrument" validate:"omitempty,len=6,numeric"`
	Market     string `query:"market" json:"market" default:"ALL" validate:"oneof=KOSPI KOSDAQ ALL"`
	Size       string `query:"size" json:"size" default:"1h" validate:"oneof=1h 1d"`
	From       string `query:"from" json:"from" validate:"required"`
	To         string `query:"to" json:"to" validate:"required"`
}
