package service

import (
	"context"
	"time"

	"SmartFlow/internal/domain/models"
)

// DetectionWindow is the evaluation input: the recent raw records and the
// bucket look-back per instrument, for one market.
type DetectionWindow struct {
	Market models.Market
	From   time.Time
	To     time.Time

	// Records holds the raw flow records in the window, per instrument,
	// in arrival order.
	Records map[string][]*models.FlowRecord

	// Buckets holds the bucket look-back per instrument, ordered by
	// window start.
	Buckets map[string][]models.Bucket
}

// SignalRule evaluates one detection method over a window. An empty result
// is not an error; rules report insufficient data by returning nothing.
type SignalRule interface {
	Method() models.DetectionMethod
	Evaluate(ctx context.Context, w *DetectionWindow) ([]models.Signal, error)
}

// Clusterer groups normalized feature vectors. Labels are returned per
// point, with -1 meaning noise.
type Clusterer interface {
	Cluster(points [][]float64) []int
}
