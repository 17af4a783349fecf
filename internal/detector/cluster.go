package detector

import (
	"context"
	"math"
	"sort"

	"SmartFlow/internal/domain/models"
	"SmartFlow/internal/domain/service"
)

// ClusteringRule groups instruments whose institutional flow profiles move
// together. Features are min-max normalized per dimension, grouped by a
// pluggable density clusterer, and each cluster is scored on cohesion and
// net-flow magnitude. Noise points are discarded.
type ClusteringRule struct {
	clusterer      service.Clusterer
	scoreThreshold float64
	minDataPoints  int
}

func NewClusteringRule(cfg Config, clusterer service.Clusterer) *ClusteringRule {
	return &ClusteringRule{
		clusterer:      clusterer,
		scoreThreshold: cfg.ClusterScoreThreshold,
		minDataPoints:  cfg.MinDataPoints,
	}
}

func (r *ClusteringRule) Method() models.DetectionMethod {
	return models.MethodClustering
}

type instrumentFeatures struct {
	instrument string
	raw        []float64
	netAmount  int64
}

func (r *ClusteringRule) Evaluate(ctx context.Context, w *service.DetectionWindow) ([]models.Signal, error) {
	feats := r.extract(w)
	if len(feats) < 2 {
		return nil, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	points := normalize(feats)
	labels := r.clusterer.Cluster(points)

	clusters := make(map[int][]int)
	for i, label := range labels {
		if label < 0 {
			continue // noise
		}
		clusters[label] = append(clusters[label], i)
	}

	var signals []models.Signal
	for _, members := range clusters {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		score := clusterScore(points, feats, members)
		if score < r.scoreThreshold {
			continue
		}
		for _, idx := range members {
			f := feats[idx]
			signals = append(signals, models.Signal{
				InstrumentID:  f.instrument,
				Market:        w.Market,
				Method:        models.MethodClustering,
				InvestorClass: models.InvestorInstitution,
				Confidence:    math.Min(10, score*10),
				NetAmount:     f.netAmount,
				Timestamp:     w.To,
				Details: map[string]float64{
					"cluster_score": score,
					"cluster_size":  float64(len(members)),
				},
			})
		}
	}
	return signals, nil
}

// extract builds one feature vector per instrument: institutional
// participation, foreign/institution alignment, net-flow magnitude, and
// sign persistence across the look-back buckets.
func (r *ClusteringRule) extract(w *service.DetectionWindow) []instrumentFeatures {
	var feats []instrumentFeatures

	instruments := make([]string, 0, len(w.Buckets))
	for inst := range w.Buckets {
		instruments = append(instruments, inst)
	}
	sort.Strings(instruments)

	for _, inst := range instruments {
		buckets := w.Buckets[inst]
		if len(buckets) == 0 {
			continue
		}

		var instActivity, totalActivity, instNet, foreignNet int64
		aligned := 0
		persistent := 0
		for _, b := range buckets {
			flow := b.Class(models.InvestorInstitution)
			instActivity += flow.BuyAmount + flow.SellAmount
			totalActivity += b.TotalActivity()
			instNet += flow.NetAmount()
			foreignNet += b.Foreign.NetAmount()
			if sameSign(flow.NetAmount(), b.Foreign.NetAmount()) {
				aligned++
			}
		}
		for _, b := range buckets {
			if sameSign(b.Class(models.InvestorInstitution).NetAmount(), instNet) {
				persistent++
			}
		}

		participation := 0.0
		if totalActivity > 0 {
			participation = float64(instActivity) / float64(totalActivity)
		}
		alignment := float64(aligned) / float64(len(buckets))
		persistence := float64(persistent) / float64(len(buckets))
		magnitude := math.Log10(1 + math.Abs(float64(instNet+foreignNet)))

		feats = append(feats, instrumentFeatures{
			instrument: inst,
			raw:        []float64{participation, alignment, magnitude, persistence},
			netAmount:  instNet + foreignNet,
		})
	}
	return feats
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// normalize min-maxes each feature dimension to [0,1]. A constant dimension
// maps to zero.
func normalize(feats []instrumentFeatures) [][]float64 {
	dims := len(feats[0].raw)
	mins := make([]float64, dims)
	maxs := make([]float64, dims)
	for d := 0; d < dims; d++ {
		mins[d] = math.Inf(1)
		maxs[d] = math.Inf(-1)
	}
	for _, f := range feats {
		for d, v := range f.raw {
			if v < mins[d] {
				mins[d] = v
			}
			if v > maxs[d] {
				maxs[d] = v
			}
		}
	}

	points := make([][]float64, len(feats))
	for i, f := range feats {
		p := make([]float64, dims)
		for d, v := range f.raw {
			if span := maxs[d] - mins[d]; span > 0 {
				p[d] = (v - mins[d]) / span
			}
		}
		points[i] = p
	}
	return points
}

// clusterScore combines cohesion (tight clusters score high) with the
// cluster's average normalized flow magnitude.
func clusterScore(points [][]float64, feats []instrumentFeatures, members []int) float64 {
	if len(members) < 2 {
		return 0
	}

	var distSum float64
	pairs := 0
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			distSum += euclidean(points[members[i]], points[members[j]])
			pairs++
		}
	}
	maxDist := math.Sqrt(float64(len(points[members[0]])))
	cohesion := 1 - (distSum/float64(pairs))/maxDist

	var magnitude float64
	for _, idx := range members {
		magnitude += points[idx][2] // normalized magnitude dimension
	}
	magnitude /= float64(len(members))

	return 0.6*cohesion + 0.4*magnitude
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// DBSCAN is the default Clusterer: density-based, tolerant of noise, no
// fixed cluster count.
type DBSCAN struct {
	epsilon   float64
	minPoints int
}

func NewDBSCAN(epsilon float64, minPoints int) *DBSCAN {
	if epsilon <= 0 {
		epsilon = 0.35
	}
	if minPoints < 2 {
		minPoints = 2
	}
	return &DBSCAN{epsilon: epsilon, minPoints: minPoints}
}

// Cluster labels each point with its cluster index, -1 for noise.
func (d *DBSCAN) Cluster(points [][]float64) []int {
	const (
		unvisited = -2
		noise     = -1
	)

	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = unvisited
	}

	cluster := 0
	for i := range points {
		if labels[i] != unvisited {
			continue
		}
		neighbors := d.regionQuery(points, i)
		if len(neighbors) < d.minPoints {
			labels[i] = noise
			continue
		}

		labels[i] = cluster
		queue := append([]int(nil), neighbors...)
		for qi := 0; qi < len(queue); qi++ {
			j := queue[qi]
			if labels[j] == noise {
				labels[j] = cluster
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster
			jn := d.regionQuery(points, j)
			if len(jn) >= d.minPoints {
				queue = append(queue, jn...)
			}
		}
		cluster++
	}
	return labels
}

func (d *DBSCAN) regionQuery(points [][]float64, i int) []int {
	var neighbors []int
	for j := range points {
		if j == i {
			continue
		}
		if euclidean(points[i], points[j]) <= d.epsilon {
			neighbors = append(neighbors, j)
		}
	}
	return neighbors
}
