package detector

import (
	"context"
	"testing"
	"time"

	"SmartFlow/internal/domain/models"
	"SmartFlow/internal/domain/service"
)

func TestDBSCANGroupsAndNoise(t *testing.T) {
	points := [][]float64{
		{0.0, 0.0}, {0.05, 0.0}, {0.0, 0.05}, // tight group
		{0.9, 0.9}, {0.95, 0.9}, {0.9, 0.95}, // second group
		{0.5, 0.1}, // isolated
	}

	labels := NewDBSCAN(0.1, 2).Cluster(points)

	if labels[0] != labels[1] || labels[1] != labels[2] {
		t.Fatalf("first group split: %v", labels)
	}
	if labels[3] != labels[4] || labels[4] != labels[5] {
		t.Fatalf("second group split: %v", labels)
	}
	if labels[0] == labels[3] {
		t.Fatalf("distinct groups merged: %v", labels)
	}
	if labels[6] != -1 {
		t.Fatalf("isolated point not noise: %v", labels)
	}
}

func TestDBSCANAllNoise(t *testing.T) {
	points := [][]float64{{0, 0}, {0.5, 0.5}, {1, 1}}
	labels := NewDBSCAN(0.1, 2).Cluster(points)
	for i, l := range labels {
		if l != -1 {
			t.Fatalf("point %d labeled %d, want noise", i, l)
		}
	}
}

func sideFlow(net int64) models.ClassFlow {
	if net >= 0 {
		return models.ClassFlow{BuyAmount: net}
	}
	return models.ClassFlow{SellAmount: -net}
}

func clusterBuckets(inst string, instNet, foreignNet int64) []models.Bucket {
	buckets := make([]models.Bucket, 5)
	for i := range buckets {
		start := evalAt.Add(time.Duration(i-5) * time.Hour)
		buckets[i] = models.Bucket{
			Key:         models.BucketKeyFor(inst, models.MarketKOSPI, time.Hour, start),
			Institution: sideFlow(instNet),
			Foreign:     sideFlow(foreignNet),
			Individual:  models.ClassFlow{BuyAmount: 1000, SellAmount: 1000},
			RecordCount: 1,
		}
	}
	return buckets
}

func TestClusteringRuleFindsCoordinatedGroup(t *testing.T) {
	cfg := DefaultConfig()
	rule := NewClusteringRule(cfg, NewDBSCAN(cfg.ClusterEpsilon, cfg.ClusterMinPoints))

	w := &service.DetectionWindow{
		Market: models.MarketKOSPI,
		From:   evalAt.Add(-5 * time.Hour),
		To:     evalAt,
		Buckets: map[string][]models.Bucket{
			// Three instruments with near-identical heavy institutional
			// buying, one with a completely different profile.
			"A0001": clusterBuckets("A0001", 2_000_000_000, 1_500_000_000),
			"A0002": clusterBuckets("A0002", 2_100_000_000, 1_400_000_000),
			"A0003": clusterBuckets("A0003", 1_900_000_000, 1_600_000_000),
			"Z0009": clusterBuckets("Z0009", 1_000, -2_000),
		},
	}

	signals, err := rule.Evaluate(context.Background(), w)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	got := make(map[string]bool)
	for _, s := range signals {
		if s.Method != models.MethodClustering {
			t.Fatalf("method = %s", s.Method)
		}
		if s.Confidence < 0 || s.Confidence > 10 {
			t.Fatalf("confidence out of range: %f", s.Confidence)
		}
		got[s.InstrumentID] = true
	}
	for _, inst := range []string{"A0001", "A0002", "A0003"} {
		if !got[inst] {
			t.Fatalf("coordinated instrument %s missing from %v", inst, got)
		}
	}
	if got["Z0009"] {
		t.Fatal("noise instrument should be discarded")
	}
}

func TestClusteringRuleTooFewInstruments(t *testing.T) {
	cfg := DefaultConfig()
	rule := NewClusteringRule(cfg, NewDBSCAN(cfg.ClusterEpsilon, cfg.ClusterMinPoints))

	w := &service.DetectionWindow{
		Market:  models.MarketKOSPI,
		To:      evalAt,
		Buckets: map[string][]models.Bucket{"A0001": clusterBuckets("A0001", 1000, 1000)},
	}

	signals, err := rule.Evaluate(context.Background(), w)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(signals) != 0 {
		t.Fatalf("single instrument cannot cluster, got %d signals", len(signals))
	}
}
