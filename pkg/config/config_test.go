package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalYAML = `
environment: test
clickhouse:
  host: localhost
  port: 9000
  database: smartflow
cache:
  redis:
    host: localhost
    port: 6379
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Batcher.MaxRecords != 100 || cfg.Batcher.MaxWait != time.Second {
		t.Fatalf("unexpected batcher defaults: %+v", cfg.Batcher)
	}
	if len(cfg.Aggregator.BucketSizes) != 2 {
		t.Fatalf("unexpected bucket sizes: %v", cfg.Aggregator.BucketSizes)
	}
	if cfg.Analysis.LargeOrderThreshold != 500_000_000 {
		t.Fatalf("unexpected large order threshold: %d", cfg.Analysis.LargeOrderThreshold)
	}
	if cfg.Cache.TTL.Snapshot != 10*time.Second {
		t.Fatalf("unexpected snapshot ttl: %s", cfg.Cache.TTL.Snapshot)
	}
}

func TestLoadRejectsMissingEnvironment(t *testing.T) {
	if _, err := Load(writeConfig(t, "server:\n  port: 8080\n")); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidateRejectsOutOfRangeConfidence(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Analysis.MinConfidence = 11
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for confidence > 10")
	}
}

func TestValidateRejectsKafkaWithoutBrokers(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Kafka.Enabled = true
	cfg.Kafka.Brokers = nil
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing brokers")
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("MARKETS", "KOSPI,KOSDAQ")
	t.Setenv("REDIS_HOST", "cache.internal")

	cfg, err := LoadWithEnv(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Feed.Markets) != 2 || cfg.Feed.Markets[0] != "KOSPI" {
		t.Fatalf("unexpected markets: %v", cfg.Feed.Markets)
	}
	if cfg.Cache.Redis.Host != "cache.internal" {
		t.Fatalf("unexpected redis host: %s", cfg.Cache.Redis.Host)
	}
}
