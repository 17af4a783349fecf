package di

import (
	"context"
	"fmt"
	"time"

	"SmartFlow/internal/aggregator"
	"SmartFlow/internal/batcher"
	"SmartFlow/internal/detector"
	"SmartFlow/internal/domain/models"
	"SmartFlow/internal/domain/repository"
	"SmartFlow/internal/handler/api"
	internalrepo "SmartFlow/internal/repository"
	"SmartFlow/internal/scheduler"
	"SmartFlow/internal/service/kis"
	"SmartFlow/internal/usecase"
	"SmartFlow/pkg/cache"
	pkgch "SmartFlow/pkg/clickhouse"
	"SmartFlow/pkg/config"
	xhttp "SmartFlow/pkg/http"
	pkgkafka "SmartFlow/pkg/kafka"
	applogger "SmartFlow/pkg/logger"
	"SmartFlow/pkg/metrics"
	"SmartFlow/pkg/queue"
	"SmartFlow/pkg/server"

	"github.com/labstack/echo/v4"
)

// ProvideLogger creates the application logger from config.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l, nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideClickHouseClient creates a ClickHouse client and ensures the schema.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db := cfg.ClickHouse.Database
	if err := client.InitSchema(ctx, []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.flow_records (
            ts DateTime,
            instrument_id String,
            market LowCardinality(String),
            foreign_buy_amount Int64, foreign_sell_amount Int64, foreign_buy_volume Int64, foreign_sell_volume Int64,
            institution_buy_amount Int64, institution_sell_amount Int64, institution_buy_volume Int64, institution_sell_volume Int64,
            individual_buy_amount Int64, individual_sell_amount Int64, individual_buy_volume Int64, individual_sell_volume Int64,
            program_buy_amount Int64, program_sell_amount Int64,
            updated_at DateTime
        ) ENGINE=ReplacingMergeTree(updated_at) ORDER BY (ts, instrument_id, market)`, db),
	}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}

	return client, nil
}

// ProvideFlowSink creates the durable flow store.
func ProvideFlowSink(chClient *pkgch.Client, cfg *config.Config) repository.FlowSink {
	return internalrepo.NewClickHouseFlowStore(chClient.DB(), cfg.ClickHouse.Database+".flow_records")
}

// ProvideBucketStore creates the durable bucket aggregate reader.
func ProvideBucketStore(chClient *pkgch.Client, cfg *config.Config, l *applogger.Logger) *internalrepo.CHBucketStore {
	store := internalrepo.NewCHBucketStore(chClient, cfg.ClickHouse.Database+".flow_records")
	store.SetLogger(l)
	return store
}

// ProvideRedisCache creates the shared cache level.
func ProvideRedisCache(cfg *config.Config) (*cache.RedisCache, error) {
	return cache.NewRedisCache(
		cache.WithRedisHost(cfg.Cache.Redis.Host),
		cache.WithRedisPort(cfg.Cache.Redis.Port),
		cache.WithRedisPassword(cfg.Cache.Redis.Password),
		cache.WithRedisDB(cfg.Cache.Redis.DB),
		cache.WithRedisPrefix(cfg.Cache.Redis.Prefix),
	)
}

// ProvideLayeredCache stacks the local level on the shared one.
func ProvideLayeredCache(remote *cache.RedisCache, cfg *config.Config, l *applogger.Logger) *cache.LayeredCache {
	return cache.NewLayeredCache(remote,
		cache.WithLayeredMemorySize(cfg.Cache.LocalCapacity),
		cache.WithCycleHook(func(key string) {
			l.Warn("cache dependency cycle dropped", applogger.String("key", key))
		}),
	)
}

// ProvideAggregator creates the in-memory window aggregator.
func ProvideAggregator(cfg *config.Config) *aggregator.Aggregator {
	return aggregator.New(
		aggregator.WithBucketSizes(cfg.Aggregator.BucketSizes...),
		aggregator.WithLatenessTolerance(cfg.Aggregator.LatenessTolerance),
	)
}

// ProvideDetector creates the signal detection engine reading buckets from
// memory with a durable ClickHouse fallback.
func ProvideDetector(
	cfg *config.Config,
	agg *aggregator.Aggregator,
	buckets *internalrepo.CHBucketStore,
	m repository.Metrics,
	l *applogger.Logger,
) *detector.Engine {
	reader := internalrepo.NewFallbackBucketReader(agg, buckets, l)
	dcfg := detector.Config{
		LargeOrderThreshold:   cfg.Analysis.LargeOrderThreshold,
		MinLargeOrders:        cfg.Analysis.MinLargeOrders,
		AnomalySensitivity:    cfg.Analysis.AnomalySensitivity,
		MinConfidence:         cfg.Analysis.MinConfidence,
		MinDataPoints:         cfg.Analysis.MinDataPoints,
		LookbackBuckets:       cfg.Analysis.LookbackBuckets,
		BucketSize:            cfg.Analysis.BucketSize,
		ClusterEpsilon:        cfg.Analysis.ClusterEpsilon,
		ClusterMinPoints:      cfg.Analysis.ClusterMinPoints,
		ClusterScoreThreshold: cfg.Analysis.ClusterScoreThreshold,
	}
	return detector.NewEngine(dcfg, reader, m, l)
}

// ProvideKafkaProducer creates a Kafka producer, or nil when Kafka is off.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
		pkgkafka.WithBatchBytes(cfg.Kafka.Producer.BatchBytes),
		pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideReplayQueue creates the Redis-backed replay queue for batches that
// could not be persisted, consuming them back once the sink recovers.
func ProvideReplayQueue(rc *cache.RedisCache, sink repository.FlowSink, m repository.Metrics, l *applogger.Logger) *queue.RedisQueue {
	job := usecase.NewFlowReplayJob(sink, m, l)
	return queue.NewRedisConsumer(l, &queue.QueueConfig{
		Workers:    1,
		RetryLimit: 10,
		RetryDelay: 30 * time.Second,
	}, rc.Client(), []queue.Job{job})
}

// ErrorLogQueue ships aggregated error logs to Redis for offline triage.
type ErrorLogQueue struct {
	*queue.RedisQueue
}

// ProvideErrorLogShipper attaches the log aggregation collector to the
// logger, flushing repeated errors to a Redis list instead of spamming the
// console.
func ProvideErrorLogShipper(rc *cache.RedisCache, l *applogger.Logger) *ErrorLogQueue {
	q := queue.NewRedisPublisher(l, rc.Client(), queue.WithKeyPrefix("smartflow:logs"))
	l.AddCollector(&applogger.CollectionConfig{
		TimeInterval:   30 * time.Second,
		CountThreshold: 100,
		Topic:          "error_logs",
		Publisher:      q,
	})
	return &ErrorLogQueue{q}
}

// ProvidePipeline creates the batch pipeline.
func ProvidePipeline(
	cfg *config.Config,
	sink repository.FlowSink,
	agg *aggregator.Aggregator,
	engine *detector.Engine,
	producer *pkgkafka.Producer,
	replay *queue.RedisQueue,
	m repository.Metrics,
	l *applogger.Logger,
) *usecase.BatchPipeline {
	opts := []usecase.PipelineOption{
		usecase.WithSinkRetry(cfg.Sink.RetryMax, cfg.Sink.BackoffMin, cfg.Sink.BackoffMax),
		usecase.WithReplayQueue(replay),
	}
	if producer != nil {
		opts = append(opts, usecase.WithPublisher(internalrepo.NewKafkaFlowPublisher(producer, cfg.Kafka.Topic)))
	}
	return usecase.NewBatchPipeline(sink, agg, engine, m, l, opts...)
}

// ProvideBatcher creates the record batcher in front of the pipeline.
func ProvideBatcher(cfg *config.Config, pipeline *usecase.BatchPipeline, m repository.Metrics) *batcher.Batcher {
	return batcher.New(pipeline, m,
		batcher.WithMaxRecords(cfg.Batcher.MaxRecords),
		batcher.WithMaxWait(cfg.Batcher.MaxWait),
		batcher.WithQueueSize(cfg.Batcher.QueueSize),
	)
}

// ProvideFlowStream creates the KIS WebSocket stream, or nil when no feed
// credentials are configured.
func ProvideFlowStream(cfg *config.Config, l *applogger.Logger) repository.FlowStream {
	if cfg.Feed.AppKey == "" || cfg.Feed.WebSocketURL == "" {
		return nil
	}
	return kis.New(
		cfg.Feed.BaseURL,
		cfg.Feed.WebSocketURL,
		cfg.Feed.AppKey,
		cfg.Feed.AppSecret,
		cfg.Feed.Markets,
		cfg.Feed.ReconnectDelay,
		l,
		kis.WithRateLimit(cfg.Feed.RateLimitPerMinute),
	)
}

// ProvideCollector creates the feed collector, or nil without a stream.
func ProvideCollector(stream repository.FlowStream, b *batcher.Batcher, m repository.Metrics, l *applogger.Logger) *usecase.FlowCollector {
	if stream == nil {
		return nil
	}
	return usecase.NewFlowCollector(stream, b, m, l)
}

// ProvideQueryFacade creates the cached read facade and wires its cascade
// invalidation into the aggregator.
func ProvideQueryFacade(
	cfg *config.Config,
	c *cache.LayeredCache,
	agg *aggregator.Aggregator,
	engine *detector.Engine,
	m repository.Metrics,
	l *applogger.Logger,
) *usecase.QueryFacade {
	f := usecase.NewQueryFacade(c, agg, engine, m, l, usecase.FacadeConfig{
		SnapshotTTL:         cfg.Cache.TTL.Snapshot,
		SignalsTTL:          cfg.Cache.TTL.Signals,
		AggregateTTL:        cfg.Cache.TTL.Aggregate,
		SmartMoneyThreshold: cfg.Analysis.SmartMoneyThreshold,
	})
	agg.SetInvalidateFunc(f.Invalidate)
	return f
}

// ProvideScheduler creates the cron scheduler for sweeps and retention.
func ProvideScheduler(cfg *config.Config, engine *detector.Engine, agg *aggregator.Aggregator, l *applogger.Logger) *scheduler.Scheduler {
	markets := make([]models.Market, 0, len(cfg.Feed.Markets))
	for _, m := range cfg.Feed.Markets {
		markets = append(markets, models.Market(m))
	}
	if len(markets) == 0 {
		markets = []models.Market{models.MarketKOSPI, models.MarketKOSDAQ}
	}
	return scheduler.New(engine, agg, l, markets, cfg.Aggregator.Retention)
}

// routes bundles the API handlers behind one route registrar.
type routes struct {
	flows  *api.FlowsHandler
	health *api.HealthHandler
}

func (r *routes) RegisterRoutes(e *echo.Echo) {
	r.flows.RegisterRoutes(e)
	r.health.RegisterRoutes(e)
}

// ProvideHTTPHandler creates the HTTP route registrar.
func ProvideHTTPHandler(
	facade *usecase.QueryFacade,
	sink repository.FlowSink,
	rc *cache.RedisCache,
	l *applogger.Logger,
) xhttp.Handler {
	health := api.NewHealthHandler(l)
	health.AddCheck("clickhouse", sink)
	health.AddCheck("redis", rc)
	return &routes{
		flows:  api.NewFlowsHandler(l, facade),
		health: health,
	}
}

// KafkaIngest bundles the optional Kafka consume path. Both fields are nil
// when Kafka is disabled.
type KafkaIngest struct {
	Consumer *pkgkafka.Consumer
	Handler  pkgkafka.MessageHandler
}

// ProvideKafkaIngest creates the Kafka consumer feeding the batcher, or an
// empty bundle when Kafka is off.
func ProvideKafkaIngest(cfg *config.Config, b *batcher.Batcher, m repository.Metrics) (*KafkaIngest, error) {
	if !cfg.Kafka.Enabled || cfg.Kafka.Consumer.GroupID == "" {
		return &KafkaIngest{}, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithConsumerHook(pkgkafka.NoopHook{})
	return &KafkaIngest{
		Consumer: consumer,
		Handler:  usecase.NewKafkaFlowsHandler(cfg.Kafka.Topic, b, m),
	}, nil
}

// ProvideApp assembles the application.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	b *batcher.Batcher,
	collector *usecase.FlowCollector,
	engine *detector.Engine,
	sched *scheduler.Scheduler,
	chClient *pkgch.Client,
	lc *cache.LayeredCache,
	h xhttp.Handler,
	replay *queue.RedisQueue,
	logShip *ErrorLogQueue,
	ingest *KafkaIngest,
) *server.App {
	app := server.New(cfg, l, b, collector, engine, sched, chClient, lc, h)
	app.SetReplayQueue(replay)
	if logShip != nil {
		app.SetLogShipper(logShip.RedisQueue)
	}
	if ingest != nil && ingest.Consumer != nil {
		app.SetConsumer(ingest.Consumer, ingest.Handler)
	}
	return app
}
