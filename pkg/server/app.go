package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"SmartFlow/internal/batcher"
	"SmartFlow/internal/detector"
	"SmartFlow/internal/scheduler"
	"SmartFlow/internal/usecase"
	"SmartFlow/pkg/cache"
	pkgch "SmartFlow/pkg/clickhouse"
	"SmartFlow/pkg/config"
	xhttp "SmartFlow/pkg/http"
	pkgkafka "SmartFlow/pkg/kafka"
	applogger "SmartFlow/pkg/logger"
	"SmartFlow/pkg/queue"
)

// App encapsulates the entire application lifecycle: batcher, collector,
// optional Kafka consumer, replay queue, scheduler and the HTTP API.
type App struct {
	cfg       *config.Config
	log       *applogger.Logger
	batch     *batcher.Batcher
	collector *usecase.FlowCollector
	engine    *detector.Engine
	consumer  *pkgkafka.Consumer
	kh        pkgkafka.MessageHandler
	replay    *queue.RedisQueue
	logShip   *queue.RedisQueue
	sched     *scheduler.Scheduler
	chClient  *pkgch.Client
	cacheTier *cache.LayeredCache

	httpServer  *xhttp.Server
	httpHandler xhttp.Handler
}

// New creates a new App instance with all dependencies.
func New(
	cfg *config.Config,
	log *applogger.Logger,
	batch *batcher.Batcher,
	collector *usecase.FlowCollector,
	engine *detector.Engine,
	sched *scheduler.Scheduler,
	chClient *pkgch.Client,
	cacheTier *cache.LayeredCache,
	httpHandler xhttp.Handler,
) *App {
	return &App{
		cfg:         cfg,
		log:         log,
		batch:       batch,
		collector:   collector,
		engine:      engine,
		sched:       sched,
		chClient:    chClient,
		cacheTier:   cacheTier,
		httpHandler: httpHandler,
	}
}

// SetConsumer wires an optional Kafka ingest path.
func (a *App) SetConsumer(c *pkgkafka.Consumer, h pkgkafka.MessageHandler) {
	a.consumer = c
	a.kh = h
}

// SetReplayQueue wires the Redis replay consumer for parked batches.
func (a *App) SetReplayQueue(q *queue.RedisQueue) { a.replay = q }

// SetLogShipper wires the queue carrying aggregated error logs.
func (a *App) SetLogShipper(q *queue.RedisQueue) { a.logShip = q }

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.httpServer = xhttp.NewServer(a.httpHandler,
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
	)

	a.batch.Start(ctx)
	a.log.Info("batcher started",
		applogger.Int("max_records", a.cfg.Batcher.MaxRecords),
		applogger.Duration("max_wait", a.cfg.Batcher.MaxWait),
	)

	if a.collector != nil {
		go func() {
			if err := a.collector.Start(ctx); err != nil {
				a.log.Error("collector error", applogger.Error(err))
			}
		}()
		a.log.Info("collector started", applogger.Strings("markets", a.cfg.Feed.Markets))
	}

	if a.consumer != nil && a.kh != nil {
		a.consumer.RegisterHandler(a.kh)
		go func() {
			if err := a.consumer.Start(); err != nil {
				a.log.Error("kafka consumer error", applogger.Error(err))
			}
		}()
		a.log.Info("kafka consumer started", applogger.String("topic", a.kh.Topic()))
	}

	if a.replay != nil {
		if err := a.replay.Start(); err != nil {
			a.log.Error("replay queue start error", applogger.Error(err))
		}
	}

	if a.sched != nil {
		if err := a.sched.Start(a.cfg.Analysis.SweepInterval); err != nil {
			a.log.Error("scheduler start error", applogger.Error(err))
		}
	}

	if err := a.httpServer.Start(); err != nil {
		a.log.Error("http server start error", applogger.Error(err))
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.log.Info("shutdown signal received")
	return a.shutdown(ctx)
}

// shutdown stops ingestion first so the batcher can flush, then the readers,
// then infrastructure clients.
func (a *App) shutdown(ctx context.Context) error {
	if a.collector != nil {
		if err := a.collector.Shutdown(ctx); err != nil {
			a.log.Warn("collector stop error", applogger.Error(err))
		}
	}
	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.log.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}

	// Flushes the open batch through the pipeline.
	a.batch.Stop()

	if a.sched != nil {
		a.sched.Stop()
	}
	if a.engine != nil {
		a.engine.Wait()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.httpServer.Stop(shutdownCtx); err != nil {
		a.log.Error("http shutdown error", applogger.Error(err))
	}

	if a.replay != nil {
		if err := a.replay.Stop(shutdownCtx); err != nil {
			a.log.Warn("replay queue stop error", applogger.Error(err))
		}
	}
	a.log.RemoveCollector()
	if a.logShip != nil {
		if err := a.logShip.Stop(shutdownCtx); err != nil {
			a.log.Warn("log shipper stop error", applogger.Error(err))
		}
	}
	if a.cacheTier != nil {
		if err := a.cacheTier.Close(); err != nil {
			a.log.Warn("cache close error", applogger.Error(err))
		}
	}
	if a.chClient != nil {
		if err := a.chClient.Close(); err != nil {
			a.log.Warn("clickhouse close error", applogger.Error(err))
		}
	}

	a.log.Info("shutdown complete")
	return nil
}
