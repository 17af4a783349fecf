//go:build wireinject
// +build wireinject

package di

import (
	"SmartFlow/pkg/config"
	"SmartFlow/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Observability
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideClickHouseClient,
		ProvideRedisCache,
		ProvideKafkaProducer,

		// Repositories
		ProvideFlowSink,
		ProvideBucketStore,
		ProvideFlowStream,

		// Core processing
		ProvideAggregator,
		ProvideDetector,
		ProvideLayeredCache,
		ProvideReplayQueue,
		ProvideErrorLogShipper,
		ProvidePipeline,
		ProvideBatcher,
		ProvideKafkaIngest,

		// Use cases and HTTP surface
		ProvideCollector,
		ProvideQueryFacade,
		ProvideScheduler,
		ProvideHTTPHandler,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
