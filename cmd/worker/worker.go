package main

import (
	"context"

	"github.com/veridrive/mileage-trust-worker/internal/anchor"
	"github.com/veridrive/mileage-trust-worker/internal/config"
	"github.com/veridrive/mileage-trust-worker/internal/consolidation"
	"github.com/veridrive/mileage-trust-worker/internal/db"
	"github.com/veridrive/mileage-trust-worker/internal/fraud"
	"github.com/veridrive/mileage-trust-worker/internal/mq"
	"github.com/veridrive/mileage-trust-worker/internal/repository"
	"github.com/veridrive/mileage-trust-worker/internal/service"
	"github.com/veridrive/mileage-trust-worker/internal/trust"
	"github.com/veridrive/mileage-trust-worker/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// startWorker wires the ingest and admin consumers plus the consolidation
// scheduler into the fx lifecycle.
func startWorker(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	processor *service.ProcessorService,
	scheduler *consolidation.Scheduler,
) error {
	// Consumer and scheduler contexts are cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	ingestConsumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.IngestQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.IngestExchange,
		RoutingKey:    cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		Handler:       processor.ProcessMessage,
	})
	if err != nil {
		cancel()
		return err
	}

	adminConsumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.AdminQueue,
		Exchange:      cfg.RabbitMQ.IngestExchange,
		RoutingKey:    cfg.RabbitMQ.AdminRoutingKey,
		PrefetchCount: 1,
		Logger:        logger,
		Handler:       processor.ProcessOverrideMessage,
	})
	if err != nil {
		cancel()
		ingestConsumer.Close()
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting worker",
				zap.String("ingest_queue", cfg.RabbitMQ.IngestQueue),
				zap.String("admin_queue", cfg.RabbitMQ.AdminQueue),
				zap.Duration("consolidation_interval", cfg.Consolidation.Interval),
			)
			if err := ingestConsumer.Start(ctx); err != nil {
				return err
			}
			if err := adminConsumer.Start(ctx); err != nil {
				return err
			}
			scheduler.Start(ctx)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			scheduler.Stop()
			cancel()
			if err := ingestConsumer.Close(); err != nil {
				logger.Error("failed to close ingest consumer", zap.Error(err))
			}
			if err := adminConsumer.Close(); err != nil {
				logger.Error("failed to close admin consumer", zap.Error(err))
			}
			logger.Info("worker stopped gracefully")
			return nil
		},
	})

	return nil
}

// ProvideDBPool creates the database pool
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideRepository creates the repository
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideClassifier creates the mileage classifier
func ProvideClassifier(cfg *config.Config) *validator.Classifier {
	return validator.NewClassifier(cfg.Validation.RollbackTolerance, cfg.Validation.SuspiciousThreshold)
}

// ProvideMQConnection creates the RabbitMQ connection
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates the events publisher
func ProvidePublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	return mq.NewPublisher(conn,
		cfg.RabbitMQ.EventsExchange,
		cfg.RabbitMQ.TrustRoutingKey,
		cfg.RabbitMQ.AlertRoutingKey,
		logger)
}

// ProvideTrustEngine creates the trust score engine with the publisher as
// its notification hook
func ProvideTrustEngine(repo *repository.Repository, publisher *mq.Publisher, logger *zap.Logger) *trust.Engine {
	return trust.NewEngine(repo, publisher, logger)
}

// ProvideFraudManager creates the fraud alert manager
func ProvideFraudManager(repo *repository.Repository, publisher *mq.Publisher, logger *zap.Logger) *fraud.Manager {
	return fraud.NewManager(repo, publisher, logger)
}

// ProvideAnchorClient creates the ledger anchor client
func ProvideAnchorClient(cfg *config.Config, logger *zap.Logger) anchor.Client {
	return anchor.NewHTTPClient(cfg.Anchor.URL, cfg.Anchor.APIKey, cfg.Anchor.Timeout, logger)
}

// ProvideConsolidationJob creates the daily consolidation job
func ProvideConsolidationJob(repo *repository.Repository, anchorClient anchor.Client, cfg *config.Config, logger *zap.Logger) *consolidation.Job {
	return consolidation.NewJob(repo, anchorClient, cfg.Consolidation, logger)
}

// ProvideScheduler creates the consolidation scheduler
func ProvideScheduler(job *consolidation.Job, cfg *config.Config, logger *zap.Logger) *consolidation.Scheduler {
	return consolidation.NewScheduler(job, cfg.Consolidation.Interval, logger)
}

// ProvideProcessorService creates the ingest processor
func ProvideProcessorService(
	repo *repository.Repository,
	classifier *validator.Classifier,
	trustEngine *trust.Engine,
	alerts *fraud.Manager,
	publisher *mq.Publisher,
	job *consolidation.Job,
	cfg *config.Config,
	logger *zap.Logger,
) *service.ProcessorService {
	return service.NewProcessorService(repo, classifier, trustEngine, alerts, publisher, job, cfg, logger)
}
