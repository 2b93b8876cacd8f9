package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/evolvesystems/audiotricks-sub001/internal/ai"
	"github.com/evolvesystems/audiotricks-sub001/internal/api"
	"github.com/evolvesystems/audiotricks-sub001/internal/config"
	"github.com/evolvesystems/audiotricks-sub001/internal/events"
	"github.com/evolvesystems/audiotricks-sub001/internal/job"
	"github.com/evolvesystems/audiotricks-sub001/internal/objectstore"
	"github.com/evolvesystems/audiotricks-sub001/internal/pipeline"
	"github.com/evolvesystems/audiotricks-sub001/internal/quota"
	"github.com/evolvesystems/audiotricks-sub001/internal/store"
	"github.com/evolvesystems/audiotricks-sub001/internal/tracing"
	"github.com/evolvesystems/audiotricks-sub001/internal/upload"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "audiotricks").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize tracing")
	}

	db, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	chunks, err := buildChunkStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize object store")
	}

	var cache quota.UsageCache
	var redisCache *quota.RedisCache
	if cfg.QuotaCacheEnabled() {
		redisCache, err = quota.NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.QuotaCacheTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		cache = redisCache
	}
	guard := quota.NewGuard(db, cache, logger)

	uploads := upload.NewService(cfg, db, chunks, guard, logger)
	jobs := job.NewService(db, guard, logger)

	aiClient := ai.NewClient(cfg, logger)
	providers := pipeline.Providers{
		Transcriber: aiClient,
		Summarizer:  aiClient,
		Analyzer:    aiClient,
	}
	orchestrator := pipeline.NewOrchestrator(cfg, db, jobs, chunks, providers, logger)
	dispatcher := pipeline.NewDispatcher(orchestrator, cfg.WorkerCount, cfg.QueueSize, logger)
	dispatcher.Start()

	reaper := pipeline.NewReaper(db, dispatcher, cfg.StaleJobAfter, cfg.ReaperInterval, logger)
	go func() { _ = reaper.Run(ctx) }()

	var producer *events.Producer
	if cfg.EventsEnabled() {
		producer = events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		relay := events.NewRelay(db, producer, cfg.OutboxPollInterval, logger)
		go func() { _ = relay.Run(ctx) }()
	}

	handler := api.NewHandler(cfg, uploads, jobs, dispatcher, logger)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(handler.Router(), "http.server"),
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("storage_provider", cfg.StorageProvider).
			Bool("events", cfg.EventsEnabled()).
			Msg("audiotricks api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info().Msg("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
	}

	// Stop background loops after the HTTP surface drains. Interrupted jobs
	// are re-dispatched by the reaper on the next start.
	cancel()
	dispatcher.Shutdown()
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Warn().Err(err).Msg("kafka producer close failed")
		}
	}
	if redisCache != nil {
		if err := redisCache.Close(); err != nil {
			logger.Warn().Err(err).Msg("redis close failed")
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("tracer shutdown failed")
	}
}

func buildChunkStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (objectstore.ChunkStore, error) {
	switch cfg.StorageProvider {
	case "minio":
		return objectstore.NewMinioStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL, logger)
	default:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.S3Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.S3Endpoint)
				o.UsePathStyle = true
			}
		})
		return objectstore.NewS3Store(client, cfg.S3Bucket, cfg.S3Region, cfg.S3Endpoint, logger), nil
	}
}
