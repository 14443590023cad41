package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cr4342/msearch-sub004/config/logger"
	postgresConfig "github.com/cr4342/msearch-sub004/config/storage/postgresql"
	redisConfig "github.com/cr4342/msearch-sub004/config/storage/redis"
	config "github.com/cr4342/msearch-sub004/config/utils"
	"github.com/cr4342/msearch-sub004/internal/adapter/inference"
	"github.com/cr4342/msearch-sub004/internal/adapter/monitoring/local"
	"github.com/cr4342/msearch-sub004/internal/adapter/monitoring/prometheus"
	"github.com/cr4342/msearch-sub004/internal/adapter/queue/rabbitmq"
	postgresAdapter "github.com/cr4342/msearch-sub004/internal/adapter/storage/postgres"
	redisAdapter "github.com/cr4342/msearch-sub004/internal/adapter/storage/redis"
	"github.com/cr4342/msearch-sub004/internal/core/domain"
	"github.com/cr4342/msearch-sub004/internal/core/port"
	"github.com/cr4342/msearch-sub004/internal/core/service"
	"github.com/cr4342/msearch-sub004/internal/server"
	"go.uber.org/zap"
)

// _shutdownPeriod is time to wait for in-flight work before force closing
const _shutdownPeriod = 10 * time.Second

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	// 1. Init Config & Logger
	appConfig := config.New()
	log := logger.Build(appConfig.Logger)
	zap.ReplaceGlobals(log)

	log.Info("Starting the application",
		zap.String("app", appConfig.App.Name),
		zap.String("env", appConfig.App.Env))

	// 2. Init Adapters

	// Inference sidecar (model layer + embedding executors)
	sidecar := inference.NewClient(appConfig.Inference.BaseURL, appConfig.Inference.Timeout, log.Named("Inference"))

	// Postgres task mirror (optional)
	var mirror port.TaskRepository
	if appConfig.DB != nil && appConfig.DB.Enabled {
		dbService, err := postgresConfig.New(rootCtx, appConfig.DB, log.Named("DB"))
		if err != nil {
			log.Fatal("Failed to init Postgres", zap.Error(err))
		}
		defer dbService.Close()
		if err := dbService.Migrate(); err != nil {
			log.Fatal("Failed to migrate database", zap.Error(err))
		}
		mirror = postgresAdapter.NewTaskRepository(dbService.Pool, dbService.QueryBuilder, log.Named("Mirror"))
		log.Info("Task mirror enabled")
	}

	// Redis metadata store (optional)
	var metadata port.MetadataStore
	if appConfig.Redis != nil && appConfig.Redis.Enabled {
		cache, err := redisConfig.New(rootCtx, appConfig.Redis)
		if err != nil {
			log.Fatal("Failed to init Redis", zap.Error(err))
		}
		metadata = redisAdapter.NewMetadataStore(cache.Client, appConfig.App.Name, log.Named("Metadata"))
		log.Info("Metadata store enabled", zap.String("addr", appConfig.Redis.Addr))
	}

	// RabbitMQ task ingress and lifecycle events (optional)
	var events port.EventPublisher
	var queueService *rabbitmq.QueueService
	if appConfig.Queue != nil && appConfig.Queue.Enabled {
		rabbitURL := fmt.Sprintf("amqp://%s:%s@%s:%s/%s",
			appConfig.Queue.User, appConfig.Queue.Password,
			appConfig.Queue.Host, appConfig.Queue.Port,
			appConfig.Queue.VHost,
		)
		qs, err := rabbitmq.NewQueueService(rabbitURL, log.Named("Queue"))
		if err != nil {
			log.Fatal("Failed to init RabbitMQ", zap.Error(err))
		}
		queueService = qs
		events = qs
		defer qs.Close()
	}

	// 3. Init Core Services
	pools := service.NewWorkerPoolSet(poolConfigs(appConfig.Pools), log.Named("Pools"))
	batch := service.NewBatchSizeController(batchSettings(appConfig.Batch), log.Named("Batch"))
	residency := service.NewModelResidencyManager(residencySettings(appConfig.Residency), sidecar, log.Named("Residency"))
	scheduler := service.NewTaskScheduler(pools, batch, residency, service.SchedulerOptions{
		Mirror: mirror,
		Events: events,
	}, log.Named("Scheduler"))

	registerBindings(scheduler, sidecar, metadata, log)

	// 4. Start background loops
	scheduler.Start(rootCtx)

	var loops sync.WaitGroup
	loops.Add(1)
	go func() {
		defer loops.Done()
		residency.RunPeriodicCleanup(rootCtx)
	}()

	sampler := buildSampler(appConfig.Telemetry, log)
	loops.Add(1)
	go func() {
		defer loops.Done()
		service.RunResourceTelemetry(rootCtx, sampler, batch, appConfig.Telemetry.SampleInterval, log.Named("Telemetry"))
	}()

	if queueService != nil {
		if err := queueService.ConsumeSubmissions(rootCtx, scheduler); err != nil {
			log.Fatal("Failed to start submission consumer", zap.Error(err))
		}
	}

	// 5. Start HTTP API
	addr := fmt.Sprintf("%s:%d", appConfig.Server.Host, appConfig.Server.Port)
	api := server.New(addr, scheduler, batch, residency, log.Named("API"))
	go func() {
		if err := api.Start(); err != nil {
			log.Error("HTTP server failed", zap.Error(err))
			rootCtxCancel()
		}
	}()

	// 6. Wait for Shutdown
	<-rootCtx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), _shutdownPeriod)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown did not drain cleanly", zap.Error(err))
	}

	scheduler.Stop(true)
	loops.Wait()
	log.Info("Graceful shutdown complete.")
}

// registerBindings declares the closed task-type table. Unknown types are
// rejected at submission, so producers fail fast instead of at dispatch.
func registerBindings(scheduler *service.TaskScheduler, sidecar *inference.Client, metadata port.MetadataStore, log *zap.Logger) {
	bindings := []service.ExecutorBinding{
		{Type: "embed_text", Pool: service.PoolEmbedding, Batchable: true,
			ModelType: "text-encoder", ModelSizeGB: 1.2,
			Executor: sidecar.EmbeddingExecutor("text-encoder", metadata)},
		{Type: "embed_image", Pool: service.PoolEmbedding, Batchable: true,
			ModelType: "image-encoder", ModelSizeGB: 2.4,
			Executor: sidecar.EmbeddingExecutor("image-encoder", metadata)},
		{Type: "embed_video", Pool: service.PoolEmbedding, Batchable: true,
			ModelType: "video-encoder", ModelSizeGB: 3.6,
			Executor: sidecar.EmbeddingExecutor("video-encoder", metadata)},
		{Type: "preprocess_media", Pool: service.PoolPreprocess,
			Executor: sidecar.TaskExecutor("/preprocess")},
		{Type: "segment_video", Pool: service.PoolPreprocess,
			Executor: sidecar.TaskExecutor("/segment")},
		{Type: "vector_delete", Pool: service.PoolIO,
			Executor: metadataDeleteExecutor(metadata)},
	}
	for _, b := range bindings {
		if err := scheduler.Register(b); err != nil {
			log.Fatal("Failed to register executor binding", zap.String("type", b.Type), zap.Error(err))
		}
	}
}

// metadataDeleteExecutor removes a file's vector references when its source
// file disappears from the library.
func metadataDeleteExecutor(metadata port.MetadataStore) port.Executor {
	return port.ExecutorFunc(func(ctx context.Context, payload domain.Payload) (domain.Payload, error) {
		fid := payload.FileID()
		if fid == "" {
			return nil, fmt.Errorf("vector_delete requires file_id")
		}
		if metadata == nil {
			return domain.Payload{"deleted": false}, nil
		}
		if err := metadata.Delete(ctx, fid); err != nil {
			return nil, err
		}
		return domain.Payload{"deleted": true}, nil
	})
}

func buildSampler(cfg *config.Telemetry, log *zap.Logger) port.ResourceSampler {
	if cfg != nil && cfg.Sampler == "prometheus" && cfg.PrometheusURL != "" {
		log.Info("Using Prometheus resource sampler", zap.String("url", cfg.PrometheusURL))
		return prometheus.NewResourceSampler(cfg.PrometheusURL, cfg.Instance, log.Named("Prometheus"))
	}
	log.Info("Using local resource sampler")
	return local.NewResourceSampler()
}

func poolConfigs(cfgs []config.Pool) []service.PoolConfig {
	if len(cfgs) == 0 {
		return nil // pool set falls back to defaults
	}
	out := make([]service.PoolConfig, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, service.PoolConfig{
			Name:          c.Name,
			MinWorkers:    c.MinWorkers,
			MaxWorkers:    c.MaxWorkers,
			QueueCapacity: c.QueueCapacity,
			TaskTimeout:   c.TaskTimeout,
		})
	}
	return out
}

func batchSettings(cfg *config.Batch) service.BatchSettings {
	if cfg == nil {
		return service.DefaultBatchSettings()
	}
	return service.BatchSettings{
		InitialSize:       cfg.InitialSize,
		MinSize:           cfg.MinSize,
		MaxSize:           cfg.MaxSize,
		AdjustmentStep:    cfg.AdjustmentStep,
		IncreaseThreshold: cfg.IncreaseThreshold,
		DecreaseThreshold: cfg.DecreaseThreshold,
		Cooldown:          cfg.Cooldown,
	}
}

func residencySettings(cfg *config.Residency) service.ResidencySettings {
	if cfg == nil {
		return service.DefaultResidencySettings()
	}
	return service.ResidencySettings{
		MaxModelsInMemory: cfg.MaxModelsInMemory,
		InactiveTimeout:   cfg.InactiveTimeout,
		CleanupInterval:   cfg.CleanupInterval,
	}
}
