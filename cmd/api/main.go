package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"analysis-jobs/internal/api"
	"analysis-jobs/internal/auth"
	"analysis-jobs/internal/blob"
	"analysis-jobs/internal/config"
	"analysis-jobs/internal/dispatch"
	"analysis-jobs/internal/hub"
	"analysis-jobs/internal/inference"
	"analysis-jobs/internal/ingest"
	"analysis-jobs/internal/ratelimit"
	"analysis-jobs/internal/results"
	"analysis-jobs/internal/store"
)

func main() {
	cfg := config.Load()

	log := buildLogger(cfg.Env)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}

	blobs, err := blob.NewS3Store(ctx, cfg)
	if err != nil {
		log.Fatal("connect blob store", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = redisClient.Close() }()

	h := hub.New(log)
	pipeline := ingest.New(blobs, ingest.Limits{
		MaxEntries:    cfg.MaxArchiveEntries,
		MaxRatio:      cfg.MaxCompressionRatio,
		MaxTotalBytes: cfg.MaxArchiveTotalBytes,
	}, cfg.BlobPrefix, log)

	runner := inference.NewClient(cfg.InferenceURL, cfg.InferenceTimeout, log)
	coordinator := dispatch.New(st, h, runner, dispatch.Options{
		Workers:   cfg.DispatchWorkers,
		Profile:   cfg.InferenceProfile,
		Threshold: cfg.InferenceThreshold,
		Timeout:   cfg.InferenceTimeout,
	}, log)
	coordinator.Start()
	defer coordinator.Stop()

	materializer := results.NewMaterializer(st, blobs, coordinator.Broadcast, log)
	authn := auth.NewRedisAuthenticator(redisClient)
	limiter := ratelimit.NewSubmissionLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, st, blobs, pipeline, coordinator, materializer, h, authn, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func buildLogger(env string) *zap.Logger {
	if env == "prod" {
		log, err := zap.NewProduction()
		if err != nil {
			panic(err)
		}
		return log
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return log
}
