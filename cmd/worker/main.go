// Package main runs the background worker: the reconciliation loop, the
// merge workers and the retry promoter, under one supervisor tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/exam-proctor/backend/config"
	"github.com/exam-proctor/backend/internal/clock"
	"github.com/exam-proctor/backend/internal/enrollments"
	"github.com/exam-proctor/backend/internal/exams"
	"github.com/exam-proctor/backend/internal/merge"
	"github.com/exam-proctor/backend/internal/presence"
	"github.com/exam-proctor/backend/internal/realtime"
	"github.com/exam-proctor/backend/internal/reconcile"
	"github.com/exam-proctor/backend/internal/supervisor"
	"github.com/exam-proctor/backend/internal/worker"
	"github.com/exam-proctor/backend/pkg/database"
	"github.com/exam-proctor/backend/pkg/queue"
	"github.com/exam-proctor/backend/pkg/redis"
	"github.com/exam-proctor/backend/pkg/response"
	"github.com/exam-proctor/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{
		MaxConns: int32(cfg.Worker.ReconcileParallel + cfg.Worker.MergeWorkers + 2),
	}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var archiver merge.Archiver
	if cfg.AWS.RecordingsBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			RecordingsBucket:     cfg.AWS.RecordingsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled, merged recordings stay local", zap.Error(err))
		} else {
			archiver = s3Client
		}
	}

	clk := clock.Real()
	layout := storage.NewLayout(cfg.Proctor.DataDir)
	jobQueue := queue.NewQueue(rdb.Client, queue.Options{
		MaxRetries:   cfg.Merge.MaxRetries,
		RetryBackoff: cfg.Merge.RetryBackoff,
	}, logger)
	scheduler := merge.NewScheduler(rdb.Client, jobQueue, layout, cfg.Merge.MarkerTTL, logger)
	pipeline := merge.NewPipeline(layout, merge.NewFFmpeg(cfg.Merge.FFmpegPath, cfg.Merge.Timeout, logger), archiver, clk, logger)

	tree := supervisor.NewTree("proctor-worker", logger, supervisor.DefaultTreeConfig())

	if !cfg.Worker.DisableReconciler {
		enrollmentRepo := enrollments.NewRepository(pool)
		broker := realtime.NewBroker(rdb.Client, logger)
		tracker := presence.NewTracker(enrollmentRepo, presence.NewRedisCache(rdb.Client), clk, broker, presence.Options{
			Timeout: cfg.Proctor.HeartbeatTimeout,
			TTL:     cfg.Proctor.RealtimeTTL,
		}, logger)
		job := reconcile.NewJob(exams.NewRepository(pool), enrollmentRepo, tracker, scheduler, reconcile.Options{
			Timeout:     cfg.Proctor.HeartbeatTimeout,
			GracePeriod: cfg.Proctor.GracePeriod,
			SweepWindow: cfg.Proctor.SweepWindow,
			Parallel:    cfg.Worker.ReconcileParallel,
		}, logger)
		tree.AddBackground(reconcile.NewService(job, rdb.Client, clk, cfg.Proctor.ReconcileInterval, logger))
	} else {
		logger.Info("reconciler disabled")
	}

	workers := max(cfg.Worker.MergeWorkers, 1)
	for i := 0; i < workers; i++ {
		tree.AddBackground(worker.NewMergeProcessor(pipeline, scheduler, jobQueue, clk,
			logger.With(zap.String("worker", fmt.Sprintf("merge-%d", i)))))
	}
	tree.AddBackground(worker.NewPromoter(jobQueue, clk, 0, logger))

	if cfg.Worker.MetricsAddr != "" {
		tree.AddAPI(supervisor.NewHTTPService("worker-metrics", &http.Server{
			Addr:              cfg.Worker.MetricsAddr,
			Handler:           metricsRouter(rdb),
			ReadHeaderTimeout: 5 * time.Second,
		}, 5*time.Second))
	}

	logger.Info("worker started",
		zap.Int("merge_workers", workers),
		zap.Bool("reconciler", !cfg.Worker.DisableReconciler),
		zap.Duration("reconcile_interval", cfg.Proctor.ReconcileInterval))
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", zap.Error(err))
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logger.Warn("services did not stop in time", zap.Int("count", len(report)))
	}
	logger.Info("worker stopped")
}

func metricsRouter(rdb *redis.Client) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) {
		if !rdb.Healthy(c.Request.Context()) {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})
	return r
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
