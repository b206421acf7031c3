// Package main runs the proctoring HTTP API: the student client endpoints,
// the admin and monitor console API, and the monitor WebSocket feed.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/exam-proctor/backend/config"
	"github.com/exam-proctor/backend/internal/auth"
	"github.com/exam-proctor/backend/internal/clock"
	"github.com/exam-proctor/backend/internal/enrollments"
	"github.com/exam-proctor/backend/internal/exams"
	"github.com/exam-proctor/backend/internal/merge"
	"github.com/exam-proctor/backend/internal/monitor"
	"github.com/exam-proctor/backend/internal/presence"
	"github.com/exam-proctor/backend/internal/realtime"
	"github.com/exam-proctor/backend/internal/recordings"
	"github.com/exam-proctor/backend/internal/session"
	"github.com/exam-proctor/backend/internal/supervisor"
	"github.com/exam-proctor/backend/internal/violations"
	"github.com/exam-proctor/backend/pkg/database"
	"github.com/exam-proctor/backend/pkg/queue"
	"github.com/exam-proctor/backend/pkg/redis"
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

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var archive recordings.Archive
	if cfg.AWS.RecordingsBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			RecordingsBucket:     cfg.AWS.RecordingsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		} else {
			archive = s3Client
		}
	}

	clk := clock.Real()
	layout := storage.NewLayout(cfg.Proctor.DataDir)
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	examRepo := exams.NewRepository(pool)
	enrollmentRepo := enrollments.NewRepository(pool)
	violationRepo := violations.NewRepository(pool)

	broker := realtime.NewBroker(rdb.Client, logger)
	hub := realtime.NewHub(logger, broker)
	defer hub.Close()

	tracker := presence.NewTracker(enrollmentRepo, presence.NewRedisCache(rdb.Client), clk, broker, presence.Options{
		Timeout: cfg.Proctor.HeartbeatTimeout,
		TTL:     cfg.Proctor.RealtimeTTL,
	}, logger)
	jobQueue := queue.NewQueue(rdb.Client, queue.Options{
		MaxRetries:   cfg.Merge.MaxRetries,
		RetryBackoff: cfg.Merge.RetryBackoff,
	}, logger)
	scheduler := merge.NewScheduler(rdb.Client, jobQueue, layout, cfg.Merge.MarkerTTL, logger)

	authHandler, err := auth.NewHandler(examRepo, jwtService, cfg.JWT.AdminPassword, logger)
	if err != nil {
		logger.Fatal("auth", zap.Error(err))
	}
	if cfg.JWT.AdminPassword == "" {
		logger.Warn("ADMIN_PASSWORD not set, admin login disabled")
	}

	h := handlers{
		auth:       authHandler,
		exams:      exams.NewHandler(examRepo, broker, clk, logger),
		session:    session.NewHandler(tracker, examRepo, broker, scheduler, violationRepo, layout, clk, session.Options{MaxUploadBytes: cfg.Proctor.MaxUploadBytes}, logger),
		monitor:    monitor.NewHandler(enrollmentRepo, tracker, violationRepo, scheduler, logger),
		recordings: recordings.NewHandler(recordings.NewCatalog(layout, archive, logger), enrollmentRepo, logger),
	}
	health := func(ctx context.Context) error {
		if !rdb.Healthy(ctx) {
			return errors.New("redis unavailable")
		}
		return pool.Ping(ctx)
	}
	router := newRouter(cfg, logger, jwtService, hub, h, health)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	tree := supervisor.NewTree("proctor-server", logger, supervisor.DefaultTreeConfig())
	tree.AddAPI(supervisor.NewHTTPService("http-api", srv, 15*time.Second))

	logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("data_dir", layout.Root))
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped with error", zap.Error(err))
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logger.Warn("services did not stop in time", zap.Int("count", len(report)))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
