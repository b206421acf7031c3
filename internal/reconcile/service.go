package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/exam-proctor/backend/internal/clock"
	"github.com/exam-proctor/backend/internal/metrics"
)

// LeaseKey is held by the worker process running the current pass.
const LeaseKey = "proctor:reconcile:lease"

// Service runs the Job on a fixed interval. Each tick takes a Redis lease so
// only one worker process reconciles per interval.
type Service struct {
	job      *Job
	client   *redis.Client
	clk      clock.Clock
	interval time.Duration
	owner    string
	logger   *zap.Logger
}

// NewService creates a Service.
func NewService(job *Job, client *redis.Client, clk clock.Clock, interval time.Duration, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		job:      job,
		client:   client,
		clk:      clk,
		interval: interval,
		owner:    uuid.NewString(),
		logger:   logger,
	}
}

// Tick runs one pass if the lease is free. ran is false when another process holds it.
func (s *Service) Tick(ctx context.Context) (rep Report, ran bool, err error) {
	ok, err := s.client.SetNX(ctx, LeaseKey, s.owner, s.interval*9/10).Result()
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("error").Inc()
		return rep, false, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		metrics.ReconcileRuns.WithLabelValues("skipped").Inc()
		return rep, false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()
	start := time.Now()
	rep, err = s.job.Run(ctx, s.clk.Now())
	metrics.ReconcileDuration.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		metrics.ReconcileRuns.WithLabelValues("error").Inc()
		return rep, true, err
	case rep.Failed > 0:
		metrics.ReconcileRuns.WithLabelValues("partial").Inc()
	default:
		metrics.ReconcileRuns.WithLabelValues("ok").Inc()
	}
	if rep.ExamTransitions+rep.Expired+rep.LoggedOut+rep.MergesScheduled+rep.Failed > 0 {
		s.logger.Info("reconcile pass",
			zap.Int("exams", rep.Exams),
			zap.Int("exam_transitions", rep.ExamTransitions),
			zap.Int("expired", rep.Expired),
			zap.Int("logged_out", rep.LoggedOut),
			zap.Int("merges_scheduled", rep.MergesScheduled),
			zap.Int("failed", rep.Failed),
			zap.Duration("took", time.Since(start)))
	}
	return rep, true, nil
}

// Serve implements suture.Service. Every tick runs regardless of earlier failures.
func (s *Service) Serve(ctx context.Context) error {
	s.logger.Info("reconciler started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("reconcile pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) String() string { return "reconciler" }
