// Package worker drains the merge job queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/exam-proctor/backend/internal/clock"
	"github.com/exam-proctor/backend/internal/merge"
	"github.com/exam-proctor/backend/internal/metrics"
	"github.com/exam-proctor/backend/pkg/queue"
)

const (
	dequeueErrorBackoff = 2 * time.Second
	promoteInterval     = 5 * time.Second
)

// Merger runs the merge pipeline for one student.
type Merger interface {
	MergeSegments(ctx context.Context, examID int64, studentID, displayName string) (merge.Result, error)
}

// Marker clears a student's outstanding-merge marker.
type Marker interface {
	Done(ctx context.Context, examID int64, studentID string) error
}

// JobQueue is the part of *queue.Queue the worker uses.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job, cause error, now time.Time) (bool, error)
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// MergeProcessor processes merge jobs: merge segments, clear the marker, retry on error.
type MergeProcessor struct {
	merger Merger
	marker Marker
	queue  JobQueue
	clk    clock.Clock
	logger *zap.Logger
}

// NewMergeProcessor creates a merge job processor.
func NewMergeProcessor(merger Merger, marker Marker, q JobQueue, clk clock.Clock, logger *zap.Logger) *MergeProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &MergeProcessor{merger: merger, marker: marker, queue: q, clk: clk, logger: logger}
}

// Process executes one merge job.
func (p *MergeProcessor) Process(ctx context.Context, job *queue.Job) error {
	payload, err := job.MergePayload()
	if err != nil {
		return err
	}
	res, err := p.merger.MergeSegments(ctx, payload.ExamID, payload.StudentID, payload.DisplayName)
	if err != nil {
		return err
	}
	if res.NoOp {
		metrics.MergeJobs.WithLabelValues("noop").Inc()
	} else {
		metrics.MergeJobs.WithLabelValues("ok").Inc()
	}
	if err := p.marker.Done(ctx, payload.ExamID, payload.StudentID); err != nil {
		// the marker expires on its own; a stale one only delays a later merge
		p.logger.Warn("clear merge marker failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	return nil
}

// Handle processes job and, on failure, schedules a retry or dead-letters it.
func (p *MergeProcessor) Handle(ctx context.Context, job *queue.Job) {
	log := p.logger.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	log.Debug("processing job", zap.String("type", string(job.Type)))

	err := p.Process(ctx, job)
	if err == nil {
		return
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// shutdown interrupted the job; hand it back without counting an attempt
		job.Attempt--
	}
	dead, reErr := p.queue.Retry(context.WithoutCancel(ctx), job, err, p.clk.Now())
	switch {
	case reErr != nil:
		log.Error("retry enqueue failed", zap.NamedError("cause", err), zap.Error(reErr))
	case dead:
		metrics.MergeJobs.WithLabelValues("dead").Inc()
		log.Error("merge job failed permanently, moved to DLQ", zap.Error(err))
	default:
		metrics.MergeJobs.WithLabelValues("retry").Inc()
		log.Warn("merge job failed, retry scheduled", zap.Error(err))
	}
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *MergeProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("merge worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			sleep(ctx, dequeueErrorBackoff)
			continue
		}
		if job == nil {
			continue
		}
		p.Handle(ctx, job)
	}
}

// Serve implements suture.Service.
func (p *MergeProcessor) Serve(ctx context.Context) error {
	p.Run(ctx)
	return ctx.Err()
}

func (p *MergeProcessor) String() string { return "merge-worker" }

// Promoter moves due retries back onto the work list and exports queue depth.
type Promoter struct {
	queue    JobQueue
	clk      clock.Clock
	interval time.Duration
	logger   *zap.Logger
}

// NewPromoter creates a Promoter. interval <= 0 uses 5s.
func NewPromoter(q JobQueue, clk clock.Clock, interval time.Duration, logger *zap.Logger) *Promoter {
	if interval <= 0 {
		interval = promoteInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoter{queue: q, clk: clk, interval: interval, logger: logger}
}

// Tick promotes due jobs once and refreshes the depth gauges.
func (p *Promoter) Tick(ctx context.Context) error {
	if _, err := p.queue.PromoteDue(ctx, p.clk.Now()); err != nil {
		return err
	}
	stats, err := p.queue.Stats(ctx)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	metrics.QueueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
	metrics.QueueDepth.WithLabelValues("delayed").Set(float64(stats.Delayed))
	metrics.QueueDepth.WithLabelValues("dead").Set(float64(stats.Dead))
	return nil
}

// Serve implements suture.Service.
func (p *Promoter) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.Tick(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("promote delayed jobs failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Promoter) String() string { return "merge-promoter" }

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
