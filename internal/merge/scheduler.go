package merge

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/exam-proctor/backend/internal/metrics"
	"github.com/exam-proctor/backend/pkg/queue"
	"github.com/exam-proctor/backend/pkg/storage"
)

// DefaultMarkerTTL bounds how long a scheduled marker blocks rescheduling.
const DefaultMarkerTTL = 24 * time.Hour

// Enqueuer puts merge jobs on the work queue.
type Enqueuer interface {
	EnqueueMerge(ctx context.Context, payload queue.MergePayload) (string, error)
}

// MarkerKey is set while a merge job for the student is queued or running.
func MarkerKey(examID int64, studentID string) string {
	return fmt.Sprintf("exam:%d:merge:%s", examID, studentID)
}

// Scheduler enqueues at most one outstanding merge job per student.
type Scheduler struct {
	client    *redis.Client
	queue     Enqueuer
	layout    storage.Layout
	markerTTL time.Duration
	logger    *zap.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(client *redis.Client, q Enqueuer, layout storage.Layout, markerTTL time.Duration, logger *zap.Logger) *Scheduler {
	if markerTTL <= 0 {
		markerTTL = DefaultMarkerTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{client: client, queue: q, layout: layout, markerTTL: markerTTL, logger: logger}
}

// Schedule enqueues a merge job unless one is already outstanding. Reports
// whether a job was enqueued by this call.
func (s *Scheduler) Schedule(ctx context.Context, examID int64, studentID, displayName, reason string) (bool, error) {
	key := MarkerKey(examID, studentID)
	ok, err := s.client.SetNX(ctx, key, reason, s.markerTTL).Result()
	if err != nil {
		return false, fmt.Errorf("set merge marker: %w", err)
	}
	if !ok {
		return false, nil
	}
	jobID, err := s.queue.EnqueueMerge(ctx, queue.MergePayload{
		ExamID:      examID,
		StudentID:   studentID,
		DisplayName: displayName,
		Reason:      reason,
	})
	if err != nil {
		_ = s.client.Del(ctx, key).Err()
		return false, fmt.Errorf("enqueue merge: %w", err)
	}
	metrics.MergeJobs.WithLabelValues("scheduled").Inc()
	s.logger.Info("merge scheduled",
		zap.String("job_id", jobID),
		zap.Int64("exam_id", examID),
		zap.String("student_id", studentID),
		zap.String("reason", reason))
	return true, nil
}

// ScheduleIfPending schedules a merge only when the student has a segment directory.
func (s *Scheduler) ScheduleIfPending(ctx context.Context, examID int64, studentID, displayName, reason string) (bool, error) {
	if err := storage.ValidateName(studentID); err != nil {
		return false, err
	}
	exists, err := storage.DirExists(s.layout.StudentSegmentDir(examID, studentID))
	if err != nil {
		return false, fmt.Errorf("stat segment dir: %w", err)
	}
	if !exists {
		return false, nil
	}
	return s.Schedule(ctx, examID, studentID, displayName, reason)
}

// Done clears the marker so a later upload can be merged again.
func (s *Scheduler) Done(ctx context.Context, examID int64, studentID string) error {
	if err := s.client.Del(ctx, MarkerKey(examID, studentID)).Err(); err != nil {
		return fmt.Errorf("clear merge marker: %w", err)
	}
	return nil
}
