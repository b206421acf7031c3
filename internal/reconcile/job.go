// Package reconcile periodically re-derives exam and presence state from the
// clock and liveness signals, correcting drift between the cache and the
// durable store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/exam-proctor/backend/internal/lifecycle"
	"github.com/exam-proctor/backend/internal/metrics"
	"github.com/exam-proctor/backend/internal/models"
	"github.com/exam-proctor/backend/internal/presence"
)

// ReasonGraceSweep is recorded on merge jobs scheduled after the grace period.
const ReasonGraceSweep = "grace sweep"

// ExamStore is the part of the exams repository the job uses.
type ExamStore interface {
	ListForReconcile(ctx context.Context, since time.Time) ([]models.Exam, error)
	UpdateStatus(ctx context.Context, id int64, from, to models.ExamStatus) (bool, error)
}

// Roster lists enrollments.
type Roster interface {
	ListByExam(ctx context.Context, examID int64) ([]models.EnrolledStudent, error)
	StudentIDsWithStatus(ctx context.Context, examID int64, status models.StudentStatus) ([]string, error)
}

// Presence is the part of the presence tracker the job drives.
type Presence interface {
	StaleBefore(ctx context.Context, examID int64, cutoff time.Time) ([]string, error)
	OnlineStudents(ctx context.Context, examID int64) ([]string, error)
	ExpireIfStale(ctx context.Context, examID int64, studentID string, cutoff time.Time, reason string) (bool, error)
	EndSession(ctx context.Context, examID int64, studentID, reason string) (bool, error)
}

// MergeScheduler schedules a student's merge when segments are waiting.
type MergeScheduler interface {
	ScheduleIfPending(ctx context.Context, examID int64, studentID, displayName, reason string) (bool, error)
}

// Options tunes one reconciliation pass.
type Options struct {
	// Timeout is the heartbeat staleness window.
	Timeout time.Duration
	// GracePeriod is how long after end_time merges are swept.
	GracePeriod time.Duration
	// SweepWindow is how long past the grace period completed exams stay in the pass.
	SweepWindow time.Duration
	// Parallel bounds how many exams are processed at once.
	Parallel int
}

// Report summarizes one pass.
type Report struct {
	Exams           int
	ExamTransitions int
	Expired         int
	LoggedOut       int
	MergesScheduled int
	Failed          int
}

func (r *Report) add(o Report) {
	r.ExamTransitions += o.ExamTransitions
	r.Expired += o.Expired
	r.LoggedOut += o.LoggedOut
	r.MergesScheduled += o.MergesScheduled
}

// Job runs one reconciliation pass over every exam that may still need work.
type Job struct {
	exams    ExamStore
	roster   Roster
	presence Presence
	merges   MergeScheduler
	opts     Options
	logger   *zap.Logger
}

// NewJob creates a Job.
func NewJob(exams ExamStore, roster Roster, p Presence, merges MergeScheduler, opts Options, logger *zap.Logger) *Job {
	if opts.Timeout <= 0 {
		opts.Timeout = presence.DefaultTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = lifecycle.DefaultGracePeriod
	}
	if opts.SweepWindow <= 0 {
		opts.SweepWindow = 24 * time.Hour
	}
	if opts.Parallel <= 0 {
		opts.Parallel = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Job{exams: exams, roster: roster, presence: p, merges: merges, opts: opts, logger: logger}
}

// Run reconciles every exam at now. A failure in one exam is logged and
// counted and never stops the others. The returned error is set only when
// the exam list itself could not be read.
func (j *Job) Run(ctx context.Context, now time.Time) (Report, error) {
	var rep Report
	exams, err := j.exams.ListForReconcile(ctx, now.Add(-j.opts.GracePeriod-j.opts.SweepWindow))
	if err != nil {
		return rep, fmt.Errorf("list exams: %w", err)
	}
	rep.Exams = len(exams)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.opts.Parallel)
	for i := range exams {
		exam := exams[i]
		g.Go(func() error {
			part, err := j.reconcileExam(gctx, exam, now)
			mu.Lock()
			defer mu.Unlock()
			rep.add(part)
			if err != nil {
				rep.Failed++
				j.logger.Error("reconcile exam failed", zap.Int64("exam_id", exam.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return rep, nil
}

func (j *Job) reconcileExam(ctx context.Context, exam models.Exam, now time.Time) (Report, error) {
	var rep Report
	log := j.logger.With(zap.Int64("exam_id", exam.ID))

	tr := lifecycle.Advance(exam.Status, now, exam.StartTime, exam.EndTime)
	if tr.Changed() {
		ok, err := j.exams.UpdateStatus(ctx, exam.ID, tr.From, tr.To)
		if err != nil {
			return rep, fmt.Errorf("update status %s -> %s: %w", tr.From, tr.To, err)
		}
		if ok {
			rep.ExamTransitions++
			metrics.ExamTransitions.WithLabelValues(string(tr.To)).Inc()
			log.Info("exam status changed", zap.String("from", string(tr.From)), zap.String("to", string(tr.To)))
		} else {
			log.Debug("exam status already changed elsewhere", zap.String("to", string(tr.To)))
		}
	}

	switch tr.To {
	case models.ExamStatusActive:
		n, err := j.expireStale(ctx, exam.ID, now.Add(-j.opts.Timeout))
		rep.Expired = n
		return rep, err
	case models.ExamStatusCompleted:
		n, err := j.endSessions(ctx, exam.ID)
		rep.LoggedOut = n
		if err != nil {
			// merges wait until every session is closed
			return rep, err
		}
		if lifecycle.PastGrace(now, exam.EndTime, j.opts.GracePeriod) {
			n, err := j.sweepMerges(ctx, exam.ID)
			rep.MergesScheduled = n
			return rep, err
		}
	}
	return rep, nil
}

func (j *Job) expireStale(ctx context.Context, examID int64, cutoff time.Time) (int, error) {
	stale, err := j.presence.StaleBefore(ctx, examID, cutoff)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, sid := range stale {
		changed, err := j.presence.ExpireIfStale(ctx, examID, sid, cutoff, presence.ReasonHeartbeatTimeout)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", sid, err))
			continue
		}
		if changed {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// endSessions logs out everyone still online in either store.
func (j *Job) endSessions(ctx context.Context, examID int64) (int, error) {
	durable, err := j.roster.StudentIDsWithStatus(ctx, examID, models.StudentStatusOnline)
	if err != nil {
		return 0, fmt.Errorf("list online students: %w", err)
	}
	cached, err := j.presence.OnlineStudents(ctx, examID)
	if err != nil {
		// the durable list alone is enough to close sessions
		j.logger.Warn("read online set failed", zap.Int64("exam_id", examID), zap.Error(err))
	}

	seen := make(map[string]bool, len(durable)+len(cached))
	var errs []error
	n := 0
	for _, sid := range append(durable, cached...) {
		if seen[sid] {
			continue
		}
		seen[sid] = true
		changed, err := j.presence.EndSession(ctx, examID, sid, presence.ReasonExamEnded)
		if err != nil && !errors.Is(err, presence.ErrNotEnrolled) {
			errs = append(errs, fmt.Errorf("end session %s: %w", sid, err))
			continue
		}
		if changed {
			n++
		}
	}
	return n, errors.Join(errs...)
}

func (j *Job) sweepMerges(ctx context.Context, examID int64) (int, error) {
	students, err := j.roster.ListByExam(ctx, examID)
	if err != nil {
		return 0, fmt.Errorf("list students: %w", err)
	}
	var errs []error
	n := 0
	for _, s := range students {
		ok, err := j.merges.ScheduleIfPending(ctx, examID, s.StudentID, s.StudentName, ReasonGraceSweep)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule merge %s: %w", s.StudentID, err))
			continue
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}
