// Package presence tracks which students are live in an exam.
//
// Every interaction refreshes a TTL-bounded cache record and the exam's online
// set; the durable store is written only when a student's status actually
// changes, together with one history row.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/exam-proctor/backend/internal/clock"
	"github.com/exam-proctor/backend/internal/enrollments"
	"github.com/exam-proctor/backend/internal/metrics"
	"github.com/exam-proctor/backend/internal/models"
)

var (
	// ErrNotEnrolled is returned for students without an enrollment in the exam.
	ErrNotEnrolled = enrollments.ErrNotFound
	// ErrLoggedOut is returned when activity arrives for a student who logged out.
	ErrLoggedOut = errors.New("student has logged out of this exam")
	// ErrOnlineElsewhere is returned when a login races a live session from another address.
	ErrOnlineElsewhere = errors.New("student is already online from another address")
)

// Reasons recorded on history rows.
const (
	ReasonHeartbeatTimeout = "heartbeat timeout"
	ReasonExamEnded        = "exam ended"
	ReasonStudentLogout    = "student logout"
)

// Default tuning.
const (
	DefaultTimeout = 90 * time.Second
	DefaultTTL     = 180 * time.Second
)

// DurableStore is the system of record for enrollment status and history.
type DurableStore interface {
	Transition(ctx context.Context, examID int64, studentID string, c enrollments.Change) (models.StudentStatus, bool, error)
	StudentStatus(ctx context.Context, examID int64, studentID string) (models.StudentStatus, error)
	RecordLogin(ctx context.Context, examID int64, studentID, name, ip string, at time.Time) (*models.EnrolledStudent, error)
}

// Notifier is told about every durable status change.
type Notifier interface {
	PresenceChanged(ctx context.Context, examID int64, studentID string, status models.StudentStatus, at time.Time)
}

type nopNotifier struct{}

func (nopNotifier) PresenceChanged(context.Context, int64, string, models.StudentStatus, time.Time) {}

// Options tunes a Tracker.
type Options struct {
	// Timeout is how long a student may go without activity before being treated as offline.
	Timeout time.Duration
	// TTL bounds the lifetime of a cache record.
	TTL time.Duration
}

// Tracker implements the presence operations over a DurableStore and a Cache.
type Tracker struct {
	store    DurableStore
	cache    Cache
	clk      clock.Clock
	notifier Notifier
	breaker  *gobreaker.CircuitBreaker[*models.RealtimeStatus]
	opts     Options
	logger   *zap.Logger
}

// NewTracker creates a Tracker. notifier may be nil.
func NewTracker(store DurableStore, cache Cache, clk clock.Clock, notifier Notifier, opts Options, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	breaker := gobreaker.NewCircuitBreaker[*models.RealtimeStatus](gobreaker.Settings{
		Name:        "presence-cache",
		MaxRequests: 1,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &Tracker{
		store:    store,
		cache:    cache,
		clk:      clk,
		notifier: notifier,
		breaker:  breaker,
		opts:     opts,
		logger:   logger,
	}
}

// Timeout returns the configured staleness window.
func (t *Tracker) Timeout() time.Duration { return t.opts.Timeout }

// RecordActivity registers a heartbeat, upload or other interaction.
// pending and offline students become online with one "online" history row;
// students already online only have their cache record refreshed. The status
// is read without a lock first; the locking transition runs only when the
// student is not yet online.
func (t *Tracker) RecordActivity(ctx context.Context, examID int64, studentID, ip, displayName string) error {
	now := t.clk.Now()
	prev, err := t.store.StudentStatus(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, ErrNotEnrolled) {
			return err
		}
		return fmt.Errorf("record activity: %w", err)
	}
	changed := false
	switch prev {
	case models.StudentStatusLogout:
		return ErrLoggedOut
	case models.StudentStatusOnline:
	default:
		prev, changed, err = t.store.Transition(ctx, examID, studentID, enrollments.Change{
			From:   []models.StudentStatus{models.StudentStatusPending, models.StudentStatusOffline},
			To:     models.StudentStatusOnline,
			Action: models.HistoryOnline,
			At:     now,
			IP:     ip,
		})
		if err != nil {
			if errors.Is(err, ErrNotEnrolled) {
				return err
			}
			return fmt.Errorf("record activity: %w", err)
		}
		if prev == models.StudentStatusLogout {
			return ErrLoggedOut
		}
	}

	if err := t.cache.Touch(ctx, examID, studentID, Entry{
		Status:      models.StudentStatusOnline,
		LastSeen:    now,
		IP:          ip,
		DisplayName: displayName,
	}, t.opts.TTL); err != nil {
		return fmt.Errorf("record activity: %w", err)
	}

	if changed {
		t.transitioned(ctx, examID, studentID, models.StudentStatusOnline, "activity", now)
	}
	return nil
}

// Login starts or resumes a student's session. It is refused while the same
// student is live from a different address within the staleness window.
func (t *Tracker) Login(ctx context.Context, examID int64, studentID, name, ip string) (*models.EnrolledStudent, error) {
	now := t.clk.Now()
	if _, err := t.store.StudentStatus(ctx, examID, studentID); err != nil {
		if errors.Is(err, ErrNotEnrolled) {
			return nil, err
		}
		return nil, fmt.Errorf("login: %w", err)
	}

	err := t.cache.ClaimLogin(ctx, examID, studentID, Entry{
		Status:      models.StudentStatusOnline,
		LastSeen:    now,
		IP:          ip,
		DisplayName: name,
	}, now.Add(-t.opts.Timeout), t.opts.TTL)
	if err != nil {
		if errors.Is(err, ErrOnlineElsewhere) {
			metrics.LoginRejections.Inc()
			t.logger.Warn("login refused, session live elsewhere",
				zap.Int64("exam_id", examID), zap.String("student_id", studentID), zap.String("ip", ip))
			return nil, err
		}
		return nil, fmt.Errorf("login: %w", err)
	}

	e, err := t.store.RecordLogin(ctx, examID, studentID, name, ip, now)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	t.transitioned(ctx, examID, studentID, models.StudentStatusOnline, "login", now)
	return e, nil
}

// QueryRealtimeStatus answers from the cache, falling back to the durable
// status (with empty timing fields) on a miss or when the cache is unavailable.
func (t *Tracker) QueryRealtimeStatus(ctx context.Context, examID int64, studentID string) (*models.RealtimeStatus, error) {
	st, err := t.breaker.Execute(func() (*models.RealtimeStatus, error) {
		return t.cache.Get(ctx, examID, studentID)
	})
	if err == nil && st != nil {
		return st, nil
	}

	cause := "miss"
	if err != nil {
		cause = "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			cause = "open"
		}
		t.logger.Debug("realtime status from durable store",
			zap.Int64("exam_id", examID), zap.String("student_id", studentID), zap.Error(err))
	}
	metrics.CacheFallbacks.WithLabelValues(cause).Inc()

	status, err := t.store.StudentStatus(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, ErrNotEnrolled) {
			return nil, err
		}
		return nil, fmt.Errorf("query realtime status: %w", err)
	}
	return &models.RealtimeStatus{Status: status}, nil
}

// QueryStaleStudents returns online-set members whose last activity is
// strictly older than timeout.
func (t *Tracker) QueryStaleStudents(ctx context.Context, examID int64, timeout time.Duration) ([]string, error) {
	if timeout <= 0 {
		timeout = t.opts.Timeout
	}
	return t.StaleBefore(ctx, examID, t.clk.Now().Add(-timeout))
}

// StaleBefore returns online-set members last seen strictly before cutoff.
func (t *Tracker) StaleBefore(ctx context.Context, examID int64, cutoff time.Time) ([]string, error) {
	ids, err := t.cache.SeenBefore(ctx, examID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale students: %w", err)
	}
	return ids, nil
}

// OnlineStudents returns the members of the exam's online set.
func (t *Tracker) OnlineStudents(ctx context.Context, examID int64) ([]string, error) {
	ids, err := t.cache.OnlineMembers(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("online students: %w", err)
	}
	return ids, nil
}

// ExpireIfStale marks a student offline only if the cache still shows no
// activity at or after cutoff. A heartbeat that lands after the stale query
// therefore wins. Reports whether the durable status changed.
func (t *Tracker) ExpireIfStale(ctx context.Context, examID int64, studentID string, cutoff time.Time, reason string) (bool, error) {
	seen, ok, err := t.cache.LastSeen(ctx, examID, studentID)
	if err != nil {
		return false, fmt.Errorf("expire if stale: %w", err)
	}
	if !ok || !seen.Before(cutoff) {
		return false, nil
	}
	return t.MarkOffline(ctx, examID, studentID, reason)
}

// MarkOffline moves an online student to offline. Repeated calls are no-ops.
// The cache record and online set are cleared either way.
func (t *Tracker) MarkOffline(ctx context.Context, examID int64, studentID, reason string) (bool, error) {
	return t.markInactive(ctx, examID, studentID, enrollments.Change{
		From:   []models.StudentStatus{models.StudentStatusOnline},
		To:     models.StudentStatusOffline,
		Action: models.HistoryOffline,
		Reason: reason,
	})
}

// MarkLogout ends a student's session. Repeated calls are no-ops.
func (t *Tracker) MarkLogout(ctx context.Context, examID int64, studentID, reason, ip string) (bool, error) {
	return t.markInactive(ctx, examID, studentID, enrollments.Change{
		From: []models.StudentStatus{
			models.StudentStatusPending, models.StudentStatusOnline, models.StudentStatusOffline,
		},
		To:     models.StudentStatusLogout,
		Action: models.HistoryLogout,
		IP:     ip,
		Reason: reason,
	})
}

// EndSession logs out a student who is still online, used when the exam
// window closes. Students in any other state are left alone, but a leftover
// cache record is still cleared.
func (t *Tracker) EndSession(ctx context.Context, examID int64, studentID, reason string) (bool, error) {
	return t.markInactive(ctx, examID, studentID, enrollments.Change{
		From:   []models.StudentStatus{models.StudentStatusOnline},
		To:     models.StudentStatusLogout,
		Action: models.HistoryLogout,
		Reason: reason,
	})
}

func (t *Tracker) markInactive(ctx context.Context, examID int64, studentID string, c enrollments.Change) (bool, error) {
	c.At = t.clk.Now()
	prev, changed, err := t.store.Transition(ctx, examID, studentID, c)
	if err != nil {
		if errors.Is(err, ErrNotEnrolled) {
			return false, err
		}
		return false, fmt.Errorf("mark %s: %w", c.To, err)
	}
	current := prev
	if changed {
		current = c.To
	}
	if err := t.cache.SetStatus(ctx, examID, studentID, current, t.opts.TTL); err != nil {
		// A leftover online-set member is re-expired on the next reconcile pass.
		t.logger.Warn("cache status update failed",
			zap.Int64("exam_id", examID), zap.String("student_id", studentID), zap.Error(err))
	}
	if changed {
		t.transitioned(ctx, examID, studentID, c.To, c.Reason, c.At)
	}
	return changed, nil
}

func (t *Tracker) transitioned(ctx context.Context, examID int64, studentID string, to models.StudentStatus, reason string, at time.Time) {
	metrics.PresenceTransitions.WithLabelValues(string(to), reason).Inc()
	t.logger.Info("presence transition",
		zap.Int64("exam_id", examID),
		zap.String("student_id", studentID),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	t.notifier.PresenceChanged(ctx, examID, studentID, to, at)
}
