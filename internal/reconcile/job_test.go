package reconcile

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/exam-proctor/backend/internal/clock"
	"github.com/exam-proctor/backend/internal/merge"
	"github.com/exam-proctor/backend/internal/models"
	"github.com/exam-proctor/backend/internal/presence"
	"github.com/exam-proctor/backend/internal/presence/presencetest"
	"github.com/exam-proctor/backend/pkg/queue"
	"github.com/exam-proctor/backend/pkg/storage"
)

type examStore struct {
	mu    sync.Mutex
	exams map[int64]*models.Exam
	err   error
}

func newExamStore(exams ...models.Exam) *examStore {
	s := &examStore{exams: make(map[int64]*models.Exam)}
	for i := range exams {
		e := exams[i]
		s.exams[e.ID] = &e
	}
	return s
}

func (s *examStore) ListForReconcile(_ context.Context, since time.Time) ([]models.Exam, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []models.Exam
	for _, e := range s.exams {
		if e.Status != models.ExamStatusCompleted || !e.EndTime.Before(since) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *examStore) UpdateStatus(_ context.Context, id int64, from, to models.ExamStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.exams[id]
	if !ok || e.Status != from {
		return false, nil
	}
	e.Status = to
	return true, nil
}

func (s *examStore) status(id int64) models.ExamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exams[id].Status
}

// failingRoster fails every call for one exam.
type failingRoster struct {
	*presencetest.Store
	exam int64
}

func (f failingRoster) StudentIDsWithStatus(ctx context.Context, examID int64, status models.StudentStatus) ([]string, error) {
	if examID == f.exam {
		return nil, errors.New("connection reset")
	}
	return f.Store.StudentIDsWithStatus(ctx, examID, status)
}

func at(h, m, s int) time.Time {
	return time.Date(2024, 5, 1, h, m, s, 0, time.UTC)
}

type harness struct {
	clk     *clock.Fake
	store   *presencetest.Store
	exams   *examStore
	tracker *presence.Tracker
	layout  storage.Layout
	queue   *queue.Queue
	job     *Job
	rdb     *redis.Client
}

func newHarness(t *testing.T, roster func(*presencetest.Store) Roster, exams ...models.Exam) *harness {
	t.Helper()
	clk := clock.NewFake(at(8, 59, 0))
	store := presencetest.NewStore()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := zaptest.NewLogger(t)
	tracker := presence.NewTracker(store, presence.NewRedisCache(rdb), clk, nil,
		presence.Options{Timeout: 90 * time.Second, TTL: 180 * time.Second}, log)
	layout := storage.NewLayout(t.TempDir())
	q := queue.NewQueue(rdb, queue.Options{}, log)
	sched := merge.NewScheduler(rdb, q, layout, time.Hour, log)
	es := newExamStore(exams...)

	var r Roster = store
	if roster != nil {
		r = roster(store)
	}
	job := NewJob(es, r, tracker, sched, Options{
		Timeout:     90 * time.Second,
		GracePeriod: 30 * time.Minute,
		Parallel:    2,
	}, log)
	return &harness{clk: clk, store: store, exams: es, tracker: tracker, layout: layout, queue: q, job: job, rdb: rdb}
}

func (h *harness) tick(t *testing.T) Report {
	t.Helper()
	rep, err := h.job.Run(context.Background(), h.clk.Now())
	require.NoError(t, err)
	return rep
}

func (h *harness) pendingMerges(t *testing.T) int64 {
	t.Helper()
	st, err := h.queue.Stats(context.Background())
	require.NoError(t, err)
	return st.Pending
}

func exam(id int64) models.Exam {
	return models.Exam{ID: id, Name: "Algebra", StartTime: at(9, 0, 0), EndTime: at(10, 0, 0), Status: models.ExamStatusPending}
}

func TestLifecycleAdvancesWithoutRegression(t *testing.T) {
	h := newHarness(t, nil, exam(1))

	h.tick(t)
	assert.Equal(t, models.ExamStatusPending, h.exams.status(1))

	h.clk.Set(at(9, 0, 0))
	rep := h.tick(t)
	assert.Equal(t, 1, rep.ExamTransitions)
	assert.Equal(t, models.ExamStatusActive, h.exams.status(1))

	h.clk.Set(at(10, 0, 0))
	h.tick(t)
	assert.Equal(t, models.ExamStatusActive, h.exams.status(1), "end_time is inclusive")

	h.clk.Set(at(10, 0, 1))
	h.tick(t)
	assert.Equal(t, models.ExamStatusCompleted, h.exams.status(1))

	// an administrator widening the window never reopens a completed exam
	h.exams.exams[1].EndTime = at(12, 0, 0)
	h.tick(t)
	assert.Equal(t, models.ExamStatusCompleted, h.exams.status(1))
}

func TestHeartbeatTimeoutMarksOffline(t *testing.T) {
	h := newHarness(t, nil, exam(1))
	h.store.Enroll(1, "s1", "Ann")
	ctx := context.Background()

	// heartbeats every 30s from 09:05 to 09:10, reconcile every 30s
	var offlineAt time.Time
	for ts := at(9, 5, 0); !ts.After(at(9, 14, 0)); ts = ts.Add(30 * time.Second) {
		h.clk.Set(ts)
		if !ts.After(at(9, 10, 0)) {
			require.NoError(t, h.tracker.RecordActivity(ctx, 1, "s1", "10.0.0.7", "Ann"))
		}
		rep := h.tick(t)
		if rep.Expired > 0 && offlineAt.IsZero() {
			offlineAt = ts
		}
	}

	assert.Equal(t, at(9, 12, 0), offlineAt, "first tick with last_seen strictly older than 90s")
	assert.Equal(t, models.StudentStatusOffline, h.store.Status(1, "s1"))

	hist := h.store.History(1, "s1")
	require.Len(t, hist, 2)
	assert.Equal(t, models.HistoryOnline, hist[0].Action)
	assert.Equal(t, models.HistoryOffline, hist[1].Action)
	assert.Equal(t, presence.ReasonHeartbeatTimeout, hist[1].Reason)
	assert.Equal(t, at(9, 12, 0), hist[1].Timestamp)
}

func TestStaleStudentWhoLoggedOutIsNotReMarked(t *testing.T) {
	h := newHarness(t, nil, exam(1))
	h.store.Enroll(1, "s1", "Ann")
	ctx := context.Background()

	h.clk.Set(at(9, 5, 0))
	require.NoError(t, h.tracker.RecordActivity(ctx, 1, "s1", "ip", "Ann"))
	_, err := h.tracker.MarkLogout(ctx, 1, "s1", presence.ReasonStudentLogout, "ip")
	require.NoError(t, err)

	h.clk.Set(at(9, 20, 0))
	rep := h.tick(t)
	assert.Zero(t, rep.Expired)
	assert.Equal(t, models.StudentStatusLogout, h.store.Status(1, "s1"))
	assert.Equal(t, []models.HistoryAction{models.HistoryOnline, models.HistoryLogout}, h.store.Actions(1, "s1"))
}

func TestExamEndLogsOutBeforeMerging(t *testing.T) {
	h := newHarness(t, nil, exam(1))
	h.store.Enroll(1, "s1", "Ann")
	h.store.Enroll(1, "s2", "Bob")
	ctx := context.Background()

	h.clk.Set(at(9, 0, 0))
	h.tick(t)
	h.clk.Set(at(9, 59, 50))
	require.NoError(t, h.tracker.RecordActivity(ctx, 1, "s1", "ip", "Ann"))
	for _, sid := range []string{"s1", "s2"} {
		require.NoError(t, os.MkdirAll(h.layout.StudentSegmentDir(1, sid), 0o755))
	}

	h.clk.Set(at(10, 0, 30))
	rep := h.tick(t)
	assert.Equal(t, 1, rep.LoggedOut)
	assert.Zero(t, rep.MergesScheduled, "inside the grace period")
	assert.Equal(t, models.StudentStatusLogout, h.store.Status(1, "s1"))
	assert.Equal(t, models.StudentStatusPending, h.store.Status(1, "s2"))
	hist := h.store.History(1, "s1")
	assert.Equal(t, presence.ReasonExamEnded, hist[len(hist)-1].Reason)

	st, err := h.tracker.QueryRealtimeStatus(ctx, 1, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StudentStatusLogout, st.Status)

	h.clk.Set(at(10, 30, 0))
	rep = h.tick(t)
	assert.Equal(t, 2, rep.MergesScheduled, "logged-out and never-seen students are both swept")
	assert.Equal(t, int64(2), h.pendingMerges(t))

	h.clk.Set(at(10, 30, 30))
	rep = h.tick(t)
	assert.Zero(t, rep.MergesScheduled, "marker prevents a second job")
	assert.Equal(t, int64(2), h.pendingMerges(t))
}

func TestSweepSkipsStudentsWithoutSegments(t *testing.T) {
	e := exam(1)
	e.Status = models.ExamStatusCompleted
	h := newHarness(t, nil, e)
	h.store.Enroll(1, "s1", "Ann")

	h.clk.Set(at(11, 0, 0))
	rep := h.tick(t)
	assert.Zero(t, rep.MergesScheduled)
	assert.Zero(t, h.pendingMerges(t))
}

func TestSweepMergesSegmentsLeftAfterStudentLogout(t *testing.T) {
	h := newHarness(t, nil, exam(1))
	h.store.Enroll(1, "s1", "Ann")
	h.store.Enroll(1, "s2", "Bob")
	ctx := context.Background()

	h.clk.Set(at(9, 30, 0))
	for _, sid := range []string{"s1", "s2"} {
		require.NoError(t, h.tracker.RecordActivity(ctx, 1, sid, "ip", ""))
		_, err := h.tracker.MarkLogout(ctx, 1, sid, presence.ReasonStudentLogout, "ip")
		require.NoError(t, err)
		require.NoError(t, os.MkdirAll(h.layout.StudentSegmentDir(1, sid), 0o755))
	}
	// s2's logout merge is still queued
	require.NoError(t, h.rdb.Set(ctx, merge.MarkerKey(1, "s2"), "logout", time.Hour).Err())

	h.clk.Set(at(10, 30, 0))
	rep := h.tick(t)
	assert.Equal(t, 1, rep.MergesScheduled, "late segments of a logged-out student are merged once")
	assert.Equal(t, int64(1), h.pendingMerges(t))
	assert.Equal(t, models.StudentStatusLogout, h.store.Status(1, "s1"))
}

func TestLongCompletedExamsAreSkipped(t *testing.T) {
	e := exam(1)
	e.Status = models.ExamStatusCompleted
	h := newHarness(t, nil, e)

	h.clk.Set(at(10, 0, 0).Add(30*time.Minute + 24*time.Hour + time.Second))
	rep := h.tick(t)
	assert.Zero(t, rep.Exams)
}

func TestFailingExamDoesNotAbortOthers(t *testing.T) {
	e2 := exam(2)
	e2.Status = models.ExamStatusActive
	h := newHarness(t, func(s *presencetest.Store) Roster { return failingRoster{Store: s, exam: 2} }, exam(1), e2)
	h.store.Enroll(1, "s1", "Ann")
	h.store.Enroll(2, "s9", "Zed")
	ctx := context.Background()

	h.clk.Set(at(9, 30, 0))
	require.NoError(t, h.tracker.RecordActivity(ctx, 1, "s1", "ip", "Ann"))
	require.NoError(t, h.tracker.RecordActivity(ctx, 2, "s9", "ip", "Zed"))

	h.clk.Set(at(10, 5, 0))
	rep := h.tick(t)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.LoggedOut)
	assert.Equal(t, models.StudentStatusLogout, h.store.Status(1, "s1"))
	assert.Equal(t, models.StudentStatusOnline, h.store.Status(2, "s9"))
	assert.Equal(t, models.ExamStatusCompleted, h.exams.status(2))
}

func TestRunFailsWhenExamsUnreadable(t *testing.T) {
	h := newHarness(t, nil)
	h.exams.err = errors.New("db down")
	_, err := h.job.Run(context.Background(), h.clk.Now())
	assert.Error(t, err)
}
