package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/exam-proctor/backend/internal/auth"
	"github.com/exam-proctor/backend/internal/clock"
	"github.com/exam-proctor/backend/internal/enrollments"
	"github.com/exam-proctor/backend/internal/middleware"
	"github.com/exam-proctor/backend/internal/models"
	"github.com/exam-proctor/backend/internal/presence"
	"github.com/exam-proctor/backend/internal/presence/presencetest"
	"github.com/exam-proctor/backend/pkg/response"
)

type roster struct {
	*presencetest.Store
}

func (r roster) Get(ctx context.Context, examID int64, studentID string) (*models.EnrolledStudent, error) {
	list, err := r.ListByExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	for _, s := range list {
		if s.StudentID == studentID {
			return &s, nil
		}
	}
	return nil, enrollments.ErrNotFound
}

func (r roster) History(_ context.Context, examID int64, studentID string) ([]models.LoginHistoryEvent, error) {
	return r.Store.History(examID, studentID), nil
}

func (r roster) Import(ctx context.Context, examID int64, students []models.StudentImport) (int, error) {
	created := 0
	for _, s := range students {
		if _, err := r.Get(ctx, examID, s.StudentID); err != nil {
			r.Enroll(examID, s.StudentID, s.StudentName)
			created++
		}
	}
	return created, nil
}

func (r roster) Delete(_ context.Context, examID int64, studentID string) error {
	if !r.Remove(examID, studentID) {
		return enrollments.ErrNotFound
	}
	return nil
}

type violationPage struct {
	limit, offset int
}

func (v *violationPage) ListByExam(_ context.Context, examID int64, limit, offset int) ([]models.Violation, int64, error) {
	v.limit, v.offset = limit, offset
	return []models.Violation{{ID: 1, ExamID: examID, StudentID: "s1", Reason: "copy"}}, 31, nil
}

type merges struct{ calls []string }

func (m *merges) ScheduleIfPending(_ context.Context, _ int64, studentID, displayName, reason string) (bool, error) {
	m.calls = append(m.calls, studentID+"/"+displayName+"/"+reason)
	return true, nil
}

type fixture struct {
	router     *gin.Engine
	handler    *Handler
	store      *presencetest.Store
	tracker    *presence.Tracker
	violations *violationPage
	merges     *merges
	token      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	clk := clock.NewFake(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	store := presencetest.NewStore()
	store.Enroll(2, "s1", "Ann")
	store.Enroll(2, "s2", "Bo")
	tracker := presence.NewTracker(store, presence.NewMemoryCache(clk), clk, nil, presence.Options{}, logger)

	f := &fixture{store: store, tracker: tracker, violations: &violationPage{}, merges: &merges{}}
	f.handler = NewHandler(roster{store}, tracker, f.violations, f.merges, logger)

	jwt := auth.NewJWTService("monitor-test", 1)
	tok, err := jwt.Generate(auth.RoleMonitor, 2)
	require.NoError(t, err)
	f.token = tok

	r := gin.New()
	g := r.Group("/admin/exams/:id", middleware.JWT(jwt), middleware.RequireExamAccess())
	g.GET("/students", f.handler.Students)
	g.POST("/students/import", f.handler.Import)
	g.GET("/students/:student_id/history", f.handler.History)
	g.DELETE("/students/:student_id", f.handler.DeleteStudent)
	g.POST("/students/:student_id/merge", f.handler.TriggerMerge)
	g.GET("/violations", f.handler.Violations)
	f.router = r
	return f
}

func (f *fixture) serve(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, json.RawMessage) {
	t.Helper()
	req.Header.Set("Authorization", "Bearer "+f.token)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	var body struct {
		Data json.RawMessage `json:"data"`
	}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body.Data
}

func TestStudentsCombineRosterAndRealtimeStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.tracker.RecordActivity(ctx, 2, "s1", "10.0.0.1", "Ann L"))

	w, data := f.serve(t, httptest.NewRequest(http.MethodGet, "/admin/exams/2/students", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list []models.StudentPresence
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list, 2)
	assert.Equal(t, models.StudentStatusOnline, list[0].Realtime.Status)
	assert.Equal(t, "10.0.0.1", list[0].Realtime.IP)
	require.NotNil(t, list[0].Realtime.LastSeen)
	assert.Equal(t, models.StudentStatusPending, list[1].Realtime.Status)
	assert.Nil(t, list[1].Realtime.LastSeen, "durable fallback has no timing fields")

	w, data = f.serve(t, httptest.NewRequest(http.MethodGet, "/admin/exams/2/students?status=online", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "s1", list[0].StudentID)

	w, _ = f.serve(t, httptest.NewRequest(http.MethodGet, "/admin/exams/3/students", nil))
	assert.Equal(t, http.StatusForbidden, w.Code, "monitor tokens are scoped to one exam")

	snap, err := f.handler.WSSnapshot(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, snap, 2)
}

func TestHistoryAndDelete(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.tracker.RecordActivity(context.Background(), 2, "s1", "10.0.0.1", ""))

	w, data := f.serve(t, httptest.NewRequest(http.MethodGet, "/admin/exams/2/students/s1/history", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var events []models.LoginHistoryEvent
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events, 1)
	assert.Equal(t, models.HistoryOnline, events[0].Action)

	w, _ = f.serve(t, httptest.NewRequest(http.MethodDelete, "/admin/exams/2/students/s1", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, _ = f.serve(t, httptest.NewRequest(http.MethodGet, "/admin/exams/2/students/s1/history", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = f.serve(t, httptest.NewRequest(http.MethodDelete, "/admin/exams/2/students/s1", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestImportJSONAndCSV(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/exams/2/students/import",
		strings.NewReader(`[{"student_id":"s3","student_name":"Cy"},{"student_id":"s1","student_name":"Ann Lee"},{"student_id":"../x","student_name":"X"}]`))
	req.Header.Set("Content-Type", "application/json")
	w, data := f.serve(t, req)
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Created  int                     `json:"created"`
		Updated  int                     `json:"updated"`
		Rejected []enrollments.RowError `json:"rejected"`
	}
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Updated)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, 3, res.Rejected[0].Row)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "roster.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("student_id,student_name\ns4,Di\ns5,Ed\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req = httptest.NewRequest(http.MethodPost, "/admin/exams/2/students/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w, data = f.serve(t, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, models.StudentStatusPending, f.store.Status(2, "s5"))

	req = httptest.NewRequest(http.MethodPost, "/admin/exams/2/students/import", strings.NewReader("\n"))
	req.Header.Set("Content-Type", "text/csv")
	w, _ = f.serve(t, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestViolationsPaging(t *testing.T) {
	f := newFixture(t)
	w, data := f.serve(t, httptest.NewRequest(http.MethodGet, "/admin/exams/2/violations?page=3&page_size=10", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var page response.Page
	require.NoError(t, json.Unmarshal(data, &page))
	assert.Equal(t, int64(31), page.Total)
	assert.Equal(t, 3, page.Page)
	assert.Equal(t, 10, f.violations.limit)
	assert.Equal(t, 20, f.violations.offset)

	f.serve(t, httptest.NewRequest(http.MethodGet, "/admin/exams/2/violations?page_size=5000", nil))
	assert.Equal(t, maxPageSize, f.violations.limit)
	assert.Equal(t, 0, f.violations.offset)
}

func TestTriggerMergeUsesEnrolledName(t *testing.T) {
	f := newFixture(t)
	w, _ := f.serve(t, httptest.NewRequest(http.MethodPost, "/admin/exams/2/students/s2/merge", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"s2/Bo/" + ReasonManual}, f.merges.calls)

	w, _ = f.serve(t, httptest.NewRequest(http.MethodPost, "/admin/exams/2/students/zz/merge", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
