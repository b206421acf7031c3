package session

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/exam-proctor/backend/internal/clock"
	"github.com/exam-proctor/backend/internal/exams"
	"github.com/exam-proctor/backend/internal/models"
	"github.com/exam-proctor/backend/internal/presence"
	"github.com/exam-proctor/backend/internal/presence/presencetest"
	"github.com/exam-proctor/backend/pkg/storage"
)

type examFinder map[string]*models.Exam

func (f examFinder) ActiveForStudent(_ context.Context, studentID string, _ time.Time) (*models.Exam, error) {
	if e, ok := f[studentID]; ok {
		return e, nil
	}
	return nil, exams.ErrNotFound
}

type endTimes map[int64]string

func (e endTimes) ChangedEndTime(_ context.Context, examID int64) (string, bool, error) {
	v, ok := e[examID]
	return v, ok, nil
}

type scheduleCall struct {
	examID              int64
	studentID, username string
	reason              string
}

type fakeMerges struct {
	mu    sync.Mutex
	calls []scheduleCall
}

func (f *fakeMerges) ScheduleIfPending(_ context.Context, examID int64, studentID, displayName, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, scheduleCall{examID, studentID, displayName, reason})
	return true, nil
}

type fakeViolations struct {
	mu   sync.Mutex
	rows []models.Violation
}

func (f *fakeViolations) Create(_ context.Context, v *models.Violation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v.ID = int64(len(f.rows) + 1)
	f.rows = append(f.rows, *v)
	return nil
}

type harness struct {
	router     *gin.Engine
	store      *presencetest.Store
	clk        *clock.Fake
	layout     storage.Layout
	merges     *fakeMerges
	violations *fakeViolations
}

var start = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, maxUpload int64) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	clk := clock.NewFake(start)
	store := presencetest.NewStore()
	store.Enroll(5, "s1", "Ann")
	tracker := presence.NewTracker(store, presence.NewMemoryCache(clk), clk, nil, presence.Options{}, logger)

	exam := &models.Exam{ID: 5, Name: "Algebra", StartTime: start.Add(-time.Hour), EndTime: start.Add(time.Hour), DelayMinutes: 5}
	h := &harness{
		store:      store,
		clk:        clk,
		layout:     storage.NewLayout(t.TempDir()),
		merges:     &fakeMerges{},
		violations: &fakeViolations{},
	}
	handler := NewHandler(tracker, examFinder{"s1": exam, "ghost": exam}, endTimes{5: "2024-05-01T11:30:00Z"},
		h.merges, h.violations, h.layout, clk, Options{MaxUploadBytes: maxUpload}, logger)

	r := gin.New()
	api := r.Group("/api")
	api.POST("/login", handler.Login)
	api.POST("/heartbeat", handler.Heartbeat)
	api.POST("/logout", handler.Logout)
	api.GET("/server_time", handler.ServerTime)
	api.POST("/screenshot", handler.Screenshot)
	api.POST("/screen_recording", handler.ScreenRecording)
	api.POST("/violation", handler.ViolationReport)
	h.router = r
	return h
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (h *harness) do(t *testing.T, req *http.Request, ip string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req.RemoteAddr = ip + ":40000"
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func (h *harness) postJSON(t *testing.T, path, body, ip string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return h.do(t, req, ip)
}

func multipartRequest(t *testing.T, path string, fields map[string]string, fileField, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileField != "" {
		fw, err := mw.CreateFormFile(fileField, filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestLoginReturnsExamAndRejectsSecondAddress(t *testing.T) {
	h := newHarness(t, 0)

	w, env := h.postJSON(t, "/api/login", `{"student_id":"s1","student_name":"Ann"}`, "10.0.0.1")
	require.Equal(t, http.StatusOK, w.Code, env.Error)
	var got LoginResponse
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, int64(5), got.ExamID)
	assert.Equal(t, "Algebra", got.ExamName)
	assert.Equal(t, 5, got.DelayMinutes)
	assert.Equal(t, models.StudentStatusOnline, h.store.Status(5, "s1"))

	w, _ = h.postJSON(t, "/api/login", `{"student_id":"s1","student_name":"Ann"}`, "10.0.0.2")
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = h.postJSON(t, "/api/login", `{"student_id":"s1","student_name":"Ann"}`, "10.0.0.1")
	assert.Equal(t, http.StatusOK, w.Code, "same address may resume")

	w, _ = h.postJSON(t, "/api/login", `{"student_id":"ghost","student_name":"G"}`, "10.0.0.3")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = h.postJSON(t, "/api/login", `{"student_id":"nobody","student_name":"N"}`, "10.0.0.3")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = h.postJSON(t, "/api/login", `{"student_id":"s1"}`, "10.0.0.3")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHeartbeatReportsMovedEndTimeAndStopsAfterLogout(t *testing.T) {
	h := newHarness(t, 0)

	w, env := h.postJSON(t, "/api/heartbeat", `{"student_id":"s1","exam_id":5}`, "10.0.0.1")
	require.Equal(t, http.StatusOK, w.Code, env.Error)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, "2024-05-01T11:30:00Z", body["end_time"])
	assert.Equal(t, "2024-05-01 10:00:00", body["server_time"])
	assert.Equal(t, models.StudentStatusOnline, h.store.Status(5, "s1"))

	w, env = h.postJSON(t, "/api/logout", `{"student_id":"s1","exam_id":5,"username":"Ann"}`, "10.0.0.1")
	require.Equal(t, http.StatusOK, w.Code, env.Error)
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, true, body["logged_out"])
	assert.Equal(t, models.StudentStatusLogout, h.store.Status(5, "s1"))
	require.Len(t, h.merges.calls, 1)
	assert.Equal(t, scheduleCall{5, "s1", "Ann", ReasonLogout}, h.merges.calls[0])

	w, _ = h.postJSON(t, "/api/heartbeat", `{"student_id":"s1","exam_id":5}`, "10.0.0.1")
	assert.Equal(t, http.StatusConflict, w.Code)

	w, env = h.postJSON(t, "/api/logout", `{"student_id":"s1","exam_id":5}`, "10.0.0.1")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, false, body["logged_out"])

	w, _ = h.postJSON(t, "/api/heartbeat", `{"student_id":"zz","exam_id":5}`, "10.0.0.1")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestScreenRecordingStoresSegment(t *testing.T) {
	h := newHarness(t, 0)

	req := multipartRequest(t, "/api/screen_recording", map[string]string{
		"student_id": "s1", "exam_id": "5", "timestamp": "2024-05-01T09:59:30Z", "sequence": "3",
	}, "video", "part.WEBM", []byte("segment-bytes"))
	w, env := h.do(t, req, "10.0.0.1")
	require.Equal(t, http.StatusOK, w.Code, env.Error)

	p := filepath.Join(h.layout.StudentSegmentDir(5, "s1"), "s1_20240501_095930_seq_0003.webm")
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "segment-bytes", string(data))
	assert.Equal(t, models.StudentStatusOnline, h.store.Status(5, "s1"), "uploads count as activity")

	req = multipartRequest(t, "/api/screen_recording", map[string]string{"student_id": "s1", "exam_id": "5"},
		"video", "part.exe", []byte("x"))
	w, _ = h.do(t, req, "10.0.0.1")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = multipartRequest(t, "/api/screen_recording", map[string]string{"student_id": "../s1", "exam_id": "5"},
		"video", "part.mp4", []byte("x"))
	w, _ = h.do(t, req, "10.0.0.1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestScreenRecordingRejectsOversizedUpload(t *testing.T) {
	h := newHarness(t, 64)

	req := multipartRequest(t, "/api/screen_recording", map[string]string{"student_id": "s1", "exam_id": "5"},
		"video", "part.mp4", bytes.Repeat([]byte("v"), 1024))
	w, _ := h.do(t, req, "10.0.0.1")
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	_, err := os.Stat(h.layout.StudentSegmentDir(5, "s1"))
	assert.True(t, os.IsNotExist(err))
}

func TestUploadsAfterLogoutAreKept(t *testing.T) {
	h := newHarness(t, 0)
	w, _ := h.postJSON(t, "/api/logout", `{"student_id":"s1","exam_id":5}`, "10.0.0.1")
	require.Equal(t, http.StatusOK, w.Code)

	req := multipartRequest(t, "/api/screen_recording", map[string]string{"student_id": "s1", "exam_id": "5", "sequence": "9"},
		"video", "late.mp4", []byte("late"))
	w, env := h.do(t, req, "10.0.0.1")
	require.Equal(t, http.StatusOK, w.Code, env.Error)
	assert.FileExists(t, filepath.Join(h.layout.StudentSegmentDir(5, "s1"), "s1_20240501_100000_seq_0009.mp4"))
	assert.Equal(t, models.StudentStatusLogout, h.store.Status(5, "s1"))
}

func TestScreenshotAndViolation(t *testing.T) {
	h := newHarness(t, 0)

	req := multipartRequest(t, "/api/screenshot", map[string]string{"student_id": "s1", "exam_id": "5", "username": "Ann"},
		"screenshot", "shot.png", []byte("png"))
	w, env := h.do(t, req, "10.0.0.1")
	require.Equal(t, http.StatusOK, w.Code, env.Error)
	assert.FileExists(t, filepath.Join(h.layout.ScreenshotDir(5, "s1"), "screenshot_20240501_100000.png"))

	req = multipartRequest(t, "/api/violation", map[string]string{
		"student_id": "s1", "exam_id": "5", "username": "Ann", "reason": "left fullscreen", "timestamp": "2024-05-01 09:58:00",
	}, "screenshot", "v.png", []byte("png"))
	w, env = h.do(t, req, "10.0.0.9")
	require.Equal(t, http.StatusCreated, w.Code, env.Error)

	require.Len(t, h.violations.rows, 1)
	v := h.violations.rows[0]
	assert.Equal(t, "left fullscreen", v.Reason)
	assert.Equal(t, "5/violations/s1-20240501_100000.png", v.ScreenshotPath)
	assert.Equal(t, "10.0.0.9", v.SourceIP)
	assert.Equal(t, time.Date(2024, 5, 1, 9, 58, 0, 0, time.UTC), v.OccurredAt)
	assert.FileExists(t, filepath.Join(h.layout.ViolationsDir(5), "s1-20240501_100000.png"))

	req = multipartRequest(t, "/api/violation", map[string]string{"student_id": "s1", "exam_id": "5", "username": "Ann"},
		"screenshot", "v.png", []byte("png"))
	w, _ = h.do(t, req, "10.0.0.9")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServerTime(t *testing.T) {
	h := newHarness(t, 0)
	req := httptest.NewRequest(http.MethodGet, "/api/server_time", nil)
	w, env := h.do(t, req, "10.0.0.1")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, "2024-05-01 10:00:00", body["server_time"])
	assert.Equal(t, float64(start.UnixMilli()), body["unix_ms"])
}
