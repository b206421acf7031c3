// Package session serves the student client API: login, heartbeats, uploads
// and logout. Every activity endpoint counts as a heartbeat.
package session

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/exam-proctor/backend/internal/clock"
	"github.com/exam-proctor/backend/internal/exams"
	"github.com/exam-proctor/backend/internal/merge"
	"github.com/exam-proctor/backend/internal/models"
	"github.com/exam-proctor/backend/internal/presence"
	"github.com/exam-proctor/backend/pkg/response"
	"github.com/exam-proctor/backend/pkg/storage"
)

// ReasonLogout is recorded on merge jobs scheduled by a client logout.
const ReasonLogout = "logout"

// ServerTimeLayout is the wall-clock format clients display.
const ServerTimeLayout = "2006-01-02 15:04:05"

// Presence is the subset of the tracker the client API drives.
type Presence interface {
	Login(ctx context.Context, examID int64, studentID, name, ip string) (*models.EnrolledStudent, error)
	RecordActivity(ctx context.Context, examID int64, studentID, ip, displayName string) error
	MarkLogout(ctx context.Context, examID int64, studentID, reason, ip string) (bool, error)
}

// ExamFinder resolves the exam a student is currently sitting.
type ExamFinder interface {
	ActiveForStudent(ctx context.Context, studentID string, now time.Time) (*models.Exam, error)
}

// EndTimeSource reports an end time moved by an admin while the exam runs.
type EndTimeSource interface {
	ChangedEndTime(ctx context.Context, examID int64) (string, bool, error)
}

// MergeScheduler queues a merge of the student's uploaded segments.
type MergeScheduler interface {
	ScheduleIfPending(ctx context.Context, examID int64, studentID, displayName, reason string) (bool, error)
}

// ViolationStore persists reported violations.
type ViolationStore interface {
	Create(ctx context.Context, v *models.Violation) error
}

// Options tunes a Handler.
type Options struct {
	MaxUploadBytes int64
}

// Handler handles the student client endpoints.
type Handler struct {
	presence   Presence
	exams      ExamFinder
	endTimes   EndTimeSource
	merges     MergeScheduler
	violations ViolationStore
	layout     storage.Layout
	clk        clock.Clock
	opts       Options
	logger     *zap.Logger
}

// NewHandler creates a client API handler.
func NewHandler(p Presence, examFinder ExamFinder, endTimes EndTimeSource, merges MergeScheduler,
	violations ViolationStore, layout storage.Layout, clk clock.Clock, opts Options, logger *zap.Logger) *Handler {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 200 << 20
	}
	return &Handler{
		presence:   p,
		exams:      examFinder,
		endTimes:   endTimes,
		merges:     merges,
		violations: violations,
		layout:     layout,
		clk:        clk,
		opts:       opts,
		logger:     logger,
	}
}

// LoginRequest is the body for POST /api/login.
type LoginRequest struct {
	StudentID   string `json:"student_id" binding:"required"`
	StudentName string `json:"student_name" binding:"required"`
}

// LoginResponse carries the exam the student was signed into.
type LoginResponse struct {
	models.ExamSummary
	StudentID string `json:"student_id"`
}

// SessionRequest identifies a student within an exam.
type SessionRequest struct {
	StudentID string `json:"student_id" binding:"required"`
	ExamID    int64  `json:"exam_id" binding:"required"`
	Username  string `json:"username"`
}

// Login handles POST /api/login.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "missing student_id or student_name")
		return
	}
	if err := storage.ValidateName(req.StudentID); err != nil {
		response.BadRequest(c, "invalid student_id")
		return
	}
	ctx := c.Request.Context()
	exam, err := h.exams.ActiveForStudent(ctx, req.StudentID, h.clk.Now())
	if err != nil {
		if errors.Is(err, exams.ErrNotFound) {
			response.BadRequest(c, "no exam in progress for this student")
			return
		}
		h.logger.Error("find active exam failed", zap.String("student_id", req.StudentID), zap.Error(err))
		response.ServiceUnavailable(c, "exam store unavailable")
		return
	}
	if _, err := h.presence.Login(ctx, exam.ID, req.StudentID, req.StudentName, c.ClientIP()); err != nil {
		switch {
		case errors.Is(err, presence.ErrNotEnrolled):
			response.NotFound(c, "student is not enrolled in this exam")
		case errors.Is(err, presence.ErrOnlineElsewhere):
			response.Conflict(c, "student is already online from another address")
		default:
			h.logger.Error("login failed", zap.Int64("exam_id", exam.ID), zap.String("student_id", req.StudentID), zap.Error(err))
			response.ServiceUnavailable(c, "login failed, try again")
		}
		return
	}
	h.logger.Info("student logged in",
		zap.Int64("exam_id", exam.ID), zap.String("student_id", req.StudentID), zap.String("ip", c.ClientIP()))
	response.OK(c, LoginResponse{ExamSummary: exam.Summary(), StudentID: req.StudentID})
}

// Heartbeat handles POST /api/heartbeat. The response carries end_time when an
// admin moved the end of the exam.
func (h *Handler) Heartbeat(c *gin.Context) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "missing student_id or exam_id")
		return
	}
	ctx := c.Request.Context()
	if err := h.presence.RecordActivity(ctx, req.ExamID, req.StudentID, c.ClientIP(), req.Username); err != nil {
		h.activityError(c, err, req.ExamID, req.StudentID)
		return
	}
	out := gin.H{"server_time": h.clk.Now().Format(ServerTimeLayout)}
	if h.endTimes != nil {
		end, ok, err := h.endTimes.ChangedEndTime(ctx, req.ExamID)
		if err != nil {
			h.logger.Warn("read end time marker failed", zap.Int64("exam_id", req.ExamID), zap.Error(err))
		} else if ok {
			out["end_time"] = end
		}
	}
	response.OK(c, out)
}

// Logout handles POST /api/logout and queues a merge of the uploaded segments.
func (h *Handler) Logout(c *gin.Context) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "missing student_id or exam_id")
		return
	}
	ctx := c.Request.Context()
	changed, err := h.presence.MarkLogout(ctx, req.ExamID, req.StudentID, presence.ReasonStudentLogout, c.ClientIP())
	if err != nil {
		if errors.Is(err, presence.ErrNotEnrolled) {
			response.NotFound(c, "unknown student or exam")
			return
		}
		h.logger.Error("logout failed", zap.Int64("exam_id", req.ExamID), zap.String("student_id", req.StudentID), zap.Error(err))
		response.ServiceUnavailable(c, "logout failed, try again")
		return
	}
	scheduled, err := h.merges.ScheduleIfPending(ctx, req.ExamID, req.StudentID, req.Username, ReasonLogout)
	if err != nil {
		// The grace sweep picks the student up later.
		h.logger.Warn("schedule merge on logout failed",
			zap.Int64("exam_id", req.ExamID), zap.String("student_id", req.StudentID), zap.Error(err))
	}
	response.OK(c, gin.H{"logged_out": changed, "merge_scheduled": scheduled})
}

// ServerTime handles GET /api/server_time.
func (h *Handler) ServerTime(c *gin.Context) {
	now := h.clk.Now()
	response.OK(c, gin.H{"server_time": now.Format(ServerTimeLayout), "unix_ms": now.UnixMilli()})
}

// Screenshot handles POST /api/screenshot (multipart: screenshot, student_id, exam_id, username).
func (h *Handler) Screenshot(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes)
	examID, studentID, ok := h.uploadIdentity(c)
	if !ok {
		return
	}
	if !h.touch(c, examID, studentID, c.PostForm("username")) {
		return
	}
	filename := "screenshot_" + h.clk.Now().Format(merge.TimestampLayout) + ".png"
	if !h.saveFormFile(c, "screenshot", h.layout.ScreenshotDir(examID, studentID), filename, examID, studentID) {
		return
	}
	response.OK(c, gin.H{"filename": filename})
}

// ScreenRecording handles POST /api/screen_recording (multipart: video,
// student_id, exam_id, timestamp, sequence).
func (h *Handler) ScreenRecording(c *gin.Context) {
	if c.Request.ContentLength > h.opts.MaxUploadBytes {
		response.PayloadTooLarge(c, "recording exceeds upload limit")
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes)
	examID, studentID, ok := h.uploadIdentity(c)
	if !ok {
		return
	}
	fh, err := c.FormFile("video")
	if err != nil {
		h.formError(c, err, "no video file provided")
		return
	}
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if ext == "" {
		ext = ".mp4"
	}
	if !storage.IsVideoExtension(ext) {
		response.BadRequest(c, "unsupported video format")
		return
	}
	ts := h.clk.Now()
	if raw := c.PostForm("timestamp"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			ts = parsed
		}
	}
	seq := 0
	if raw := c.PostForm("sequence"); raw != "" {
		if seq, err = strconv.Atoi(raw); err != nil || seq < 0 {
			response.BadRequest(c, "invalid sequence")
			return
		}
	}
	if !h.touch(c, examID, studentID, c.PostForm("username")) {
		return
	}

	filename := merge.SegmentFilename(studentID, ts.UTC(), seq, ext)
	f, err := fh.Open()
	if err != nil {
		response.BadRequest(c, "unreadable video file")
		return
	}
	defer f.Close()
	n, err := storage.SaveStream(h.layout.StudentSegmentDir(examID, studentID), filename, f)
	if err != nil {
		h.saveError(c, err, examID, studentID)
		return
	}
	h.logger.Debug("segment stored",
		zap.Int64("exam_id", examID), zap.String("student_id", studentID),
		zap.String("filename", filename), zap.Int64("bytes", n))
	response.OK(c, gin.H{"filename": filename, "file_size": n})
}

// ViolationReport handles POST /api/violation (multipart: screenshot, student_id,
// exam_id, username, reason, timestamp).
func (h *Handler) ViolationReport(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes)
	examID, studentID, ok := h.uploadIdentity(c)
	if !ok {
		return
	}
	username := c.PostForm("username")
	reason := strings.TrimSpace(c.PostForm("reason"))
	if username == "" || reason == "" {
		response.BadRequest(c, "missing username or reason")
		return
	}
	if !h.touch(c, examID, studentID, username) {
		return
	}
	now := h.clk.Now()
	occurred := now
	if raw := c.PostForm("timestamp"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			occurred = t
		} else if t, err := time.ParseInLocation(ServerTimeLayout, raw, time.UTC); err == nil {
			occurred = t
		}
	}
	filename := studentID + "-" + now.Format(merge.TimestampLayout) + ".png"
	dir := h.layout.ViolationsDir(examID)
	if !h.saveFormFile(c, "screenshot", dir, filename, examID, studentID) {
		return
	}
	v := &models.Violation{
		ExamID:         examID,
		StudentID:      studentID,
		Username:       username,
		Reason:         reason,
		ScreenshotPath: h.layout.Rel(filepath.Join(dir, filename)),
		SourceIP:       c.ClientIP(),
		OccurredAt:     occurred.UTC(),
	}
	if err := h.violations.Create(c.Request.Context(), v); err != nil {
		h.logger.Error("record violation failed", zap.Int64("exam_id", examID), zap.String("student_id", studentID), zap.Error(err))
		response.ServiceUnavailable(c, "failed to record violation")
		return
	}
	h.logger.Info("violation reported",
		zap.Int64("exam_id", examID), zap.String("student_id", studentID), zap.String("reason", reason))
	response.Created(c, gin.H{"violation_id": v.ID})
}

// uploadIdentity parses the multipart form and reads exam_id and student_id.
func (h *Handler) uploadIdentity(c *gin.Context) (int64, string, bool) {
	if _, err := c.MultipartForm(); err != nil {
		h.formError(c, err, "invalid multipart form")
		return 0, "", false
	}
	studentID := c.PostForm("student_id")
	rawExam := c.PostForm("exam_id")
	if studentID == "" || rawExam == "" {
		response.BadRequest(c, "missing student information")
		return 0, "", false
	}
	examID, err := strconv.ParseInt(rawExam, 10, 64)
	if err != nil || examID <= 0 {
		response.BadRequest(c, "invalid exam_id")
		return 0, "", false
	}
	if err := storage.ValidateName(studentID); err != nil {
		response.BadRequest(c, "invalid student_id")
		return 0, "", false
	}
	return examID, studentID, true
}

// touch records the upload as activity. Uploads from students who already
// logged out are still stored so the grace sweep can merge them.
func (h *Handler) touch(c *gin.Context, examID int64, studentID, displayName string) bool {
	err := h.presence.RecordActivity(c.Request.Context(), examID, studentID, c.ClientIP(), displayName)
	if err == nil || errors.Is(err, presence.ErrLoggedOut) {
		return true
	}
	h.activityError(c, err, examID, studentID)
	return false
}

func (h *Handler) saveFormFile(c *gin.Context, field, dir, filename string, examID int64, studentID string) bool {
	fh, err := c.FormFile(field)
	if err != nil {
		h.formError(c, err, "no "+field+" file provided")
		return false
	}
	f, err := fh.Open()
	if err != nil {
		response.BadRequest(c, "unreadable "+field+" file")
		return false
	}
	defer f.Close()
	if _, err := storage.SaveStream(dir, filename, f); err != nil {
		h.saveError(c, err, examID, studentID)
		return false
	}
	return true
}

func (h *Handler) activityError(c *gin.Context, err error, examID int64, studentID string) {
	switch {
	case errors.Is(err, presence.ErrNotEnrolled):
		response.NotFound(c, "unknown student or exam")
	case errors.Is(err, presence.ErrLoggedOut):
		response.Conflict(c, "student has logged out of this exam")
	default:
		h.logger.Error("record activity failed", zap.Int64("exam_id", examID), zap.String("student_id", studentID), zap.Error(err))
		response.ServiceUnavailable(c, "presence store unavailable")
	}
}

func (h *Handler) formError(c *gin.Context, err error, msg string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		response.PayloadTooLarge(c, "upload exceeds limit")
		return
	}
	response.BadRequest(c, msg)
}

func (h *Handler) saveError(c *gin.Context, err error, examID int64, studentID string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		response.PayloadTooLarge(c, "upload exceeds limit")
	case errors.Is(err, storage.ErrEmptyUpload):
		response.BadRequest(c, "empty upload")
	case errors.Is(err, storage.ErrUnsafeName):
		response.BadRequest(c, "invalid file name")
	default:
		h.logger.Error("save upload failed", zap.Int64("exam_id", examID), zap.String("student_id", studentID), zap.Error(err))
		response.Internal(c, "failed to save file")
	}
}
