// Package monitor serves the per-exam proctoring views used by admins and
// exam monitors: roster with live status, history, violations and imports.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/exam-proctor/backend/internal/enrollments"
	"github.com/exam-proctor/backend/internal/middleware"
	"github.com/exam-proctor/backend/internal/models"
	"github.com/exam-proctor/backend/pkg/response"
	"github.com/exam-proctor/backend/pkg/storage"
)

// ReasonManual is recorded on merge jobs triggered from the console.
const ReasonManual = "manual"

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Roster is the enrollment store behind the monitor views.
type Roster interface {
	ListByExam(ctx context.Context, examID int64) ([]models.EnrolledStudent, error)
	Get(ctx context.Context, examID int64, studentID string) (*models.EnrolledStudent, error)
	History(ctx context.Context, examID int64, studentID string) ([]models.LoginHistoryEvent, error)
	Import(ctx context.Context, examID int64, students []models.StudentImport) (int, error)
	Delete(ctx context.Context, examID int64, studentID string) error
}

// StatusReader answers realtime status with a durable fallback.
type StatusReader interface {
	QueryRealtimeStatus(ctx context.Context, examID int64, studentID string) (*models.RealtimeStatus, error)
}

// ViolationLister pages through an exam's violations.
type ViolationLister interface {
	ListByExam(ctx context.Context, examID int64, limit, offset int) ([]models.Violation, int64, error)
}

// MergeScheduler queues a merge of a student's segments.
type MergeScheduler interface {
	ScheduleIfPending(ctx context.Context, examID int64, studentID, displayName, reason string) (bool, error)
}

// Handler handles monitor endpoints. Routes are mounted under
// /admin/exams/:id behind middleware.RequireExamAccess.
type Handler struct {
	roster     Roster
	status     StatusReader
	violations ViolationLister
	merges     MergeScheduler
	logger     *zap.Logger
}

// NewHandler creates a monitor handler.
func NewHandler(roster Roster, status StatusReader, violations ViolationLister, merges MergeScheduler, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{roster: roster, status: status, violations: violations, merges: merges, logger: logger}
}

// Snapshot returns every enrolled student with their realtime status. It also
// seeds new websocket subscribers.
func (h *Handler) Snapshot(ctx context.Context, examID int64) ([]models.StudentPresence, error) {
	students, err := h.roster.ListByExam(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	out := make([]models.StudentPresence, 0, len(students))
	for _, s := range students {
		p := models.StudentPresence{EnrolledStudent: s, Realtime: models.RealtimeStatus{Status: s.Status}}
		st, err := h.status.QueryRealtimeStatus(ctx, examID, s.StudentID)
		if err != nil {
			h.logger.Warn("realtime status unavailable",
				zap.Int64("exam_id", examID), zap.String("student_id", s.StudentID), zap.Error(err))
		} else if st != nil {
			p.Realtime = *st
		}
		out = append(out, p)
	}
	return out, nil
}

// WSSnapshot adapts Snapshot to the websocket snapshot signature.
func (h *Handler) WSSnapshot(ctx context.Context, examID int64) (interface{}, error) {
	return h.Snapshot(ctx, examID)
}

// Students handles GET /admin/exams/:id/students. ?status= filters on the
// realtime status.
func (h *Handler) Students(c *gin.Context) {
	examID := middleware.ExamID(c)
	list, err := h.Snapshot(c.Request.Context(), examID)
	if err != nil {
		h.logger.Error("list students failed", zap.Int64("exam_id", examID), zap.Error(err))
		response.ServiceUnavailable(c, "failed to list students")
		return
	}
	if want := strings.ToLower(strings.TrimSpace(c.Query("status"))); want != "" {
		filtered := list[:0]
		for _, p := range list {
			if string(p.Realtime.Status) == want {
				filtered = append(filtered, p)
			}
		}
		list = filtered
	}
	response.OK(c, list)
}

// History handles GET /admin/exams/:id/students/:student_id/history.
func (h *Handler) History(c *gin.Context) {
	examID := middleware.ExamID(c)
	studentID := c.Param("student_id")
	if _, err := h.roster.Get(c.Request.Context(), examID, studentID); err != nil {
		h.studentError(c, err, examID, studentID)
		return
	}
	events, err := h.roster.History(c.Request.Context(), examID, studentID)
	if err != nil {
		h.logger.Error("load history failed", zap.Int64("exam_id", examID), zap.String("student_id", studentID), zap.Error(err))
		response.Internal(c, "failed to load history")
		return
	}
	if events == nil {
		events = []models.LoginHistoryEvent{}
	}
	response.OK(c, events)
}

// Import handles POST /admin/exams/:id/students/import. It accepts a JSON array
// of students, a text/csv body, or a multipart "file" field holding a CSV.
func (h *Handler) Import(c *gin.Context) {
	examID := middleware.ExamID(c)
	var (
		students []models.StudentImport
		rejected []enrollments.RowError
		err      error
	)
	contentType := c.ContentType()
	switch {
	case strings.HasPrefix(contentType, "multipart/"):
		fh, ferr := c.FormFile("file")
		if ferr != nil {
			response.BadRequest(c, "file is required")
			return
		}
		f, ferr := fh.Open()
		if ferr != nil {
			response.BadRequest(c, "unreadable file")
			return
		}
		defer f.Close()
		students, rejected, err = enrollments.ParseRoster(f)
	case contentType == "text/csv":
		students, rejected, err = enrollments.ParseRoster(c.Request.Body)
	default:
		if err := c.ShouldBindJSON(&students); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
		students, rejected = validateImport(students)
	}
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if len(students) == 0 {
		response.BadRequest(c, "no valid students to import")
		return
	}

	created, err := h.roster.Import(c.Request.Context(), examID, students)
	if err != nil {
		h.logger.Error("import students failed", zap.Int64("exam_id", examID), zap.Error(err))
		response.Internal(c, "failed to import students")
		return
	}
	h.logger.Info("students imported",
		zap.Int64("exam_id", examID), zap.Int("created", created), zap.Int("updated", len(students)-created),
		zap.Int("rejected", len(rejected)))
	if rejected == nil {
		rejected = []enrollments.RowError{}
	}
	response.OK(c, gin.H{"created": created, "updated": len(students) - created, "rejected": rejected})
}

func validateImport(in []models.StudentImport) ([]models.StudentImport, []enrollments.RowError) {
	var out []models.StudentImport
	var rejected []enrollments.RowError
	for i, s := range in {
		s.StudentID = strings.TrimSpace(s.StudentID)
		s.StudentName = strings.TrimSpace(s.StudentName)
		if s.StudentID == "" || s.StudentName == "" || storage.ValidateName(s.StudentID) != nil {
			rejected = append(rejected, enrollments.RowError{Row: i + 1, Error: "invalid student_id or student_name"})
			continue
		}
		out = append(out, s)
	}
	return out, rejected
}

// DeleteStudent handles DELETE /admin/exams/:id/students/:student_id (admin only).
func (h *Handler) DeleteStudent(c *gin.Context) {
	examID := middleware.ExamID(c)
	studentID := c.Param("student_id")
	if err := h.roster.Delete(c.Request.Context(), examID, studentID); err != nil {
		h.studentError(c, err, examID, studentID)
		return
	}
	h.logger.Info("student removed from exam", zap.Int64("exam_id", examID), zap.String("student_id", studentID))
	response.NoContent(c)
}

// Violations handles GET /admin/exams/:id/violations?page=&page_size=.
func (h *Handler) Violations(c *gin.Context) {
	examID := middleware.ExamID(c)
	page, pageSize := 1, defaultPageSize
	if v := c.Query("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	if v := c.Query("page_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = min(n, maxPageSize)
		}
	}
	items, total, err := h.violations.ListByExam(c.Request.Context(), examID, pageSize, (page-1)*pageSize)
	if err != nil {
		h.logger.Error("list violations failed", zap.Int64("exam_id", examID), zap.Error(err))
		response.Internal(c, "failed to list violations")
		return
	}
	if items == nil {
		items = []models.Violation{}
	}
	response.Paged(c, items, total, page, pageSize)
}

// TriggerMerge handles POST /admin/exams/:id/students/:student_id/merge.
func (h *Handler) TriggerMerge(c *gin.Context) {
	examID := middleware.ExamID(c)
	studentID := c.Param("student_id")
	s, err := h.roster.Get(c.Request.Context(), examID, studentID)
	if err != nil {
		h.studentError(c, err, examID, studentID)
		return
	}
	scheduled, err := h.merges.ScheduleIfPending(c.Request.Context(), examID, studentID, s.StudentName, ReasonManual)
	if err != nil {
		h.logger.Error("schedule merge failed", zap.Int64("exam_id", examID), zap.String("student_id", studentID), zap.Error(err))
		response.ServiceUnavailable(c, "failed to schedule merge")
		return
	}
	response.OK(c, gin.H{"scheduled": scheduled})
}

func (h *Handler) studentError(c *gin.Context, err error, examID int64, studentID string) {
	if errors.Is(err, enrollments.ErrNotFound) {
		response.NotFound(c, "student not enrolled in this exam")
		return
	}
	h.logger.Error("load student failed", zap.Int64("exam_id", examID), zap.String("student_id", studentID), zap.Error(err))
	response.Internal(c, "failed to load student")
}
