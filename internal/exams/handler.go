package exams

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/exam-proctor/backend/internal/clock"
	"github.com/exam-proctor/backend/internal/middleware"
	"github.com/exam-proctor/backend/internal/models"
	"github.com/exam-proctor/backend/pkg/response"
	"github.com/exam-proctor/backend/pkg/utils"
)

// localLayout is accepted alongside RFC3339 for admin consoles that send wall-clock strings.
const localLayout = "2006-01-02 15:04:05"

// endTimeMarkerTTL keeps an end-time change visible to heartbeats for a while after the new end.
const endTimeMarkerTTL = time.Hour

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation(localLayout, s, time.UTC)
}

// Store is the exam persistence used by the handler.
type Store interface {
	Create(ctx context.Context, e *models.Exam, now time.Time) error
	GetByID(ctx context.Context, id int64) (*models.Exam, error)
	List(ctx context.Context) ([]models.Exam, error)
	Update(ctx context.Context, e *models.Exam) error
	Delete(ctx context.Context, id int64, now time.Time) error
}

// EndTimeNotifier tells connected clients that an exam's end moved.
type EndTimeNotifier interface {
	EndTimeChanged(ctx context.Context, examID int64, end time.Time, ttl time.Duration) error
}

// CreateRequest is the body for POST /admin/exams.
type CreateRequest struct {
	Name            string `json:"name" binding:"required"`
	StartTime       string `json:"start_time" binding:"required"`
	EndTime         string `json:"end_time" binding:"required"`
	DefaultURL      string `json:"default_url"`
	DisableNewTabs  bool   `json:"disable_new_tabs"`
	DelayMinutes    int    `json:"delay_min" binding:"min=0"`
	MonitorPassword string `json:"monitor_password"`
}

// UpdateRequest is the body for PUT /admin/exams/:id. Omitted fields are unchanged.
type UpdateRequest struct {
	Name            *string `json:"name"`
	StartTime       *string `json:"start_time"`
	EndTime         *string `json:"end_time"`
	DefaultURL      *string `json:"default_url"`
	DisableNewTabs  *bool   `json:"disable_new_tabs"`
	DelayMinutes    *int    `json:"delay_min"`
	MonitorPassword *string `json:"monitor_password"`
}

// Handler handles exam HTTP endpoints.
type Handler struct {
	repo     Store
	notifier EndTimeNotifier
	clk      clock.Clock
	logger   *zap.Logger
}

// NewHandler creates an exam handler.
func NewHandler(repo Store, notifier EndTimeNotifier, clk clock.Clock, logger *zap.Logger) *Handler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Handler{repo: repo, notifier: notifier, clk: clk, logger: logger}
}

// Create handles POST /admin/exams (admin only).
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	start, err := parseTime(req.StartTime)
	if err != nil {
		response.BadRequest(c, "invalid start_time")
		return
	}
	end, err := parseTime(req.EndTime)
	if err != nil {
		response.BadRequest(c, "invalid end_time")
		return
	}
	if !end.After(start) {
		response.BadRequest(c, "end_time must be after start_time")
		return
	}
	e := &models.Exam{
		Name:           req.Name,
		StartTime:      start,
		EndTime:        end,
		DefaultURL:     req.DefaultURL,
		DisableNewTabs: req.DisableNewTabs,
		DelayMinutes:   req.DelayMinutes,
	}
	if req.MonitorPassword != "" {
		if e.MonitorPasswordHash, err = utils.HashPassword(req.MonitorPassword); err != nil {
			response.Internal(c, "failed to hash password")
			return
		}
	}
	if err := h.repo.Create(c.Request.Context(), e, h.clk.Now()); err != nil {
		h.logger.Error("create exam failed", zap.Error(err))
		response.Internal(c, "failed to create exam")
		return
	}
	h.logger.Info("exam created", zap.Int64("exam_id", e.ID), zap.String("status", string(e.Status)))
	response.Created(c, e)
}

// List handles GET /admin/exams (admin only).
func (h *Handler) List(c *gin.Context) {
	list, err := h.repo.List(c.Request.Context())
	if err != nil {
		response.Internal(c, "failed to list exams")
		return
	}
	if list == nil {
		list = []models.Exam{}
	}
	response.OK(c, list)
}

// GetByID handles GET /admin/exams/:id.
func (h *Handler) GetByID(c *gin.Context) {
	e, err := h.repo.GetByID(c.Request.Context(), middleware.ExamID(c))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "exam not found")
			return
		}
		response.Internal(c, "failed to load exam")
		return
	}
	response.OK(c, e)
}

// Update handles PUT /admin/exams/:id (admin only). Moving the end time of an
// exam that has not completed is pushed to connected clients.
func (h *Handler) Update(c *gin.Context) {
	id := middleware.ExamID(c)
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ctx := c.Request.Context()
	e, err := h.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "exam not found")
			return
		}
		response.Internal(c, "failed to load exam")
		return
	}
	oldEnd := e.EndTime

	if req.Name != nil {
		e.Name = *req.Name
	}
	if req.StartTime != nil {
		if e.StartTime, err = parseTime(*req.StartTime); err != nil {
			response.BadRequest(c, "invalid start_time")
			return
		}
	}
	if req.EndTime != nil {
		if e.EndTime, err = parseTime(*req.EndTime); err != nil {
			response.BadRequest(c, "invalid end_time")
			return
		}
	}
	if !e.EndTime.After(e.StartTime) {
		response.BadRequest(c, "end_time must be after start_time")
		return
	}
	if req.DefaultURL != nil {
		e.DefaultURL = *req.DefaultURL
	}
	if req.DisableNewTabs != nil {
		e.DisableNewTabs = *req.DisableNewTabs
	}
	if req.DelayMinutes != nil {
		if *req.DelayMinutes < 0 {
			response.BadRequest(c, "delay_min must not be negative")
			return
		}
		e.DelayMinutes = *req.DelayMinutes
	}
	if req.MonitorPassword != nil {
		e.MonitorPasswordHash = ""
		if *req.MonitorPassword != "" {
			if e.MonitorPasswordHash, err = utils.HashPassword(*req.MonitorPassword); err != nil {
				response.Internal(c, "failed to hash password")
				return
			}
		}
	}

	if err := h.repo.Update(ctx, e); err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "exam not found")
			return
		}
		response.Internal(c, "failed to update exam")
		return
	}
	if !e.EndTime.Equal(oldEnd) && e.Status != models.ExamStatusCompleted && h.notifier != nil {
		if err := h.notifier.EndTimeChanged(ctx, e.ID, e.EndTime, endTimeMarkerTTL); err != nil {
			h.logger.Warn("end time change not published", zap.Int64("exam_id", e.ID), zap.Error(err))
		}
	}
	response.OK(c, e)
}

// Delete handles DELETE /admin/exams/:id (admin only). Active exams cannot be deleted.
func (h *Handler) Delete(c *gin.Context) {
	id := middleware.ExamID(c)
	err := h.repo.Delete(c.Request.Context(), id, h.clk.Now())
	switch {
	case err == nil:
		h.logger.Info("exam deleted", zap.String("exam_id", strconv.FormatInt(id, 10)))
		response.NoContent(c)
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "exam not found")
	case errors.Is(err, ErrActive):
		response.Conflict(c, "exam is in progress and cannot be deleted")
	default:
		response.Internal(c, "failed to delete exam")
	}
}
