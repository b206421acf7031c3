package recordings

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/exam-proctor/backend/internal/middleware"
	"github.com/exam-proctor/backend/internal/models"
	"github.com/exam-proctor/backend/pkg/response"
	"github.com/exam-proctor/backend/pkg/storage"
)

// Roster lists the students of an exam.
type Roster interface {
	ListByExam(ctx context.Context, examID int64) ([]models.EnrolledStudent, error)
}

// Handler handles recording HTTP endpoints.
type Handler struct {
	catalog *Catalog
	roster  Roster
	logger  *zap.Logger
}

// NewHandler creates a recordings handler.
func NewHandler(catalog *Catalog, roster Roster, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{catalog: catalog, roster: roster, logger: logger}
}

// List handles GET /admin/exams/:id/recordings.
func (h *Handler) List(c *gin.Context) {
	examID := middleware.ExamID(c)
	students, err := h.roster.ListByExam(c.Request.Context(), examID)
	if err != nil {
		h.logger.Error("list students failed", zap.Int64("exam_id", examID), zap.Error(err))
		response.Internal(c, "failed to list recordings")
		return
	}
	ids := make([]string, len(students))
	for i, s := range students {
		ids[i] = s.StudentID
	}
	list, err := h.catalog.List(examID, ids)
	if err != nil {
		h.logger.Error("list recordings failed", zap.Int64("exam_id", examID), zap.Error(err))
		response.Internal(c, "failed to list recordings")
		return
	}
	response.OK(c, list)
}

// Download handles GET /admin/exams/:id/recordings/:filename. Archived
// recordings redirect to a presigned URL; otherwise the file is served.
func (h *Handler) Download(c *gin.Context) {
	examID := middleware.ExamID(c)
	filename := c.Param("filename")
	if err := storage.ValidateName(filename); err != nil {
		response.BadRequest(c, "invalid filename")
		return
	}
	if h.catalog.Archived() {
		url, err := h.catalog.DownloadURL(c.Request.Context(), examID, filename)
		if err != nil {
			h.logger.Error("presign recording failed", zap.Int64("exam_id", examID), zap.String("filename", filename), zap.Error(err))
			response.Internal(c, "failed to generate download url")
			return
		}
		c.Redirect(http.StatusFound, url)
		return
	}
	p, err := h.catalog.Path(examID, filename)
	if err != nil {
		response.NotFound(c, "recording not found")
		return
	}
	c.FileAttachment(p, filename)
}

// Delete handles DELETE /admin/exams/:id/recordings/:filename (admin only).
func (h *Handler) Delete(c *gin.Context) {
	examID := middleware.ExamID(c)
	err := h.catalog.Delete(c.Request.Context(), examID, c.Param("filename"))
	switch {
	case err == nil:
		response.NoContent(c)
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "recording not found")
	case errors.Is(err, storage.ErrUnsafeName):
		response.BadRequest(c, "invalid filename")
	default:
		response.Internal(c, "failed to delete recording")
	}
}
