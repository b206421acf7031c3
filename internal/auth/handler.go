package auth

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/exam-proctor/backend/internal/models"
	"github.com/exam-proctor/backend/pkg/response"
	"github.com/exam-proctor/backend/pkg/utils"
)

// ExamLookup loads an exam for monitor login.
type ExamLookup interface {
	GetByID(ctx context.Context, id int64) (*models.Exam, error)
}

// AdminLoginRequest is the body for POST /admin/login.
type AdminLoginRequest struct {
	Password string `json:"password" binding:"required"`
}

// MonitorLoginRequest is the body for POST /monitor/login.
type MonitorLoginRequest struct {
	ExamID   int64  `json:"exam_id" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse is the auth response with JWT.
type TokenResponse struct {
	Token  string `json:"token"`
	Role   string `json:"role"`
	ExamID int64  `json:"exam_id,omitempty"`
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	exams     ExamLookup
	jwt       *JWTService
	adminHash string
	logger    *zap.Logger
}

// NewHandler creates an auth handler. adminPassword is hashed once here; an
// empty password disables admin login.
func NewHandler(exams ExamLookup, jwt *JWTService, adminPassword string, logger *zap.Logger) (*Handler, error) {
	h := &Handler{exams: exams, jwt: jwt, logger: logger}
	if adminPassword != "" {
		hash, err := utils.HashPassword(adminPassword)
		if err != nil {
			return nil, err
		}
		h.adminHash = hash
	} else {
		logger.Warn("ADMIN_PASSWORD not set, admin login disabled")
	}
	return h, nil
}

// AdminLogin handles POST /admin/login.
func (h *Handler) AdminLogin(c *gin.Context) {
	var req AdminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if !utils.CheckPassword(req.Password, h.adminHash) {
		h.logger.Warn("admin login failed", zap.String("client_ip", c.ClientIP()))
		response.Unauthorized(c, "invalid password")
		return
	}
	token, err := h.jwt.Generate(RoleAdmin, 0)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}
	response.OK(c, TokenResponse{Token: token, Role: RoleAdmin})
}

// MonitorLogin handles POST /monitor/login with the exam's monitor password.
func (h *Handler) MonitorLogin(c *gin.Context) {
	var req MonitorLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	exam, err := h.exams.GetByID(c.Request.Context(), req.ExamID)
	if err != nil || exam == nil || !utils.CheckPassword(req.Password, exam.MonitorPasswordHash) {
		h.logger.Warn("monitor login failed",
			zap.String("exam_id", strconv.FormatInt(req.ExamID, 10)),
			zap.String("client_ip", c.ClientIP()))
		response.Unauthorized(c, "invalid exam or password")
		return
	}
	token, err := h.jwt.Generate(RoleMonitor, exam.ID)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}
	response.OK(c, TokenResponse{Token: token, Role: RoleMonitor, ExamID: exam.ID})
}
