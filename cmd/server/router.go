package main

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/exam-proctor/backend/config"
	"github.com/exam-proctor/backend/internal/auth"
	"github.com/exam-proctor/backend/internal/exams"
	"github.com/exam-proctor/backend/internal/middleware"
	"github.com/exam-proctor/backend/internal/monitor"
	"github.com/exam-proctor/backend/internal/realtime"
	"github.com/exam-proctor/backend/internal/recordings"
	"github.com/exam-proctor/backend/internal/session"
	"github.com/exam-proctor/backend/pkg/response"
)

type handlers struct {
	auth       *auth.Handler
	exams      *exams.Handler
	session    *session.Handler
	monitor    *monitor.Handler
	recordings *recordings.Handler
}

func newRouter(cfg *config.Config, logger *zap.Logger, jwtService *auth.JWTService, hub *realtime.Hub,
	h handlers, health func(context.Context) error) *gin.Engine {
	router := gin.New()
	router.MaxMultipartMemory = 8 << 20
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := health(ctx); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			response.ServiceUnavailable(c, "unhealthy")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Student client (rate limited per IP)
	limiter := middleware.NewRateLimiter(cfg.Server.ClientRatePerSec, cfg.Server.ClientRateBurst)
	client := router.Group("/api", limiter.Middleware())
	{
		client.POST("/login", h.session.Login)
		client.POST("/heartbeat", h.session.Heartbeat)
		client.POST("/logout", h.session.Logout)
		client.POST("/screenshot", h.session.Screenshot)
		client.POST("/screen_recording", h.session.ScreenRecording)
		client.POST("/violation", h.session.ViolationReport)
		client.GET("/server_time", h.session.ServerTime)
	}

	// Console auth (public)
	router.POST("/admin/login", h.auth.AdminLogin)
	router.POST("/monitor/login", h.auth.MonitorLogin)

	admin := router.Group("/admin", middleware.JWT(jwtService))
	{
		admin.GET("/exams", middleware.RequireRole(auth.RoleAdmin), h.exams.List)
		admin.POST("/exams", middleware.RequireRole(auth.RoleAdmin), h.exams.Create)

		exam := admin.Group("/exams/:id", middleware.RequireExamAccess())
		exam.GET("", h.exams.GetByID)
		exam.PUT("", middleware.RequireRole(auth.RoleAdmin), h.exams.Update)
		exam.DELETE("", middleware.RequireRole(auth.RoleAdmin), h.exams.Delete)

		exam.GET("/students", h.monitor.Students)
		exam.POST("/students/import", middleware.RequireRole(auth.RoleAdmin), h.monitor.Import)
		exam.GET("/students/:student_id/history", h.monitor.History)
		exam.POST("/students/:student_id/merge", h.monitor.TriggerMerge)
		exam.DELETE("/students/:student_id", middleware.RequireRole(auth.RoleAdmin), h.monitor.DeleteStudent)
		exam.GET("/violations", h.monitor.Violations)

		exam.GET("/recordings", h.recordings.List)
		exam.GET("/recordings/:filename", h.recordings.Download)
		exam.DELETE("/recordings/:filename", middleware.RequireRole(auth.RoleAdmin), h.recordings.Delete)
	}

	// Monitor feed (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, logger, jwtService.ValidateForExam, h.monitor.WSSnapshot))

	return router
}
