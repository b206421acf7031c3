package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/exam-proctor/backend/internal/metrics"
)

// Logger returns a zap-based request logging middleware that also counts
// requests per route. Heartbeats are logged at debug to keep the log readable.
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		clientIP := c.ClientIP()
		method := c.Request.Method

		c.Next()

		statusCode := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()

		level := zap.InfoLevel
		switch {
		case statusCode >= 500:
			level = zap.ErrorLevel
		case route == "/api/heartbeat" && statusCode < 400:
			level = zap.DebugLevel
		}
		logger.Check(level, "request").Write(
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("method", method),
			zap.String("path", path),
			zap.String("client_ip", clientIP),
		)
	}
}
