package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/exam-proctor/backend/internal/auth"
)

func init() { gin.SetMode(gin.TestMode) }

func do(r http.Handler, method, path, token string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	r.ServeHTTP(w, req)
	return w.Code
}

func TestExamAccessScopesMonitors(t *testing.T) {
	jwtSvc := auth.NewJWTService("s", 1)
	r := gin.New()
	r.Use(Logger(zaptest.NewLogger(t)))
	g := r.Group("/exams/:id", JWT(jwtSvc), RequireExamAccess())
	g.GET("", func(c *gin.Context) { c.String(http.StatusOK, "%d", ExamID(c)) })
	r.DELETE("/exams/:id", JWT(jwtSvc), RequireRole(auth.RoleAdmin), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	monitor, err := jwtSvc.Generate(auth.RoleMonitor, 5)
	require.NoError(t, err)
	admin, err := jwtSvc.Generate(auth.RoleAdmin, 0)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/exams/5", ""))
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/exams/5", "garbage"))
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/exams/5", monitor))
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodGet, "/exams/6", monitor))
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/exams/abc", monitor))
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/exams/6", admin))

	assert.Equal(t, http.StatusForbidden, do(r, http.MethodDelete, "/exams/5", monitor))
	assert.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, "/exams/5", admin))
}

func TestRateLimiterPerIP(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/api/server_time", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/server_time", ""))
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/server_time", ""))
	assert.Equal(t, http.StatusTooManyRequests, do(r, http.MethodGet, "/api/server_time", ""))
	assert.True(t, rl.Allow("10.1.1.1"), "other addresses have their own bucket")
}

func TestCORSPreflight(t *testing.T) {
	r := gin.New()
	r.Use(CORS("https://console.example"))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://console.example")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://console.example", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
