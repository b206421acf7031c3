package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/exam-proctor/backend/pkg/response"
)

// ContextExamID is the key for the authorized exam ID in gin context.
const ContextExamID = "exam_id"

// RequireExamAccess checks that the token may act on the exam named by the
// :id path parameter and stores the parsed ID under ContextExamID. Call after JWT.
func RequireExamAccess() gin.HandlerFunc {
	return func(c *gin.Context) {
		examID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || examID <= 0 {
			response.BadRequest(c, "invalid exam id")
			c.Abort()
			return
		}
		claims := Claims(c)
		if claims == nil {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		if !claims.CanAccessExam(examID) {
			response.Forbidden(c, "not authorized for this exam")
			c.Abort()
			return
		}
		c.Set(ContextExamID, examID)
		c.Next()
	}
}

// ExamID returns the exam ID set by RequireExamAccess.
func ExamID(c *gin.Context) int64 {
	return c.GetInt64(ContextExamID)
}
