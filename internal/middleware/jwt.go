package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/exam-proctor/backend/internal/auth"
	"github.com/exam-proctor/backend/pkg/response"
)

const (
	// ContextClaims is the key for the validated *auth.Claims in gin context.
	ContextClaims = "claims"
	// ContextUserRole is the key for the token role in gin context.
	ContextUserRole = "user_role"
)

// JWT returns a middleware that validates JWT and sets claims in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextClaims, claims)
		c.Set(ContextUserRole, claims.Role)
		c.Next()
	}
}

// Claims returns the claims set by JWT, or nil.
func Claims(c *gin.Context) *auth.Claims {
	v, ok := c.Get(ContextClaims)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}
