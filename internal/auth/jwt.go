package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// Roles carried in tokens.
const (
	RoleAdmin   = "admin"
	RoleMonitor = "monitor"
)

// Claims holds JWT claims. ExamID scopes a monitor token to one exam and is 0 for admins.
type Claims struct {
	Role   string `json:"role"`
	ExamID int64  `json:"exam_id,omitempty"`
	jwt.RegisteredClaims
}

// CanAccessExam reports whether the token may read or act on examID.
func (c *Claims) CanAccessExam(examID int64) bool {
	return c.Role == RoleAdmin || (c.Role == RoleMonitor && c.ExamID == examID)
}

// JWTService handles token generation and validation.
type JWTService struct {
	secret      []byte
	expireHours int
}

// NewJWTService creates a JWT service.
func NewJWTService(secret string, expireHours int) *JWTService {
	if expireHours <= 0 {
		expireHours = 12
	}
	return &JWTService{
		secret:      []byte(secret),
		expireHours: expireHours,
	}
}

// Generate creates a token for role. examID is ignored for admins.
func (s *JWTService) Generate(role string, examID int64) (string, error) {
	if role == RoleAdmin {
		examID = 0
	}
	now := time.Now()
	claims := Claims{
		Role:   role,
		ExamID: examID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT, returning claims or error.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Role != RoleAdmin && claims.Role != RoleMonitor {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateForExam validates a token and checks it grants access to examID.
func (s *JWTService) ValidateForExam(tokenString string, examID int64) error {
	claims, err := s.Validate(tokenString)
	if err != nil {
		return err
	}
	if !claims.CanAccessExam(examID) {
		return ErrInvalidToken
	}
	return nil
}
