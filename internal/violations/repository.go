// Package violations stores client-reported rule breaches.
package violations

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/exam-proctor/backend/internal/models"
)

// Repository handles violation persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a violations repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a violation.
func (r *Repository) Create(ctx context.Context, v *models.Violation) error {
	const q = `INSERT INTO violations (exam_id, student_id, username, reason, screenshot_path, source_ip, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`
	if err := r.pool.QueryRow(ctx, q, v.ExamID, v.StudentID, v.Username, v.Reason, v.ScreenshotPath, v.SourceIP, v.OccurredAt).
		Scan(&v.ID, &v.CreatedAt); err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	return nil
}

// ListByExam returns one page of an exam's violations, newest first, and the total count.
func (r *Repository) ListByExam(ctx context.Context, examID int64, limit, offset int) ([]models.Violation, int64, error) {
	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM violations WHERE exam_id = $1`, examID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count violations: %w", err)
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, exam_id, student_id, username, reason, screenshot_path, source_ip, occurred_at, created_at
		 FROM violations WHERE exam_id = $1
		 ORDER BY occurred_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		examID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list violations: %w", err)
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Violation, error) {
		var v models.Violation
		err := row.Scan(&v.ID, &v.ExamID, &v.StudentID, &v.Username, &v.Reason, &v.ScreenshotPath, &v.SourceIP, &v.OccurredAt, &v.CreatedAt)
		return v, err
	})
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}
