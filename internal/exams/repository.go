package exams

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/exam-proctor/backend/internal/lifecycle"
	"github.com/exam-proctor/backend/internal/models"
)

var (
	// ErrNotFound is returned when no exam matches.
	ErrNotFound = errors.New("exam not found")
	// ErrActive is returned when deleting an exam that is running.
	ErrActive = errors.New("exam is active")
)

// Repository handles exam persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an exam repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const examColumns = `id, name, start_time, end_time, status, default_url, disable_new_tabs, delay_min, monitor_password_hash, created_at, updated_at`

func scanExam(row pgx.Row) (*models.Exam, error) {
	var e models.Exam
	var status string
	err := row.Scan(&e.ID, &e.Name, &e.StartTime, &e.EndTime, &status, &e.DefaultURL, &e.DisableNewTabs,
		&e.DelayMinutes, &e.MonitorPasswordHash, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = models.ExamStatus(status)
	return &e, nil
}

func collectExams(rows pgx.Rows) ([]models.Exam, error) {
	defer rows.Close()
	var list []models.Exam
	for rows.Next() {
		e, err := scanExam(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *e)
	}
	return list, rows.Err()
}

// Create inserts a new exam. The initial status is derived from the window at now.
func (r *Repository) Create(ctx context.Context, e *models.Exam, now time.Time) error {
	e.Status = lifecycle.Derive(now, e.StartTime, e.EndTime)
	const q = `INSERT INTO exams (name, start_time, end_time, status, default_url, disable_new_tabs, delay_min, monitor_password_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, e.Name, e.StartTime, e.EndTime, string(e.Status), e.DefaultURL, e.DisableNewTabs,
		e.DelayMinutes, e.MonitorPasswordHash).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
}

// GetByID returns an exam by ID.
func (r *Repository) GetByID(ctx context.Context, id int64) (*models.Exam, error) {
	e, err := scanExam(r.pool.QueryRow(ctx, `SELECT `+examColumns+` FROM exams WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// List returns all exams, newest first.
func (r *Repository) List(ctx context.Context) ([]models.Exam, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+examColumns+` FROM exams ORDER BY start_time DESC`)
	if err != nil {
		return nil, err
	}
	return collectExams(rows)
}

// ListForReconcile returns exams that are not completed or that ended at or after since.
// Older completed exams have been swept already and are skipped.
func (r *Repository) ListForReconcile(ctx context.Context, since time.Time) ([]models.Exam, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+examColumns+` FROM exams WHERE status <> 'completed' OR end_time >= $1 ORDER BY id`,
		since)
	if err != nil {
		return nil, err
	}
	return collectExams(rows)
}

// ActiveForStudent returns the running exam the student is enrolled in at now.
func (r *Repository) ActiveForStudent(ctx context.Context, studentID string, now time.Time) (*models.Exam, error) {
	e, err := scanExam(r.pool.QueryRow(ctx,
		`SELECT e.id, e.name, e.start_time, e.end_time, e.status, e.default_url, e.disable_new_tabs, e.delay_min,
		        e.monitor_password_hash, e.created_at, e.updated_at
		 FROM exams e
		 JOIN enrolled_students s ON s.exam_id = e.id
		 WHERE s.student_id = $1 AND e.start_time <= $2 AND e.end_time >= $2
		 ORDER BY e.start_time DESC
		 LIMIT 1`,
		studentID, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// UpdateStatus moves an exam from one status to another. It reports false when
// the stored status was no longer from, which happens when another process won.
func (r *Repository) UpdateStatus(ctx context.Context, id int64, from, to models.ExamStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exams SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("update exam status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Update writes editable fields. Status is left to the lifecycle reconciler.
func (r *Repository) Update(ctx context.Context, e *models.Exam) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exams SET name = $1, start_time = $2, end_time = $3, default_url = $4, disable_new_tabs = $5,
		        delay_min = $6, monitor_password_hash = $7, updated_at = NOW()
		 WHERE id = $8`,
		e.Name, e.StartTime, e.EndTime, e.DefaultURL, e.DisableNewTabs, e.DelayMinutes, e.MonitorPasswordHash, e.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an exam unless it is active at now.
func (r *Repository) Delete(ctx context.Context, id int64, now time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	e, err := scanExam(tx.QueryRow(ctx, `SELECT `+examColumns+` FROM exams WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if lifecycle.Advance(e.Status, now, e.StartTime, e.EndTime).To == models.ExamStatusActive {
		return ErrActive
	}
	if _, err = tx.Exec(ctx, `DELETE FROM exams WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
