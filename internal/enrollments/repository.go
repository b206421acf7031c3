package enrollments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/exam-proctor/backend/internal/models"
)

// ErrNotFound is returned when a student has no enrollment row for the exam.
var ErrNotFound = errors.New("enrollment not found")

// Change describes a conditional status transition and the history row it appends.
type Change struct {
	From   []models.StudentStatus
	To     models.StudentStatus
	Action models.HistoryAction
	At     time.Time
	IP     string
	Reason string
}

func (c Change) allows(s models.StudentStatus) bool {
	for _, f := range c.From {
		if f == s {
			return true
		}
	}
	return false
}

// Repository handles enrolled_students and login_history.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an enrollment repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const enrollmentColumns = `id, exam_id, student_id, student_name, status, last_active, created_at`

func scanEnrollment(row pgx.Row) (*models.EnrolledStudent, error) {
	var e models.EnrolledStudent
	var status string
	if err := row.Scan(&e.ID, &e.ExamID, &e.StudentID, &e.StudentName, &status, &e.LastActive, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Status = models.StudentStatus(status)
	return &e, nil
}

// Transition applies c to one enrollment under a row lock. The status update and
// the history insert commit together; when the current status is not in c.From
// nothing is written. Returns the status held before the call.
func (r *Repository) Transition(ctx context.Context, examID int64, studentID string, c Change) (prev models.StudentStatus, changed bool, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var id int64
	var status string
	err = tx.QueryRow(ctx,
		`SELECT id, status FROM enrolled_students WHERE exam_id = $1 AND student_id = $2 FOR UPDATE`,
		examID, studentID).Scan(&id, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, ErrNotFound
		}
		return "", false, fmt.Errorf("lock enrollment: %w", err)
	}
	prev = models.StudentStatus(status)
	if !c.allows(prev) {
		return prev, false, tx.Commit(ctx)
	}

	if _, err = tx.Exec(ctx,
		`UPDATE enrolled_students
		 SET status = $1, last_active = CASE WHEN $1 = 'online' THEN $2 ELSE last_active END
		 WHERE id = $3`,
		string(c.To), c.At, id); err != nil {
		return prev, false, fmt.Errorf("update status: %w", err)
	}
	if err = insertHistory(ctx, tx, id, c.Action, c.At, c.IP, c.Reason); err != nil {
		return prev, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return prev, false, fmt.Errorf("commit: %w", err)
	}
	return prev, true, nil
}

// RecordLogin marks the enrollment online, refreshes the display name and appends
// a login history row. Unlike Transition it accepts any prior status, so a student
// who logged out may log back in while the exam is running.
func (r *Repository) RecordLogin(ctx context.Context, examID int64, studentID, name, ip string, at time.Time) (*models.EnrolledStudent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	e, err := scanEnrollment(tx.QueryRow(ctx,
		`UPDATE enrolled_students
		 SET status = 'online', last_active = $3,
		     student_name = CASE WHEN $4 = '' THEN student_name ELSE $4 END
		 WHERE exam_id = $1 AND student_id = $2
		 RETURNING `+enrollmentColumns,
		examID, studentID, at, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("login update: %w", err)
	}
	if err = insertHistory(ctx, tx, e.ID, models.HistoryLogin, at, ip, ""); err != nil {
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return e, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, enrollmentID int64, action models.HistoryAction, at time.Time, ip, reason string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO login_history (enrolled_student_id, action, occurred_at, source_ip, reason)
		 VALUES ($1, $2, $3, $4, $5)`,
		enrollmentID, string(action), at, ip, reason)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// StudentStatus returns the durable status of one enrollment.
func (r *Repository) StudentStatus(ctx context.Context, examID int64, studentID string) (models.StudentStatus, error) {
	var status string
	err := r.pool.QueryRow(ctx,
		`SELECT status FROM enrolled_students WHERE exam_id = $1 AND student_id = $2`,
		examID, studentID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("select status: %w", err)
	}
	return models.StudentStatus(status), nil
}

// Get returns one enrollment.
func (r *Repository) Get(ctx context.Context, examID int64, studentID string) (*models.EnrolledStudent, error) {
	e, err := scanEnrollment(r.pool.QueryRow(ctx,
		`SELECT `+enrollmentColumns+` FROM enrolled_students WHERE exam_id = $1 AND student_id = $2`,
		examID, studentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// ListByExam returns every enrollment of an exam ordered by student ID.
func (r *Repository) ListByExam(ctx context.Context, examID int64) ([]models.EnrolledStudent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+enrollmentColumns+` FROM enrolled_students WHERE exam_id = $1 ORDER BY student_id`,
		examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.EnrolledStudent
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *e)
	}
	return list, rows.Err()
}

// StudentIDsWithStatus returns the student IDs of an exam currently in status.
func (r *Repository) StudentIDsWithStatus(ctx context.Context, examID int64, status models.StudentStatus) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT student_id FROM enrolled_students WHERE exam_id = $1 AND status = $2 ORDER BY student_id`,
		examID, string(status))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// History returns the login history of one enrollment, oldest first.
func (r *Repository) History(ctx context.Context, examID int64, studentID string) ([]models.LoginHistoryEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT h.id, h.enrolled_student_id, h.action, h.occurred_at, h.source_ip, h.reason
		 FROM login_history h
		 JOIN enrolled_students e ON e.id = h.enrolled_student_id
		 WHERE e.exam_id = $1 AND e.student_id = $2
		 ORDER BY h.occurred_at, h.id`,
		examID, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.LoginHistoryEvent
	for rows.Next() {
		var ev models.LoginHistoryEvent
		var action string
		if err := rows.Scan(&ev.ID, &ev.EnrolledStudentID, &action, &ev.Timestamp, &ev.SourceIP, &ev.Reason); err != nil {
			return nil, err
		}
		ev.Action = models.HistoryAction(action)
		list = append(list, ev)
	}
	return list, rows.Err()
}

// Import enrolls students in an exam. Existing enrollments keep their status and
// only have their name refreshed. Returns the number of newly created rows.
func (r *Repository) Import(ctx context.Context, examID int64, students []models.StudentImport) (int, error) {
	if len(students) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, s := range students {
		batch.Queue(
			`INSERT INTO enrolled_students (exam_id, student_id, student_name)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (student_id, exam_id) DO UPDATE SET student_name = EXCLUDED.student_name
			 RETURNING (xmax = 0)`,
			examID, s.StudentID, s.StudentName)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	created := 0
	for range students {
		var inserted bool
		if err := br.QueryRow().Scan(&inserted); err != nil {
			return created, fmt.Errorf("import student: %w", err)
		}
		if inserted {
			created++
		}
	}
	return created, nil
}

// Delete removes one enrollment together with its history.
func (r *Repository) Delete(ctx context.Context, examID int64, studentID string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM enrolled_students WHERE exam_id = $1 AND student_id = $2`,
		examID, studentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
