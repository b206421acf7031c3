// Package presencetest provides an in-memory durable store for tests.
package presencetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/exam-proctor/backend/internal/enrollments"
	"github.com/exam-proctor/backend/internal/models"
)

type key struct {
	exam    int64
	student string
}

// Store is an in-memory stand-in for the enrollments repository.
type Store struct {
	mu      sync.Mutex
	nextID  int64
	rows    map[key]*models.EnrolledStudent
	history map[int64][]models.LoginHistoryEvent
	locks   int
	// Err, when set, is returned by every call.
	Err error
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		rows:    make(map[key]*models.EnrolledStudent),
		history: make(map[int64][]models.LoginHistoryEvent),
	}
}

// Enroll adds a pending enrollment.
func (s *Store) Enroll(examID int64, studentID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.rows[key{examID, studentID}] = &models.EnrolledStudent{
		ID:          s.nextID,
		ExamID:      examID,
		StudentID:   studentID,
		StudentName: name,
		Status:      models.StudentStatusPending,
	}
}

func (s *Store) appendHistory(id int64, action models.HistoryAction, at time.Time, ip, reason string) {
	h := s.history[id]
	h = append(h, models.LoginHistoryEvent{
		ID:                int64(len(h) + 1),
		EnrolledStudentID: id,
		Action:            action,
		Timestamp:         at,
		SourceIP:          ip,
		Reason:            reason,
	})
	s.history[id] = h
}

// Transition implements presence.DurableStore.
func (s *Store) Transition(_ context.Context, examID int64, studentID string, c enrollments.Change) (models.StudentStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks++
	if s.Err != nil {
		return "", false, s.Err
	}
	row, ok := s.rows[key{examID, studentID}]
	if !ok {
		return "", false, enrollments.ErrNotFound
	}
	prev := row.Status
	allowed := false
	for _, f := range c.From {
		if f == prev {
			allowed = true
		}
	}
	if !allowed {
		return prev, false, nil
	}
	row.Status = c.To
	if c.To == models.StudentStatusOnline {
		at := c.At
		row.LastActive = &at
	}
	s.appendHistory(row.ID, c.Action, c.At, c.IP, c.Reason)
	return prev, true, nil
}

// StudentStatus implements presence.DurableStore.
func (s *Store) StudentStatus(_ context.Context, examID int64, studentID string) (models.StudentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	row, ok := s.rows[key{examID, studentID}]
	if !ok {
		return "", enrollments.ErrNotFound
	}
	return row.Status, nil
}

// RecordLogin implements presence.DurableStore.
func (s *Store) RecordLogin(_ context.Context, examID int64, studentID, name, ip string, at time.Time) (*models.EnrolledStudent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	row, ok := s.rows[key{examID, studentID}]
	if !ok {
		return nil, enrollments.ErrNotFound
	}
	row.Status = models.StudentStatusOnline
	row.LastActive = &at
	if name != "" {
		row.StudentName = name
	}
	s.appendHistory(row.ID, models.HistoryLogin, at, ip, "")
	cp := *row
	return &cp, nil
}

// ListByExam returns the enrollments of an exam ordered by student ID.
func (s *Store) ListByExam(_ context.Context, examID int64) ([]models.EnrolledStudent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []models.EnrolledStudent
	for k, row := range s.rows {
		if k.exam == examID {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

// StudentIDsWithStatus returns the student IDs of an exam in status.
func (s *Store) StudentIDsWithStatus(ctx context.Context, examID int64, status models.StudentStatus) ([]string, error) {
	rows, err := s.ListByExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, r := range rows {
		if r.Status == status {
			ids = append(ids, r.StudentID)
		}
	}
	return ids, nil
}

// Status returns the current status, or "" for unknown students.
func (s *Store) Status(examID int64, studentID string) models.StudentStatus {
	st, _ := s.StudentStatus(context.Background(), examID, studentID)
	return st
}

// History returns the history rows of one enrollment.
func (s *Store) History(examID int64, studentID string) []models.LoginHistoryEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[key{examID, studentID}]
	if !ok {
		return nil
	}
	return append([]models.LoginHistoryEvent(nil), s.history[row.ID]...)
}

// Actions returns the history actions of one enrollment in order.
func (s *Store) Actions(examID int64, studentID string) []models.HistoryAction {
	var out []models.HistoryAction
	for _, ev := range s.History(examID, studentID) {
		out = append(out, ev.Action)
	}
	return out
}

// Remove deletes an enrollment and its history. It reports whether a row existed.
func (s *Store) Remove(examID int64, studentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[key{examID, studentID}]
	if !ok {
		return false
	}
	delete(s.history, row.ID)
	delete(s.rows, key{examID, studentID})
	return true
}

// Transitions returns how many locking transitions were attempted.
func (s *Store) Transitions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locks
}
