// Package lifecycle derives an exam's status from wall-clock time.
//
// Status only moves forward: pending -> active -> completed. A stored status
// is never regressed even if an administrator later widens the window.
package lifecycle

import (
	"time"

	"github.com/exam-proctor/backend/internal/models"
)

// DefaultGracePeriod is how long after an exam ends before recordings are consolidated.
const DefaultGracePeriod = 30 * time.Minute

var rank = map[models.ExamStatus]int{
	models.ExamStatusPending:   0,
	models.ExamStatusActive:    1,
	models.ExamStatusCompleted: 2,
}

// Derive returns the status an exam window should have at now.
// Both bounds are inclusive for the active state.
func Derive(now, start, end time.Time) models.ExamStatus {
	switch {
	case now.Before(start):
		return models.ExamStatusPending
	case now.After(end):
		return models.ExamStatusCompleted
	default:
		return models.ExamStatusActive
	}
}

// Transition is the result of evaluating one exam at one instant.
type Transition struct {
	From models.ExamStatus
	To   models.ExamStatus
}

// Changed reports whether the stored status must be updated.
func (t Transition) Changed() bool { return t.From != t.To }

// Completed reports whether this evaluation moved the exam into completed.
// A jump straight from pending counts: students may have been online while
// the stored status lagged behind the clock.
func (t Transition) Completed() bool {
	return t.To == models.ExamStatusCompleted && t.From != models.ExamStatusCompleted
}

// Advance evaluates the exam at now without ever regressing the stored status.
func Advance(stored models.ExamStatus, now, start, end time.Time) Transition {
	derived := Derive(now, start, end)
	if r, ok := rank[stored]; ok && r > rank[derived] {
		derived = stored
	}
	return Transition{From: stored, To: derived}
}

// PastGrace reports whether a completed exam ended more than grace ago.
func PastGrace(now, end time.Time, grace time.Duration) bool {
	return now.Sub(end) >= grace
}
