package models

import (
	"time"
)

// ExamStatus is the lifecycle state of an exam window.
type ExamStatus string

const (
	ExamStatusPending   ExamStatus = "pending"
	ExamStatusActive    ExamStatus = "active"
	ExamStatusCompleted ExamStatus = "completed"
)

// Exam is a proctored exam with a fixed time window.
type Exam struct {
	ID                  int64      `json:"id"`
	Name                string     `json:"name"`
	StartTime           time.Time  `json:"start_time"`
	EndTime             time.Time  `json:"end_time"`
	Status              ExamStatus `json:"status"`
	DefaultURL          string     `json:"default_url,omitempty"`
	DisableNewTabs      bool       `json:"disable_new_tabs"`
	DelayMinutes        int        `json:"delay_min"`
	MonitorPasswordHash string     `json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// ExamSummary is the subset of an exam returned to a student client on login.
type ExamSummary struct {
	ExamID         int64     `json:"exam_id"`
	ExamName       string    `json:"exam_name"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	DefaultURL     string    `json:"default_url,omitempty"`
	DelayMinutes   int       `json:"delay_min"`
	DisableNewTabs bool      `json:"disable_new_tabs"`
}

// Summary converts an Exam to the client-facing summary.
func (e *Exam) Summary() ExamSummary {
	return ExamSummary{
		ExamID:         e.ID,
		ExamName:       e.Name,
		StartTime:      e.StartTime,
		EndTime:        e.EndTime,
		DefaultURL:     e.DefaultURL,
		DelayMinutes:   e.DelayMinutes,
		DisableNewTabs: e.DisableNewTabs,
	}
}
