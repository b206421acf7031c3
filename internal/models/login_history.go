package models

import (
	"time"
)

// HistoryAction is the kind of connectivity event recorded in the audit trail.
type HistoryAction string

const (
	HistoryLogin   HistoryAction = "login"
	HistoryOnline  HistoryAction = "online"
	HistoryOffline HistoryAction = "offline"
	HistoryLogout  HistoryAction = "logout"
)

// LoginHistoryEvent is an append-only audit row for one enrolled student.
type LoginHistoryEvent struct {
	ID                int64         `json:"id"`
	EnrolledStudentID int64         `json:"enrolled_student_id"`
	Action            HistoryAction `json:"action"`
	Timestamp         time.Time     `json:"timestamp"`
	SourceIP          string        `json:"source_ip"`
	Reason            string        `json:"reason,omitempty"`
}
