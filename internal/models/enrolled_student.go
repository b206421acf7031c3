package models

import (
	"time"
)

// StudentStatus is the durable presence state of a student within one exam.
type StudentStatus string

const (
	StudentStatusPending StudentStatus = "pending"
	StudentStatusOnline  StudentStatus = "online"
	StudentStatusOffline StudentStatus = "offline"
	StudentStatusLogout  StudentStatus = "logout"
)

// EnrolledStudent is one student's enrollment row for one exam.
type EnrolledStudent struct {
	ID          int64         `json:"id"`
	ExamID      int64         `json:"exam_id"`
	StudentID   string        `json:"student_id"`
	StudentName string        `json:"student_name"`
	Status      StudentStatus `json:"status"`
	LastActive  *time.Time    `json:"last_active,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// StudentImport is one row of a roster import.
type StudentImport struct {
	StudentID   string `json:"student_id" binding:"required"`
	StudentName string `json:"student_name" binding:"required"`
}
