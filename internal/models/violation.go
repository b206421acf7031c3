package models

import (
	"time"
)

// Violation is a client-reported rule breach with an attached screenshot.
type Violation struct {
	ID             int64     `json:"id"`
	ExamID         int64     `json:"exam_id"`
	StudentID      string    `json:"student_id"`
	Username       string    `json:"username"`
	Reason         string    `json:"reason"`
	ScreenshotPath string    `json:"screenshot_path"`
	SourceIP       string    `json:"ip"`
	OccurredAt     time.Time `json:"timestamp"`
	CreatedAt      time.Time `json:"created_at"`
}
