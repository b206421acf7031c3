package models

import (
	"time"
)

// MergedRecording is one consolidated screen recording for a student.
type MergedRecording struct {
	ExamID      int64     `json:"exam_id"`
	StudentID   string    `json:"student_id"`
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	ModifiedAt  time.Time `json:"modified_at"`
	DownloadURL string    `json:"download_url,omitempty"`
}
