package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	dirRecordings  = "recordings"
	dirScreenshots = "screenshots"
	dirViolations  = "violations"
)

// ErrUnsafeName is returned for path components that could escape the data directory.
var ErrUnsafeName = errors.New("unsafe path component")

// ErrEmptyUpload is returned when an upload wrote zero bytes.
var ErrEmptyUpload = errors.New("empty upload")

// Layout resolves the on-disk layout under the data directory:
//
//	{root}/{exam_id}/recordings/{student_id}/   working segments
//	{root}/{exam_id}/recordings/                merged artifacts
//	{root}/{exam_id}/screenshots/{student_id}/
//	{root}/{exam_id}/violations/
type Layout struct {
	Root string
}

// NewLayout returns a Layout rooted at root.
func NewLayout(root string) Layout {
	return Layout{Root: filepath.Clean(root)}
}

// ExamDir returns {root}/{exam_id}.
func (l Layout) ExamDir(examID int64) string {
	return filepath.Join(l.Root, strconv.FormatInt(examID, 10))
}

// RecordingsDir returns the directory that holds merged artifacts for an exam.
func (l Layout) RecordingsDir(examID int64) string {
	return filepath.Join(l.ExamDir(examID), dirRecordings)
}

// StudentSegmentDir returns the working directory for a student's uploaded segments.
func (l Layout) StudentSegmentDir(examID int64, studentID string) string {
	return filepath.Join(l.RecordingsDir(examID), studentID)
}

// ScreenshotDir returns the periodic screenshot directory for a student.
func (l Layout) ScreenshotDir(examID int64, studentID string) string {
	return filepath.Join(l.ExamDir(examID), dirScreenshots, studentID)
}

// ViolationsDir returns the violation screenshot directory for an exam.
func (l Layout) ViolationsDir(examID int64) string {
	return filepath.Join(l.ExamDir(examID), dirViolations)
}

// Rel returns p relative to the root, for storing in the database.
func (l Layout) Rel(p string) string {
	rel, err := filepath.Rel(l.Root, p)
	if err != nil {
		return p
	}
	return filepath.ToSlash(rel)
}

// ValidateName rejects empty names and names containing separators or "..".
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	return nil
}

// DirExists reports whether dir exists and is a directory.
func DirExists(dir string) (bool, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// SaveStream copies r into dir/filename, creating dir as needed. The data is
// written to a temporary file first and renamed into place, so readers never
// observe a partial file. Returns the number of bytes written.
func SaveStream(dir, filename string, r io.Reader) (int64, error) {
	if err := ValidateName(filename); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	n, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if copyErr == nil && closeErr == nil && n == 0 {
		copyErr = ErrEmptyUpload
	}
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmpName)
		if copyErr != nil {
			return 0, fmt.Errorf("write %s: %w", filename, copyErr)
		}
		return 0, fmt.Errorf("close %s: %w", filename, closeErr)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, filename)); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("rename %s: %w", filename, err)
	}
	return n, nil
}
