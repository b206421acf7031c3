// Package recordings lists, serves and removes merged screen recordings.
package recordings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/exam-proctor/backend/internal/models"
	"github.com/exam-proctor/backend/pkg/storage"
)

// ErrNotFound is returned for a recording that does not exist.
var ErrNotFound = errors.New("recording not found")

// Archive is the optional long-term store for merged recordings.
type Archive interface {
	PresignRecording(ctx context.Context, examID int64, filename string) (string, error)
	DeleteRecording(ctx context.Context, examID int64, filename string) error
}

// Catalog reads merged artifacts from the exam recordings directory.
type Catalog struct {
	layout  storage.Layout
	archive Archive
	logger  *zap.Logger
}

// NewCatalog creates a Catalog. archive may be nil.
func NewCatalog(layout storage.Layout, archive Archive, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{layout: layout, archive: archive, logger: logger}
}

// Archived reports whether recordings are also kept in object storage.
func (c *Catalog) Archived() bool { return c.archive != nil }

// List returns the merged recordings of an exam, newest first. Student
// working directories are skipped. studentIDs attributes each file to the
// longest enrolled ID it starts with.
func (c *Catalog) List(examID int64, studentIDs []string) ([]models.MergedRecording, error) {
	entries, err := os.ReadDir(c.layout.RecordingsDir(examID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []models.MergedRecording{}, nil
		}
		return nil, fmt.Errorf("read recordings: %w", err)
	}
	ids := append([]string(nil), studentIDs...)
	sort.Slice(ids, func(i, j int) bool { return len(ids[i]) > len(ids[j]) })

	list := make([]models.MergedRecording, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !storage.IsVideoExtension(filepath.Ext(e.Name())) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		rec := models.MergedRecording{
			ExamID:     examID,
			Filename:   e.Name(),
			Size:       info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		}
		for _, id := range ids {
			if strings.HasPrefix(e.Name(), id+"_") {
				rec.StudentID = id
				break
			}
		}
		list = append(list, rec)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ModifiedAt.After(list[j].ModifiedAt) })
	return list, nil
}

// Path returns the local path of a merged recording.
func (c *Catalog) Path(examID int64, filename string) (string, error) {
	if err := storage.ValidateName(filename); err != nil {
		return "", err
	}
	p := filepath.Join(c.layout.RecordingsDir(examID), filename)
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return "", ErrNotFound
	}
	return p, nil
}

// DownloadURL returns a presigned archive URL, or "" when there is no archive.
func (c *Catalog) DownloadURL(ctx context.Context, examID int64, filename string) (string, error) {
	if c.archive == nil {
		return "", nil
	}
	if err := storage.ValidateName(filename); err != nil {
		return "", err
	}
	return c.archive.PresignRecording(ctx, examID, filename)
}

// Delete removes a merged recording locally and from the archive.
func (c *Catalog) Delete(ctx context.Context, examID int64, filename string) error {
	p, err := c.Path(examID, filename)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("remove %s: %w", filename, err)
	}
	if c.archive != nil {
		if err := c.archive.DeleteRecording(ctx, examID, filename); err != nil {
			c.logger.Warn("delete archived recording failed",
				zap.Int64("exam_id", examID), zap.String("filename", filename), zap.Error(err))
		}
	}
	return nil
}
