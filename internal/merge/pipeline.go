// Package merge consolidates a student's uploaded recording segments into one
// file once the student is done, and schedules that work onto the job queue.
package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/exam-proctor/backend/internal/clock"
	"github.com/exam-proctor/backend/internal/metrics"
	"github.com/exam-proctor/backend/pkg/storage"
)

// ErrEmptyOutput is returned when the concatenation produced no data.
var ErrEmptyOutput = errors.New("merged output is missing or empty")

// Archiver copies a finished artifact to long-term storage.
type Archiver interface {
	ArchiveRecording(ctx context.Context, examID int64, localPath string) (string, error)
}

// Result describes one MergeSegments call. NoOp is true when there was
// nothing to merge. Outputs holds one file per container format found in the
// directory, and Output is the first of them, from the largest group.
type Result struct {
	NoOp       bool
	Output     string
	Outputs    []string
	Segments   int
	Missing    []int
	ArchiveKey string
}

// Pipeline merges the segments found under the data directory layout.
type Pipeline struct {
	layout   storage.Layout
	concat   Concatenator
	archiver Archiver
	clk      clock.Clock
	logger   *zap.Logger
}

// NewPipeline creates a Pipeline. archiver may be nil.
func NewPipeline(layout storage.Layout, concat Concatenator, archiver Archiver, clk clock.Clock, logger *zap.Logger) *Pipeline {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{layout: layout, concat: concat, archiver: archiver, clk: clk, logger: logger}
}

// MergeSegments concatenates every segment in the student's working directory
// into {recordings}/{student_id}_{display_name}_{ts}{ext} and removes the
// directory on success. A missing directory is a successful no-op, so a repeated
// call after success does nothing. On failure the segments are left in place.
func (p *Pipeline) MergeSegments(ctx context.Context, examID int64, studentID, displayName string) (Result, error) {
	if err := storage.ValidateName(studentID); err != nil {
		return Result{}, err
	}
	dir := p.layout.StudentSegmentDir(examID, studentID)
	log := p.logger.With(zap.Int64("exam_id", examID), zap.String("student_id", studentID))

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debug("no segment directory, nothing to merge")
			return Result{NoOp: true}, nil
		}
		return Result{}, fmt.Errorf("read %s: %w", dir, err)
	}

	var segs []Segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if seg, ok := ParseSegment(dir, e.Name()); ok {
			segs = append(segs, seg)
		}
	}
	if len(segs) == 0 {
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("segment directory has no recordings but could not be removed", zap.Error(err))
		} else {
			log.Info("removed empty segment directory")
		}
		return Result{NoOp: true}, nil
	}

	SortSegments(segs)
	missing := MissingSequences(segs)
	if len(missing) > 0 {
		log.Warn("segment sequence has gaps", zap.Ints("missing", missing), zap.Int("segments", len(segs)))
	}

	groups := GroupByExtension(segs)
	if len(groups) > 1 {
		exts := make([]string, len(groups))
		for i, g := range groups {
			exts[i] = g[0].Ext
		}
		log.Warn("segments use mixed containers, merging one file per extension", zap.Strings("extensions", exts))
	}

	now := p.clk.Now()
	res := Result{Missing: missing}
	for _, group := range groups {
		output, err := p.mergeGroup(ctx, examID, studentID, displayName, now, group)
		if err != nil {
			return Result{}, err
		}
		res.Outputs = append(res.Outputs, output)
		res.Segments += len(group)
	}
	res.Output = res.Outputs[0]

	if err := os.RemoveAll(dir); err != nil {
		log.Warn("remove segment directory failed", zap.Error(err))
	}
	log.Info("segments merged", zap.Strings("outputs", res.Outputs), zap.Int("segments", res.Segments))

	if p.archiver != nil {
		for i, output := range res.Outputs {
			key, err := p.archiver.ArchiveRecording(ctx, examID, output)
			if err != nil {
				log.Error("archive merged recording failed", zap.String("output", output), zap.Error(err))
				continue
			}
			if i == 0 {
				res.ArchiveKey = key
			}
		}
	}
	return res, nil
}

// mergeGroup concatenates segments sharing one extension and removes them once
// the output is verified, so a retry after a later group fails does not merge
// them twice.
func (p *Pipeline) mergeGroup(ctx context.Context, examID int64, studentID, displayName string, now time.Time, segs []Segment) (string, error) {
	output := filepath.Join(p.layout.RecordingsDir(examID), OutputFilename(studentID, displayName, now, segs[0].Ext))
	inputs := make([]string, len(segs))
	for i, s := range segs {
		inputs[i] = s.Path
	}

	start := time.Now()
	if err := p.concat.Concat(ctx, inputs, output); err != nil {
		_ = os.Remove(output)
		return "", fmt.Errorf("concat %d segments: %w", len(segs), err)
	}
	metrics.MergeDuration.Observe(time.Since(start).Seconds())

	info, err := os.Stat(output)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(output)
		return "", ErrEmptyOutput
	}
	for _, in := range inputs {
		if err := os.Remove(in); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("remove merged segment failed", zap.String("path", in), zap.Error(err))
		}
	}
	return output, nil
}
