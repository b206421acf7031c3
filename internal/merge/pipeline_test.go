package merge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/exam-proctor/backend/internal/clock"
	"github.com/exam-proctor/backend/pkg/storage"
)

// catConcat writes the inputs' contents, in order, to output.
type catConcat struct {
	calls int
	err   error
}

func (c *catConcat) Concat(_ context.Context, inputs []string, output string) error {
	c.calls++
	if c.err != nil {
		return c.err
	}
	var b strings.Builder
	for _, in := range inputs {
		data, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		b.Write(data)
	}
	return os.WriteFile(output, []byte(b.String()), 0o644)
}

type fakeArchiver struct{ paths []string }

func (f *fakeArchiver) ArchiveRecording(_ context.Context, examID int64, p string) (string, error) {
	f.paths = append(f.paths, p)
	return storage.RecordingKey(examID, p), nil
}

var mergeNow = time.Date(2024, 5, 1, 10, 45, 0, 0, time.UTC)

func setup(t *testing.T, files map[string]string) (*Pipeline, *catConcat, storage.Layout) {
	t.Helper()
	layout := storage.NewLayout(t.TempDir())
	dir := layout.StudentSegmentDir(5, "s1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	cc := &catConcat{}
	return NewPipeline(layout, cc, nil, clock.NewFake(mergeNow), zaptest.NewLogger(t)), cc, layout
}

func TestMergeSegmentsOrdersAndCleansUp(t *testing.T) {
	p, _, layout := setup(t, map[string]string{
		"s1_20240501_090000_seq_0002.webm": "B",
		"s1_20240501_090500_seq_0001.webm": "A",
		"s1_20240501_091000_seq_0004.webm": "D",
		"notes.txt":                        "ignored",
	})
	res, err := p.MergeSegments(context.Background(), 5, "s1", "Ann")
	require.NoError(t, err)

	assert.False(t, res.NoOp)
	assert.Equal(t, 3, res.Segments)
	assert.Equal(t, []int{3}, res.Missing)
	assert.Equal(t, filepath.Join(layout.RecordingsDir(5), "s1_Ann_20240501_104500.webm"), res.Output)

	data, err := os.ReadFile(res.Output)
	require.NoError(t, err)
	assert.Equal(t, "ABD", string(data))

	_, err = os.Stat(layout.StudentSegmentDir(5, "s1"))
	assert.True(t, os.IsNotExist(err))
}

func TestMergeSegmentsIsIdempotent(t *testing.T) {
	p, cc, layout := setup(t, map[string]string{"s1_20240501_090000_seq_0001.mp4": "A"})
	ctx := context.Background()

	first, err := p.MergeSegments(ctx, 5, "s1", "Ann")
	require.NoError(t, err)
	second, err := p.MergeSegments(ctx, 5, "s1", "Ann")
	require.NoError(t, err)

	assert.False(t, first.NoOp)
	assert.True(t, second.NoOp)
	assert.Equal(t, 1, cc.calls)

	entries, err := os.ReadDir(layout.RecordingsDir(5))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMergeSegmentsEmptyDirectory(t *testing.T) {
	p, cc, layout := setup(t, nil)
	res, err := p.MergeSegments(context.Background(), 5, "s1", "Ann")
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Zero(t, cc.calls)
	_, err = os.Stat(layout.StudentSegmentDir(5, "s1"))
	assert.True(t, os.IsNotExist(err))
}

func TestMergeSegmentsFailureKeepsSegments(t *testing.T) {
	p, cc, layout := setup(t, map[string]string{"s1_20240501_090000_seq_0001.mp4": "A"})
	cc.err = errors.New("exit status 1")

	_, err := p.MergeSegments(context.Background(), 5, "s1", "Ann")
	require.Error(t, err)

	entries, err := os.ReadDir(layout.StudentSegmentDir(5, "s1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	recs, err := os.ReadDir(layout.RecordingsDir(5))
	require.NoError(t, err)
	assert.Len(t, recs, 1, "only the student directory remains")
}

func TestMergeSegmentsRejectsEmptyOutput(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	dir := layout.StudentSegmentDir(5, "s1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "s1_20240501_090000.mp4"), nil, 0o644))
	p := NewPipeline(layout, &catConcat{}, nil, clock.NewFake(mergeNow), zaptest.NewLogger(t))

	_, err := p.MergeSegments(context.Background(), 5, "s1", "Ann")
	assert.ErrorIs(t, err, ErrEmptyOutput)
	_, statErr := os.Stat(dir)
	assert.NoError(t, statErr)
}

func TestMergeSegmentsArchives(t *testing.T) {
	p, _, _ := setup(t, map[string]string{"s1_20240501_090000.mp4": "A"})
	arch := &fakeArchiver{}
	p.archiver = arch

	res, err := p.MergeSegments(context.Background(), 5, "s1", "Ann")
	require.NoError(t, err)
	assert.Equal(t, []string{res.Output}, arch.paths)
	assert.Equal(t, "recordings/5/s1_Ann_20240501_104500.mp4", res.ArchiveKey)
}

func TestMergeSegmentsRejectsTraversal(t *testing.T) {
	p, _, _ := setup(t, nil)
	_, err := p.MergeSegments(context.Background(), 5, "../x", "Ann")
	assert.ErrorIs(t, err, storage.ErrUnsafeName)
}

func TestMergeSegmentsSplitsMixedContainers(t *testing.T) {
	p, cc, layout := setup(t, map[string]string{
		"s1_20240501_090000_seq_0001.webm": "A",
		"s1_20240501_090500_seq_0002.mp4":  "B",
		"s1_20240501_091000_seq_0003.webm": "C",
	})
	arch := &fakeArchiver{}
	p.archiver = arch

	res, err := p.MergeSegments(context.Background(), 5, "s1", "Ann")
	require.NoError(t, err)

	webm := filepath.Join(layout.RecordingsDir(5), "s1_Ann_20240501_104500.webm")
	mp4 := filepath.Join(layout.RecordingsDir(5), "s1_Ann_20240501_104500.mp4")
	assert.Equal(t, 2, cc.calls)
	assert.Equal(t, 3, res.Segments)
	assert.Equal(t, webm, res.Output)
	assert.Equal(t, []string{webm, mp4}, res.Outputs)
	assert.Equal(t, []string{webm, mp4}, arch.paths)

	data, err := os.ReadFile(webm)
	require.NoError(t, err)
	assert.Equal(t, "AC", string(data))
	data, err = os.ReadFile(mp4)
	require.NoError(t, err)
	assert.Equal(t, "B", string(data))

	_, err = os.Stat(layout.StudentSegmentDir(5, "s1"))
	assert.True(t, os.IsNotExist(err))
}

// failSecond fails every concatenation after the first.
type failSecond struct{ catConcat }

func (f *failSecond) Concat(ctx context.Context, inputs []string, output string) error {
	if f.calls >= 1 {
		f.calls++
		return errors.New("exit status 1")
	}
	return f.catConcat.Concat(ctx, inputs, output)
}

func TestMergeSegmentsMixedContainersRetryOnlyRemainingGroup(t *testing.T) {
	_, _, layout := setup(t, map[string]string{
		"s1_20240501_090000_seq_0001.webm": "A",
		"s1_20240501_090500_seq_0002.webm": "B",
		"s1_20240501_091000_seq_0003.mp4":  "C",
	})
	p := NewPipeline(layout, &failSecond{}, nil, clock.NewFake(mergeNow), zaptest.NewLogger(t))

	_, err := p.MergeSegments(context.Background(), 5, "s1", "Ann")
	require.Error(t, err)

	left, err := os.ReadDir(layout.StudentSegmentDir(5, "s1"))
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "s1_20240501_091000_seq_0003.mp4", left[0].Name())
}
