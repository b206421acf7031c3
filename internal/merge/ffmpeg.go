package merge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds one concatenation.
const DefaultTimeout = 30 * time.Minute

// ErrTimeout is returned when ffmpeg is killed for exceeding its time limit.
var ErrTimeout = errors.New("ffmpeg timed out")

// Concatenator joins input files, in order, into output.
type Concatenator interface {
	Concat(ctx context.Context, inputs []string, output string) error
}

// FFmpeg concatenates with the concat demuxer and stream copy, so segments
// must share codecs.
type FFmpeg struct {
	Path    string
	Timeout time.Duration
	log     *zap.Logger
}

// NewFFmpeg returns an FFmpeg concatenator. path defaults to "ffmpeg" on $PATH.
func NewFFmpeg(path string, timeout time.Duration, log *zap.Logger) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FFmpeg{Path: path, Timeout: timeout, log: log}
}

// concatList renders the demuxer input list with single quotes escaped.
func concatList(inputs []string) (string, error) {
	var b strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return "", err
		}
		abs = strings.ReplaceAll(filepath.ToSlash(abs), "'", `'\''`)
		fmt.Fprintf(&b, "file '%s'\n", abs)
	}
	return b.String(), nil
}

// Concat implements Concatenator. The subprocess is interrupted, then killed,
// when the timeout or ctx expires.
func (f *FFmpeg) Concat(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return errors.New("no inputs")
	}
	list, err := concatList(inputs)
	if err != nil {
		return fmt.Errorf("build concat list: %w", err)
	}
	listFile, err := os.CreateTemp("", "concat-*.txt")
	if err != nil {
		return fmt.Errorf("create concat list: %w", err)
	}
	defer os.Remove(listFile.Name())
	if _, err := listFile.WriteString(list); err != nil {
		listFile.Close()
		return fmt.Errorf("write concat list: %w", err)
	}
	if err := listFile.Close(); err != nil {
		return fmt.Errorf("close concat list: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.Path,
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile.Name(),
		"-c", "copy",
		output,
	)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 10 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	f.log.Info("running ffmpeg concat", zap.Int("inputs", len(inputs)), zap.String("output", output))
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrTimeout, f.Timeout)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, tail(stderr.String(), 2048))
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
