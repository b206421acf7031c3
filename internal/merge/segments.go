package merge

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/exam-proctor/backend/pkg/storage"
)

// TimestampLayout is the timestamp embedded in segment and artifact names.
const TimestampLayout = "20060102_150405"

var segmentPattern = regexp.MustCompile(`^(.+)_(\d{8}_\d{6})(?:_seq_(\d+))?$`)

// Segment is one uploaded recording file in a student's working directory.
type Segment struct {
	Name      string
	Path      string
	Ext       string
	Timestamp time.Time
	HasTime   bool
	Seq       int
	HasSeq    bool
}

// ParseSegment interprets a file name of the form
// {student_id}_{YYYYmmdd_HHMMSS}[_seq_{NNNN}]{ext}. ok is false for files that
// are not recordings. Recordings whose name does not follow the pattern are
// still returned and sort by name after all others.
func ParseSegment(dir, name string) (Segment, bool) {
	ext := filepath.Ext(name)
	if !storage.IsVideoExtension(ext) || strings.HasPrefix(name, ".") {
		return Segment{}, false
	}
	seg := Segment{Name: name, Path: filepath.Join(dir, name), Ext: ext}
	m := segmentPattern.FindStringSubmatch(strings.TrimSuffix(name, ext))
	if m == nil {
		return seg, true
	}
	if ts, err := time.Parse(TimestampLayout, m[2]); err == nil {
		seg.Timestamp = ts
		seg.HasTime = true
	}
	if m[3] != "" {
		if n, err := strconv.Atoi(m[3]); err == nil {
			seg.Seq = n
			seg.HasSeq = true
		}
	}
	return seg, true
}

func (s Segment) group() int {
	switch {
	case s.HasSeq:
		return 0
	case s.HasTime:
		return 1
	default:
		return 2
	}
}

// SortSegments orders segments for concatenation: sequence-numbered segments
// first by number, then timestamped ones by time, then the rest by name.
func SortSegments(segs []Segment) {
	sort.SliceStable(segs, func(i, j int) bool {
		a, b := segs[i], segs[j]
		if ga, gb := a.group(), b.group(); ga != gb {
			return ga < gb
		}
		switch a.group() {
		case 0:
			if a.Seq != b.Seq {
				return a.Seq < b.Seq
			}
		case 1:
			if !a.Timestamp.Equal(b.Timestamp) {
				return a.Timestamp.Before(b.Timestamp)
			}
		}
		return a.Name < b.Name
	})
}

// GroupByExtension splits sorted segments into one group per container
// format, keeping order within each group. The largest group comes first;
// ties keep the order in which the extensions first appear.
func GroupByExtension(segs []Segment) [][]Segment {
	index := make(map[string]int)
	var groups [][]Segment
	for _, s := range segs {
		ext := strings.ToLower(s.Ext)
		i, ok := index[ext]
		if !ok {
			i = len(groups)
			index[ext] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], s)
	}
	sort.SliceStable(groups, func(i, j int) bool { return len(groups[i]) > len(groups[j]) })
	return groups
}

// MissingSequences returns the numbers absent from 1..max over the
// sequence-numbered segments.
func MissingSequences(segs []Segment) []int {
	seen := make(map[int]bool)
	max := 0
	for _, s := range segs {
		if !s.HasSeq {
			continue
		}
		seen[s.Seq] = true
		if s.Seq > max {
			max = s.Seq
		}
	}
	var missing []int
	for n := 1; n <= max; n++ {
		if !seen[n] {
			missing = append(missing, n)
		}
	}
	return missing
}

// SegmentFilename builds the stored name of an uploaded segment. seq <= 0 omits the sequence.
func SegmentFilename(studentID string, ts time.Time, seq int, ext string) string {
	if seq > 0 {
		return fmt.Sprintf("%s_%s_seq_%04d%s", studentID, ts.Format(TimestampLayout), seq, ext)
	}
	return fmt.Sprintf("%s_%s%s", studentID, ts.Format(TimestampLayout), ext)
}

// OutputFilename builds the merged artifact name {student_id}_{display_name}_{ts}{ext}.
func OutputFilename(studentID, displayName string, ts time.Time, ext string) string {
	name := sanitizeName(displayName)
	if name == "" {
		name = "student"
	}
	return fmt.Sprintf("%s_%s_%s%s", studentID, name, ts.Format(TimestampLayout), ext)
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
