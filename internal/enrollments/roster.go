package enrollments

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/exam-proctor/backend/internal/models"
	"github.com/exam-proctor/backend/pkg/storage"
)

// ErrEmptyRoster is returned when an import carries no students.
var ErrEmptyRoster = errors.New("roster is empty")

// RowError describes one rejected roster line.
type RowError struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

// ParseRoster reads a student_id,student_name CSV. A header row is optional;
// ';' is accepted as the delimiter when the first line has no commas.
// Duplicate IDs keep the last name seen.
func ParseRoster(r io.Reader) ([]models.StudentImport, []RowError, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read roster: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil, ErrEmptyRoster
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	firstLine, _, _ := bytes.Cut(data, []byte("\n"))
	if bytes.Contains(firstLine, []byte(";")) && !bytes.Contains(firstLine, []byte(",")) {
		reader.Comma = ';'
	}
	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parse roster: %w", err)
	}

	idCol, nameCol, first := 0, 1, 0
	if len(records) > 0 {
		header := make(map[string]int, len(records[0]))
		for i, col := range records[0] {
			header[strings.ToLower(strings.TrimSpace(col))] = i
		}
		id, okID := header["student_id"]
		name, okName := header["student_name"]
		if okID && okName {
			idCol, nameCol, first = id, name, 1
		}
	}

	index := make(map[string]int)
	var out []models.StudentImport
	var rejected []RowError
	for i := first; i < len(records); i++ {
		rec := records[i]
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		field := func(col int) string {
			if col >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[col])
		}
		s := models.StudentImport{StudentID: field(idCol), StudentName: field(nameCol)}
		switch {
		case s.StudentID == "" || s.StudentName == "":
			rejected = append(rejected, RowError{Row: i + 1, Error: "student_id and student_name are required"})
			continue
		case storage.ValidateName(s.StudentID) != nil:
			rejected = append(rejected, RowError{Row: i + 1, Error: "invalid student_id"})
			continue
		}
		if at, dup := index[s.StudentID]; dup {
			out[at] = s
			continue
		}
		index[s.StudentID] = len(out)
		out = append(out, s)
	}
	if len(out) == 0 && len(rejected) == 0 {
		return nil, nil, ErrEmptyRoster
	}
	return out, rejected, nil
}
