package enrollments

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exam-proctor/backend/internal/models"
)

func TestParseRosterWithHeader(t *testing.T) {
	in := "\ufeffstudent_name,student_id\r\nAnn Lee, s1\r\nBo,s2\r\n,s3\r\nBobby,s2\r\n"
	got, rejected, err := ParseRoster(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []models.StudentImport{
		{StudentID: "s1", StudentName: "Ann Lee"},
		{StudentID: "s2", StudentName: "Bobby"},
	}, got)
	assert.Equal(t, []RowError{{Row: 4, Error: "student_id and student_name are required"}}, rejected)
}

func TestParseRosterSemicolonNoHeader(t *testing.T) {
	got, rejected, err := ParseRoster(strings.NewReader("s1;Ann\n../x;Evil\n\ns2;Bo\n"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "s2", got[1].StudentID)
	require.Len(t, rejected, 1)
	assert.Equal(t, 2, rejected[0].Row)
}

func TestParseRosterEmpty(t *testing.T) {
	_, _, err := ParseRoster(strings.NewReader(" \n"))
	assert.ErrorIs(t, err, ErrEmptyRoster)
	_, _, err = ParseRoster(strings.NewReader("student_id,student_name\n"))
	assert.ErrorIs(t, err, ErrEmptyRoster)
}
