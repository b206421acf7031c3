//go:build integration

package violations_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exam-proctor/backend/internal/exams"
	"github.com/exam-proctor/backend/internal/models"
	"github.com/exam-proctor/backend/internal/violations"
	"github.com/exam-proctor/backend/pkg/database/dbtest"
)

func TestRepository_Integration(t *testing.T) {
	pool := dbtest.StartPostgres(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	exam := &models.Exam{Name: "Chemistry", StartTime: now.Add(-time.Hour), EndTime: now.Add(time.Hour)}
	require.NoError(t, exams.NewRepository(pool).Create(ctx, exam, now))

	repo := violations.NewRepository(pool)
	for i := 0; i < 3; i++ {
		v := &models.Violation{
			ExamID:     exam.ID,
			StudentID:  "s1",
			Username:   "Ann",
			Reason:     "tab_switch",
			SourceIP:   "10.0.0.1",
			OccurredAt: now.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, repo.Create(ctx, v))
		assert.NotZero(t, v.ID)
	}

	page, total, err := repo.ListByExam(ctx, exam.ID, 2, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, page, 2)
	assert.True(t, page[0].OccurredAt.After(page[1].OccurredAt))

	rest, _, err := repo.ListByExam(ctx, exam.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.True(t, rest[0].OccurredAt.Equal(now))
}
