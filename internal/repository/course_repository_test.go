package repository

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newCourseRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestCourseRepositoryTryAdjustSeatCountIncrement(t *testing.T) {
	db, mock, cleanup := newCourseRepoMock(t)
	defer cleanup()
	repo := NewCourseRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE courses SET current_enrolled = current_enrolled + 1, updated_at = NOW() WHERE id = $1 AND current_enrolled < seat_limit")).
		WithArgs("course-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	acquired, err := repo.TryAdjustSeatCount(context.Background(), "course-1", 1)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCourseRepositoryTryAdjustSeatCountFullCourse(t *testing.T) {
	db, mock, cleanup := newCourseRepoMock(t)
	defer cleanup()
	repo := NewCourseRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE courses SET current_enrolled = current_enrolled + 1, updated_at = NOW() WHERE id = $1 AND current_enrolled < seat_limit")).
		WithArgs("course-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	acquired, err := repo.TryAdjustSeatCount(context.Background(), "course-1", 1)
	require.NoError(t, err)
	require.False(t, acquired)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCourseRepositoryTryAdjustSeatCountDecrementFloorsAtZero(t *testing.T) {
	db, mock, cleanup := newCourseRepoMock(t)
	defer cleanup()
	repo := NewCourseRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE courses SET current_enrolled = current_enrolled - 1, updated_at = NOW() WHERE id = $1 AND current_enrolled > 0")).
		WithArgs("course-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	released, err := repo.TryAdjustSeatCount(context.Background(), "course-1", -1)
	require.NoError(t, err)
	require.False(t, released)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCourseRepositoryTryAdjustSeatCountRejectsOtherDeltas(t *testing.T) {
	db, _, cleanup := newCourseRepoMock(t)
	defer cleanup()
	repo := NewCourseRepository(db)

	_, err := repo.TryAdjustSeatCount(context.Background(), "course-1", 2)
	require.Error(t, err)
}
