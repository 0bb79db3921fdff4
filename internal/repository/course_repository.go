package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/corp-training-api/internal/models"
)

// CourseRepository provides read access to the course directory and
// owns the single capacity-mutation primitive. No other component may
// touch current_enrolled.
type CourseRepository struct {
	db *sqlx.DB
}

// NewCourseRepository constructs the repository.
func NewCourseRepository(db *sqlx.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

// FindByID returns a course by its ID.
func (r *CourseRepository) FindByID(ctx context.Context, id string) (*models.Course, error) {
	const query = `SELECT id, name, batch_code, seat_limit, current_enrolled, prerequisite_course_id, status, created_at, updated_at FROM courses WHERE id = $1`
	var course models.Course
	if err := r.db.GetContext(ctx, &course, query, id); err != nil {
		return nil, err
	}
	return &course, nil
}

// TryAdjustSeatCount atomically applies a seat-count delta with the
// capacity guard baked into the statement. Increments succeed only
// while current_enrolled < seat_limit; decrements only while the
// counter is above zero. Returns false without error when the guard
// fails, so concurrent approvals can race safely for the last seat.
func (r *CourseRepository) TryAdjustSeatCount(ctx context.Context, courseID string, delta int) (bool, error) {
	var query string
	switch {
	case delta == 1:
		query = `UPDATE courses SET current_enrolled = current_enrolled + 1, updated_at = NOW() WHERE id = $1 AND current_enrolled < seat_limit`
	case delta == -1:
		query = `UPDATE courses SET current_enrolled = current_enrolled - 1, updated_at = NOW() WHERE id = $1 AND current_enrolled > 0`
	default:
		return false, fmt.Errorf("unsupported seat delta: %d", delta)
	}

	result, err := r.db.ExecContext(ctx, query, courseID)
	if err != nil {
		return false, fmt.Errorf("adjust seat count: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("adjust seat count result: %w", err)
	}
	return affected == 1, nil
}
