package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/corp-training-api/internal/models"
)

// StudentRepository provides read access to the employee directory.
// Rows are written by the external HR sync; this service never mutates
// student identity data.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs the repository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// FindByID returns a student by its ID.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.Student, error) {
	const query = `SELECT id, employee_id, full_name, department, active, created_at, updated_at FROM students WHERE id = $1`
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}
