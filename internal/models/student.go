package models

import "time"

// Student represents an employee eligible to take training courses.
// Rows are owned by the external HR directory sync; this service only
// reads them.
type Student struct {
	ID         string    `db:"id" json:"id"`
	EmployeeID string    `db:"employee_id" json:"employee_id"`
	FullName   string    `db:"full_name" json:"full_name"`
	Department string    `db:"department" json:"department"`
	Active     bool      `db:"active" json:"active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}
