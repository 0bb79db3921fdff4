package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/corp-training-api/internal/models"
)

const enrollmentColumns = `id, student_id, course_id, course_name, batch_code,
        eligibility_status, eligibility_reason,
        approval_status, approved_by, approved_at, status_reason,
        completion_status, score, classes_attended, classes_total, attendance_percent, completed_at,
        created_at, updated_at`

// EnrollmentRepository handles persistence of enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// Create persists a new enrollment record with its course snapshot.
func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if enrollment.CreatedAt.IsZero() {
		enrollment.CreatedAt = now
	}
	enrollment.UpdatedAt = now
	if enrollment.ApprovalStatus == "" {
		enrollment.ApprovalStatus = models.ApprovalPending
	}
	if enrollment.CompletionStatus == "" {
		enrollment.CompletionStatus = models.CompletionNotStarted
	}
	const query = `INSERT INTO enrollments (id, student_id, course_id, course_name, batch_code,
        eligibility_status, eligibility_reason,
        approval_status, approved_by, approved_at, status_reason,
        completion_status, score, classes_attended, classes_total, attendance_percent, completed_at,
        created_at, updated_at)
        VALUES (:id, :student_id, :course_id, :course_name, :batch_code,
        :eligibility_status, :eligibility_reason,
        :approval_status, :approved_by, :approved_at, :status_reason,
        :completion_status, :score, :classes_attended, :classes_total, :attendance_percent, :completed_at,
        :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, enrollment); err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE id = $1`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindDetailByID returns an enrollment with student context.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	query := `SELECT e.id, e.student_id, e.course_id, e.course_name, e.batch_code,
        e.eligibility_status, e.eligibility_reason,
        e.approval_status, e.approved_by, e.approved_at, e.status_reason,
        e.completion_status, e.score, e.classes_attended, e.classes_total, e.attendance_percent, e.completed_at,
        e.created_at, e.updated_at,
        s.full_name AS student_name, s.employee_id AS student_employee_id
        FROM enrollments e
        LEFT JOIN students s ON s.id = e.student_id
        WHERE e.id = $1`
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	base := `FROM enrollments e
LEFT JOIN students s ON s.id = e.student_id`
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("e.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.CourseID != "" {
		conditions = append(conditions, fmt.Sprintf("e.course_id = $%d", len(args)+1))
		args = append(args, filter.CourseID)
	}
	if filter.ApprovalStatus != "" {
		conditions = append(conditions, fmt.Sprintf("e.approval_status = $%d", len(args)+1))
		args = append(args, filter.ApprovalStatus)
	}
	if filter.CompletionStatus != "" {
		conditions = append(conditions, fmt.Sprintf("e.completion_status = $%d", len(args)+1))
		args = append(args, filter.CompletionStatus)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"created_at":   "e.created_at",
		"approved_at":  "e.approved_at",
		"student_name": "s.full_name",
		"course_name":  "e.course_name",
	}
	sortBy := filter.SortBy
	if sortBy == "" {
		sortBy = "created_at"
	}
	orderBy := allowedSorts[sortBy]
	if orderBy == "" {
		orderBy = "e.created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT e.id, e.student_id, e.course_id, e.course_name, e.batch_code,
        e.eligibility_status, e.eligibility_reason,
        e.approval_status, e.approved_by, e.approved_at, e.status_reason,
        e.completion_status, e.score, e.classes_attended, e.classes_total, e.attendance_percent, e.completed_at,
        e.created_at, e.updated_at,
        s.full_name AS student_name, s.employee_id AS student_employee_id
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// ListApprovedByStudent returns the student's APPROVED enrollments,
// optionally excluding one enrollment id. The eligibility evaluator
// reads its duplicate and annual-limit history through this query.
func (r *EnrollmentRepository) ListApprovedByStudent(ctx context.Context, studentID, excludeID string) ([]models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE student_id = $1 AND approval_status = $2`, enrollmentColumns)
	args := []interface{}{studentID, models.ApprovalApproved}
	if excludeID != "" {
		query += fmt.Sprintf(" AND id <> $%d", len(args)+1)
		args = append(args, excludeID)
	}
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, fmt.Errorf("list approved enrollments: %w", err)
	}
	return enrollments, nil
}

// ExistsOpenForCourse checks for a PENDING or APPROVED enrollment of
// the student in the exact course batch. Used as the create guard.
func (r *EnrollmentRepository) ExistsOpenForCourse(ctx context.Context, studentID, courseID string) (bool, error) {
	const query = `SELECT 1 FROM enrollments WHERE student_id = $1 AND course_id = $2 AND approval_status IN ($3, $4) LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, studentID, courseID, models.ApprovalPending, models.ApprovalApproved); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check open enrollment: %w", err)
	}
	return true, nil
}

// UpdateApprovalParams carries an approval-state update.
type UpdateApprovalParams struct {
	ID           string
	Status       models.ApprovalStatus
	ApprovedBy   *string
	ApprovedAt   *time.Time
	StatusReason *string
}

// UpdateApproval persists an approval-state transition.
func (r *EnrollmentRepository) UpdateApproval(ctx context.Context, params UpdateApprovalParams) error {
	const query = `UPDATE enrollments SET approval_status = $2, approved_by = $3, approved_at = $4, status_reason = $5, updated_at = NOW() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, params.ID, params.Status, params.ApprovedBy, params.ApprovedAt, params.StatusReason); err != nil {
		return fmt.Errorf("update enrollment approval: %w", err)
	}
	return nil
}

// UpdateCompletionParams carries a completion-state update.
type UpdateCompletionParams struct {
	ID                string
	Status            models.CompletionStatus
	Score             *float64
	ClassesAttended   *int
	ClassesTotal      *int
	AttendancePercent *float64
	CompletedAt       *time.Time
}

// UpdateCompletion persists attendance inputs and the derived status.
func (r *EnrollmentRepository) UpdateCompletion(ctx context.Context, params UpdateCompletionParams) error {
	const query = `UPDATE enrollments SET completion_status = $2, score = $3, classes_attended = $4, classes_total = $5, attendance_percent = $6, completed_at = $7, updated_at = NOW() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, params.ID, params.Status, params.Score, params.ClassesAttended, params.ClassesTotal, params.AttendancePercent, params.CompletedAt); err != nil {
		return fmt.Errorf("update enrollment completion: %w", err)
	}
	return nil
}
