package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/corp-training-api/internal/models"
	"github.com/noah-isme/corp-training-api/internal/repository"
	appErrors "github.com/noah-isme/corp-training-api/pkg/errors"
)

type mockEnrollmentStore struct {
	enrollments map[string]models.Enrollment
	open        map[string]bool
	created     *models.Enrollment
}

func (m *mockEnrollmentStore) Create(ctx context.Context, enrollment *models.Enrollment) error {
	if m.enrollments == nil {
		m.enrollments = make(map[string]models.Enrollment)
	}
	if enrollment.ID == "" {
		enrollment.ID = "new-enroll"
	}
	m.enrollments[enrollment.ID] = *enrollment
	m.created = enrollment
	return nil
}

func (m *mockEnrollmentStore) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	if e, ok := m.enrollments[id]; ok {
		return &e, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentStore) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	if e, ok := m.enrollments[id]; ok {
		return &models.EnrollmentDetail{Enrollment: e}, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentStore) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	var out []models.EnrollmentDetail
	for _, e := range m.enrollments {
		out = append(out, models.EnrollmentDetail{Enrollment: e})
	}
	return out, len(out), nil
}

func (m *mockEnrollmentStore) ExistsOpenForCourse(ctx context.Context, studentID, courseID string) (bool, error) {
	return m.open[studentID+"/"+courseID], nil
}

func (m *mockEnrollmentStore) UpdateApproval(ctx context.Context, params repository.UpdateApprovalParams) error {
	e, ok := m.enrollments[params.ID]
	if !ok {
		return sql.ErrNoRows
	}
	e.ApprovalStatus = params.Status
	e.ApprovedBy = params.ApprovedBy
	e.ApprovedAt = params.ApprovedAt
	e.StatusReason = params.StatusReason
	m.enrollments[params.ID] = e
	return nil
}

type mockCourseDirectory struct {
	courses map[string]*models.Course
	adjusts int
}

func (m *mockCourseDirectory) FindByID(ctx context.Context, id string) (*models.Course, error) {
	if c, ok := m.courses[id]; ok {
		return c, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockCourseDirectory) TryAdjustSeatCount(ctx context.Context, courseID string, delta int) (bool, error) {
	c, ok := m.courses[courseID]
	if !ok {
		return false, nil
	}
	m.adjusts++
	if delta == 1 {
		if c.CurrentEnrolled >= c.SeatLimit {
			return false, nil
		}
		c.CurrentEnrolled++
		return true, nil
	}
	if c.CurrentEnrolled <= 0 {
		return false, nil
	}
	c.CurrentEnrolled--
	return true, nil
}

type mockStudentDirectory struct {
	students map[string]*models.Student
}

func (m *mockStudentDirectory) FindByID(ctx context.Context, id string) (*models.Student, error) {
	if s, ok := m.students[id]; ok {
		return s, nil
	}
	return nil, sql.ErrNoRows
}

type mockEvaluator struct {
	verdict     EligibilityVerdict
	invalidated []string
}

func (m *mockEvaluator) Evaluate(ctx context.Context, studentID, courseID, excludeID string) (EligibilityVerdict, error) {
	return m.verdict, nil
}

func (m *mockEvaluator) InvalidateStudent(ctx context.Context, studentID string) {
	m.invalidated = append(m.invalidated, studentID)
}

type mockAuditSink struct {
	logs []*models.AuditLog
}

func (m *mockAuditSink) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	m.logs = append(m.logs, log)
	return nil
}

func (m *mockAuditSink) actions() []string {
	var out []string
	for _, l := range m.logs {
		out = append(out, l.Action)
	}
	return out
}

func adminClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin}
}

func newTestEnrollmentService(store *mockEnrollmentStore, courses *mockCourseDirectory, eval *mockEvaluator, audit *mockAuditSink) *EnrollmentService {
	students := &mockStudentDirectory{students: map[string]*models.Student{
		"stu-1": {ID: "stu-1", EmployeeID: "EMP-1", FullName: "Dewi Larasati", Active: true},
		"stu-2": {ID: "stu-2", EmployeeID: "EMP-2", FullName: "Bima Pratama", Active: true},
	}}
	return NewEnrollmentService(store, courses, students, eval, validator.New(), zap.NewNop(),
		WithAuditLogger(audit))
}

func pendingEnrollment(id, courseID string, eligibility models.EligibilityStatus) models.Enrollment {
	return models.Enrollment{
		ID:                id,
		StudentID:         "stu-1",
		CourseRef:         models.CourseRef{CourseID: &courseID, CourseName: "Security Training", BatchCode: "B1"},
		EligibilityStatus: eligibility,
		ApprovalStatus:    models.ApprovalPending,
		CompletionStatus:  models.CompletionNotStarted,
		CreatedAt:         time.Now().UTC(),
	}
}

func TestEnrollmentServiceCreateAutoApproves(t *testing.T) {
	store := &mockEnrollmentStore{}
	courses := &mockCourseDirectory{courses: map[string]*models.Course{
		"course-1": {ID: "course-1", Name: "Security Training", BatchCode: "B1", SeatLimit: 1},
	}}
	eval := &mockEvaluator{verdict: EligibilityVerdict{Status: models.EligibilityEligible}}
	audit := &mockAuditSink{}
	svc := newTestEnrollmentService(store, courses, eval, audit)

	detail, err := svc.Create(context.Background(), CreateEnrollmentRequest{StudentID: "stu-1", CourseID: "course-1"})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, detail.ApprovalStatus)
	assert.Equal(t, 1, courses.courses["course-1"].CurrentEnrolled)
	assert.Contains(t, audit.actions(), models.AuditActionEnrollmentCreate)
	assert.Contains(t, eval.invalidated, "stu-1")
}

func TestEnrollmentServiceCreateStaysPendingWhenFull(t *testing.T) {
	store := &mockEnrollmentStore{}
	courses := &mockCourseDirectory{courses: map[string]*models.Course{
		"course-1": {ID: "course-1", Name: "Security Training", BatchCode: "B1", SeatLimit: 1, CurrentEnrolled: 1},
	}}
	eval := &mockEvaluator{verdict: EligibilityVerdict{Status: models.EligibilityEligible}}
	svc := newTestEnrollmentService(store, courses, eval, &mockAuditSink{})

	detail, err := svc.Create(context.Background(), CreateEnrollmentRequest{StudentID: "stu-2", CourseID: "course-1"})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, detail.ApprovalStatus)
	require.NotNil(t, detail.StatusReason)
	assert.Equal(t, "no available seats", *detail.StatusReason)
	assert.Equal(t, 1, courses.courses["course-1"].CurrentEnrolled)
}

func TestEnrollmentServiceCreateIneligibleStaysPending(t *testing.T) {
	store := &mockEnrollmentStore{}
	courses := &mockCourseDirectory{courses: map[string]*models.Course{
		"course-1": {ID: "course-1", Name: "Security Training", BatchCode: "B1", SeatLimit: 10},
	}}
	eval := &mockEvaluator{verdict: EligibilityVerdict{
		Status: models.EligibilityIneligibleDuplicate,
		Reason: "Already completed a batch of Security Training",
	}}
	svc := newTestEnrollmentService(store, courses, eval, &mockAuditSink{})

	detail, err := svc.Create(context.Background(), CreateEnrollmentRequest{StudentID: "stu-1", CourseID: "course-1"})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, detail.ApprovalStatus)
	assert.Equal(t, models.EligibilityIneligibleDuplicate, detail.EligibilityStatus)
	assert.Equal(t, 0, courses.courses["course-1"].CurrentEnrolled)
}

func TestEnrollmentServiceCreateRejectsOpenDuplicate(t *testing.T) {
	store := &mockEnrollmentStore{open: map[string]bool{"stu-1/course-1": true}}
	courses := &mockCourseDirectory{courses: map[string]*models.Course{
		"course-1": {ID: "course-1", Name: "Security Training", BatchCode: "B1", SeatLimit: 10},
	}}
	svc := newTestEnrollmentService(store, courses, &mockEvaluator{}, &mockAuditSink{})

	_, err := svc.Create(context.Background(), CreateEnrollmentRequest{StudentID: "stu-1", CourseID: "course-1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrDuplicateEnrollment.Code, appErrors.FromError(err).Code)
}

func TestEnrollmentServiceCreateRejectsInactiveStudent(t *testing.T) {
	store := &mockEnrollmentStore{}
	courses := &mockCourseDirectory{courses: map[string]*models.Course{
		"course-1": {ID: "course-1", Name: "Security Training", BatchCode: "B1", SeatLimit: 10},
	}}
	svc := NewEnrollmentService(store, courses,
		&mockStudentDirectory{students: map[string]*models.Student{"stu-9": {ID: "stu-9", Active: false}}},
		&mockEvaluator{}, validator.New(), zap.NewNop())

	_, err := svc.Create(context.Background(), CreateEnrollmentRequest{StudentID: "stu-9", CourseID: "course-1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestEnrollmentServiceApprovePending(t *testing.T) {
	store := &mockEnrollmentStore{enrollments: map[string]models.Enrollment{
		"enr-1": pendingEnrollment("enr-1", "course-1", models.EligibilityEligible),
	}}
	courses := &mockCourseDirectory{courses: map[string]*models.Course{
		"course-1": {ID: "course-1", Name: "Security Training", BatchCode: "B1", SeatLimit: 5},
	}}
	audit := &mockAuditSink{}
	svc := newTestEnrollmentService(store, courses, &mockEvaluator{}, audit)

	enrollment, err := svc.Approve(context.Background(), "enr-1", ApprovalRequest{Approved: true}, adminClaims())
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, enrollment.ApprovalStatus)
	require.NotNil(t, enrollment.ApprovedBy)
	assert.Equal(t, "admin-1", *enrollment.ApprovedBy)
	assert.Equal(t, 1, courses.courses["course-1"].CurrentEnrolled)
	assert.Contains(t, audit.actions(), models.AuditActionEnrollmentApprove)
}

func TestEnrollmentServiceApproveAlreadyApproved(t *testing.T) {
	enr := pendingEnrollment("enr-1", "course-1", models.EligibilityEligible)
	enr.ApprovalStatus = models.ApprovalApproved
	store := &mockEnrollmentStore{enrollments: map[string]models.Enrollment{"enr-1": enr}}
	courses := &mockCourseDirectory{courses: map[string]*models.Course{
		"course-1": {ID: "course-1", Name: "Security Training", BatchCode: "B1", SeatLimit: 5, CurrentEnrolled: 1},
	}}
	svc := newTestEnrollmentService(store, courses, &mockEvaluator{}, &mockAuditSink{})

	_, err := svc.Approve(context.Background(), "enr-1", ApprovalRequest{Approved: true}, adminClaims())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
	// The seat counter must not move on a no-op approval.
	assert.Equal(t, 1, courses.courses["course-1"].CurrentEnrolled)
	assert.Zero(t, courses.adjusts)
}

func TestEnrollmentServiceApproveNoSeats(t *testing.T) {
	store := &mockEnrollmentStore{enrollments: map[string]models.Enrollment{
		"enr-1": pendingEnrollment("enr-1", "course-1", models.EligibilityEligible),
	}}
	courses := &mockCourseDirectory{courses: map[string]*models.Course{
		"course-1": {ID: "course-1", Name: "Security Training", BatchCode: "B1", SeatLimit: 1, CurrentEnrolled: 1},
	}}
	svc := newTestEnrollmentService(store, courses, &mockEvaluator{}, &mockAuditSink{})

	_, err := svc.Approve(context.Background(), "enr-1", ApprovalRequest{Approved: true}, adminClaims())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNoSeats.Code, appErrors.FromError(err).Code)
	assert.Equal(t, models.ApprovalPending, store.enrollments["enr-1"].ApprovalStatus)
}

func TestEnrollmentServiceApproveIneligibleNeedsForce(t *testing.T) {
	store := &mockEnrollmentStore{enrollments: map[string]models.Enrollment{
		"enr-1": pendingEnrollment("enr-1", "course-1", models.EligibilityIneligibleDuplicate),
	}}
	courses := &mockCourseDirectory{courses: map[string]*models.Course{
		"course-1": {ID: "course-1", Name: "Security Training", BatchCode: "B1", SeatLimit: 5},
	}}
	audit := &mockAuditSink{}
	svc := newTestEnrollmentService(store, courses, &mockEvaluator{}, audit)

	_, err := svc.Approve(context.Background(), "enr-1", ApprovalRequest{Approved: true}, adminClaims())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)

	enrollment, err := svc.Approve(context.Background(), "enr-1", ApprovalRequest{Approved: true, Force: true}, adminClaims())
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, enrollment.ApprovalStatus)
	assert.Contains(t, audit.actions(), models.AuditActionEnrollmentForceApprove)
}

func TestEnrollmentServiceForceApproveRequiresAdmin(t *testing.T) {
	store := &mockEnrollmentStore{enrollments: map[string]models.Enrollment{
		"enr-1": pendingEnrollment("enr-1", "course-1", models.EligibilityIneligibleAnnualLimit),
	}}
	courses := &mockCourseDirectory{courses: map[string]*models.Course{
		"course-1": {ID: "course-1", Name: "Security Training", BatchCode: "B1", SeatLimit: 5},
	}}
	svc := newTestEnrollmentService(store, courses, &mockEvaluator{}, &mockAuditSink{})

	employee := &models.JWTClaims{UserID: "emp-1", Role: models.RoleEmployee}
	_, err := svc.Approve(context.Background(), "enr-1", ApprovalRequest{Approved: true, Force: true}, employee)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestEnrollmentServiceRejectIsTerminal(t *testing.T) {
	store := &mockEnrollmentStore{enrollments: map[string]models.Enrollment{
		"enr-1": pendingEnrollment("enr-1", "course-1", models.EligibilityEligible),
	}}
	courses := &mockCourseDirectory{courses: map[string]*models.Course{
		"course-1": {ID: "course-1", Name: "Security Training", BatchCode: "B1", SeatLimit: 5},
	}}
	audit := &mockAuditSink{}
	svc := newTestEnrollmentService(store, courses, &mockEvaluator{}, audit)

	enrollment, err := svc.Approve(context.Background(), "enr-1", ApprovalRequest{Approved: false, Reason: "budget freeze"}, adminClaims())
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalRejected, enrollment.ApprovalStatus)
	assert.Contains(t, audit.actions(), models.AuditActionEnrollmentReject)

	_, err = svc.Approve(context.Background(), "enr-1", ApprovalRequest{Approved: true}, adminClaims())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidTransition.Code, appErrors.FromError(err).Code)
}

func TestEnrollmentServiceWithdrawAndReapprove(t *testing.T) {
	enr := pendingEnrollment("enr-1", "course-1", models.EligibilityEligible)
	enr.ApprovalStatus = models.ApprovalApproved
	approvedBy := "admin-1"
	approvedAt := time.Now().UTC()
	enr.ApprovedBy = &approvedBy
	enr.ApprovedAt = &approvedAt
	store := &mockEnrollmentStore{enrollments: map[string]models.Enrollment{"enr-1": enr}}
	courses := &mockCourseDirectory{courses: map[string]*models.Course{
		"course-1": {ID: "course-1", Name: "Security Training", BatchCode: "B1", SeatLimit: 1, CurrentEnrolled: 1},
	}}
	audit := &mockAuditSink{}
	svc := newTestEnrollmentService(store, courses, &mockEvaluator{}, audit)

	withdrawn, err := svc.Withdraw(context.Background(), "enr-1", WithdrawRequest{Reason: "schedule conflict"}, adminClaims())
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalWithdrawn, withdrawn.ApprovalStatus)
	assert.Equal(t, 0, courses.courses["course-1"].CurrentEnrolled)

	reapproved, err := svc.Reapprove(context.Background(), "enr-1", adminClaims())
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, reapproved.ApprovalStatus)
	assert.Nil(t, reapproved.StatusReason)
	assert.Equal(t, 1, courses.courses["course-1"].CurrentEnrolled)
	assert.Contains(t, audit.actions(), models.AuditActionEnrollmentWithdraw)
	assert.Contains(t, audit.actions(), models.AuditActionEnrollmentReapprove)
}

func TestEnrollmentServiceWithdrawRequiresApproved(t *testing.T) {
	store := &mockEnrollmentStore{enrollments: map[string]models.Enrollment{
		"enr-1": pendingEnrollment("enr-1", "course-1", models.EligibilityEligible),
	}}
	courses := &mockCourseDirectory{courses: map[string]*models.Course{
		"course-1": {ID: "course-1", Name: "Security Training", BatchCode: "B1", SeatLimit: 5},
	}}
	svc := newTestEnrollmentService(store, courses, &mockEvaluator{}, &mockAuditSink{})

	_, err := svc.Withdraw(context.Background(), "enr-1", WithdrawRequest{Reason: "changed my mind"}, adminClaims())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidTransition.Code, appErrors.FromError(err).Code)
}

func TestEnrollmentServiceReapproveWhenCourseRefilled(t *testing.T) {
	enr := pendingEnrollment("enr-1", "course-1", models.EligibilityEligible)
	enr.ApprovalStatus = models.ApprovalWithdrawn
	store := &mockEnrollmentStore{enrollments: map[string]models.Enrollment{"enr-1": enr}}
	courses := &mockCourseDirectory{courses: map[string]*models.Course{
		"course-1": {ID: "course-1", Name: "Security Training", BatchCode: "B1", SeatLimit: 1, CurrentEnrolled: 1},
	}}
	svc := newTestEnrollmentService(store, courses, &mockEvaluator{}, &mockAuditSink{})

	_, err := svc.Reapprove(context.Background(), "enr-1", adminClaims())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNoSeats.Code, appErrors.FromError(err).Code)
	assert.Equal(t, models.ApprovalWithdrawn, store.enrollments["enr-1"].ApprovalStatus)
}

func TestEnrollmentServiceBulkApprovePartialFailure(t *testing.T) {
	store := &mockEnrollmentStore{enrollments: map[string]models.Enrollment{
		"enr-1": pendingEnrollment("enr-1", "course-1", models.EligibilityEligible),
	}}
	courses := &mockCourseDirectory{courses: map[string]*models.Course{
		"course-1": {ID: "course-1", Name: "Security Training", BatchCode: "B1", SeatLimit: 5},
	}}
	svc := newTestEnrollmentService(store, courses, &mockEvaluator{}, &mockAuditSink{})

	result, err := svc.BulkApprove(context.Background(), BulkApprovalRequest{
		EnrollmentIDs: []string{"enr-1", "enr-missing"},
		Approved:      true,
	}, adminClaims())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ApprovedCount)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "enr-missing", result.Errors[0].EnrollmentID)
	assert.Equal(t, appErrors.ErrNotFound.Code, result.Errors[0].Code)
	assert.Equal(t, models.ApprovalApproved, store.enrollments["enr-1"].ApprovalStatus)
}

func TestEnrollmentServiceBulkApproveEnforcesLimit(t *testing.T) {
	svc := NewEnrollmentService(&mockEnrollmentStore{}, &mockCourseDirectory{}, &mockStudentDirectory{},
		&mockEvaluator{}, validator.New(), zap.NewNop(), WithBulkLimit(2))

	_, err := svc.BulkApprove(context.Background(), BulkApprovalRequest{
		EnrollmentIDs: []string{"a", "b", "c"},
		Approved:      true,
	}, adminClaims())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}
