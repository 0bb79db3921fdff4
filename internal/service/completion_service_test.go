package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/corp-training-api/internal/models"
	"github.com/noah-isme/corp-training-api/internal/repository"
	appErrors "github.com/noah-isme/corp-training-api/pkg/errors"
)

type mockCompletionStore struct {
	enrollments map[string]models.Enrollment
	updates     []repository.UpdateCompletionParams
}

func (m *mockCompletionStore) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	if e, ok := m.enrollments[id]; ok {
		return &e, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockCompletionStore) UpdateCompletion(ctx context.Context, params repository.UpdateCompletionParams) error {
	m.updates = append(m.updates, params)
	return nil
}

type mockInvalidator struct {
	invalidated []string
}

func (m *mockInvalidator) InvalidateStudent(ctx context.Context, studentID string) {
	m.invalidated = append(m.invalidated, studentID)
}

func newCompletionFixture(threshold float64) (*CompletionService, *mockCompletionStore, *mockInvalidator) {
	store := &mockCompletionStore{enrollments: map[string]models.Enrollment{
		"enr-1": {
			ID:               "enr-1",
			StudentID:        "stu-1",
			CourseRef:        models.CourseRef{CourseName: "Security Training", BatchCode: "B1"},
			ApprovalStatus:   models.ApprovalApproved,
			CompletionStatus: models.CompletionInProgress,
		},
	}}
	invalidator := &mockInvalidator{}
	svc := NewCompletionService(store, invalidator, threshold, validator.New(), zap.NewNop())
	return svc, store, invalidator
}

func TestCompletionServiceMeetsThreshold(t *testing.T) {
	svc, store, invalidator := newCompletionFixture(80)

	enrollment, err := svc.UpdateAttendance(context.Background(), "enr-1", UpdateAttendanceRequest{
		ClassesAttended: 8,
		ClassesTotal:    10,
	})
	require.NoError(t, err)
	assert.Equal(t, models.CompletionCompleted, enrollment.CompletionStatus)
	require.NotNil(t, enrollment.AttendancePercent)
	assert.InDelta(t, 80.0, *enrollment.AttendancePercent, 0.001)
	assert.NotNil(t, enrollment.CompletedAt)
	require.Len(t, store.updates, 1)
	assert.Contains(t, invalidator.invalidated, "stu-1")
}

func TestCompletionServiceBelowThreshold(t *testing.T) {
	svc, _, invalidator := newCompletionFixture(80)

	enrollment, err := svc.UpdateAttendance(context.Background(), "enr-1", UpdateAttendanceRequest{
		ClassesAttended: 7,
		ClassesTotal:    10,
	})
	require.NoError(t, err)
	assert.Equal(t, models.CompletionFailed, enrollment.CompletionStatus)
	require.NotNil(t, enrollment.AttendancePercent)
	assert.InDelta(t, 70.0, *enrollment.AttendancePercent, 0.001)
	assert.Contains(t, invalidator.invalidated, "stu-1")
}

func TestCompletionServiceCustomThreshold(t *testing.T) {
	svc, _, _ := newCompletionFixture(90)

	enrollment, err := svc.UpdateAttendance(context.Background(), "enr-1", UpdateAttendanceRequest{
		ClassesAttended: 8,
		ClassesTotal:    10,
	})
	require.NoError(t, err)
	assert.Equal(t, models.CompletionFailed, enrollment.CompletionStatus)
}

func TestCompletionServiceNoTotalYet(t *testing.T) {
	svc, _, invalidator := newCompletionFixture(80)

	enrollment, err := svc.UpdateAttendance(context.Background(), "enr-1", UpdateAttendanceRequest{
		ClassesAttended: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, models.CompletionInProgress, enrollment.CompletionStatus)
	assert.Nil(t, enrollment.AttendancePercent)
	assert.Nil(t, enrollment.CompletedAt)
	assert.Empty(t, invalidator.invalidated)
}

func TestCompletionServiceNoInputsStaysNotStarted(t *testing.T) {
	svc, _, _ := newCompletionFixture(80)

	enrollment, err := svc.UpdateAttendance(context.Background(), "enr-1", UpdateAttendanceRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.CompletionNotStarted, enrollment.CompletionStatus)
}

func TestCompletionServiceIdempotent(t *testing.T) {
	svc, store, _ := newCompletionFixture(80)

	req := UpdateAttendanceRequest{ClassesAttended: 8, ClassesTotal: 10}
	first, err := svc.UpdateAttendance(context.Background(), "enr-1", req)
	require.NoError(t, err)
	second, err := svc.UpdateAttendance(context.Background(), "enr-1", req)
	require.NoError(t, err)

	assert.Equal(t, first.CompletionStatus, second.CompletionStatus)
	assert.Equal(t, *first.AttendancePercent, *second.AttendancePercent)
	require.Len(t, store.updates, 2)
	assert.Equal(t, store.updates[0].Status, store.updates[1].Status)
}

func TestCompletionServiceAttendedExceedsTotal(t *testing.T) {
	svc, _, _ := newCompletionFixture(80)

	_, err := svc.UpdateAttendance(context.Background(), "enr-1", UpdateAttendanceRequest{
		ClassesAttended: 11,
		ClassesTotal:    10,
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestCompletionServiceEnrollmentNotFound(t *testing.T) {
	svc, _, _ := newCompletionFixture(80)

	_, err := svc.UpdateAttendance(context.Background(), "missing", UpdateAttendanceRequest{
		ClassesAttended: 8,
		ClassesTotal:    10,
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestCompletionServiceScoreValidation(t *testing.T) {
	svc, _, _ := newCompletionFixture(80)

	score := 120.0
	_, err := svc.UpdateAttendance(context.Background(), "enr-1", UpdateAttendanceRequest{
		ClassesAttended: 8,
		ClassesTotal:    10,
		Score:           &score,
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}
