package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/corp-training-api/internal/models"
	"github.com/noah-isme/corp-training-api/internal/repository"
	appErrors "github.com/noah-isme/corp-training-api/pkg/errors"
)

type completionStore interface {
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	UpdateCompletion(ctx context.Context, params repository.UpdateCompletionParams) error
}

type completionInvalidator interface {
	InvalidateStudent(ctx context.Context, studentID string)
}

// UpdateAttendanceRequest carries attendance/score inputs.
type UpdateAttendanceRequest struct {
	ClassesAttended int      `json:"classes_attended" validate:"min=0"`
	ClassesTotal    int      `json:"classes_total" validate:"min=0"`
	Score           *float64 `json:"score" validate:"omitempty,min=0,max=100"`
}

// CompletionService derives a pass/fail completion status from
// attendance inputs under a fixed threshold policy. The derivation is
// idempotent: re-applying the same inputs yields the same status.
type CompletionService struct {
	repo        completionStore
	eligibility completionInvalidator
	threshold   float64
	validator   *validator.Validate
	logger      *zap.Logger
	now         func() time.Time
}

// NewCompletionService constructs CompletionService. threshold is the
// attendance percentage required to pass; values outside (0, 100]
// fall back to 80.
func NewCompletionService(repo completionStore, eligibility completionInvalidator, threshold float64, validate *validator.Validate, logger *zap.Logger) *CompletionService {
	if threshold <= 0 || threshold > 100 {
		threshold = 80.0
	}
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompletionService{
		repo:        repo,
		eligibility: eligibility,
		threshold:   threshold,
		validator:   validate,
		logger:      logger,
		now:         time.Now,
	}
}

// UpdateAttendance recomputes the completion status from the provided
// counts. With a known class total the status is COMPLETED when the
// attendance percentage meets the threshold and FAILED otherwise; with
// no total the enrollment is IN_PROGRESS once any attendance exists,
// NOT_STARTED before that.
func (s *CompletionService) UpdateAttendance(ctx context.Context, id string, req UpdateAttendanceRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid attendance payload")
	}
	if req.ClassesTotal > 0 && req.ClassesAttended > req.ClassesTotal {
		return nil, appErrors.Clone(appErrors.ErrValidation, "attended classes cannot exceed total classes")
	}

	enrollment, err := s.loadEnrollment(ctx, id)
	if err != nil {
		return nil, err
	}

	attended := req.ClassesAttended
	total := req.ClassesTotal

	var percent *float64
	var completedAt *time.Time
	status := models.CompletionNotStarted

	if total > 0 {
		p := float64(attended) / float64(total) * 100
		percent = &p
		if p >= s.threshold {
			status = models.CompletionCompleted
		} else {
			status = models.CompletionFailed
		}
		finishedAt := s.now().UTC()
		completedAt = &finishedAt
	} else if attended > 0 || req.Score != nil {
		status = models.CompletionInProgress
	}

	params := repository.UpdateCompletionParams{
		ID:                enrollment.ID,
		Status:            status,
		Score:             req.Score,
		ClassesAttended:   &attended,
		ClassesTotal:      &total,
		AttendancePercent: percent,
		CompletedAt:       completedAt,
	}
	if err := s.repo.UpdateCompletion(ctx, params); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update completion")
	}

	enrollment.CompletionStatus = status
	enrollment.Score = req.Score
	enrollment.ClassesAttended = &attended
	enrollment.ClassesTotal = &total
	enrollment.AttendancePercent = percent
	enrollment.CompletedAt = completedAt

	// Finished outcomes feed the duplicate and annual-limit rules for
	// the student's other enrollments.
	if status.Finished() && s.eligibility != nil {
		s.eligibility.InvalidateStudent(ctx, enrollment.StudentID)
	}
	return enrollment, nil
}

func (s *CompletionService) loadEnrollment(ctx context.Context, id string) (*models.Enrollment, error) {
	enrollment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return enrollment, nil
}
