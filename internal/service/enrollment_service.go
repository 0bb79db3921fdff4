package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/corp-training-api/internal/models"
	"github.com/noah-isme/corp-training-api/internal/repository"
	appErrors "github.com/noah-isme/corp-training-api/pkg/errors"
)

const systemActor = "system"

type enrollmentStore interface {
	Create(ctx context.Context, enrollment *models.Enrollment) error
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	ExistsOpenForCourse(ctx context.Context, studentID, courseID string) (bool, error)
	UpdateApproval(ctx context.Context, params repository.UpdateApprovalParams) error
}

type courseDirectory interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
	TryAdjustSeatCount(ctx context.Context, courseID string, delta int) (bool, error)
}

type studentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type eligibilityEvaluator interface {
	Evaluate(ctx context.Context, studentID, courseID, excludeID string) (EligibilityVerdict, error)
	InvalidateStudent(ctx context.Context, studentID string)
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// CreateEnrollmentRequest describes enrollment creation.
type CreateEnrollmentRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	CourseID  string `json:"course_id" validate:"required"`
}

// ApprovalRequest describes an approve/reject decision. Force allows
// administrators to approve despite a recorded ineligibility; the
// capacity guard still applies unconditionally.
type ApprovalRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
	Force    bool   `json:"force"`
}

// BulkApprovalRequest applies one decision to a list of enrollments.
type BulkApprovalRequest struct {
	EnrollmentIDs []string `json:"enrollment_ids" validate:"required,min=1"`
	Approved      bool     `json:"approved"`
}

// WithdrawRequest describes a withdrawal.
type WithdrawRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// EnrollmentService owns the enrollment lifecycle: creation with an
// auto-approval attempt, the approval/capacity state machine, bulk
// approval with per-item isolation, withdrawal and reapproval.
type EnrollmentService struct {
	repo        enrollmentStore
	courses     courseDirectory
	students    studentReader
	eligibility eligibilityEvaluator
	audit       auditLogger
	validator   *validator.Validate
	logger      *zap.Logger
	bulkMax     int
	now         func() time.Time
}

// EnrollmentServiceOption configures the service.
type EnrollmentServiceOption func(*EnrollmentService)

// WithAuditLogger enables audit trail emission.
func WithAuditLogger(audit auditLogger) EnrollmentServiceOption {
	return func(s *EnrollmentService) { s.audit = audit }
}

// WithBulkLimit caps the number of items accepted per bulk request.
func WithBulkLimit(max int) EnrollmentServiceOption {
	return func(s *EnrollmentService) {
		if max > 0 {
			s.bulkMax = max
		}
	}
}

// WithEnrollmentClock overrides the service time source.
func WithEnrollmentClock(now func() time.Time) EnrollmentServiceOption {
	return func(s *EnrollmentService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(repo enrollmentStore, courses courseDirectory, students studentReader, eligibility eligibilityEvaluator, validate *validator.Validate, logger *zap.Logger, opts ...EnrollmentServiceOption) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &EnrollmentService{
		repo:        repo,
		courses:     courses,
		students:    students,
		eligibility: eligibility,
		validator:   validate,
		logger:      logger,
		bulkMax:     100,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// List returns enrollments with pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	enrollments, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return enrollments, pagination, nil
}

// Get returns a single enrollment with student context.
func (s *EnrollmentService) Get(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return detail, nil
}

// Create registers an enrollment, snapshots the course reference,
// records the eligibility verdict and attempts auto-approval under the
// capacity guard. An eligible enrollment that finds no free seat stays
// PENDING with a "no available seats" note; that is not an error.
func (s *EnrollmentService) Create(ctx context.Context, req CreateEnrollmentRequest) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	student, err := s.students.FindByID(ctx, req.StudentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if !student.Active {
		return nil, appErrors.Clone(appErrors.ErrConflict, "student is inactive")
	}
	course, err := s.courses.FindByID(ctx, req.CourseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	exists, err := s.repo.ExistsOpenForCourse(ctx, req.StudentID, req.CourseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate enrollment")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrDuplicateEnrollment, "student already has an open enrollment in this batch")
	}

	verdict, err := s.eligibility.Evaluate(ctx, req.StudentID, req.CourseID, "")
	if err != nil {
		return nil, err
	}

	enrollment := &models.Enrollment{
		StudentID:         req.StudentID,
		CourseRef:         models.NewCourseRef(course),
		EligibilityStatus: verdict.Status,
		EligibilityReason: optionalString(verdict.Reason),
		ApprovalStatus:    models.ApprovalPending,
		CompletionStatus:  models.CompletionNotStarted,
		CreatedAt:         s.now().UTC(),
	}
	if err := s.repo.Create(ctx, enrollment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment")
	}

	if verdict.Status == models.EligibilityEligible {
		if err := s.autoApprove(ctx, enrollment); err != nil {
			return nil, err
		}
	}

	s.emitAudit(ctx, systemActor, models.AuditActionEnrollmentCreate, enrollment, nil)
	s.eligibility.InvalidateStudent(ctx, req.StudentID)

	detail, err := s.repo.FindDetailByID(ctx, enrollment.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	return detail, nil
}

func (s *EnrollmentService) autoApprove(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment.CourseID == nil {
		return nil
	}
	acquired, err := s.courses.TryAdjustSeatCount(ctx, *enrollment.CourseID, 1)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reserve seat")
	}
	if !acquired {
		reason := appErrors.ErrNoSeats.Message
		if err := s.repo.UpdateApproval(ctx, repository.UpdateApprovalParams{ID: enrollment.ID, Status: models.ApprovalPending, StatusReason: &reason}); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record seat exhaustion")
		}
		enrollment.StatusReason = &reason
		s.logger.Info("auto-approval deferred, no available seats",
			zap.String("enrollment_id", enrollment.ID), zap.Stringp("course_id", enrollment.CourseID))
		return nil
	}

	actor := systemActor
	approvedAt := s.now().UTC()
	if err := s.repo.UpdateApproval(ctx, repository.UpdateApprovalParams{ID: enrollment.ID, Status: models.ApprovalApproved, ApprovedBy: &actor, ApprovedAt: &approvedAt}); err != nil {
		// Release the seat so the counter stays in step with the record.
		if _, releaseErr := s.courses.TryAdjustSeatCount(ctx, *enrollment.CourseID, -1); releaseErr != nil {
			s.logger.Error("failed to release seat after approval write failure",
				zap.String("enrollment_id", enrollment.ID), zap.Error(releaseErr))
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record approval")
	}
	enrollment.ApprovalStatus = models.ApprovalApproved
	enrollment.ApprovedBy = &actor
	enrollment.ApprovedAt = &approvedAt
	return nil
}

// Approve executes an approve or reject decision on one enrollment.
func (s *EnrollmentService) Approve(ctx context.Context, id string, req ApprovalRequest, actor *models.JWTClaims) (*models.Enrollment, error) {
	enrollment, err := s.loadEnrollment(ctx, id)
	if err != nil {
		return nil, err
	}

	if !req.Approved {
		return s.reject(ctx, enrollment, req.Reason, actor)
	}

	switch enrollment.ApprovalStatus {
	case models.ApprovalPending:
	case models.ApprovalApproved:
		return nil, appErrors.Clone(appErrors.ErrConflict, "enrollment is already approved")
	default:
		return nil, invalidTransition(enrollment.ApprovalStatus, "approve")
	}

	if enrollment.EligibilityStatus != models.EligibilityEligible {
		if !req.Force {
			reason := "enrollment is not eligible; forced approval required"
			if enrollment.EligibilityReason != nil {
				reason = fmt.Sprintf("%s: %s", reason, *enrollment.EligibilityReason)
			}
			return nil, appErrors.Clone(appErrors.ErrConflict, reason)
		}
		if actor == nil || (actor.Role != models.RoleAdmin && actor.Role != models.RoleSuperAdmin) {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "forced approval requires an administrator")
		}
	}

	if enrollment.CourseID == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "course no longer exists")
	}
	acquired, err := s.courses.TryAdjustSeatCount(ctx, *enrollment.CourseID, 1)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reserve seat")
	}
	if !acquired {
		return nil, appErrors.Clone(appErrors.ErrNoSeats, fmt.Sprintf("no available seats in %s", enrollment.CourseName))
	}

	actorID := actorIdentity(actor)
	approvedAt := s.now().UTC()
	if err := s.repo.UpdateApproval(ctx, repository.UpdateApprovalParams{ID: enrollment.ID, Status: models.ApprovalApproved, ApprovedBy: &actorID, ApprovedAt: &approvedAt}); err != nil {
		if _, releaseErr := s.courses.TryAdjustSeatCount(ctx, *enrollment.CourseID, -1); releaseErr != nil {
			s.logger.Error("failed to release seat after approval write failure",
				zap.String("enrollment_id", enrollment.ID), zap.Error(releaseErr))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record approval")
	}

	previous := *enrollment
	enrollment.ApprovalStatus = models.ApprovalApproved
	enrollment.ApprovedBy = &actorID
	enrollment.ApprovedAt = &approvedAt
	enrollment.StatusReason = nil

	action := models.AuditActionEnrollmentApprove
	if req.Force && previous.EligibilityStatus != models.EligibilityEligible {
		action = models.AuditActionEnrollmentForceApprove
	}
	s.emitAudit(ctx, actorID, action, enrollment, &previous)
	s.eligibility.InvalidateStudent(ctx, enrollment.StudentID)
	return enrollment, nil
}

func (s *EnrollmentService) reject(ctx context.Context, enrollment *models.Enrollment, reason string, actor *models.JWTClaims) (*models.Enrollment, error) {
	if enrollment.ApprovalStatus != models.ApprovalPending {
		return nil, invalidTransition(enrollment.ApprovalStatus, "reject")
	}
	if err := s.repo.UpdateApproval(ctx, repository.UpdateApprovalParams{ID: enrollment.ID, Status: models.ApprovalRejected, StatusReason: optionalString(reason)}); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record rejection")
	}

	previous := *enrollment
	enrollment.ApprovalStatus = models.ApprovalRejected
	enrollment.StatusReason = optionalString(reason)
	enrollment.ApprovedBy = nil
	enrollment.ApprovedAt = nil

	s.emitAudit(ctx, actorIdentity(actor), models.AuditActionEnrollmentReject, enrollment, &previous)
	s.eligibility.InvalidateStudent(ctx, enrollment.StudentID)
	return enrollment, nil
}

// BulkApprove applies one decision to each enrollment independently.
// A failing item is recorded as a per-item error and never blocks or
// rolls back its siblings.
func (s *EnrollmentService) BulkApprove(ctx context.Context, req BulkApprovalRequest, actor *models.JWTClaims) (*models.BulkApprovalResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid bulk approval payload")
	}
	if len(req.EnrollmentIDs) > s.bulkMax {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("at most %d enrollments per bulk request", s.bulkMax))
	}

	result := &models.BulkApprovalResult{Errors: []models.BulkApprovalError{}}
	for _, id := range req.EnrollmentIDs {
		_, err := s.Approve(ctx, id, ApprovalRequest{Approved: req.Approved}, actor)
		if err != nil {
			appErr := appErrors.FromError(err)
			result.Errors = append(result.Errors, models.BulkApprovalError{EnrollmentID: id, Code: appErr.Code, Message: appErr.Message})
			continue
		}
		if req.Approved {
			result.ApprovedCount++
		} else {
			result.RejectedCount++
		}
	}
	return result, nil
}

// Withdraw releases an approved enrollment's seat and records the
// withdrawal. Only APPROVED enrollments can be withdrawn.
func (s *EnrollmentService) Withdraw(ctx context.Context, id string, req WithdrawRequest, actor *models.JWTClaims) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid withdrawal payload")
	}
	enrollment, err := s.loadEnrollment(ctx, id)
	if err != nil {
		return nil, err
	}
	if enrollment.ApprovalStatus != models.ApprovalApproved {
		return nil, invalidTransition(enrollment.ApprovalStatus, "withdraw")
	}

	if enrollment.CourseID != nil {
		// Floored at zero; a released seat on an already-zero counter
		// is a no-op, not an error.
		if _, err := s.courses.TryAdjustSeatCount(ctx, *enrollment.CourseID, -1); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to release seat")
		}
	}

	if err := s.repo.UpdateApproval(ctx, repository.UpdateApprovalParams{
		ID:           enrollment.ID,
		Status:       models.ApprovalWithdrawn,
		ApprovedBy:   enrollment.ApprovedBy,
		ApprovedAt:   enrollment.ApprovedAt,
		StatusReason: optionalString(req.Reason),
	}); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record withdrawal")
	}

	previous := *enrollment
	enrollment.ApprovalStatus = models.ApprovalWithdrawn
	enrollment.StatusReason = optionalString(req.Reason)

	s.emitAudit(ctx, actorIdentity(actor), models.AuditActionEnrollmentWithdraw, enrollment, &previous)
	s.eligibility.InvalidateStudent(ctx, enrollment.StudentID)
	return enrollment, nil
}

// Reapprove returns a withdrawn enrollment to APPROVED under the same
// capacity guard as initial approval, clearing the withdrawal reason.
func (s *EnrollmentService) Reapprove(ctx context.Context, id string, actor *models.JWTClaims) (*models.Enrollment, error) {
	enrollment, err := s.loadEnrollment(ctx, id)
	if err != nil {
		return nil, err
	}
	if enrollment.ApprovalStatus != models.ApprovalWithdrawn {
		return nil, invalidTransition(enrollment.ApprovalStatus, "reapprove")
	}
	if enrollment.CourseID == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "course no longer exists")
	}

	acquired, err := s.courses.TryAdjustSeatCount(ctx, *enrollment.CourseID, 1)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reserve seat")
	}
	if !acquired {
		return nil, appErrors.Clone(appErrors.ErrNoSeats, fmt.Sprintf("no available seats in %s", enrollment.CourseName))
	}

	actorID := actorIdentity(actor)
	approvedAt := s.now().UTC()
	if err := s.repo.UpdateApproval(ctx, repository.UpdateApprovalParams{ID: enrollment.ID, Status: models.ApprovalApproved, ApprovedBy: &actorID, ApprovedAt: &approvedAt}); err != nil {
		if _, releaseErr := s.courses.TryAdjustSeatCount(ctx, *enrollment.CourseID, -1); releaseErr != nil {
			s.logger.Error("failed to release seat after reapproval write failure",
				zap.String("enrollment_id", enrollment.ID), zap.Error(releaseErr))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record reapproval")
	}

	previous := *enrollment
	enrollment.ApprovalStatus = models.ApprovalApproved
	enrollment.ApprovedBy = &actorID
	enrollment.ApprovedAt = &approvedAt
	enrollment.StatusReason = nil

	s.emitAudit(ctx, actorID, models.AuditActionEnrollmentReapprove, enrollment, &previous)
	s.eligibility.InvalidateStudent(ctx, enrollment.StudentID)
	return enrollment, nil
}

func (s *EnrollmentService) loadEnrollment(ctx context.Context, id string) (*models.Enrollment, error) {
	enrollment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return enrollment, nil
}

func (s *EnrollmentService) emitAudit(ctx context.Context, actorID, action string, current, previous *models.Enrollment) {
	if s.audit == nil || current == nil {
		return
	}
	log := &models.AuditLog{
		UserID:     &actorID,
		Action:     action,
		Resource:   "enrollment",
		ResourceID: &current.ID,
		IPAddress:  "system",
		UserAgent:  "enrollment-service",
	}
	if payload, err := json.Marshal(current); err == nil {
		log.NewValues = payload
	}
	if previous != nil {
		if payload, err := json.Marshal(previous); err == nil {
			log.OldValues = payload
		}
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}

func invalidTransition(from models.ApprovalStatus, op string) *appErrors.Error {
	return appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("cannot %s an enrollment in state %s", op, from))
}

func actorIdentity(actor *models.JWTClaims) string {
	if actor == nil || actor.UserID == "" {
		return systemActor
	}
	return actor.UserID
}

func optionalString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	v := strings.TrimSpace(value)
	return &v
}
