package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/corp-training-api/internal/models"
	appErrors "github.com/noah-isme/corp-training-api/pkg/errors"
)

type eligibilityCourseReader interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
}

type eligibilityHistoryReader interface {
	ListApprovedByStudent(ctx context.Context, studentID, excludeID string) ([]models.Enrollment, error)
}

type verdictCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// EligibilityVerdict is the outcome of a rule evaluation. Ineligibility
// is a normal result, never an error.
type EligibilityVerdict struct {
	Status models.EligibilityStatus `json:"status"`
	Reason string                   `json:"reason,omitempty"`
}

// EligibilityService classifies a (student, course) pair against the
// prerequisite, duplicate and annual-limit rules. It is read-only and
// deterministic for a fixed database snapshot.
type EligibilityService struct {
	courses     eligibilityCourseReader
	enrollments eligibilityHistoryReader
	cache       verdictCache
	cacheTTL    time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// EligibilityServiceOption configures the service.
type EligibilityServiceOption func(*EligibilityService)

// WithVerdictCache enables caching of advisory verdicts. Only the
// read-only check path consults the cache; enrollment creation always
// evaluates fresh.
func WithVerdictCache(cache verdictCache, ttl time.Duration) EligibilityServiceOption {
	return func(s *EligibilityService) {
		s.cache = cache
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// WithClock overrides the time source used by the annual-limit rule.
func WithClock(now func() time.Time) EligibilityServiceOption {
	return func(s *EligibilityService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewEligibilityService constructs the evaluator.
func NewEligibilityService(courses eligibilityCourseReader, enrollments eligibilityHistoryReader, logger *zap.Logger, opts ...EligibilityServiceOption) *EligibilityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &EligibilityService{
		courses:     courses,
		enrollments: enrollments,
		cacheTTL:    30 * time.Second,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Evaluate runs the three checks in fixed priority order, short
// circuiting on the first failure. excludeID removes the enrollment
// under evaluation from its own history.
func (s *EligibilityService) Evaluate(ctx context.Context, studentID, courseID, excludeID string) (EligibilityVerdict, error) {
	course, err := s.courses.FindByID(ctx, courseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EligibilityVerdict{}, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return EligibilityVerdict{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}

	history, err := s.enrollments.ListApprovedByStudent(ctx, studentID, excludeID)
	if err != nil {
		return EligibilityVerdict{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment history")
	}

	if verdict, failed := s.checkPrerequisite(ctx, course, history); failed {
		return verdict, nil
	}
	if verdict, failed := s.checkDuplicate(course, history); failed {
		return verdict, nil
	}
	if verdict, failed := s.checkAnnualLimit(course, history); failed {
		return verdict, nil
	}

	return EligibilityVerdict{Status: models.EligibilityEligible}, nil
}

// CheckCached serves the advisory eligibility endpoint, reusing a
// recent verdict when one is cached.
func (s *EligibilityService) CheckCached(ctx context.Context, studentID, courseID string) (EligibilityVerdict, error) {
	if s.cache == nil {
		return s.Evaluate(ctx, studentID, courseID, "")
	}

	key := verdictCacheKey(studentID, courseID)
	var cached EligibilityVerdict
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	} else if !appErrors.Is(err, appErrors.ErrCacheMiss) {
		s.logger.Warn("eligibility cache read failed", zap.String("key", key), zap.Error(err))
	}

	verdict, err := s.Evaluate(ctx, studentID, courseID, "")
	if err != nil {
		return EligibilityVerdict{}, err
	}
	if err := s.cache.Set(ctx, key, verdict, s.cacheTTL); err != nil {
		s.logger.Warn("eligibility cache write failed", zap.String("key", key), zap.Error(err))
	}
	return verdict, nil
}

// InvalidateStudent drops cached verdicts after an enrollment write.
func (s *EligibilityService) InvalidateStudent(ctx context.Context, studentID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, verdictCacheKey(studentID, "*")); err != nil {
		s.logger.Warn("eligibility cache invalidation failed", zap.String("student_id", studentID), zap.Error(err))
	}
}

func verdictCacheKey(studentID, courseID string) string {
	return fmt.Sprintf("eligibility:%s:%s", studentID, courseID)
}

func (s *EligibilityService) checkPrerequisite(ctx context.Context, course *models.Course, history []models.Enrollment) (EligibilityVerdict, bool) {
	if course.PrerequisiteCourseID == nil {
		return EligibilityVerdict{}, false
	}

	prereqID := *course.PrerequisiteCourseID
	prereqName := ""
	prereq, err := s.courses.FindByID(ctx, prereqID)
	if err == nil {
		prereqName = prereq.Name
	} else if !errors.Is(err, sql.ErrNoRows) {
		s.logger.Warn("failed to load prerequisite course", zap.String("course_id", prereqID), zap.Error(err))
	}

	for _, e := range history {
		if e.CompletionStatus != models.CompletionCompleted {
			continue
		}
		// Match by live id, or by the denormalized snapshot name when
		// the historical course row is gone.
		if e.CourseRef.Matches(prereqID, prereqName) {
			return EligibilityVerdict{}, false
		}
	}

	missing := prereqName
	if missing == "" {
		missing = prereqID
	}
	return EligibilityVerdict{
		Status: models.EligibilityIneligiblePrerequisite,
		Reason: fmt.Sprintf("Prerequisite course %s has not been completed", missing),
	}, true
}

func (s *EligibilityService) checkDuplicate(course *models.Course, history []models.Enrollment) (EligibilityVerdict, bool) {
	// Name equality is the unit of "the same course"; batches of one
	// course are duplicates of each other.
	var completed, failed, enrolled bool
	for _, e := range history {
		if e.CourseName != course.Name {
			continue
		}
		switch e.CompletionStatus {
		case models.CompletionCompleted:
			completed = true
		case models.CompletionFailed:
			failed = true
		default:
			enrolled = true
		}
	}

	switch {
	case completed:
		return EligibilityVerdict{
			Status: models.EligibilityIneligibleDuplicate,
			Reason: fmt.Sprintf("Already completed a batch of %s", course.Name),
		}, true
	case failed:
		return EligibilityVerdict{
			Status: models.EligibilityIneligibleDuplicate,
			Reason: fmt.Sprintf("Already taken a batch of %s, failed", course.Name),
		}, true
	case enrolled:
		return EligibilityVerdict{
			Status: models.EligibilityIneligibleDuplicate,
			Reason: fmt.Sprintf("Already enrolled in a batch of %s", course.Name),
		}, true
	}
	return EligibilityVerdict{}, false
}

func (s *EligibilityService) checkAnnualLimit(course *models.Course, history []models.Enrollment) (EligibilityVerdict, bool) {
	year := s.now().UTC().Year()
	for _, e := range history {
		if !e.CompletionStatus.Finished() {
			continue
		}
		if e.DeterminingDate().UTC().Year() != year {
			continue
		}
		wording := "taken"
		if e.CompletionStatus == models.CompletionCompleted {
			wording = "completed"
		}
		return EligibilityVerdict{
			Status: models.EligibilityIneligibleAnnualLimit,
			Reason: fmt.Sprintf("Already %s %s this year; one course per calendar year is permitted", wording, e.CourseName),
		}, true
	}
	return EligibilityVerdict{}, false
}
