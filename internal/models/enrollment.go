package models

import "time"

// EligibilityStatus is the rule-engine verdict snapshot computed once
// at creation or check time. It is never recomputed automatically.
type EligibilityStatus string

// Possible eligibility verdicts.
const (
	EligibilityPending                EligibilityStatus = "PENDING"
	EligibilityEligible               EligibilityStatus = "ELIGIBLE"
	EligibilityIneligiblePrerequisite EligibilityStatus = "INELIGIBLE_PREREQUISITE"
	EligibilityIneligibleDuplicate    EligibilityStatus = "INELIGIBLE_DUPLICATE"
	EligibilityIneligibleAnnualLimit  EligibilityStatus = "INELIGIBLE_ANNUAL_LIMIT"
)

// Valid returns true when the status is a supported value.
func (s EligibilityStatus) Valid() bool {
	switch s {
	case EligibilityPending, EligibilityEligible, EligibilityIneligiblePrerequisite,
		EligibilityIneligibleDuplicate, EligibilityIneligibleAnnualLimit:
		return true
	default:
		return false
	}
}

// ApprovalStatus is the governed lifecycle state of an enrollment.
type ApprovalStatus string

// Possible approval states. REJECTED is terminal; WITHDRAWN may return
// to APPROVED through reapproval.
const (
	ApprovalPending   ApprovalStatus = "PENDING"
	ApprovalApproved  ApprovalStatus = "APPROVED"
	ApprovalRejected  ApprovalStatus = "REJECTED"
	ApprovalWithdrawn ApprovalStatus = "WITHDRAWN"
)

// Valid returns true when the status is a supported value.
func (s ApprovalStatus) Valid() bool {
	switch s {
	case ApprovalPending, ApprovalApproved, ApprovalRejected, ApprovalWithdrawn:
		return true
	default:
		return false
	}
}

// CompletionStatus is derived from attendance and score inputs once an
// enrollment is approved.
type CompletionStatus string

// Possible completion states.
const (
	CompletionNotStarted CompletionStatus = "NOT_STARTED"
	CompletionInProgress CompletionStatus = "IN_PROGRESS"
	CompletionCompleted  CompletionStatus = "COMPLETED"
	CompletionFailed     CompletionStatus = "FAILED"
)

// Valid returns true when the status is a supported value.
func (s CompletionStatus) Valid() bool {
	switch s {
	case CompletionNotStarted, CompletionInProgress, CompletionCompleted, CompletionFailed:
		return true
	default:
		return false
	}
}

// Finished reports whether the completion outcome counts against the
// annual one-course policy.
func (s CompletionStatus) Finished() bool {
	return s == CompletionCompleted || s == CompletionFailed
}

// Enrollment captures an employee's registration to a course batch.
// The CourseRef snapshot is captured at creation; CourseID inside it
// becomes nil when the course row is later deleted while the name and
// batch code persist. Records are never hard-deleted.
type Enrollment struct {
	ID        string `db:"id" json:"id"`
	StudentID string `db:"student_id" json:"student_id"`
	CourseRef

	EligibilityStatus EligibilityStatus `db:"eligibility_status" json:"eligibility_status"`
	EligibilityReason *string           `db:"eligibility_reason" json:"eligibility_reason,omitempty"`

	ApprovalStatus ApprovalStatus `db:"approval_status" json:"approval_status"`
	ApprovedBy     *string        `db:"approved_by" json:"approved_by,omitempty"`
	ApprovedAt     *time.Time     `db:"approved_at" json:"approved_at,omitempty"`
	StatusReason   *string        `db:"status_reason" json:"status_reason,omitempty"`

	CompletionStatus  CompletionStatus `db:"completion_status" json:"completion_status"`
	Score             *float64         `db:"score" json:"score,omitempty"`
	ClassesAttended   *int             `db:"classes_attended" json:"classes_attended,omitempty"`
	ClassesTotal      *int             `db:"classes_total" json:"classes_total,omitempty"`
	AttendancePercent *float64         `db:"attendance_percent" json:"attendance_percent,omitempty"`
	CompletedAt       *time.Time       `db:"completed_at" json:"completed_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// DeterminingDate is the timestamp used by the annual-limit rule:
// approval time when present, creation time otherwise.
func (e *Enrollment) DeterminingDate() time.Time {
	if e.ApprovedAt != nil {
		return *e.ApprovedAt
	}
	return e.CreatedAt
}

// EnrollmentDetail enriches Enrollment with student info for API reads.
type EnrollmentDetail struct {
	Enrollment
	StudentName       string `db:"student_name" json:"student_name"`
	StudentEmployeeID string `db:"student_employee_id" json:"student_employee_id"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID        string
	CourseID         string
	ApprovalStatus   ApprovalStatus
	CompletionStatus CompletionStatus
	Page             int
	PageSize         int
	SortBy           string
	SortOrder        string
}

// BulkApprovalError records a single failed item in a bulk approval.
type BulkApprovalError struct {
	EnrollmentID string `json:"enrollment_id"`
	Code         string `json:"code"`
	Message      string `json:"message"`
}

// BulkApprovalResult aggregates a bulk approval run. Items fail
// independently; one item's error never rolls back its siblings.
type BulkApprovalResult struct {
	ApprovedCount int                 `json:"approved_count"`
	RejectedCount int                 `json:"rejected_count"`
	Errors        []BulkApprovalError `json:"errors"`
}
