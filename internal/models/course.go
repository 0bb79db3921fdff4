package models

import "time"

// CourseStatus represents the delivery state of a course batch.
type CourseStatus string

// Possible course statuses.
const (
	CourseStatusDraft     CourseStatus = "DRAFT"
	CourseStatusOngoing   CourseStatus = "ONGOING"
	CourseStatusCompleted CourseStatus = "COMPLETED"
)

// Valid returns true when the status is a supported value.
func (s CourseStatus) Valid() bool {
	switch s {
	case CourseStatusDraft, CourseStatusOngoing, CourseStatusCompleted:
		return true
	default:
		return false
	}
}

// Course represents a training course batch. Name and batch code are
// jointly unique; different batches of one course share a name.
// Identity rows are owned by the external LMS sync. CurrentEnrolled is
// the live count of APPROVED enrollments and may only be mutated
// through the course repository's seat adjustment primitive.
type Course struct {
	ID                   string       `db:"id" json:"id"`
	Name                 string       `db:"name" json:"name"`
	BatchCode            string       `db:"batch_code" json:"batch_code"`
	SeatLimit            int          `db:"seat_limit" json:"seat_limit"`
	CurrentEnrolled      int          `db:"current_enrolled" json:"current_enrolled"`
	PrerequisiteCourseID *string      `db:"prerequisite_course_id" json:"prerequisite_course_id,omitempty"`
	Status               CourseStatus `db:"status" json:"status"`
	CreatedAt            time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time    `db:"updated_at" json:"updated_at"`
}

// SeatsAvailable reports whether the course still has free capacity.
func (c *Course) SeatsAvailable() bool {
	return c.CurrentEnrolled < c.SeatLimit
}

// CourseRef is the immutable course snapshot captured on an enrollment
// at creation time. It keeps the record meaningful after the live
// course row is deleted.
type CourseRef struct {
	CourseID   *string `db:"course_id" json:"course_id,omitempty"`
	CourseName string  `db:"course_name" json:"course_name"`
	BatchCode  string  `db:"batch_code" json:"batch_code"`
}

// NewCourseRef captures a snapshot from a live course row.
func NewCourseRef(course *Course) CourseRef {
	id := course.ID
	return CourseRef{CourseID: &id, CourseName: course.Name, BatchCode: course.BatchCode}
}

// Matches reports whether the reference points at the given course id
// or, when the live reference is gone, carries the given course name.
func (r CourseRef) Matches(courseID, courseName string) bool {
	if r.CourseID != nil && *r.CourseID == courseID {
		return true
	}
	return r.CourseName == courseName
}
