package models

import "time"

// CourseStatus represents whether a course accepts enrollments.
type CourseStatus string

const (
	CourseStatusActive   CourseStatus = "active"
	CourseStatusInactive CourseStatus = "inactive"
)

// Course is a catalog record. CurrentEnrollment is owned exclusively by
// the catalog's reserve/release primitives; nothing else writes it.
type Course struct {
	ID                string       `db:"id" json:"id"`
	CourseCode        string       `db:"course_code" json:"course_code"`
	CourseName        string       `db:"course_name" json:"course_name"`
	Description       *string      `db:"description" json:"description,omitempty"`
	Credits           int          `db:"credits" json:"credits"`
	Instructor        *string      `db:"instructor" json:"instructor,omitempty"`
	MaxCapacity       int          `db:"max_capacity" json:"max_capacity"`
	CurrentEnrollment int          `db:"current_enrollment" json:"current_enrollment"`
	Status            CourseStatus `db:"status" json:"status"`
	CreatedAt         time.Time    `db:"created_at" json:"created_at"`
}

// SeatOutcome is the result of a reserve or release attempt.
type SeatOutcome string

const (
	SeatReserved SeatOutcome = "reserved"
	SeatReleased SeatOutcome = "released"
	SeatFull     SeatOutcome = "full"
	SeatInactive SeatOutcome = "inactive"
	SeatNotFound SeatOutcome = "not_found"
)

// CourseFilter provides filters for listing courses.
type CourseFilter struct {
	ActiveOnly bool
	Search     string
	Page       int
	PageSize   int
}
