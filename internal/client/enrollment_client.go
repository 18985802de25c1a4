package client

import (
	"context"
	"net/http"
	"time"
)

// EnrollmentClient lets the student and course services cascade record
// deletions through the admission controller's drop path, so seats are
// released instead of being leaked by a raw storage cascade.
type EnrollmentClient struct {
	httpClient
}

// NewEnrollmentClient constructs a client against the enrollment base URL.
func NewEnrollmentClient(baseURL string, timeout time.Duration) *EnrollmentClient {
	return &EnrollmentClient{newHTTPClient(baseURL, timeout)}
}

// DropByStudent drops every active enrollment held by the student.
func (c *EnrollmentClient) DropByStudent(ctx context.Context, studentID string) error {
	return c.do(ctx, http.MethodDelete, "/internal/enrollments/student/"+studentID, nil)
}

// DropByCourse drops every active enrollment in the course.
func (c *EnrollmentClient) DropByCourse(ctx context.Context, courseID string) error {
	return c.do(ctx, http.MethodDelete, "/internal/enrollments/course/"+courseID, nil)
}
