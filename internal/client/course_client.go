package client

import (
	"context"
	"net/http"
	"time"

	"github.com/edutrack/edutrack-api/internal/models"
	appErrors "github.com/edutrack/edutrack-api/pkg/errors"
)

// CourseClient talks to the course catalog service. ReserveSeat and
// ReleaseSeat are the only paths through which any other service may
// move a course's seat counter.
type CourseClient struct {
	httpClient
}

// NewCourseClient constructs a client against the catalog base URL.
func NewCourseClient(baseURL string, timeout time.Duration) *CourseClient {
	return &CourseClient{newHTTPClient(baseURL, timeout)}
}

// Get fetches a course by id.
func (c *CourseClient) Get(ctx context.Context, id string) (*models.Course, error) {
	var course models.Course
	if err := c.do(ctx, http.MethodGet, "/courses/"+id, &course); err != nil {
		if appErrors.FromError(err).Status == http.StatusNotFound {
			return nil, appErrors.ErrCourseNotFound
		}
		return nil, err
	}
	return &course, nil
}

// ReserveSeat claims one seat. nil means the reservation landed; typed
// errors report full, inactive or missing courses. A transport failure
// is ambiguous: the increment may have landed, and callers must not
// blindly retry.
func (c *CourseClient) ReserveSeat(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodPost, "/courses/"+id+"/reserve", nil)
	if err == nil {
		return nil
	}
	switch appErrors.FromError(err).Code {
	case appErrors.ErrCourseFull.Code:
		return appErrors.ErrCourseFull
	case appErrors.ErrCourseInactive.Code:
		return appErrors.ErrCourseInactive
	case appErrors.ErrCourseNotFound.Code, appErrors.ErrNotFound.Code:
		return appErrors.ErrCourseNotFound
	}
	if appErrors.FromError(err).Status == http.StatusNotFound {
		return appErrors.ErrCourseNotFound
	}
	return err
}

// ReleaseSeat returns one seat.
func (c *CourseClient) ReleaseSeat(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodPost, "/courses/"+id+"/release", nil)
	if err == nil {
		return nil
	}
	if appErrors.FromError(err).Status == http.StatusNotFound {
		return appErrors.ErrCourseNotFound
	}
	return err
}
