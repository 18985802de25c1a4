package client

import (
	"context"
	"net/http"
	"time"

	"github.com/edutrack/edutrack-api/internal/models"
	appErrors "github.com/edutrack/edutrack-api/pkg/errors"
)

// StudentClient talks to the student directory service.
type StudentClient struct {
	httpClient
}

// NewStudentClient constructs a client against the directory base URL.
func NewStudentClient(baseURL string, timeout time.Duration) *StudentClient {
	return &StudentClient{newHTTPClient(baseURL, timeout)}
}

// Get fetches a student by id. A missing record comes back as
// ErrStudentNotFound; an unreachable directory as ErrDependencyUnavailable.
func (c *StudentClient) Get(ctx context.Context, id string) (*models.Student, error) {
	var student models.Student
	if err := c.do(ctx, http.MethodGet, "/students/"+id, &student); err != nil {
		if appErrors.FromError(err).Status == http.StatusNotFound {
			return nil, appErrors.ErrStudentNotFound
		}
		return nil, err
	}
	return &student, nil
}
