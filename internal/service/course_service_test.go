package service

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edutrack/edutrack-api/internal/models"
	appErrors "github.com/edutrack/edutrack-api/pkg/errors"
)

// fakeCourseRepo keeps catalog rows in memory with the same seat
// semantics the SQL layer provides.
type fakeCourseRepo struct {
	mu      sync.Mutex
	courses map[string]*models.Course
}

func newFakeCourseRepo() *fakeCourseRepo {
	return &fakeCourseRepo{courses: make(map[string]*models.Course)}
}

func (r *fakeCourseRepo) List(ctx context.Context, filter models.CourseFilter) ([]models.Course, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Course
	for _, c := range r.courses {
		if filter.ActiveOnly && c.Status != models.CourseStatusActive {
			continue
		}
		out = append(out, *c)
	}
	return out, len(out), nil
}

func (r *fakeCourseRepo) FindByID(ctx context.Context, id string) (*models.Course, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.courses[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *c
	return &clone, nil
}

func (r *fakeCourseRepo) ExistsByCode(ctx context.Context, code, excludeID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.courses {
		if c.CourseCode == code && c.ID != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeCourseRepo) Create(ctx context.Context, course *models.Course) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if course.ID == "" {
		course.ID = uuid.NewString()
	}
	clone := *course
	r.courses[course.ID] = &clone
	return nil
}

func (r *fakeCourseRepo) Update(ctx context.Context, course *models.Course) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.courses[course.ID]
	if !ok {
		return sql.ErrNoRows
	}
	// Capacity and the seat counter are never written by Update.
	existing.CourseCode = course.CourseCode
	existing.CourseName = course.CourseName
	existing.Description = course.Description
	existing.Credits = course.Credits
	existing.Instructor = course.Instructor
	existing.Status = course.Status
	return nil
}

func (r *fakeCourseRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.courses[id]; !ok {
		return sql.ErrNoRows
	}
	delete(r.courses, id)
	return nil
}

func (r *fakeCourseRepo) ReserveSeat(ctx context.Context, id string) (models.SeatOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.courses[id]
	if !ok {
		return models.SeatNotFound, nil
	}
	if c.Status != models.CourseStatusActive {
		return models.SeatInactive, nil
	}
	if c.CurrentEnrollment >= c.MaxCapacity {
		return models.SeatFull, nil
	}
	c.CurrentEnrollment++
	return models.SeatReserved, nil
}

func (r *fakeCourseRepo) ReleaseSeat(ctx context.Context, id string) (models.SeatOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.courses[id]
	if !ok {
		return models.SeatNotFound, nil
	}
	if c.CurrentEnrollment > 0 {
		c.CurrentEnrollment--
	}
	return models.SeatReleased, nil
}

type fakeCourseDropper struct {
	calls int
	err   error
}

func (d *fakeCourseDropper) DropByCourse(ctx context.Context, courseID string) error {
	d.calls++
	return d.err
}

func TestCourseServiceCreateDefaultsCredits(t *testing.T) {
	repo := newFakeCourseRepo()
	svc := NewCourseService(repo, nil, nil, nil)

	course, err := svc.Create(context.Background(), CreateCourseRequest{
		CourseCode:  "CS101",
		CourseName:  "Intro to CS",
		MaxCapacity: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, course.Credits)
	assert.Equal(t, models.CourseStatusActive, course.Status)
	assert.Equal(t, 0, course.CurrentEnrollment)
}

func TestCourseServiceCreateRejectsDuplicateCode(t *testing.T) {
	repo := newFakeCourseRepo()
	svc := NewCourseService(repo, nil, nil, nil)

	_, err := svc.Create(context.Background(), CreateCourseRequest{CourseCode: "CS101", CourseName: "A", MaxCapacity: 10})
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), CreateCourseRequest{CourseCode: "CS101", CourseName: "B", MaxCapacity: 10})
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
}

func TestCourseServiceUpdateCannotTouchCapacity(t *testing.T) {
	repo := newFakeCourseRepo()
	svc := NewCourseService(repo, nil, nil, nil)

	course, err := svc.Create(context.Background(), CreateCourseRequest{CourseCode: "CS101", CourseName: "A", MaxCapacity: 30})
	require.NoError(t, err)
	repo.courses[course.ID].CurrentEnrollment = 5

	name := "Algorithms"
	status := "inactive"
	updated, err := svc.Update(context.Background(), course.ID, UpdateCourseRequest{CourseName: &name, Status: &status})
	require.NoError(t, err)
	assert.Equal(t, "Algorithms", updated.CourseName)
	assert.Equal(t, models.CourseStatusInactive, updated.Status)

	stored, err := repo.FindByID(context.Background(), course.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, stored.MaxCapacity)
	assert.Equal(t, 5, stored.CurrentEnrollment)
}

func TestCourseServiceReserveSeatOutcomes(t *testing.T) {
	repo := newFakeCourseRepo()
	svc := NewCourseService(repo, nil, nil, nil)

	course, err := svc.Create(context.Background(), CreateCourseRequest{CourseCode: "CS101", CourseName: "A", MaxCapacity: 1})
	require.NoError(t, err)

	got, err := svc.ReserveSeat(context.Background(), course.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentEnrollment)

	_, err = svc.ReserveSeat(context.Background(), course.ID)
	assert.True(t, appErrors.Is(err, appErrors.ErrCourseFull))

	repo.courses[course.ID].Status = models.CourseStatusInactive
	_, err = svc.ReserveSeat(context.Background(), course.ID)
	assert.True(t, appErrors.Is(err, appErrors.ErrCourseInactive))

	_, err = svc.ReserveSeat(context.Background(), uuid.NewString())
	assert.True(t, appErrors.Is(err, appErrors.ErrCourseNotFound))
}

func TestCourseServiceReleaseSeatFloorsAtZero(t *testing.T) {
	repo := newFakeCourseRepo()
	svc := NewCourseService(repo, nil, nil, nil)

	course, err := svc.Create(context.Background(), CreateCourseRequest{CourseCode: "CS101", CourseName: "A", MaxCapacity: 5})
	require.NoError(t, err)

	got, err := svc.ReleaseSeat(context.Background(), course.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentEnrollment)

	_, err = svc.ReleaseSeat(context.Background(), uuid.NewString())
	assert.True(t, appErrors.Is(err, appErrors.ErrCourseNotFound))
}

func TestCourseServiceDeleteCascadesThroughDropper(t *testing.T) {
	repo := newFakeCourseRepo()
	dropper := &fakeCourseDropper{}
	svc := NewCourseService(repo, dropper, nil, nil)

	course, err := svc.Create(context.Background(), CreateCourseRequest{CourseCode: "CS101", CourseName: "A", MaxCapacity: 5})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), course.ID))
	assert.Equal(t, 1, dropper.calls)
	_, err = svc.Get(context.Background(), course.ID)
	assert.True(t, appErrors.Is(err, appErrors.ErrCourseNotFound))
}

func TestCourseServiceDeleteAbortsWhenCascadeFails(t *testing.T) {
	repo := newFakeCourseRepo()
	dropper := &fakeCourseDropper{err: appErrors.Clone(appErrors.ErrDependencyUnavailable, "enrollment service down")}
	svc := NewCourseService(repo, dropper, nil, nil)

	course, err := svc.Create(context.Background(), CreateCourseRequest{CourseCode: "CS101", CourseName: "A", MaxCapacity: 5})
	require.NoError(t, err)

	err = svc.Delete(context.Background(), course.ID)
	assert.True(t, appErrors.Is(err, appErrors.ErrDependencyUnavailable))
	// Course survives the failed cascade.
	_, getErr := svc.Get(context.Background(), course.ID)
	assert.NoError(t, getErr)
}
