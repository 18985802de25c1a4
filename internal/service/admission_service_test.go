package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edutrack/edutrack-api/internal/models"
	"github.com/edutrack/edutrack-api/internal/repository"
	appErrors "github.com/edutrack/edutrack-api/pkg/errors"
)

// fakeDirectory serves student lookups from a map.
type fakeDirectory struct {
	mu       sync.Mutex
	students map[string]*models.Student
	err      error
}

func (d *fakeDirectory) Get(ctx context.Context, id string) (*models.Student, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	student, ok := d.students[id]
	if !ok {
		return nil, appErrors.ErrStudentNotFound
	}
	clone := *student
	return &clone, nil
}

// fakeCatalog mirrors the catalog's atomic seat accounting: reserve only
// succeeds under capacity on an active course, release floors at zero.
type fakeCatalog struct {
	mu      sync.Mutex
	courses map[string]*models.Course

	reserveErr      error
	releaseFailures int
	releaseErr      error
	releases        int
}

func (c *fakeCatalog) Get(ctx context.Context, id string) (*models.Course, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	course, ok := c.courses[id]
	if !ok {
		return nil, appErrors.ErrCourseNotFound
	}
	clone := *course
	return &clone, nil
}

func (c *fakeCatalog) ReserveSeat(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reserveErr != nil {
		return c.reserveErr
	}
	course, ok := c.courses[id]
	if !ok {
		return appErrors.ErrCourseNotFound
	}
	if course.Status != models.CourseStatusActive {
		return appErrors.ErrCourseInactive
	}
	if course.CurrentEnrollment >= course.MaxCapacity {
		return appErrors.ErrCourseFull
	}
	course.CurrentEnrollment++
	return nil
}

func (c *fakeCatalog) ReleaseSeat(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.releaseFailures != 0 {
		if c.releaseFailures > 0 {
			c.releaseFailures--
		}
		return c.releaseErr
	}
	course, ok := c.courses[id]
	if !ok {
		return appErrors.ErrCourseNotFound
	}
	if course.CurrentEnrollment > 0 {
		course.CurrentEnrollment--
	}
	c.releases++
	return nil
}

func (c *fakeCatalog) seats(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.courses[id].CurrentEnrollment
}

func (c *fakeCatalog) releaseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releases
}

// fakeEnrollmentStore enforces the active-pair uniqueness the partial
// index provides in production.
type fakeEnrollmentStore struct {
	mu         sync.Mutex
	rows       map[string]*models.Enrollment
	createErr  error
	existsHook func()
	findHook   func()
}

func newFakeEnrollmentStore() *fakeEnrollmentStore {
	return &fakeEnrollmentStore{rows: make(map[string]*models.Enrollment)}
}

func (s *fakeEnrollmentStore) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var details []models.EnrollmentDetail
	for _, e := range s.rows {
		if filter.StudentID != "" && e.StudentID != filter.StudentID {
			continue
		}
		if filter.CourseID != "" && e.CourseID != filter.CourseID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		details = append(details, models.EnrollmentDetail{Enrollment: *e})
	}
	sort.Slice(details, func(i, j int) bool { return details[i].ID < details[j].ID })

	// Same paging rules as the production repository.
	total := len(details)
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	start := (page - 1) * size
	if start >= total {
		return nil, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return details[start:end], total, nil
}

func (s *fakeEnrollmentStore) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	if s.findHook != nil {
		s.findHook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *e
	return &clone, nil
}

func (s *fakeEnrollmentStore) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &models.EnrollmentDetail{Enrollment: *e}, nil
}

func (s *fakeEnrollmentStore) ExistsActive(ctx context.Context, studentID, courseID string) (bool, error) {
	if s.existsHook != nil {
		s.existsHook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeExistsLocked(studentID, courseID), nil
}

func (s *fakeEnrollmentStore) activeExistsLocked(studentID, courseID string) bool {
	for _, e := range s.rows {
		if e.StudentID == studentID && e.CourseID == courseID && e.Status == models.EnrollmentStatusEnrolled {
			return true
		}
	}
	return false
}

func (s *fakeEnrollmentStore) Create(ctx context.Context, enrollment *models.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if s.activeExistsLocked(enrollment.StudentID, enrollment.CourseID) {
		return repository.ErrDuplicateActiveEnrollment
	}
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	if enrollment.Status == "" {
		enrollment.Status = models.EnrollmentStatusEnrolled
	}
	clone := *enrollment
	s.rows[enrollment.ID] = &clone
	return nil
}

func (s *fakeEnrollmentStore) MarkDropped(ctx context.Context, id string, droppedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok || e.Status != models.EnrollmentStatusEnrolled {
		return repository.ErrEnrollmentNotActive
	}
	e.Status = models.EnrollmentStatusDropped
	e.DroppedAt = &droppedAt
	return nil
}

func (s *fakeEnrollmentStore) Complete(ctx context.Context, id string, grade *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok || e.Status != models.EnrollmentStatusEnrolled {
		return repository.ErrEnrollmentNotActive
	}
	if grade != nil {
		e.Grade = grade
	}
	e.Status = models.EnrollmentStatusCompleted
	return nil
}

func (s *fakeEnrollmentStore) UpdateGrade(ctx context.Context, id string, grade *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return sql.ErrNoRows
	}
	if grade != nil {
		e.Grade = grade
	}
	return nil
}

func (s *fakeEnrollmentStore) ListActiveByStudent(ctx context.Context, studentID string) ([]models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Enrollment
	for _, e := range s.rows {
		if e.StudentID == studentID && e.Status == models.EnrollmentStatusEnrolled {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *fakeEnrollmentStore) ListActiveByCourse(ctx context.Context, courseID string) ([]models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Enrollment
	for _, e := range s.rows {
		if e.CourseID == courseID && e.Status == models.EnrollmentStatusEnrolled {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *fakeEnrollmentStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func newAdmissionFixture() (*AdmissionService, *fakeDirectory, *fakeCatalog, *fakeEnrollmentStore) {
	studentID := uuid.NewString()
	courseID := uuid.NewString()
	directory := &fakeDirectory{students: map[string]*models.Student{
		studentID: {ID: studentID, Name: "Ada Lovelace", Email: "ada@example.com"},
	}}
	catalog := &fakeCatalog{courses: map[string]*models.Course{
		courseID: {ID: courseID, CourseCode: "CS101", CourseName: "Intro to CS",
			MaxCapacity: 30, Status: models.CourseStatusActive},
	}}
	store := newFakeEnrollmentStore()
	svc := NewAdmissionService(store, directory, catalog, nil, zap.NewNop(), nil, AdmissionOptions{
		CompensationRetries: 2,
		CompensationDelay:   time.Millisecond,
	})
	return svc, directory, catalog, store
}

func fixtureIDs(directory *fakeDirectory, catalog *fakeCatalog) (string, string) {
	var studentID, courseID string
	for id := range directory.students {
		studentID = id
	}
	for id := range catalog.courses {
		courseID = id
	}
	return studentID, courseID
}

func TestEnrollAdmitsAndCountsSeat(t *testing.T) {
	svc, directory, catalog, store := newAdmissionFixture()
	studentID, courseID := fixtureIDs(directory, catalog)

	detail, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID, CourseID: courseID})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusEnrolled, detail.Status)
	assert.Equal(t, 1, catalog.seats(courseID))
	assert.Equal(t, 1, store.count())
}

func TestEnrollRejectsMalformedIDs(t *testing.T) {
	svc, _, _, store := newAdmissionFixture()

	_, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: "not-a-uuid", CourseID: "also-bad"})
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidArgument))
	assert.Equal(t, 0, store.count())
}

func TestEnrollUnknownStudentTouchesNoSeat(t *testing.T) {
	svc, directory, catalog, store := newAdmissionFixture()
	_, courseID := fixtureIDs(directory, catalog)

	_, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: uuid.NewString(), CourseID: courseID})
	assert.True(t, appErrors.Is(err, appErrors.ErrStudentNotFound))
	assert.Equal(t, 0, catalog.seats(courseID))
	assert.Equal(t, 0, store.count())
}

func TestEnrollInactiveCourse(t *testing.T) {
	svc, directory, catalog, _ := newAdmissionFixture()
	studentID, courseID := fixtureIDs(directory, catalog)
	catalog.courses[courseID].Status = models.CourseStatusInactive

	_, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID, CourseID: courseID})
	assert.True(t, appErrors.Is(err, appErrors.ErrCourseInactive))
	assert.Equal(t, 0, catalog.seats(courseID))
}

func TestEnrollNeverExceedsCapacityUnderContention(t *testing.T) {
	svc, directory, catalog, store := newAdmissionFixture()
	_, courseID := fixtureIDs(directory, catalog)
	catalog.courses[courseID].MaxCapacity = 3

	const attempts = 10
	students := make([]string, attempts)
	for i := range students {
		id := uuid.NewString()
		students[i] = id
		directory.mu.Lock()
		directory.students[id] = &models.Student{ID: id, Name: "Student", Email: id + "@example.com"}
		directory.mu.Unlock()
	}

	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for _, studentID := range students {
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			_, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: sid, CourseID: courseID})
			results <- err
		}(studentID)
	}
	wg.Wait()
	close(results)

	admitted, full := 0, 0
	for err := range results {
		switch {
		case err == nil:
			admitted++
		case appErrors.Is(err, appErrors.ErrCourseFull):
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 3, admitted)
	assert.Equal(t, attempts-3, full)
	assert.Equal(t, 3, catalog.seats(courseID))
	assert.Equal(t, 3, store.count())
}

func TestEnrollDuplicateRaceCompensatesSeat(t *testing.T) {
	svc, directory, catalog, store := newAdmissionFixture()
	studentID, courseID := fixtureIDs(directory, catalog)

	// Hold both attempts at the duplicate pre-check so each sees no
	// existing row; the insert must then arbitrate and the loser must
	// return its reserved seat.
	var barrier sync.WaitGroup
	barrier.Add(2)
	store.existsHook = func() {
		barrier.Done()
		barrier.Wait()
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID, CourseID: courseID})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	admitted, duplicate := 0, 0
	for err := range results {
		switch {
		case err == nil:
			admitted++
		case appErrors.Is(err, appErrors.ErrAlreadyEnrolled):
			duplicate++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, admitted)
	assert.Equal(t, 1, duplicate)
	assert.Equal(t, 1, catalog.seats(courseID))
	assert.Equal(t, 1, store.count())
}

func TestEnrollInsertFailureRollsBackSeat(t *testing.T) {
	svc, directory, catalog, store := newAdmissionFixture()
	studentID, courseID := fixtureIDs(directory, catalog)
	store.createErr = errors.New("connection reset")

	_, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID, CourseID: courseID})
	assert.True(t, appErrors.Is(err, appErrors.ErrInternal))
	assert.Equal(t, 0, catalog.seats(courseID))
}

func TestEnrollAmbiguousReserveFailsClosed(t *testing.T) {
	svc, directory, catalog, store := newAdmissionFixture()
	studentID, courseID := fixtureIDs(directory, catalog)
	catalog.reserveErr = appErrors.Clone(appErrors.ErrDependencyUnavailable, "timeout")

	_, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID, CourseID: courseID})
	assert.True(t, appErrors.Is(err, appErrors.ErrDependencyUnavailable))
	assert.Equal(t, 0, store.count())
}

func TestDropReleasesSeatAndKeepsHistory(t *testing.T) {
	svc, directory, catalog, store := newAdmissionFixture()
	studentID, courseID := fixtureIDs(directory, catalog)

	detail, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID, CourseID: courseID})
	require.NoError(t, err)
	require.Equal(t, 1, catalog.seats(courseID))

	dropped, err := svc.Drop(context.Background(), detail.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusDropped, dropped.Status)
	require.NotNil(t, dropped.DroppedAt)
	assert.Equal(t, 0, catalog.seats(courseID))

	// The pair is free again; re-enrollment creates a second row while
	// the dropped one survives as history.
	_, err = svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID, CourseID: courseID})
	require.NoError(t, err)
	assert.Equal(t, 1, catalog.seats(courseID))
	assert.Equal(t, 2, store.count())
}

func TestDropMissingEnrollment(t *testing.T) {
	svc, _, _, _ := newAdmissionFixture()

	_, err := svc.Drop(context.Background(), uuid.NewString())
	assert.True(t, appErrors.Is(err, appErrors.ErrEnrollmentNotFound))
}

func TestDropTwiceIsRejected(t *testing.T) {
	svc, directory, catalog, _ := newAdmissionFixture()
	studentID, courseID := fixtureIDs(directory, catalog)

	detail, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID, CourseID: courseID})
	require.NoError(t, err)
	_, err = svc.Drop(context.Background(), detail.ID)
	require.NoError(t, err)

	_, err = svc.Drop(context.Background(), detail.ID)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotActive))
	assert.Equal(t, 0, catalog.seats(courseID))
}

func TestConcurrentDropsReleaseSeatOnce(t *testing.T) {
	svc, directory, catalog, store := newAdmissionFixture()
	studentID, courseID := fixtureIDs(directory, catalog)

	detail, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID, CourseID: courseID})
	require.NoError(t, err)
	require.Equal(t, 1, catalog.seats(courseID))

	// Hold both drops at the status read so each sees the row enrolled;
	// the conditional update must then let exactly one proceed to the
	// seat release.
	var barrier sync.WaitGroup
	barrier.Add(2)
	store.findHook = func() {
		barrier.Done()
		barrier.Wait()
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Drop(context.Background(), detail.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)
	store.findHook = nil

	dropped, rejected := 0, 0
	for err := range results {
		switch {
		case err == nil:
			dropped++
		case appErrors.Is(err, appErrors.ErrNotActive):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 1, catalog.releaseCount())
	assert.Equal(t, 0, catalog.seats(courseID))
}

func TestDropRacingCompletionVacatesSeatOnce(t *testing.T) {
	svc, directory, catalog, store := newAdmissionFixture()
	studentID, courseID := fixtureIDs(directory, catalog)

	detail, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID, CourseID: courseID})
	require.NoError(t, err)

	var barrier sync.WaitGroup
	barrier.Add(2)
	store.findHook = func() {
		barrier.Done()
		barrier.Wait()
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := svc.Drop(context.Background(), detail.ID)
		results <- err
	}()
	go func() {
		defer wg.Done()
		status := "completed"
		_, err := svc.Update(context.Background(), detail.ID, UpdateEnrollmentRequest{Status: &status})
		results <- err
	}()
	wg.Wait()
	close(results)
	store.findHook = nil

	won, lost := 0, 0
	for err := range results {
		switch {
		case err == nil:
			won++
		case appErrors.Is(err, appErrors.ErrNotActive):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, lost)
	assert.Equal(t, 1, catalog.releaseCount())
	assert.Equal(t, 0, catalog.seats(courseID))
}

func TestDropSurfacesUnreleasedSeat(t *testing.T) {
	svc, directory, catalog, store := newAdmissionFixture()
	studentID, courseID := fixtureIDs(directory, catalog)

	detail, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID, CourseID: courseID})
	require.NoError(t, err)

	catalog.releaseFailures = -1 // fail every release attempt
	catalog.releaseErr = appErrors.Clone(appErrors.ErrDependencyUnavailable, "catalog down")

	_, err = svc.Drop(context.Background(), detail.ID)
	assert.True(t, appErrors.Is(err, appErrors.ErrInconsistent))
	// The row is already dropped; only the counter is stale and flagged.
	e, findErr := store.FindByID(context.Background(), detail.ID)
	require.NoError(t, findErr)
	assert.Equal(t, models.EnrollmentStatusDropped, e.Status)
}

func TestDropRetriesTransientReleaseFailure(t *testing.T) {
	svc, directory, catalog, _ := newAdmissionFixture()
	studentID, courseID := fixtureIDs(directory, catalog)

	detail, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID, CourseID: courseID})
	require.NoError(t, err)

	catalog.releaseFailures = 1 // first attempt fails, retry succeeds
	catalog.releaseErr = appErrors.Clone(appErrors.ErrDependencyUnavailable, "blip")

	dropped, err := svc.Drop(context.Background(), detail.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusDropped, dropped.Status)
	assert.Equal(t, 0, catalog.seats(courseID))
}

func TestCompleteEnrollmentReleasesSeat(t *testing.T) {
	svc, directory, catalog, _ := newAdmissionFixture()
	studentID, courseID := fixtureIDs(directory, catalog)

	detail, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID, CourseID: courseID})
	require.NoError(t, err)

	grade := "A"
	status := "completed"
	updated, err := svc.Update(context.Background(), detail.ID, UpdateEnrollmentRequest{Grade: &grade, Status: &status})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusCompleted, updated.Status)
	require.NotNil(t, updated.Grade)
	assert.Equal(t, "A", *updated.Grade)
	assert.Equal(t, 0, catalog.seats(courseID))
}

func TestUpdateRequiresSomeField(t *testing.T) {
	svc, directory, catalog, _ := newAdmissionFixture()
	studentID, courseID := fixtureIDs(directory, catalog)

	detail, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID, CourseID: courseID})
	require.NoError(t, err)

	_, err = svc.Update(context.Background(), detail.ID, UpdateEnrollmentRequest{})
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidArgument))
}

func TestDropAllForStudentReleasesEverySeat(t *testing.T) {
	svc, directory, catalog, store := newAdmissionFixture()
	studentID, courseID := fixtureIDs(directory, catalog)

	secondCourse := uuid.NewString()
	catalog.mu.Lock()
	catalog.courses[secondCourse] = &models.Course{ID: secondCourse, CourseCode: "CS201",
		CourseName: "Data Structures", MaxCapacity: 10, Status: models.CourseStatusActive}
	catalog.mu.Unlock()

	_, err := svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID, CourseID: courseID})
	require.NoError(t, err)
	_, err = svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID, CourseID: secondCourse})
	require.NoError(t, err)

	dropped, err := svc.DropAllForStudent(context.Background(), studentID)
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)
	assert.Equal(t, 0, catalog.seats(courseID))
	assert.Equal(t, 0, catalog.seats(secondCourse))

	active, err := store.ListActiveByStudent(context.Background(), studentID)
	require.NoError(t, err)
	assert.Empty(t, active)
}
