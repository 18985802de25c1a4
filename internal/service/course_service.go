package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/edutrack/edutrack-api/internal/models"
	appErrors "github.com/edutrack/edutrack-api/pkg/errors"
)

type courseRepository interface {
	List(ctx context.Context, filter models.CourseFilter) ([]models.Course, int, error)
	FindByID(ctx context.Context, id string) (*models.Course, error)
	ExistsByCode(ctx context.Context, code, excludeID string) (bool, error)
	Create(ctx context.Context, course *models.Course) error
	Update(ctx context.Context, course *models.Course) error
	Delete(ctx context.Context, id string) error
	ReserveSeat(ctx context.Context, id string) (models.SeatOutcome, error)
	ReleaseSeat(ctx context.Context, id string) (models.SeatOutcome, error)
}

type courseEnrollmentDropper interface {
	DropByCourse(ctx context.Context, courseID string) error
}

// CreateCourseRequest describes catalog creation.
type CreateCourseRequest struct {
	CourseCode  string  `json:"course_code" validate:"required,max=20"`
	CourseName  string  `json:"course_name" validate:"required,max=200"`
	Description *string `json:"description,omitempty"`
	Credits     int     `json:"credits" validate:"omitempty,min=0,max=30"`
	Instructor  *string `json:"instructor,omitempty" validate:"omitempty,max=120"`
	MaxCapacity int     `json:"max_capacity" validate:"required,min=1"`
}

// UpdateCourseRequest describes catalog updates. Capacity is immutable
// after creation and the seat counter belongs to reserve/release, so
// neither appears here.
type UpdateCourseRequest struct {
	CourseCode  *string `json:"course_code,omitempty" validate:"omitempty,max=20"`
	CourseName  *string `json:"course_name,omitempty" validate:"omitempty,max=200"`
	Description *string `json:"description,omitempty"`
	Credits     *int    `json:"credits,omitempty" validate:"omitempty,min=0,max=30"`
	Instructor  *string `json:"instructor,omitempty" validate:"omitempty,max=120"`
	Status      *string `json:"status,omitempty" validate:"omitempty,oneof=active inactive"`
}

// CourseService implements catalog use cases, including the two seat
// accounting primitives consumed by the admission controller.
type CourseService struct {
	repo        courseRepository
	enrollments courseEnrollmentDropper
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewCourseService constructs CourseService.
func NewCourseService(repo courseRepository, enrollments courseEnrollmentDropper, validate *validator.Validate, logger *zap.Logger) *CourseService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CourseService{repo: repo, enrollments: enrollments, validator: validate, logger: logger}
}

// List returns courses with pagination metadata.
func (s *CourseService) List(ctx context.Context, filter models.CourseFilter) ([]models.Course, *models.Pagination, error) {
	courses, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list courses")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return courses, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns one course.
func (s *CourseService) Get(ctx context.Context, id string) (*models.Course, error) {
	course, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrCourseNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	return course, nil
}

// Create adds a course to the catalog.
func (s *CourseService) Create(ctx context.Context, req CreateCourseRequest) (*models.Course, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course payload")
	}
	exists, err := s.repo.ExistsByCode(ctx, req.CourseCode, "")
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check course code")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "course code already exists")
	}
	credits := req.Credits
	if credits == 0 {
		credits = 3
	}
	course := &models.Course{
		CourseCode:  req.CourseCode,
		CourseName:  req.CourseName,
		Description: req.Description,
		Credits:     credits,
		Instructor:  req.Instructor,
		MaxCapacity: req.MaxCapacity,
		Status:      models.CourseStatusActive,
	}
	if err := s.repo.Create(ctx, course); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create course")
	}
	s.logger.Info("course created", zap.String("course_id", course.ID), zap.String("course_code", course.CourseCode))
	return course, nil
}

// Update modifies descriptive course fields.
func (s *CourseService) Update(ctx context.Context, id string, req UpdateCourseRequest) (*models.Course, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course payload")
	}
	course, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.CourseCode != nil && *req.CourseCode != course.CourseCode {
		exists, err := s.repo.ExistsByCode(ctx, *req.CourseCode, id)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check course code")
		}
		if exists {
			return nil, appErrors.Clone(appErrors.ErrConflict, "course code already exists")
		}
		course.CourseCode = *req.CourseCode
	}
	if req.CourseName != nil {
		course.CourseName = *req.CourseName
	}
	if req.Description != nil {
		course.Description = req.Description
	}
	if req.Credits != nil {
		course.Credits = *req.Credits
	}
	if req.Instructor != nil {
		course.Instructor = req.Instructor
	}
	if req.Status != nil {
		course.Status = models.CourseStatus(*req.Status)
	}
	if err := s.repo.Update(ctx, course); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update course")
	}
	return course, nil
}

// Delete removes a course after dropping its active enrollments, so
// every reserved seat is released before the counter disappears.
func (s *CourseService) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if s.enrollments != nil {
		if err := s.enrollments.DropByCourse(ctx, id); err != nil {
			return appErrors.Wrap(err, appErrors.ErrDependencyUnavailable.Code, appErrors.ErrDependencyUnavailable.Status,
				"could not drop enrollments; course not deleted")
		}
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrCourseNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete course")
	}
	s.logger.Info("course deleted", zap.String("course_id", id))
	return nil
}

// ReserveSeat atomically claims one seat for an admission attempt.
func (s *CourseService) ReserveSeat(ctx context.Context, id string) (*models.Course, error) {
	outcome, err := s.repo.ReserveSeat(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reserve seat")
	}
	switch outcome {
	case models.SeatReserved:
		course, err := s.Get(ctx, id)
		if err != nil {
			// Reservation committed; report it even if the re-read lost
			// a race with a concurrent delete.
			return &models.Course{ID: id}, nil
		}
		s.logger.Info("seat reserved", zap.String("course_id", id), zap.Int("current_enrollment", course.CurrentEnrollment))
		return course, nil
	case models.SeatFull:
		return nil, appErrors.ErrCourseFull
	case models.SeatInactive:
		return nil, appErrors.ErrCourseInactive
	default:
		return nil, appErrors.ErrCourseNotFound
	}
}

// ReleaseSeat atomically returns one seat.
func (s *CourseService) ReleaseSeat(ctx context.Context, id string) (*models.Course, error) {
	outcome, err := s.repo.ReleaseSeat(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to release seat")
	}
	if outcome == models.SeatNotFound {
		return nil, appErrors.ErrCourseNotFound
	}
	course, err := s.Get(ctx, id)
	if err != nil {
		return &models.Course{ID: id}, nil
	}
	s.logger.Info("seat released", zap.String("course_id", id), zap.Int("current_enrollment", course.CurrentEnrollment))
	return course, nil
}
