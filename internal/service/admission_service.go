package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/edutrack/edutrack-api/internal/models"
	"github.com/edutrack/edutrack-api/internal/repository"
	appErrors "github.com/edutrack/edutrack-api/pkg/errors"
	"github.com/edutrack/edutrack-api/pkg/jobs"
)

type admissionRepository interface {
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	ExistsActive(ctx context.Context, studentID, courseID string) (bool, error)
	Create(ctx context.Context, enrollment *models.Enrollment) error
	MarkDropped(ctx context.Context, id string, droppedAt time.Time) error
	Complete(ctx context.Context, id string, grade *string) error
	UpdateGrade(ctx context.Context, id string, grade *string) error
	ListActiveByStudent(ctx context.Context, studentID string) ([]models.Enrollment, error)
	ListActiveByCourse(ctx context.Context, courseID string) ([]models.Enrollment, error)
}

// studentDirectory is the narrow contract the admission controller needs
// from the student service.
type studentDirectory interface {
	Get(ctx context.Context, id string) (*models.Student, error)
}

// courseCatalog is the narrow capability interface over the catalog's
// seat accounting. The counter itself is never exposed for mutation.
type courseCatalog interface {
	Get(ctx context.Context, id string) (*models.Course, error)
	ReserveSeat(ctx context.Context, id string) error
	ReleaseSeat(ctx context.Context, id string) error
}

// admissionState tracks where an enrollment attempt is in its lifecycle,
// so every failure branch has a defined compensating action instead of
// ad hoc error handling.
type admissionState int

const (
	stateValidatingStudent admissionState = iota
	stateValidatingCourse
	stateCheckingDuplicate
	stateReservingSeat
	statePersisting
	stateDone
)

// EnrollRequest describes an admission attempt.
type EnrollRequest struct {
	StudentID string `json:"student_id" validate:"required,uuid"`
	CourseID  string `json:"course_id" validate:"required,uuid"`
}

// UpdateEnrollmentRequest records a grade and/or marks completion.
type UpdateEnrollmentRequest struct {
	Grade  *string `json:"grade,omitempty" validate:"omitempty,max=5"`
	Status *string `json:"status,omitempty" validate:"omitempty,oneof=completed"`
}

// AdmissionService decides whether a student may be added to a course.
// There is no cross-service transaction: correctness rests on the
// catalog's atomic reserve being the single capacity gate, the
// enrollment store's active-pair uniqueness being the single duplicate
// gate, and mandatory compensation reconciling the two when they
// disagree.
type AdmissionService struct {
	repo      admissionRepository
	students  studentDirectory
	catalog   courseCatalog
	validator *validator.Validate
	logger    *zap.Logger
	metrics   *MetricsService
	reconcile *jobs.Queue

	compensationRetries int
	compensationDelay   time.Duration
}

// AdmissionOptions tunes retry behaviour.
type AdmissionOptions struct {
	CompensationRetries int
	CompensationDelay   time.Duration
}

// NewAdmissionService constructs the admission controller.
func NewAdmissionService(repo admissionRepository, students studentDirectory, catalog courseCatalog,
	validate *validator.Validate, logger *zap.Logger, metrics *MetricsService, opts AdmissionOptions) *AdmissionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CompensationRetries <= 0 {
		opts.CompensationRetries = 3
	}
	if opts.CompensationDelay <= 0 {
		opts.CompensationDelay = 200 * time.Millisecond
	}
	s := &AdmissionService{
		repo:                repo,
		students:            students,
		catalog:             catalog,
		validator:           validate,
		logger:              logger,
		metrics:             metrics,
		compensationRetries: opts.CompensationRetries,
		compensationDelay:   opts.CompensationDelay,
	}
	return s
}

// StartReconciler launches the background queue that keeps retrying seat
// releases which could not be completed inline. Call Stop via the
// returned queue on shutdown.
func (s *AdmissionService) StartReconciler(ctx context.Context, workers int) *jobs.Queue {
	q := jobs.NewQueue("seat-reconcile", func(ctx context.Context, job jobs.Job) error {
		courseID, _ := job.Payload.(string)
		if courseID == "" {
			return nil
		}
		err := s.catalog.ReleaseSeat(ctx, courseID)
		if appErrors.Is(err, appErrors.ErrCourseNotFound) {
			return nil
		}
		return err
	}, jobs.QueueConfig{
		Workers:    workers,
		MaxRetries: 10,
		RetryDelay: 5 * time.Second,
		Logger:     s.logger,
		OnDepth: func(n int) {
			if s.metrics != nil {
				s.metrics.SetReconcileQueueDepth(n)
			}
		},
	})
	q.OnExhausted = func(job jobs.Job, err error) {
		s.observeInconsistency()
		s.logger.Error("seat release reconciliation exhausted",
			zap.Any("course_id", job.Payload),
			zap.String("invariant_violation", "seat_not_released"),
			zap.Error(err))
	}
	q.Start(ctx)
	s.reconcile = q
	return q
}

// Enroll runs the admission state machine: validate the student, validate
// the course, pre-check the pair, reserve a seat, persist the row, and
// compensate the reservation if persistence loses the race.
func (s *AdmissionService) Enroll(ctx context.Context, req EnrollRequest) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		s.observeAdmission("invalid_argument")
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidArgument.Code, appErrors.ErrInvalidArgument.Status, "student_id and course_id must be well-formed identifiers")
	}

	enrollment := &models.Enrollment{
		StudentID: req.StudentID,
		CourseID:  req.CourseID,
		Status:    models.EnrollmentStatusEnrolled,
	}

	state := stateValidatingStudent
	for state != stateDone {
		switch state {

		case stateValidatingStudent:
			if _, err := s.students.Get(ctx, req.StudentID); err != nil {
				// No seat has been touched yet; both outcomes are safe
				// to surface as-is.
				if appErrors.Is(err, appErrors.ErrStudentNotFound) {
					s.observeAdmission("student_not_found")
					return nil, err
				}
				s.observeAdmission("dependency_unavailable")
				return nil, err
			}
			state = stateValidatingCourse

		case stateValidatingCourse:
			course, err := s.catalog.Get(ctx, req.CourseID)
			if err != nil {
				if appErrors.Is(err, appErrors.ErrCourseNotFound) {
					s.observeAdmission("course_not_found")
					return nil, err
				}
				s.observeAdmission("dependency_unavailable")
				return nil, err
			}
			if course.Status != models.CourseStatusActive {
				s.observeAdmission("course_inactive")
				return nil, appErrors.ErrCourseInactive
			}
			state = stateCheckingDuplicate

		case stateCheckingDuplicate:
			// Optimisation only: two concurrent requests for the same
			// pair can both pass this check. The insert below is the
			// gate that actually holds.
			exists, err := s.repo.ExistsActive(ctx, req.StudentID, req.CourseID)
			if err != nil {
				s.observeAdmission("error")
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check existing enrollment")
			}
			if exists {
				s.observeAdmission("already_enrolled")
				return nil, appErrors.ErrAlreadyEnrolled
			}
			state = stateReservingSeat

		case stateReservingSeat:
			if err := s.catalog.ReserveSeat(ctx, req.CourseID); err != nil {
				switch {
				case appErrors.Is(err, appErrors.ErrCourseFull):
					s.observeAdmission("course_full")
					return nil, err
				case appErrors.Is(err, appErrors.ErrCourseInactive):
					s.observeAdmission("course_inactive")
					return nil, err
				case appErrors.Is(err, appErrors.ErrCourseNotFound):
					// Course deleted between validation and reserve.
					s.observeAdmission("course_not_found")
					return nil, err
				default:
					// The reservation may or may not have landed. A blind
					// retry could double-reserve, so abandon the attempt
					// and leave a trail for reconciliation.
					s.noteAmbiguousReserve(ctx, req.CourseID, err)
					s.observeAdmission("dependency_unavailable")
					return nil, appErrors.Clone(appErrors.ErrDependencyUnavailable, "seat reservation outcome unknown")
				}
			}
			state = statePersisting

		case statePersisting:
			if err := s.repo.Create(ctx, enrollment); err != nil {
				// A seat is held for a row that does not exist; release
				// it or the counter drifts upward on every race.
				compErr := s.compensateReservation(ctx, req.CourseID)
				if errors.Is(err, repository.ErrDuplicateActiveEnrollment) {
					if compErr != nil {
						return nil, compErr
					}
					s.observeAdmission("already_enrolled")
					return nil, appErrors.ErrAlreadyEnrolled
				}
				s.observeAdmission("error")
				if compErr != nil {
					return nil, compErr
				}
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist enrollment")
			}
			state = stateDone
		}
	}

	s.observeAdmission("enrolled")
	s.logger.Info("enrollment admitted",
		zap.String("enrollment_id", enrollment.ID),
		zap.String("student_id", req.StudentID),
		zap.String("course_id", req.CourseID))

	detail, err := s.repo.FindDetailByID(ctx, enrollment.ID)
	if err != nil {
		// The admission itself committed; degrade to the bare row.
		return &models.EnrollmentDetail{Enrollment: *enrollment}, nil
	}
	return detail, nil
}

// Drop withdraws an active enrollment and releases its seat. The
// guarded update in the repository is the arbiter: the initial read only
// classifies missing rows and loads the course for the release.
func (s *AdmissionService) Drop(ctx context.Context, id string) (*models.Enrollment, error) {
	enrollment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrEnrollmentNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if enrollment.Status != models.EnrollmentStatusEnrolled {
		return nil, appErrors.ErrNotActive
	}

	droppedAt := time.Now().UTC()
	if err := s.repo.MarkDropped(ctx, id, droppedAt); err != nil {
		if errors.Is(err, repository.ErrEnrollmentNotActive) {
			// Lost the race to a concurrent drop or completion; that
			// caller owns the seat release.
			return nil, appErrors.ErrNotActive
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to drop enrollment")
	}

	// The drop has committed; from here a failed release leaves the
	// course under-counted and must surface as an inconsistency, never
	// be swallowed.
	if err := s.releaseWithRetry(ctx, enrollment.CourseID); err != nil {
		s.escalateUnreleasedSeat(enrollment.CourseID, err)
		return nil, appErrors.Clone(appErrors.ErrInconsistent, "enrollment dropped but seat release pending reconciliation")
	}

	enrollment.Status = models.EnrollmentStatusDropped
	enrollment.DroppedAt = &droppedAt
	s.logger.Info("enrollment dropped",
		zap.String("enrollment_id", id),
		zap.String("course_id", enrollment.CourseID))
	return enrollment, nil
}

// Update records a grade and/or marks an enrollment completed. Completion
// vacates the seat through the same release path a drop uses, keeping the
// counter equal to the number of enrolled rows.
func (s *AdmissionService) Update(ctx context.Context, id string, req UpdateEnrollmentRequest) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment update")
	}
	if req.Grade == nil && req.Status == nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidArgument, "no fields to update")
	}

	enrollment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrEnrollmentNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}

	if req.Status != nil {
		if enrollment.Status != models.EnrollmentStatusEnrolled {
			return nil, appErrors.ErrNotActive
		}
		// The conditional update arbitrates against a concurrent drop or
		// completion, so the seat below is released exactly once.
		if err := s.repo.Complete(ctx, id, req.Grade); err != nil {
			if errors.Is(err, repository.ErrEnrollmentNotActive) {
				return nil, appErrors.ErrNotActive
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update enrollment")
		}
		if err := s.releaseWithRetry(ctx, enrollment.CourseID); err != nil {
			s.escalateUnreleasedSeat(enrollment.CourseID, err)
			return nil, appErrors.Clone(appErrors.ErrInconsistent, "enrollment completed but seat release pending reconciliation")
		}
	} else if err := s.repo.UpdateGrade(ctx, id, req.Grade); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update enrollment")
	}

	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	return detail, nil
}

// Get returns one enrollment with display context.
func (s *AdmissionService) Get(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrEnrollmentNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return detail, nil
}

// List returns enrollments with pagination metadata.
func (s *AdmissionService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	enrollments, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return enrollments, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// DropAllForStudent drops every active enrollment held by a student.
// Used by the directory before it deletes the record, so each seat is
// released through the normal path instead of a storage cascade.
func (s *AdmissionService) DropAllForStudent(ctx context.Context, studentID string) (int, error) {
	enrollments, err := s.repo.ListActiveByStudent(ctx, studentID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list student enrollments")
	}
	return s.dropAll(ctx, enrollments)
}

// DropAllForCourse drops every active enrollment in a course before the
// catalog deletes it.
func (s *AdmissionService) DropAllForCourse(ctx context.Context, courseID string) (int, error) {
	enrollments, err := s.repo.ListActiveByCourse(ctx, courseID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list course enrollments")
	}
	return s.dropAll(ctx, enrollments)
}

func (s *AdmissionService) dropAll(ctx context.Context, enrollments []models.Enrollment) (int, error) {
	dropped := 0
	for _, e := range enrollments {
		if _, err := s.Drop(ctx, e.ID); err != nil {
			// Remaining rows stay active; the upstream delete is expected
			// to abort and retry.
			return dropped, appErrors.Wrap(err, appErrors.ErrInconsistent.Code, appErrors.ErrInconsistent.Status, "cascade drop incomplete")
		}
		dropped++
	}
	return dropped, nil
}

// compensateReservation undoes a reserved seat after a failed insert.
// Returns a typed inconsistency error when the rollback could not be
// completed inline and was handed to the reconciler.
func (s *AdmissionService) compensateReservation(ctx context.Context, courseID string) error {
	if err := s.releaseWithRetry(ctx, courseID); err != nil {
		s.escalateUnreleasedSeat(courseID, err)
		return appErrors.Clone(appErrors.ErrInconsistent, "seat rollback pending reconciliation")
	}
	if s.metrics != nil {
		s.metrics.ObserveCompensation()
	}
	s.logger.Warn("seat reservation compensated", zap.String("course_id", courseID))
	return nil
}

// releaseWithRetry calls ReleaseSeat a bounded number of times. The
// release is detached from the request context so a caller hanging up
// cannot strand a reserved seat.
func (s *AdmissionService) releaseWithRetry(ctx context.Context, courseID string) error {
	releaseCtx := context.WithoutCancel(ctx)
	var lastErr error
	for attempt := 0; attempt < s.compensationRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.compensationDelay)
		}
		err := s.catalog.ReleaseSeat(releaseCtx, courseID)
		if err == nil || appErrors.Is(err, appErrors.ErrCourseNotFound) {
			// A deleted course takes its counter with it.
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (s *AdmissionService) escalateUnreleasedSeat(courseID string, err error) {
	s.observeInconsistency()
	s.logger.Error("seat release failed, scheduling reconciliation",
		zap.String("course_id", courseID),
		zap.String("invariant_violation", "seat_not_released"),
		zap.Error(err))
	if s.reconcile != nil {
		if qErr := s.reconcile.Enqueue(jobs.Job{Type: "release_seat", Payload: courseID}); qErr != nil {
			s.logger.Error("failed to enqueue seat reconciliation", zap.String("course_id", courseID), zap.Error(qErr))
		}
	}
}

func (s *AdmissionService) noteAmbiguousReserve(ctx context.Context, courseID string, cause error) {
	if s.metrics != nil {
		s.metrics.ObserveAmbiguousReserve()
	}
	fields := []zap.Field{
		zap.String("course_id", courseID),
		zap.Error(cause),
	}
	// Follow-up idempotent read: records the counter the catalog holds
	// now so an operator can reconcile against the enrolled-row count.
	if course, err := s.catalog.Get(context.WithoutCancel(ctx), courseID); err == nil {
		fields = append(fields, zap.Int("current_enrollment", course.CurrentEnrollment), zap.Int("max_capacity", course.MaxCapacity))
	}
	s.logger.Error("seat reservation outcome unknown", fields...)
}

func (s *AdmissionService) observeAdmission(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveAdmission(outcome)
	}
}

func (s *AdmissionService) observeInconsistency() {
	if s.metrics != nil {
		s.metrics.ObserveInconsistency()
	}
}
