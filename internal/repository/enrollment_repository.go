package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/edutrack/edutrack-api/internal/models"
)

// ErrDuplicateActiveEnrollment is returned by Create when the partial
// unique index on (student_id, course_id) for enrolled rows fires. It is
// the second and final arbiter against duplicate active enrollments; the
// service-level pre-check is only an optimisation.
var ErrDuplicateActiveEnrollment = errors.New("active enrollment already exists for student and course")

// ErrEnrollmentNotActive is returned by the guarded status transitions
// when the row is no longer enrolled. The losing side of a concurrent
// drop or completion must not release a seat.
var ErrEnrollmentNotActive = errors.New("enrollment is not active")

const pqUniqueViolation = "23505"

// EnrollmentRepository handles persistence of enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

const detailColumns = `e.id, e.student_id, e.course_id, e.status, e.grade, e.enrollment_date, e.dropped_at,
        s.name AS student_name, s.email AS student_email, c.course_code, c.course_name, c.credits`

const detailJoins = `FROM enrollments e
        JOIN students s ON s.id = e.student_id
        JOIN courses c ON c.id = e.course_id`

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("e.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.CourseID != "" {
		conditions = append(conditions, fmt.Sprintf("e.course_id = $%d", len(args)+1))
		args = append(args, filter.CourseID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s %s ORDER BY e.enrollment_date DESC LIMIT %d OFFSET %d",
		detailColumns, detailJoins+clause, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", detailJoins+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	const query = `SELECT id, student_id, course_id, status, grade, enrollment_date, dropped_at FROM enrollments WHERE id = $1`
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindDetailByID returns an enrollment with student and course context.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	query := fmt.Sprintf("SELECT %s %s WHERE e.id = $1", detailColumns, detailJoins)
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ExistsActive checks for an enrolled-status row for the pair.
func (r *EnrollmentRepository) ExistsActive(ctx context.Context, studentID, courseID string) (bool, error) {
	const query = `SELECT 1 FROM enrollments WHERE student_id = $1 AND course_id = $2 AND status = $3 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, studentID, courseID, models.EnrollmentStatusEnrolled); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check active enrollment: %w", err)
	}
	return true, nil
}

// Create persists a new enrollment row. A unique violation on the
// active-pair index is mapped to ErrDuplicateActiveEnrollment so the
// admission controller can compensate.
func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	if enrollment.EnrollmentDate.IsZero() {
		enrollment.EnrollmentDate = time.Now().UTC()
	}
	if enrollment.Status == "" {
		enrollment.Status = models.EnrollmentStatusEnrolled
	}
	const query = `INSERT INTO enrollments (id, student_id, course_id, status, grade, enrollment_date, dropped_at)
        VALUES (:id, :student_id, :course_id, :status, :grade, :enrollment_date, :dropped_at)`
	if _, err := r.db.NamedExecContext(ctx, query, enrollment); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return ErrDuplicateActiveEnrollment
		}
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

// MarkDropped transitions an enrollment to dropped. The update is
// conditional on the row still being enrolled, so concurrent drops
// arbitrate here and exactly one caller goes on to release the seat.
func (r *EnrollmentRepository) MarkDropped(ctx context.Context, id string, droppedAt time.Time) error {
	const query = `UPDATE enrollments SET status = $2, dropped_at = $3 WHERE id = $1 AND status = $4`
	res, err := r.db.ExecContext(ctx, query, id, models.EnrollmentStatusDropped, droppedAt, models.EnrollmentStatusEnrolled)
	if err != nil {
		return fmt.Errorf("mark enrollment dropped: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark enrollment dropped: %w", err)
	}
	if affected == 0 {
		return ErrEnrollmentNotActive
	}
	return nil
}

// Complete transitions an enrolled row to completed, recording a grade
// when one is supplied. Guarded the same way MarkDropped is: a row that
// already left the enrolled state yields ErrEnrollmentNotActive so the
// seat is vacated exactly once.
func (r *EnrollmentRepository) Complete(ctx context.Context, id string, grade *string) error {
	const query = `UPDATE enrollments SET grade = COALESCE($2, grade), status = $3 WHERE id = $1 AND status = $4`
	res, err := r.db.ExecContext(ctx, query, id, grade, models.EnrollmentStatusCompleted, models.EnrollmentStatusEnrolled)
	if err != nil {
		return fmt.Errorf("complete enrollment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete enrollment: %w", err)
	}
	if affected == 0 {
		return ErrEnrollmentNotActive
	}
	return nil
}

// UpdateGrade records a late grade without touching the status.
func (r *EnrollmentRepository) UpdateGrade(ctx context.Context, id string, grade *string) error {
	const query = `UPDATE enrollments SET grade = COALESCE($2, grade) WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, grade); err != nil {
		return fmt.Errorf("update enrollment grade: %w", err)
	}
	return nil
}

// ListActiveByStudent returns enrolled-status rows for a student.
func (r *EnrollmentRepository) ListActiveByStudent(ctx context.Context, studentID string) ([]models.Enrollment, error) {
	const query = `SELECT id, student_id, course_id, status, grade, enrollment_date, dropped_at
        FROM enrollments WHERE student_id = $1 AND status = $2`
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, studentID, models.EnrollmentStatusEnrolled); err != nil {
		return nil, fmt.Errorf("list student enrollments: %w", err)
	}
	return enrollments, nil
}

// ListActiveByCourse returns enrolled-status rows for a course.
func (r *EnrollmentRepository) ListActiveByCourse(ctx context.Context, courseID string) ([]models.Enrollment, error) {
	const query = `SELECT id, student_id, course_id, status, grade, enrollment_date, dropped_at
        FROM enrollments WHERE course_id = $1 AND status = $2`
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, courseID, models.EnrollmentStatusEnrolled); err != nil {
		return nil, fmt.Errorf("list course enrollments: %w", err)
	}
	return enrollments, nil
}
