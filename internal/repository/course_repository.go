package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/edutrack/edutrack-api/internal/models"
)

// CourseRepository manages persistence for catalog records. Its
// ReserveSeat and ReleaseSeat methods are the only writers of
// current_enrollment anywhere in the system.
type CourseRepository struct {
	db *sqlx.DB
}

// NewCourseRepository constructs a CourseRepository.
func NewCourseRepository(db *sqlx.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

// List returns courses matching the provided filters.
func (r *CourseRepository) List(ctx context.Context, filter models.CourseFilter) ([]models.Course, int, error) {
	base := "FROM courses c"
	conditions := []string{"1=1"}
	var args []interface{}

	if filter.ActiveOnly {
		conditions = append(conditions, fmt.Sprintf("c.status = $%d", len(args)+1))
		args = append(args, models.CourseStatusActive)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(LOWER(c.course_code) LIKE $%d OR LOWER(c.course_name) LIKE $%d)", len(args)+1, len(args)+1))
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}

	base = fmt.Sprintf("%s WHERE %s", base, strings.Join(conditions, " AND "))

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT c.id, c.course_code, c.course_name, c.description, c.credits, c.instructor,
        c.max_capacity, c.current_enrollment, c.status, c.created_at
        %s ORDER BY c.course_code ASC LIMIT %d OFFSET %d`, base, size, offset)

	var courses []models.Course
	if err := r.db.SelectContext(ctx, &courses, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list courses: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count courses: %w", err)
	}
	return courses, total, nil
}

// FindByID fetches a course by ID.
func (r *CourseRepository) FindByID(ctx context.Context, id string) (*models.Course, error) {
	const query = `SELECT id, course_code, course_name, description, credits, instructor,
        max_capacity, current_enrollment, status, created_at FROM courses WHERE id = $1`
	var course models.Course
	if err := r.db.GetContext(ctx, &course, query, id); err != nil {
		return nil, err
	}
	return &course, nil
}

// ExistsByCode checks if a course with the given code exists, optionally
// excluding an ID.
func (r *CourseRepository) ExistsByCode(ctx context.Context, code, excludeID string) (bool, error) {
	query := "SELECT 1 FROM courses WHERE course_code = $1"
	args := []interface{}{code}
	if excludeID != "" {
		query += " AND id <> $2"
		args = append(args, excludeID)
	}
	var exists int
	if err := r.db.GetContext(ctx, &exists, query+" LIMIT 1", args...); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check course code: %w", err)
	}
	return true, nil
}

// Create persists a new course record.
func (r *CourseRepository) Create(ctx context.Context, course *models.Course) error {
	if course.ID == "" {
		course.ID = uuid.NewString()
	}
	if course.CreatedAt.IsZero() {
		course.CreatedAt = time.Now().UTC()
	}
	if course.Status == "" {
		course.Status = models.CourseStatusActive
	}
	const query = `INSERT INTO courses (id, course_code, course_name, description, credits, instructor,
        max_capacity, current_enrollment, status, created_at)
        VALUES (:id, :course_code, :course_name, :description, :credits, :instructor,
        :max_capacity, :current_enrollment, :status, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, course); err != nil {
		return fmt.Errorf("create course: %w", err)
	}
	return nil
}

// Update modifies descriptive course fields. Capacity and the seat
// counter are deliberately absent from the statement.
func (r *CourseRepository) Update(ctx context.Context, course *models.Course) error {
	const query = `UPDATE courses SET course_code = :course_code, course_name = :course_name,
        description = :description, credits = :credits, instructor = :instructor, status = :status
        WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, course); err != nil {
		return fmt.Errorf("update course: %w", err)
	}
	return nil
}

// Delete removes a course record.
func (r *CourseRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM courses WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete course: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ReserveSeat atomically claims one seat. The predicate on status and
// remaining capacity lives inside the UPDATE so concurrent callers can
// never admit past max_capacity; when zero rows change, a follow-up read
// distinguishes full, inactive and missing courses.
func (r *CourseRepository) ReserveSeat(ctx context.Context, id string) (models.SeatOutcome, error) {
	const query = `UPDATE courses SET current_enrollment = current_enrollment + 1
        WHERE id = $1 AND status = $2 AND current_enrollment < max_capacity`
	res, err := r.db.ExecContext(ctx, query, id, models.CourseStatusActive)
	if err != nil {
		return "", fmt.Errorf("reserve seat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("reserve seat result: %w", err)
	}
	if n > 0 {
		return models.SeatReserved, nil
	}

	course, err := r.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.SeatNotFound, nil
		}
		return "", fmt.Errorf("inspect course after reserve: %w", err)
	}
	if course.Status != models.CourseStatusActive {
		return models.SeatInactive, nil
	}
	return models.SeatFull, nil
}

// ReleaseSeat atomically returns one seat, floored at zero. Dedup of
// double releases is the admission controller's responsibility.
func (r *CourseRepository) ReleaseSeat(ctx context.Context, id string) (models.SeatOutcome, error) {
	const query = `UPDATE courses SET current_enrollment = GREATEST(current_enrollment - 1, 0) WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return "", fmt.Errorf("release seat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("release seat result: %w", err)
	}
	if n == 0 {
		return models.SeatNotFound, nil
	}
	return models.SeatReleased, nil
}
