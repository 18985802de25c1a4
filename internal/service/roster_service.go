package service

import (
	"context"
	"fmt"

	"github.com/edutrack/edutrack-api/internal/models"
	appErrors "github.com/edutrack/edutrack-api/pkg/errors"
	"github.com/edutrack/edutrack-api/pkg/export"
)

// RosterService renders a course's enrolled students as a downloadable
// document.
type RosterService struct {
	repo    admissionRepository
	catalog courseCatalog
	csv     *export.CSVExporter
	pdf     *export.PDFExporter
}

// NewRosterService constructs the service.
func NewRosterService(repo admissionRepository, catalog courseCatalog) *RosterService {
	return &RosterService{
		repo:    repo,
		catalog: catalog,
		csv:     export.NewCSVExporter(),
		pdf:     export.NewPDFExporter(),
	}
}

// RosterDocument is a rendered export.
type RosterDocument struct {
	Content     []byte
	ContentType string
	Filename    string
}

var rosterHeaders = []string{"Student", "Email", "Status", "Grade", "Enrolled At"}

const rosterPageSize = 100

// Export renders the roster for a course in the requested format
// ("csv" or "pdf").
func (s *RosterService) Export(ctx context.Context, courseID, format string) (*RosterDocument, error) {
	course, err := s.catalog.Get(ctx, courseID)
	if err != nil {
		return nil, err
	}

	// The list API caps page size, so walk every page; a large section
	// must not export a truncated roster.
	filter := models.EnrollmentFilter{
		CourseID: courseID,
		Status:   models.EnrollmentStatusEnrolled,
		PageSize: rosterPageSize,
	}
	var rows []models.EnrollmentDetail
	for page := 1; ; page++ {
		filter.Page = page
		batch, total, err := s.repo.List(ctx, filter)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster")
		}
		rows = append(rows, batch...)
		if len(batch) == 0 || len(rows) >= total {
			break
		}
	}

	dataset := export.Dataset{Headers: rosterHeaders}
	for _, row := range rows {
		grade := ""
		if row.Grade != nil {
			grade = *row.Grade
		}
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Student":     row.StudentName,
			"Email":       row.StudentEmail,
			"Status":      string(row.Status),
			"Grade":       grade,
			"Enrolled At": row.EnrollmentDate.Format("2006-01-02"),
		})
	}

	switch format {
	case "", "csv":
		content, err := s.csv.Render(dataset)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
		}
		return &RosterDocument{
			Content:     content,
			ContentType: "text/csv",
			Filename:    fmt.Sprintf("roster-%s.csv", course.CourseCode),
		}, nil
	case "pdf":
		title := fmt.Sprintf("%s %s", course.CourseCode, course.CourseName)
		content, err := s.pdf.Render(dataset, title)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf")
		}
		return &RosterDocument{
			Content:     content,
			ContentType: "application/pdf",
			Filename:    fmt.Sprintf("roster-%s.pdf", course.CourseCode),
		}, nil
	default:
		return nil, appErrors.Clone(appErrors.ErrInvalidArgument, "format must be csv or pdf")
	}
}
