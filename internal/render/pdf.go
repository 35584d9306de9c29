// Package render turns ledger records into the formal deliverables: a
// single-record PDF report and full-table CSV exports.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/go-pdf/fpdf"

	"sitesnap-evidence/internal/evidence"
	"sitesnap-evidence/internal/models"
)

// ErrTimeout is returned when rendering exceeds the caller's deadline.
var ErrTimeout = errors.New("render timed out")

// Warning flags a degraded but successful render.
type Warning string

// WarningMissingImage means the record referenced an evidence image that
// could not be loaded; the document was produced without it.
const WarningMissingImage Warning = "evidence image unavailable; rendered without image"

const reportTitle = "OFFICIAL SITE INSPECTION REPORT"

// PDFRenderer builds one-record PDF reports, embedding the linked evidence
// image when it is still available.
type PDFRenderer struct {
	evidence evidence.Store
}

func NewPDF(ev evidence.Store) *PDFRenderer {
	return &PDFRenderer{evidence: ev}
}

// Render produces the PDF for one report. A missing evidence image degrades
// to a document without the image section plus a warning; it never fails the
// render. Context expiry maps to ErrTimeout.
func (r *PDFRenderer) Render(ctx context.Context, rec models.InspectionReport) ([]byte, []Warning, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, timeoutOr(err)
	}

	var warnings []Warning
	var imgData []byte
	if rec.HasImage() {
		data, err := r.evidence.Load(ctx, rec.ImagePath)
		switch {
		case err == nil:
			imgData = data
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			return nil, nil, timeoutOr(err)
		default:
			// Image gone or unreadable: degrade, never abort.
			warnings = append(warnings, WarningMissingImage)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, timeoutOr(err)
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetHeaderFunc(func() {
		pdf.SetFont("Arial", "B", 14)
		pdf.CellFormat(0, 10, reportTitle, "", 1, "C", false, 0, "")
		pdf.Ln(5)
	})
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Arial", "I", 8)
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()
	pdf.SetFont("Arial", "", 11)

	fields := []struct {
		label string
		value string
	}{
		{"ID", rec.ID},
		{"Timestamp", rec.CreatedAt.Format("2006-01-02 15:04:05")},
		{"Site", rec.Site},
		{"User", rec.SubmittedBy},
		{"Risk", string(rec.Severity)},
		{"Category", rec.Category},
		{"Observation", rec.Notes},
	}
	for _, f := range fields {
		pdf.SetFont("Arial", "B", 11)
		pdf.CellFormat(40, 10, f.label+":", "1", 0, "L", false, 0, "")
		pdf.SetFont("Arial", "", 11)
		if f.label == "Risk" && rec.Severity == models.SeverityCritical {
			pdf.SetTextColor(192, 0, 0)
		}
		pdf.CellFormat(0, 10, f.value, "1", 1, "L", false, 0, "")
		pdf.SetTextColor(0, 0, 0)
	}

	if len(imgData) > 0 {
		pdf.Ln(10)
		pdf.CellFormat(0, 10, "Attached Evidence:", "", 1, "L", false, 0, "")
		opts := fpdf.ImageOptions{ImageType: sniffImageType(imgData)}
		pdf.RegisterImageOptionsReader(rec.ID, opts, bytes.NewReader(imgData))
		pdf.ImageOptions(rec.ID, 10, 0, 100, 0, true, opts, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, nil, fmt.Errorf("emit pdf: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, timeoutOr(err)
	}
	return buf.Bytes(), warnings, nil
}

func timeoutOr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// sniffImageType keys fpdf's decoder off the stored bytes rather than a file
// extension; evidence paths may live on S3.
func sniffImageType(data []byte) string {
	if len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8 {
		return "JPG"
	}
	if len(data) >= 4 && data[0] == 0x89 && data[1] == 'P' && data[2] == 'N' && data[3] == 'G' {
		return "PNG"
	}
	return "JPG"
}
