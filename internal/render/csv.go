package render

import (
	"bytes"
	"encoding/csv"
	"fmt"

	"sitesnap-evidence/internal/models"
)

// ReportColumns is the stable ledger export schema. External audit tooling
// parses these exports, so the order never changes; new columns append at
// the end only.
var ReportColumns = []string{
	"ID", "Timestamp", "Site", "User", "Role", "Risk",
	"Category", "Observation", "Status", "Image_Path",
}

// AuditColumns is the stable audit trail export schema.
var AuditColumns = []string{"Timestamp", "User", "Role", "Event", "Session_ID"}

const csvTimeFormat = "2006-01-02 15:04:05"

// ReportsCSV serializes the full ledger as a flat table, header row first.
func ReportsCSV(reports []models.InspectionReport) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(ReportColumns); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range reports {
		row := []string{
			r.ID,
			r.CreatedAt.Format(csvTimeFormat),
			r.Site,
			r.SubmittedBy,
			string(r.Role),
			string(r.Severity),
			r.Category,
			r.Notes,
			r.Status,
			r.ImagePath,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// AuditCSV serializes the audit trail in the order given by the caller.
func AuditCSV(events []models.AuditEvent) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(AuditColumns); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, ev := range events {
		row := []string{
			ev.Timestamp.Format(csvTimeFormat),
			ev.Actor,
			string(ev.Role),
			ev.Event,
			ev.SessionSig,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}
