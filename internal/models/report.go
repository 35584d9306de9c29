package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NoImage is the sentinel stored when a report was submitted without a photo.
const NoImage = "No Image"

// ReportStatus enumerates the review lifecycle persisted in Postgres.
// The only legal transition is PendingReview -> Reviewed.
const (
	StatusPendingReview = "Pending Review"
	StatusReviewed      = "Reviewed"
)

// CanTransitionStatus reports whether a status change is legal.
func CanTransitionStatus(from, to string) bool {
	return from == StatusPendingReview && to == StatusReviewed
}

// Severity is the ordered risk classification attached to a report.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// ParseSeverity maps a submitted string onto the closed severity enum.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if _, ok := severityRank[sev]; !ok {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Rank returns the position of this severity in the Low < Medium < High < CRITICAL order.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Less reports whether s orders strictly before other.
func (s Severity) Less(other Severity) bool {
	return severityRank[s] < severityRank[other]
}

// Role is the access tier of an actor.
type Role string

const (
	RoleWorker     Role = "Worker"
	RoleSupervisor Role = "Supervisor"
	RoleAdmin      Role = "Admin"
)

// ParseRole validates a submitted role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleWorker, RoleSupervisor, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// CanReview reports whether the role may move reports out of Pending Review.
func (r Role) CanReview() bool {
	return r == RoleSupervisor || r == RoleAdmin
}

// CanViewAudit reports whether the role may read the audit trail.
func (r Role) CanViewAudit() bool {
	return r == RoleAdmin
}

// CanExport reports whether the role may download full data exports.
func (r Role) CanExport() bool {
	return r == RoleAdmin
}

// InspectionReport is one submitted observation persisted in the ledger.
// Rows are append-only: nothing mutates after insert except Status.
type InspectionReport struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	Site        string    `json:"site"`
	SubmittedBy string    `json:"submitted_by"`
	Role        Role      `json:"role"`
	Severity    Severity  `json:"severity"`
	Category    string    `json:"category"`
	Notes       string    `json:"notes"`
	Status      string    `json:"status"`
	ImagePath   string    `json:"image_path"`
}

// HasImage reports whether the report references a stored evidence photo.
func (r InspectionReport) HasImage() bool {
	return r.ImagePath != "" && r.ImagePath != NoImage
}

// NewReportID derives a report id from the capture time. The timestamp alone
// collides for submissions within the same second; a short random suffix
// keeps ids unique without losing readability.
func NewReportID(t time.Time) string {
	suffix := strings.ToUpper(uuid.NewString()[:6])
	return fmt.Sprintf("INC-%s-%s", t.Format("20060102-150405"), suffix)
}

// AuditEvent is one journaled security-relevant action. Append-only.
type AuditEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor"`
	Role       Role      `json:"role"`
	Event      string    `json:"event"`
	SessionSig string    `json:"session_sig"`
}
