package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sitesnap-evidence/internal/evidence"
	"sitesnap-evidence/internal/models"
)

// auditor is the slice of the audit trail the ledger needs: one event per
// successful submission.
type auditor interface {
	Record(ctx context.Context, actor string, role models.Role, event string)
}

// Store owns inspection reports and the evidence images they reference.
type Store struct {
	pool     *pgxpool.Pool
	evidence evidence.Store
	audit    auditor
}

// Connect creates a pooled connection to Postgres. The pool is shared with
// the audit trail, which journals into the same database.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// New wires the ledger over an existing pool, evidence store and audit trail.
func New(pool *pgxpool.Pool, ev evidence.Store, audit auditor) *Store {
	return &Store{pool: pool, evidence: ev, audit: audit}
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateReportParams collects inputs required to persist a submission.
type CreateReportParams struct {
	Site        string
	SubmittedBy string
	Role        models.Role
	Severity    models.Severity
	Category    string
	Notes       string
	// Image is the annotated evidence JPEG, or nil for image-less reports.
	Image []byte
}

// CreateReport validates, persists the evidence image, and appends the report
// row. The image is written first and compensated on insert failure, so a
// committed row never points at a missing file and no orphaned file survives
// a failed insert. Emits one audit event per successful create.
func (s *Store) CreateReport(ctx context.Context, p CreateReportParams) (models.InspectionReport, error) {
	if strings.TrimSpace(p.Notes) == "" {
		return models.InspectionReport{}, &ValidationError{Field: "notes", Reason: "observation notes must not be empty"}
	}
	if p.SubmittedBy == "" {
		return models.InspectionReport{}, &ValidationError{Field: "submitted_by", Reason: "submitter identity is required"}
	}
	if _, err := models.ParseSeverity(string(p.Severity)); err != nil {
		return models.InspectionReport{}, &ValidationError{Field: "severity", Reason: err.Error()}
	}

	now := time.Now().UTC().Truncate(time.Second)
	id := models.NewReportID(now)

	imagePath := models.NoImage
	if len(p.Image) > 0 {
		path, err := s.evidence.Save(ctx, id+".jpg", p.Image, "image/jpeg")
		if err != nil {
			return models.InspectionReport{}, &StorageError{Op: "save evidence image", Err: err}
		}
		imagePath = path
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO reports (id, created_at, site, submitted_by, role, severity, category, notes, status, image_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, id, now, p.Site, p.SubmittedBy, string(p.Role), string(p.Severity), p.Category, p.Notes, models.StatusPendingReview, imagePath)
	if err != nil {
		if imagePath != models.NoImage {
			_ = s.evidence.Remove(ctx, imagePath)
		}
		return models.InspectionReport{}, &StorageError{Op: "insert report", Err: err}
	}

	if s.audit != nil {
		s.audit.Record(ctx, p.SubmittedBy, p.Role, fmt.Sprintf("Submitted Report %s", id))
	}

	return models.InspectionReport{
		ID:          id,
		CreatedAt:   now,
		Site:        p.Site,
		SubmittedBy: p.SubmittedBy,
		Role:        p.Role,
		Severity:    p.Severity,
		Category:    p.Category,
		Notes:       p.Notes,
		Status:      models.StatusPendingReview,
		ImagePath:   imagePath,
	}, nil
}

// Filter narrows ListReports. Zero values mean "any"; set fields combine as
// a conjunction.
type Filter struct {
	Status   string
	Site     string
	Severity models.Severity
	// Reverse returns newest-first instead of insertion order.
	Reverse bool
}

// ListReports returns reports in insertion order, optionally filtered.
func (s *Store) ListReports(ctx context.Context, f Filter) ([]models.InspectionReport, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Site != "" {
		args = append(args, f.Site)
		where = append(where, fmt.Sprintf("site = $%d", len(args)))
	}
	if f.Severity != "" {
		args = append(args, string(f.Severity))
		where = append(where, fmt.Sprintf("severity = $%d", len(args)))
	}

	q := `SELECT id, created_at, site, submitted_by, role, severity, category, notes, status, image_path FROM reports`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq"
	if f.Reverse {
		q += " DESC"
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []models.InspectionReport
	for rows.Next() {
		var r models.InspectionReport
		var role, severity string
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.Site, &r.SubmittedBy, &role, &severity, &r.Category, &r.Notes, &r.Status, &r.ImagePath); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		r.Role = models.Role(role)
		r.Severity = models.Severity(severity)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return out, nil
}

// GetReport fetches one report by id.
func (s *Store) GetReport(ctx context.Context, id string) (models.InspectionReport, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, created_at, site, submitted_by, role, severity, category, notes, status, image_path
		FROM reports WHERE id = $1
	`, id)

	var r models.InspectionReport
	var role, severity string
	if err := row.Scan(&r.ID, &r.CreatedAt, &r.Site, &r.SubmittedBy, &role, &severity, &r.Category, &r.Notes, &r.Status, &r.ImagePath); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.InspectionReport{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return models.InspectionReport{}, fmt.Errorf("scan report: %w", err)
	}
	r.Role = models.Role(role)
	r.Severity = models.Severity(severity)
	return r, nil
}

// SetStatus transitions a report's review status. The current row is locked
// so concurrent reviews cannot race past the one-way transition check; a
// rejected transition leaves the ledger unchanged.
func (s *Store) SetStatus(ctx context.Context, id, newStatus string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM reports WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("lock report: %w", err)
	}

	if !models.CanTransitionStatus(current, newStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, newStatus)
	}

	if _, err := tx.Exec(ctx, `UPDATE reports SET status = $2 WHERE id = $1`, id, newStatus); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Stats summarizes the ledger for the compliance dashboard.
type Stats struct {
	Total    int64 `json:"total"`
	Critical int64 `json:"critical"`
	Pending  int64 `json:"pending"`
}

// Stats counts reports overall, at CRITICAL severity, and pending review.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE severity = $1),
		       COUNT(*) FILTER (WHERE status = $2)
		FROM reports
	`, string(models.SeverityCritical), models.StatusPendingReview).Scan(&st.Total, &st.Critical, &st.Pending)
	if err != nil {
		return Stats{}, fmt.Errorf("count reports: %w", err)
	}
	return st, nil
}
