// Package api wires the HTTP surface the capture stations and review UI call
// into. Actor identity travels explicitly in each request; there is no
// server-side session state.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"sitesnap-evidence/internal/config"
	"sitesnap-evidence/internal/evidence"
	"sitesnap-evidence/internal/ledger"
	"sitesnap-evidence/internal/models"
	"sitesnap-evidence/internal/quality"
	"sitesnap-evidence/internal/queue"
	"sitesnap-evidence/internal/ratelimit"
	"sitesnap-evidence/internal/render"
	"sitesnap-evidence/internal/telemetry"
	"sitesnap-evidence/internal/watermark"
)

// Ledger is the report store surface the API depends on.
type Ledger interface {
	CreateReport(ctx context.Context, p ledger.CreateReportParams) (models.InspectionReport, error)
	ListReports(ctx context.Context, f ledger.Filter) ([]models.InspectionReport, error)
	GetReport(ctx context.Context, id string) (models.InspectionReport, error)
	SetStatus(ctx context.Context, id, newStatus string) error
	Stats(ctx context.Context) (ledger.Stats, error)
}

// Auditor is the audit trail surface the API depends on.
type Auditor interface {
	Record(ctx context.Context, actor string, role models.Role, event string)
	Query(ctx context.Context) ([]models.AuditEvent, error)
}

// Server wires HTTP handlers for the evidence service.
type Server struct {
	cfg       config.Config
	ledger    Ledger
	audit     Auditor
	queue     *queue.RenderQueue
	limiter   *ratelimit.TokenBucket
	analyzer  quality.Analyzer
	annotator *watermark.Annotator
	renderer  *render.PDFRenderer
	users     map[string]User
}

// New constructs the API server.
func New(cfg config.Config, lg Ledger, audit Auditor, q *queue.RenderQueue, limiter *ratelimit.TokenBucket, annotator *watermark.Annotator, renderer *render.PDFRenderer) *Server {
	return &Server{
		cfg:       cfg,
		ledger:    lg,
		audit:     audit,
		queue:     q,
		limiter:   limiter,
		analyzer:  quality.NewAnalyzer(cfg.BlurThreshold, cfg.DarkThreshold),
		annotator: annotator,
		renderer:  renderer,
		users:     defaultUsers(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)

	r.Post("/quality/check", s.handleQualityCheck)

	r.Post("/reports", s.handleSubmitReport)
	r.Get("/reports", s.handleListReports)
	r.Get("/reports/{id}", s.handleGetReport)
	r.Post("/reports/{id}/review", s.handleReview)
	r.Get("/reports/{id}/pdf", s.handleReportPDF)

	r.Get("/export/reports.csv", s.handleExportReportsCSV)
	r.Get("/export/audit.csv", s.handleExportAuditCSV)
	r.Get("/audit", s.handleAuditTrail)

	r.Post("/renders", s.handleEnqueueRender)
	r.Get("/renders/dlq", s.handleRenderDLQ)

	r.Get("/stats", s.handleStats)
	return r
}

// submitResponse returns the persisted record plus the quality warnings for
// the capture station to surface.
type submitResponse struct {
	Report  models.InspectionReport `json:"report"`
	Quality *quality.Report         `json:"quality,omitempty"`
}

func (s *Server) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.EvidenceMaxBytes)
	if err := r.ParseMultipartForm(s.cfg.EvidenceMaxBytes); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	station := stationFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:%s", station))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	role, err := models.ParseRole(r.FormValue("role"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	severity, err := models.ParseSeverity(r.FormValue("severity"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	site := r.FormValue("site")
	var (
		annotated     []byte
		qualityReport *quality.Report
	)
	if img, ok, err := s.formImage(r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	} else if ok {
		rep := s.analyzer.Analyze(img)
		qualityReport = &rep
		if rep.Blurry {
			telemetry.BlurryCaptures.Inc()
		}
		if rep.Dark {
			telemetry.DarkCaptures.Inc()
		}

		stamped := s.annotator.Annotate(img, site, time.Now().UTC())
		annotated, err = evidence.EncodeJPEG(stamped, s.cfg.JPEGQuality)
		if err != nil {
			http.Error(w, "encode evidence image", http.StatusInternalServerError)
			return
		}
	}

	rec, err := s.ledger.CreateReport(r.Context(), ledger.CreateReportParams{
		Site:        site,
		SubmittedBy: r.FormValue("submitted_by"),
		Role:        role,
		Severity:    severity,
		Category:    r.FormValue("category"),
		Notes:       r.FormValue("notes"),
		Image:       annotated,
	})
	if err != nil {
		var verr *ledger.ValidationError
		if errors.As(err, &verr) {
			telemetry.ReportsRejected.Inc()
			http.Error(w, verr.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "persist report", http.StatusInternalServerError)
		return
	}

	telemetry.ReportsSubmitted.Inc()
	writeJSON(w, http.StatusCreated, submitResponse{Report: rec, Quality: qualityReport})
}

func (s *Server) handleQualityCheck(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.EvidenceMaxBytes)
	if err := r.ParseMultipartForm(s.cfg.EvidenceMaxBytes); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	img, ok, err := s.formImage(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !ok {
		http.Error(w, "image is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.analyzer.Analyze(img))
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	f := ledger.Filter{
		Status:  r.URL.Query().Get("status"),
		Site:    r.URL.Query().Get("site"),
		Reverse: r.URL.Query().Get("order") == "desc",
	}
	if sev := r.URL.Query().Get("severity"); sev != "" {
		parsed, err := models.ParseSeverity(sev)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Severity = parsed
	}

	reports, err := s.ledger.ListReports(r.Context(), f)
	if err != nil {
		http.Error(w, "query reports", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ledger.GetReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, "query report", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type reviewRequest struct {
	Reviewer string `json:"reviewer"`
	Role     string `json:"role"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	role, err := models.ParseRole(req.Role)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !role.CanReview() {
		http.Error(w, "role may not review reports", http.StatusForbidden)
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.ledger.SetStatus(r.Context(), id, models.StatusReviewed); err != nil {
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, ledger.ErrInvalidTransition):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, "update status", http.StatusInternalServerError)
		}
		return
	}

	s.audit.Record(r.Context(), req.Reviewer, role, fmt.Sprintf("Reviewed Report %s", id))
	telemetry.AuditEvents.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": models.StatusReviewed})
}

func (s *Server) handleReportPDF(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ledger.GetReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, "query report", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RenderTimeout)
	defer cancel()

	out, warnings, err := s.renderer.Render(ctx, rec)
	if err != nil {
		if errors.Is(err, render.ErrTimeout) {
			http.Error(w, "render timed out", http.StatusGatewayTimeout)
			return
		}
		http.Error(w, "render report", http.StatusInternalServerError)
		return
	}
	if len(warnings) > 0 {
		telemetry.RendersDegraded.Inc()
		w.Header().Set("X-Render-Warning", string(warnings[0]))
	}
	telemetry.RendersCompleted.Inc()

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.pdf", rec.ID))
	_, _ = w.Write(out)
}

func (s *Server) handleExportReportsCSV(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, r, models.Role.CanExport) {
		return
	}
	reports, err := s.ledger.ListReports(r.Context(), ledger.Filter{})
	if err != nil {
		http.Error(w, "query reports", http.StatusInternalServerError)
		return
	}
	out, err := render.ReportsCSV(reports)
	if err != nil {
		http.Error(w, "export csv", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=site_snap_full_dump.csv")
	_, _ = w.Write(out)
}

func (s *Server) handleExportAuditCSV(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, r, models.Role.CanViewAudit) {
		return
	}
	events, err := s.audit.Query(r.Context())
	if err != nil {
		http.Error(w, "query audit trail", http.StatusInternalServerError)
		return
	}
	out, err := render.AuditCSV(events)
	if err != nil {
		http.Error(w, "export csv", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=access_logs.csv")
	_, _ = w.Write(out)
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, r, models.Role.CanViewAudit) {
		return
	}
	events, err := s.audit.Query(r.Context())
	if err != nil {
		http.Error(w, "query audit trail", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type enqueueRenderRequest struct {
	ReportID string `json:"report_id"`
}

func (s *Server) handleEnqueueRender(w http.ResponseWriter, r *http.Request) {
	var req enqueueRenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ReportID == "" {
		http.Error(w, "report_id is required", http.StatusBadRequest)
		return
	}

	rec, err := s.ledger.GetReport(r.Context(), req.ReportID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, "query report", http.StatusInternalServerError)
		return
	}

	priority := "default"
	if rec.Severity == models.SeverityCritical {
		priority = "critical"
	}
	if err := s.queue.Enqueue(r.Context(), rec.ID, priority, time.Now()); err != nil {
		http.Error(w, "enqueue render", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"report_id": rec.ID, "status": "queued", "priority": priority})
}

func (s *Server) handleRenderDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.Stats(r.Context())
	if err != nil {
		http.Error(w, "query stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// requireRole gates an endpoint on the capability of the role named in the
// X-Actor-Role header.
func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, allowed func(models.Role) bool) bool {
	role, err := models.ParseRole(r.Header.Get("X-Actor-Role"))
	if err != nil {
		http.Error(w, "X-Actor-Role header is required", http.StatusForbidden)
		return false
	}
	if !allowed(role) {
		http.Error(w, "insufficient role", http.StatusForbidden)
		return false
	}
	return true
}

// formImage decodes the optional "image" part of a multipart submission.
func (s *Server) formImage(r *http.Request) (image.Image, bool, error) {
	file, _, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read image part: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, false, fmt.Errorf("read image: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, false, fmt.Errorf("decode image: %w", err)
	}
	return img, true, nil
}

func stationFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Station-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
