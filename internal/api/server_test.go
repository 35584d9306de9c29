package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"sitesnap-evidence/internal/config"
	"sitesnap-evidence/internal/evidence"
	"sitesnap-evidence/internal/ledger"
	"sitesnap-evidence/internal/models"
	"sitesnap-evidence/internal/queue"
	"sitesnap-evidence/internal/render"
	"sitesnap-evidence/internal/watermark"
)

type fakeLedger struct {
	reports   map[string]models.InspectionReport
	createErr error
	statusErr error
}

func (f *fakeLedger) CreateReport(_ context.Context, p ledger.CreateReportParams) (models.InspectionReport, error) {
	if f.createErr != nil {
		return models.InspectionReport{}, f.createErr
	}
	if strings.TrimSpace(p.Notes) == "" {
		return models.InspectionReport{}, &ledger.ValidationError{Field: "notes", Reason: "observation notes must not be empty"}
	}
	rec := models.InspectionReport{
		ID:          models.NewReportID(time.Now().UTC()),
		CreatedAt:   time.Now().UTC(),
		Site:        p.Site,
		SubmittedBy: p.SubmittedBy,
		Role:        p.Role,
		Severity:    p.Severity,
		Category:    p.Category,
		Notes:       p.Notes,
		Status:      models.StatusPendingReview,
		ImagePath:   models.NoImage,
	}
	if f.reports == nil {
		f.reports = map[string]models.InspectionReport{}
	}
	f.reports[rec.ID] = rec
	return rec, nil
}

func (f *fakeLedger) ListReports(context.Context, ledger.Filter) ([]models.InspectionReport, error) {
	out := make([]models.InspectionReport, 0, len(f.reports))
	for _, r := range f.reports {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeLedger) GetReport(_ context.Context, id string) (models.InspectionReport, error) {
	rec, ok := f.reports[id]
	if !ok {
		return models.InspectionReport{}, ledger.ErrNotFound
	}
	return rec, nil
}

func (f *fakeLedger) SetStatus(_ context.Context, id, newStatus string) error {
	if f.statusErr != nil {
		return f.statusErr
	}
	rec, ok := f.reports[id]
	if !ok {
		return ledger.ErrNotFound
	}
	if !models.CanTransitionStatus(rec.Status, newStatus) {
		return ledger.ErrInvalidTransition
	}
	rec.Status = newStatus
	f.reports[id] = rec
	return nil
}

func (f *fakeLedger) Stats(context.Context) (ledger.Stats, error) {
	return ledger.Stats{Total: int64(len(f.reports))}, nil
}

type fakeAuditor struct {
	events []models.AuditEvent
}

func (f *fakeAuditor) Record(_ context.Context, actor string, role models.Role, event string) {
	f.events = append(f.events, models.AuditEvent{
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Role:      role,
		Event:     event,
	})
}

func (f *fakeAuditor) Query(context.Context) ([]models.AuditEvent, error) {
	out := make([]models.AuditEvent, len(f.events))
	copy(out, f.events)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func newTestServer(t *testing.T, lg Ledger, audit Auditor, q *queue.RenderQueue) *Server {
	t.Helper()
	cfg := config.Config{
		EvidenceDir:      t.TempDir(),
		EvidenceMaxBytes: 10 << 20,
		JPEGQuality:      85,
		BlurThreshold:    100.0,
		DarkThreshold:    50.0,
		ProductTag:       "SiteSnap Compliance",
		RenderTimeout:    10 * time.Second,
	}
	annotator, err := watermark.New(cfg.ProductTag)
	if err != nil {
		t.Fatalf("watermark.New: %v", err)
	}
	ev, err := evidence.NewFromConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("evidence.NewFromConfig: %v", err)
	}
	return New(cfg, lg, audit, q, nil, annotator, render.NewPDF(ev))
}

func multipartReport(t *testing.T, fields map[string]string, img image.Image) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if img != nil {
		part, err := mw.CreateFormFile("image", "capture.png")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if err := png.Encode(part, img); err != nil {
			t.Fatalf("encode png: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &body, mw.FormDataContentType()
}

func noisyImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 120, 120))
	for y := 0; y < 120; y++ {
		for x := 0; x < 120; x++ {
			if (x+y)%2 == 0 {
				img.Set(x, y, color.White)
			} else {
				img.Set(x, y, color.Black)
			}
		}
	}
	return img
}

func TestSubmitReport(t *testing.T) {
	lg := &fakeLedger{}
	srv := newTestServer(t, lg, &fakeAuditor{}, nil)
	router := srv.Router()

	body, contentType := multipartReport(t, map[string]string{
		"site":         "Site A - North Tower",
		"submitted_by": "John (Site A)",
		"role":         "Worker",
		"severity":     "High",
		"category":     "Electrical",
		"notes":        "Exposed wiring near scaffold base.",
	}, noisyImage())

	req := httptest.NewRequest(http.MethodPost, "/reports", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp submitResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.HasPrefix(resp.Report.ID, "INC-") {
		t.Errorf("report id = %q, want INC- prefix", resp.Report.ID)
	}
	if resp.Report.Status != models.StatusPendingReview {
		t.Errorf("status = %q, want %q", resp.Report.Status, models.StatusPendingReview)
	}
	if resp.Quality == nil {
		t.Fatal("expected quality report for image submission")
	}
	if resp.Quality.Blurry {
		t.Error("checkerboard capture flagged blurry")
	}
}

func TestSubmitReportEmptyNotes(t *testing.T) {
	lg := &fakeLedger{}
	srv := newTestServer(t, lg, &fakeAuditor{}, nil)

	body, contentType := multipartReport(t, map[string]string{
		"site":         "Site A",
		"submitted_by": "John (Site A)",
		"role":         "Worker",
		"severity":     "Low",
		"notes":        "   ",
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/reports", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if len(lg.reports) != 0 {
		t.Errorf("rejected submission persisted %d reports", len(lg.reports))
	}
}

func TestSubmitReportUnknownSeverity(t *testing.T) {
	srv := newTestServer(t, &fakeLedger{}, &fakeAuditor{}, nil)

	body, contentType := multipartReport(t, map[string]string{
		"site":         "Site A",
		"submitted_by": "John (Site A)",
		"role":         "Worker",
		"severity":     "Catastrophic",
		"notes":        "Crane overload.",
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/reports", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestQualityCheck(t *testing.T) {
	srv := newTestServer(t, &fakeLedger{}, &fakeAuditor{}, nil)

	body, contentType := multipartReport(t, nil, noisyImage())
	req := httptest.NewRequest(http.MethodPost, "/quality/check", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var rep struct {
		Blurry bool `json:"is_blurry"`
		Dark   bool `json:"is_dark"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if rep.Blurry {
		t.Error("checkerboard flagged blurry")
	}
}

func TestReviewFlow(t *testing.T) {
	lg := &fakeLedger{reports: map[string]models.InspectionReport{}}
	rec := models.InspectionReport{ID: "INC-20260831-120000-ABCDEF", Status: models.StatusPendingReview}
	lg.reports[rec.ID] = rec

	audit := &fakeAuditor{}
	srv := newTestServer(t, lg, audit, nil)
	router := srv.Router()

	review := func(role string) *httptest.ResponseRecorder {
		payload, _ := json.Marshal(reviewRequest{Reviewer: "Sarah (HQ)", Role: role})
		req := httptest.NewRequest(http.MethodPost, "/reports/"+rec.ID+"/review", bytes.NewReader(payload))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	if rr := review("Worker"); rr.Code != http.StatusForbidden {
		t.Fatalf("worker review status = %d, want 403", rr.Code)
	}
	if rr := review("Supervisor"); rr.Code != http.StatusOK {
		t.Fatalf("supervisor review status = %d, body %s", rr.Code, rr.Body.String())
	}
	if got := lg.reports[rec.ID].Status; got != models.StatusReviewed {
		t.Errorf("status after review = %q, want %q", got, models.StatusReviewed)
	}
	if len(audit.events) != 1 || !strings.Contains(audit.events[0].Event, rec.ID) {
		t.Errorf("audit events = %+v, want one review entry naming %s", audit.events, rec.ID)
	}

	// A second review must not re-transition.
	if rr := review("Supervisor"); rr.Code != http.StatusConflict {
		t.Fatalf("repeat review status = %d, want 409", rr.Code)
	}
}

func TestReviewMissingReport(t *testing.T) {
	srv := newTestServer(t, &fakeLedger{}, &fakeAuditor{}, nil)

	payload, _ := json.Marshal(reviewRequest{Reviewer: "Sarah (HQ)", Role: "Supervisor"})
	req := httptest.NewRequest(http.MethodPost, "/reports/INC-nope/review", bytes.NewReader(payload))
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestReportPDF(t *testing.T) {
	lg := &fakeLedger{reports: map[string]models.InspectionReport{}}
	rec := models.InspectionReport{
		ID:        "INC-20260831-120000-ABCDEF",
		CreatedAt: time.Now().UTC(),
		Site:      "Site A",
		Severity:  models.SeverityCritical,
		Notes:     "Gas leak near generator.",
		Status:    models.StatusPendingReview,
		ImagePath: models.NoImage,
	}
	lg.reports[rec.ID] = rec

	srv := newTestServer(t, lg, &fakeAuditor{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/reports/"+rec.ID+"/pdf", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("content type = %q", ct)
	}
	if !bytes.HasPrefix(rr.Body.Bytes(), []byte("%PDF")) {
		t.Error("response is not a PDF document")
	}
}

func TestExportReportsCSVRoleGate(t *testing.T) {
	lg := &fakeLedger{reports: map[string]models.InspectionReport{}}
	srv := newTestServer(t, lg, &fakeAuditor{}, nil)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/export/reports.csv", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("anonymous export status = %d, want 403", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/export/reports.csv", nil)
	req.Header.Set("X-Actor-Role", "Admin")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("admin export status = %d", rr.Code)
	}
	rows, err := csv.NewReader(rr.Body).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want header only for empty ledger", len(rows))
	}
	if rows[0][0] != "ID" || rows[0][len(rows[0])-1] != "Image_Path" {
		t.Errorf("unexpected header %v", rows[0])
	}
}

func TestAuditTrailRoleGate(t *testing.T) {
	audit := &fakeAuditor{}
	audit.Record(context.Background(), "System Admin", models.RoleAdmin, "Login Success")
	srv := newTestServer(t, &fakeLedger{}, audit, nil)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/audit", nil)
	req.Header.Set("X-Actor-Role", "Worker")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("worker audit status = %d, want 403", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/audit", nil)
	req.Header.Set("X-Actor-Role", "Admin")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("admin audit status = %d", rr.Code)
	}
	var resp struct {
		Events []models.AuditEvent `json:"events"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Events) != 1 || resp.Events[0].Event != "Login Success" {
		t.Errorf("events = %+v", resp.Events)
	}
}

func TestLogin(t *testing.T) {
	audit := &fakeAuditor{}
	srv := newTestServer(t, &fakeLedger{}, audit, nil)
	router := srv.Router()

	login := func(user, pass string) *httptest.ResponseRecorder {
		payload, _ := json.Marshal(loginRequest{Username: user, Password: pass})
		req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(payload))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	if rr := login("worker", "wrong"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d, want 401", rr.Code)
	}
	if len(audit.events) != 0 {
		t.Fatalf("failed login must not write audit events, got %d", len(audit.events))
	}

	rr := login("manager", "456")
	if rr.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp loginResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Role != models.RoleSupervisor || resp.Name != "Sarah (HQ)" {
		t.Errorf("login response = %+v", resp)
	}
	if len(audit.events) != 1 || audit.events[0].Event != "Login Success" {
		t.Errorf("audit events = %+v", audit.events)
	}
}

func TestEnqueueRenderCriticalPriority(t *testing.T) {
	mr := miniredis.RunT(t)
	q := queue.NewRenderQueue(config.Config{
		RedisAddr:         mr.Addr(),
		PriorityQueues:    []string{"critical", "default"},
		VisibilityTimeout: time.Minute,
		DLQName:           "renders:dlq",
	})

	lg := &fakeLedger{reports: map[string]models.InspectionReport{}}
	rec := models.InspectionReport{ID: "INC-20260831-120000-ABCDEF", Severity: models.SeverityCritical, Status: models.StatusPendingReview}
	lg.reports[rec.ID] = rec

	srv := newTestServer(t, lg, &fakeAuditor{}, q)
	payload, _ := json.Marshal(enqueueRenderRequest{ReportID: rec.ID})
	req := httptest.NewRequest(http.MethodPost, "/renders", bytes.NewReader(payload))
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["priority"] != "critical" {
		t.Errorf("priority = %q, want critical", resp["priority"])
	}

	got, err := q.DequeueWithLease(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got != rec.ID {
		t.Errorf("dequeued %q, want %q", got, rec.ID)
	}
}

func TestStats(t *testing.T) {
	lg := &fakeLedger{reports: map[string]models.InspectionReport{
		"INC-a": {ID: "INC-a"},
		"INC-b": {ID: "INC-b"},
	}}
	srv := newTestServer(t, lg, &fakeAuditor{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var stats ledger.Stats
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("total = %d, want 2", stats.Total)
	}
}
