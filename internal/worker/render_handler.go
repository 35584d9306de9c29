package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"sitesnap-evidence/internal/evidence"
	"sitesnap-evidence/internal/models"
	"sitesnap-evidence/internal/render"
	"sitesnap-evidence/internal/telemetry"
)

// reportSource is the slice of the ledger the render worker needs.
type reportSource interface {
	GetReport(ctx context.Context, id string) (models.InspectionReport, error)
}

// RenderHandler renders one report to PDF and stores the document in the
// render output store.
type RenderHandler struct {
	reports  reportSource
	renderer *render.PDFRenderer
	output   evidence.Store
	timeout  time.Duration
}

// NewRenderHandler wires the handler. A zero timeout falls back to 30s;
// rendering is disk- and image-bound and must not hang the worker loop.
func NewRenderHandler(reports reportSource, renderer *render.PDFRenderer, output evidence.Store, timeout time.Duration) *RenderHandler {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &RenderHandler{
		reports:  reports,
		renderer: renderer,
		output:   output,
		timeout:  timeout,
	}
}

// Handle renders the report identified by reportID.
func (h *RenderHandler) Handle(ctx context.Context, reportID string) error {
	rctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	rec, err := h.reports.GetReport(rctx, reportID)
	if err != nil {
		return fmt.Errorf("load report %s: %w", reportID, err)
	}

	out, warnings, err := h.renderer.Render(rctx, rec)
	if err != nil {
		return fmt.Errorf("render %s: %w", reportID, err)
	}
	if len(warnings) > 0 {
		telemetry.RendersDegraded.Inc()
		log.Printf("render %s degraded: %v", reportID, warnings)
	}

	if _, err := h.output.Save(ctx, reportID+".pdf", out, "application/pdf"); err != nil {
		return fmt.Errorf("store rendered pdf %s: %w", reportID, err)
	}

	telemetry.RendersCompleted.Inc()
	return nil
}
