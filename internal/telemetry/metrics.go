package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ReportsSubmitted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_submitted_total", Help: "Reports accepted into the ledger"})
	ReportsRejected   = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_rejected_total", Help: "Submissions rejected by validation"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_rate_limit_rejects_total", Help: "Submissions rejected by the station rate limiter"})
	BlurryCaptures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "captures_blurry_total", Help: "Submitted images scored as blurry"})
	DarkCaptures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "captures_dark_total", Help: "Submitted images scored as underexposed"})
	RendersCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "renders_completed_total", Help: "PDF renders completed"})
	RendersDegraded   = prometheus.NewCounter(prometheus.CounterOpts{Name: "renders_degraded_total", Help: "PDF renders completed without their evidence image"})
	RendersFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "renders_failed_total", Help: "PDF renders that failed and will retry"})
	RendersDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "renders_dead_letter_total", Help: "Render jobs moved to the DLQ"})
	AuditEvents       = prometheus.NewCounter(prometheus.CounterOpts{Name: "audit_events_total", Help: "Audit trail events written"})
	RenderQueueDepth  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "renders_queue_depth", Help: "Ready render queue depth across priorities"})
	RendersInFlight   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "renders_inflight", Help: "Render jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ReportsSubmitted,
			ReportsRejected,
			RateLimitRejects,
			BlurryCaptures,
			DarkCaptures,
			RendersCompleted,
			RendersDegraded,
			RendersFailed,
			RendersDeadLetter,
			AuditEvents,
			RenderQueueDepth,
			RendersInFlight,
		)
	})
	return promhttp.Handler()
}
