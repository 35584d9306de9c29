// Package worker drives the background render loop: lease a job, render the
// PDF, retry with backoff on failure, dead-letter when retries are exhausted.
package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"sitesnap-evidence/internal/config"
	"sitesnap-evidence/internal/queue"
	"sitesnap-evidence/internal/telemetry"
)

// Handler executes one render job.
type Handler func(ctx context.Context, reportID string) error

// Processor drives the render worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RenderQueue
	handler  Handler
	workerID string

	// attempts tracks retries per report id for the lifetime of this worker.
	// Render jobs carry no database row, so retry state lives here.
	attempts map[string]int
}

// NewProcessor creates a processor with a worker ID for log correlation.
func NewProcessor(cfg config.Config, q *queue.RenderQueue, handler Handler, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		handler:  handler,
		workerID: workerID,
		attempts: make(map[string]int),
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize))
		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.RendersInFlight.Sub(float64(len(reclaimed)))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.RenderQueueDepth.Set(float64(depth))
		}

		reportID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || reportID == "" {
			sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}

		telemetry.RendersInFlight.Inc()
		err = p.handler(ctx, reportID)
		if err == nil {
			_ = p.queue.Ack(ctx, reportID)
			delete(p.attempts, reportID)
			telemetry.RendersInFlight.Dec()
			continue
		}

		p.attempts[reportID]++
		attempts := p.attempts[reportID]
		if attempts >= p.cfg.MaxAttempts {
			_ = p.queue.Ack(ctx, reportID)
			_ = p.queue.DLQPush(ctx, reportID)
			delete(p.attempts, reportID)
			telemetry.RendersDeadLetter.Inc()
			telemetry.RendersInFlight.Dec()
			continue
		}

		backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
		_ = p.queue.Ack(ctx, reportID)
		_ = p.queue.Schedule(ctx, reportID, "default", time.Now().Add(backoff))
		telemetry.RendersFailed.Inc()
		telemetry.RendersInFlight.Dec()
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

// WorkerID formats a stable identifier for logs.
func WorkerID(hostname string, pid int) string {
	if hostname != "" {
		return hostname
	}
	return fmt.Sprintf("render-worker-%d", pid)
}
