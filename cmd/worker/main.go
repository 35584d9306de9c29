package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"sitesnap-evidence/internal/audit"
	"sitesnap-evidence/internal/config"
	"sitesnap-evidence/internal/evidence"
	"sitesnap-evidence/internal/ledger"
	"sitesnap-evidence/internal/queue"
	"sitesnap-evidence/internal/render"
	"sitesnap-evidence/internal/telemetry"
	"sitesnap-evidence/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	pool, err := ledger.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	ev, err := evidence.NewFromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("init evidence store: %v", err)
	}

	reports := ledger.New(pool, ev, audit.New(pool))
	if err := reports.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = worker.WorkerID(hostname, os.Getpid())
	}

	q := queue.NewRenderQueue(cfg)
	output := evidence.NewLocal(cfg.RenderOutputDir)
	handler := worker.NewRenderHandler(reports, render.NewPDF(ev), output, cfg.RenderTimeout)
	processor := worker.NewProcessor(cfg, q, handler.Handle, workerID)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("render worker %s started with visibility=%s backoff_initial=%s", workerID, cfg.VisibilityTimeout, cfg.BackoffInitial)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
