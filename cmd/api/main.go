package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"sitesnap-evidence/internal/api"
	"sitesnap-evidence/internal/audit"
	"sitesnap-evidence/internal/config"
	"sitesnap-evidence/internal/evidence"
	"sitesnap-evidence/internal/ledger"
	"sitesnap-evidence/internal/queue"
	"sitesnap-evidence/internal/ratelimit"
	"sitesnap-evidence/internal/render"
	"sitesnap-evidence/internal/watermark"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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

	auditLog := audit.New(pool)
	reports := ledger.New(pool, ev, auditLog)
	if err := reports.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	annotator, err := watermark.New(cfg.ProductTag)
	if err != nil {
		log.Fatalf("init annotator: %v", err)
	}

	q := queue.NewRenderQueue(cfg)
	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, reports, auditLog, q, limiter, annotator, render.NewPDF(ev))
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
