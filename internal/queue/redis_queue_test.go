package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"sitesnap-evidence/internal/config"
)

func testQueue(t *testing.T, visibility time.Duration) *RenderQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	return NewRenderQueue(config.Config{
		RedisAddr:         mr.Addr(),
		PriorityQueues:    []string{"critical", "default"},
		VisibilityTimeout: visibility,
		DLQName:           "renders:dlq",
	})
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, 30*time.Second)

	if err := q.Enqueue(ctx, "INC-1", "default", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	depth, err := q.ReadyDepth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("expected depth 1, got %d err=%v", depth, err)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "INC-1" {
		t.Fatalf("expected INC-1, got %q", id)
	}

	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("dequeued job must leave the ready queue, depth=%d", depth)
	}

	if err := q.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// Nothing left to reclaim once acked.
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("acked job must not be reclaimed, got %v", reclaimed)
	}
}

func TestCriticalPriorityDequeuesFirst(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, 30*time.Second)

	if err := q.Enqueue(ctx, "INC-low", "default", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "INC-crit", "critical", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "INC-crit" {
		t.Fatalf("critical renders must dequeue first, got %q", id)
	}
}

func TestScheduledPromotion(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, 30*time.Second)

	runAt := time.Now().Add(time.Hour)
	if err := q.Enqueue(ctx, "INC-later", "default", runAt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("scheduled job must not be ready yet")
	}

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	if err != nil || n != 0 {
		t.Fatalf("nothing is due yet, promoted %d err=%v", n, err)
	}

	n, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 promotion, got %d err=%v", n, err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("promoted job must be ready")
	}
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	// Negative visibility puts the lease deadline in the past immediately.
	q := testQueue(t, -time.Second)

	if err := q.Enqueue(ctx, "INC-stuck", "default", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	reclaimed, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != "INC-stuck" {
		t.Fatalf("expected INC-stuck reclaimed, got %v", reclaimed)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("reclaimed job must be ready again")
	}
}

func TestDLQ(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, 30*time.Second)

	if err := q.DLQPush(ctx, "INC-dead"); err != nil {
		t.Fatalf("dlq push: %v", err)
	}
	items, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(items) != 1 || items[0] != "INC-dead" {
		t.Fatalf("expected INC-dead in dlq, got %v", items)
	}
}
