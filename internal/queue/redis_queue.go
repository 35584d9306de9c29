// Package queue holds the Redis-backed render job queue. Export jobs are
// leased to the render worker with a visibility timeout so a crashed worker
// never strands a job.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sitesnap-evidence/internal/config"
)

// RenderQueue coordinates ready, in-flight, and scheduled render jobs in Redis.
// Job identity is the report id being rendered; CRITICAL reports ride the
// high-priority queue.
type RenderQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	scheduledKey   string
	jobMetaPrefix  string
	visibilityTTL  time.Duration
	dlqKey         string
}

// NewRenderQueue builds a queue client from config.
func NewRenderQueue(cfg config.Config) *RenderQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "renders:dlq"
	}
	return &RenderQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    "renders:inflight",
		scheduledKey:   "renders:scheduled",
		jobMetaPrefix:  "renders:jobmeta:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
	}
}

func (q *RenderQueue) readyKey(priority string) string {
	return fmt.Sprintf("renders:ready:%s", priority)
}

func (q *RenderQueue) metaKey(reportID string) string {
	return q.jobMetaPrefix + reportID
}

// Enqueue inserts a render job into either the scheduled set or the ready queue.
func (q *RenderQueue) Enqueue(ctx context.Context, reportID, priority string, runAt time.Time) error {
	if priority == "" {
		priority = "default"
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(reportID), "priority", priority)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: reportID})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), reportID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule moves a render job into the scheduled set for deferred retry.
func (q *RenderQueue) Schedule(ctx context.Context, reportID, priority string, runAt time.Time) error {
	if priority == "" {
		priority = "default"
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(reportID), "priority", priority)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: reportID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into ready queues. It returns how many were promoted.
func (q *RenderQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(q.priorityFor(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (q *RenderQueue) priorityFor(ctx context.Context, reportID string) string {
	priority, err := q.client.HGet(ctx, q.metaKey(reportID), "priority").Result()
	if err != nil || priority == "" {
		return "default"
	}
	return priority
}

// DequeueWithLease pops a job from ready queues (priority order) and places
// it into inflight with a visibility timeout.
func (q *RenderQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	reportID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return reportID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RenderQueue) ExtendLease(ctx context.Context, reportID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: reportID,
	}).Err()
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *RenderQueue) Ack(ctx context.Context, reportID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, reportID)
	pipe.Del(ctx, q.metaKey(reportID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RenderQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(q.priorityFor(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RenderQueue) DLQPush(ctx context.Context, reportID string) error {
	return q.client.RPush(ctx, q.dlqKey, reportID).Err()
}

// DLQPeek reads the latest dead-lettered report IDs.
func (q *RenderQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready queues.
func (q *RenderQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
