// Package progress tracks per-crawl counters in Redis and finalizes each
// crawl exactly once.
package progress

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Snapshot is a point-in-time view of a crawl's counters.
type Snapshot struct {
	Enqueued   int64
	Done       int64
	Succeeded  int64
	Failed     int64
	Target     int64
	Finalized  bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// Pending reports how many admitted pages have not completed yet.
func (s *Snapshot) Pending() int64 {
	return s.Enqueued - s.Done
}

// finalizeScript evaluates the finalization predicate server-side so that
// exactly one caller observes a true result per crawl.
var finalizeScript = redis.NewScript(`
local finalized = tonumber(redis.call('HGET', KEYS[1], 'finalized') or '0')
if finalized == 1 then
  return 0
end
local done = tonumber(redis.call('HGET', KEYS[1], 'done') or '0')
local enqueued = tonumber(redis.call('HGET', KEYS[1], 'enqueued') or '0')
local target = tonumber(redis.call('HGET', KEYS[1], 'target') or '0')
if (target > 0 and done >= target) or (enqueued > 0 and done == enqueued) then
  redis.call('HSET', KEYS[1], 'finalized', '1', 'finished_at', ARGV[1])
  return 1
end
return 0
`)

// Engine maintains crawl progress hashes in Redis.
type Engine struct {
	rdb redis.UniversalClient
}

// NewEngine creates a progress engine over the given Redis client.
func NewEngine(rdb redis.UniversalClient) *Engine {
	return &Engine{rdb: rdb}
}

func key(jobID string) string {
	return "anycrawl:crawl:" + jobID
}

// Start initializes the progress hash for a job. target is the page limit
// (0 when unbounded); ttl bounds how long the hash outlives the job.
func (e *Engine) Start(ctx context.Context, jobID string, target int, ttl time.Duration) error {
	k := key(jobID)
	pipe := e.rdb.TxPipeline()
	pipe.HSetNX(ctx, k, "started_at", time.Now().UTC().Format(time.RFC3339))
	pipe.HSetNX(ctx, k, "enqueued", 0)
	pipe.HSetNX(ctx, k, "done", 0)
	pipe.HSetNX(ctx, k, "succeeded", 0)
	pipe.HSetNX(ctx, k, "failed", 0)
	pipe.HSetNX(ctx, k, "finalized", 0)
	pipe.HSet(ctx, k, "target", target)
	pipe.Expire(ctx, k, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to start progress tracking: %w", err)
	}
	return nil
}

// IncrEnqueued records n newly admitted pages and returns the total
// enqueued so far.
func (e *Engine) IncrEnqueued(ctx context.Context, jobID string, n int64) (int64, error) {
	total, err := e.rdb.HIncrBy(ctx, key(jobID), "enqueued", n).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment enqueued: %w", err)
	}
	return total, nil
}

// MarkDone records one page completion. Every admitted page reports done
// exactly once, whether it succeeded or failed.
func (e *Engine) MarkDone(ctx context.Context, jobID string, succeeded bool) error {
	k := key(jobID)
	outcome := "failed"
	if succeeded {
		outcome = "succeeded"
	}
	pipe := e.rdb.TxPipeline()
	pipe.HIncrBy(ctx, k, "done", 1)
	pipe.HIncrBy(ctx, k, outcome, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark page done: %w", err)
	}
	return nil
}

// TryFinalize atomically checks the finalization predicate and claims the
// finalizer role. It returns true for exactly one caller per crawl.
func (e *Engine) TryFinalize(ctx context.Context, jobID string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	won, err := finalizeScript.Run(ctx, e.rdb, []string{key(jobID)}, now).Int()
	if err != nil {
		return false, fmt.Errorf("failed to run finalize script: %w", err)
	}
	return won == 1, nil
}

// Get returns the current counters for a job. A missing hash yields a
// zero snapshot.
func (e *Engine) Get(ctx context.Context, jobID string) (*Snapshot, error) {
	fields, err := e.rdb.HGetAll(ctx, key(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read progress: %w", err)
	}
	snap := &Snapshot{}
	snap.Enqueued = parseInt(fields["enqueued"])
	snap.Done = parseInt(fields["done"])
	snap.Succeeded = parseInt(fields["succeeded"])
	snap.Failed = parseInt(fields["failed"])
	snap.Target = parseInt(fields["target"])
	snap.Finalized = parseInt(fields["finalized"]) == 1
	if v := fields["started_at"]; v != "" {
		snap.StartedAt, _ = time.Parse(time.RFC3339, v)
	}
	if v := fields["finished_at"]; v != "" {
		snap.FinishedAt, _ = time.Parse(time.RFC3339, v)
	}
	return snap, nil
}

// Clear drops the progress hash for a job.
func (e *Engine) Clear(ctx context.Context, jobID string) error {
	if err := e.rdb.Del(ctx, key(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to clear progress: %w", err)
	}
	return nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
