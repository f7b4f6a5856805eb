// Package queue provides durable Redis-backed job queues with delayed
// retries and a worker pool draining them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jackronrau/anycrawl/internal/models"
)

const (
	keyPrefix       = "anycrawl:queue:"
	cancelPrefix    = "anycrawl:cancel:"
	failedRetention = time.Hour

	// MaxAttempts bounds delivery attempts per request.
	MaxAttempts = 3
	// backoffBase is the first retry delay; subsequent retries double it.
	backoffBase = time.Second
)

// Name identifies a queue for one (kind, engine) pair.
func Name(kind models.JobKind, engine models.EngineName) string {
	return fmt.Sprintf("%s-%s", kind, engine)
}

// Names enumerates every queue the worker pool must drain.
func Names() []string {
	kinds := []models.JobKind{models.JobKindScrape, models.JobKindCrawl, models.JobKindSearch}
	engines := []models.EngineName{models.EngineStatic, models.EngineBrowser, models.EngineStealth}
	names := make([]string, 0, len(kinds)*len(engines))
	for _, k := range kinds {
		for _, e := range engines {
			names = append(names, Name(k, e))
		}
	}
	return names
}

// Queue is one named Redis list with a companion processing list, delayed
// set, and failed list. Delivery is at-least-once: Pop claims an entry
// onto the processing list and Ack removes it, so a consumer that dies
// mid-request leaves the entry behind for ReclaimProcessing. Initial
// attempts are FIFO, retries may overtake.
type Queue struct {
	rdb  redis.UniversalClient
	name string
}

// New creates a queue handle for name.
func New(rdb redis.UniversalClient, name string) *Queue {
	return &Queue{rdb: rdb, name: name}
}

// NameOf returns the queue's name.
func (q *Queue) NameOf() string { return q.name }

func (q *Queue) listKey() string       { return keyPrefix + q.name }
func (q *Queue) processingKey() string { return keyPrefix + q.name + ":processing" }
func (q *Queue) delayedKey() string    { return keyPrefix + q.name + ":delayed" }
func (q *Queue) failedKey() string     { return keyPrefix + q.name + ":failed" }

// Push enqueues a request for immediate delivery.
func (q *Queue) Push(ctx context.Context, req *models.EngineRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.listKey(), data).Err(); err != nil {
		return fmt.Errorf("failed to push to queue %s: %w", q.name, err)
	}
	return nil
}

// PushDelayed schedules a request to become deliverable at readyAt.
func (q *Queue) PushDelayed(ctx context.Context, req *models.EngineRequest, readyAt time.Time) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	z := redis.Z{Score: float64(readyAt.UnixMilli()), Member: string(data)}
	if err := q.rdb.ZAdd(ctx, q.delayedKey(), z).Err(); err != nil {
		return fmt.Errorf("failed to schedule delayed request: %w", err)
	}
	return nil
}

// Pop blocks up to timeout for the next request, claiming it onto the
// processing list so a crashed consumer cannot lose it. Callers must Ack
// once handling finished. Returns nil, nil when the queue stayed empty.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*models.EngineRequest, error) {
	raw, err := q.rdb.BLMove(ctx, q.listKey(), q.processingKey(), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from queue %s: %w", q.name, err)
	}
	var req models.EngineRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	return &req, nil
}

// Ack removes a handled request from the processing list. The entry is
// matched by its serialized form, so Ack must run before the request is
// mutated for a retry.
func (q *Queue) Ack(ctx context.Context, req *models.EngineRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := q.rdb.LRem(ctx, q.processingKey(), 1, data).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge request: %w", err)
	}
	return nil
}

// ReclaimProcessing moves claimed-but-unacknowledged entries back onto
// the queue. Entries found at startup were claimed by a consumer that
// died before acknowledging; redelivering them may repeat work, which
// at-least-once delivery permits.
func (q *Queue) ReclaimProcessing(ctx context.Context) (int, error) {
	reclaimed := 0
	for {
		_, err := q.rdb.LMove(ctx, q.processingKey(), q.listKey(), "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return reclaimed, nil
		}
		if err != nil {
			return reclaimed, fmt.Errorf("failed to reclaim processing entry: %w", err)
		}
		reclaimed++
	}
}

// PromoteDelayed moves requests whose ready time has passed back onto the
// list. Returns how many were promoted.
func (q *Queue) PromoteDelayed(ctx context.Context, now time.Time) (int, error) {
	max := strconv.FormatInt(now.UnixMilli(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed set: %w", err)
	}
	promoted := 0
	for _, m := range members {
		// ZREM before LPUSH so two movers never deliver the same entry.
		removed, err := q.rdb.ZRem(ctx, q.delayedKey(), m).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to remove delayed entry: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, q.listKey(), m).Err(); err != nil {
			return promoted, fmt.Errorf("failed to promote delayed entry: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// RecordFailed keeps a terminally failed request for inspection. The
// failed list expires after an hour.
func (q *Queue) RecordFailed(ctx context.Context, req *models.EngineRequest, cause error) error {
	entry := map[string]any{
		"request":   req,
		"error":     cause.Error(),
		"failed_at": time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal failed entry: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, q.failedKey(), data)
	pipe.Expire(ctx, q.failedKey(), failedRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record failed request: %w", err)
	}
	return nil
}

// PurgeJob removes pending entries belonging to jobID from the list and
// delayed set. Best effort; entries already claimed onto a processing
// list are not touched.
func (q *Queue) PurgeJob(ctx context.Context, jobID string) (int, error) {
	removed := 0

	entries, err := q.rdb.LRange(ctx, q.listKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list queue entries: %w", err)
	}
	for _, raw := range entries {
		if !entryBelongsTo(raw, jobID) {
			continue
		}
		n, err := q.rdb.LRem(ctx, q.listKey(), 1, raw).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to remove queue entry: %w", err)
		}
		removed += int(n)
	}

	delayed, err := q.rdb.ZRange(ctx, q.delayedKey(), 0, -1).Result()
	if err != nil {
		return removed, fmt.Errorf("failed to list delayed entries: %w", err)
	}
	for _, raw := range delayed {
		if !entryBelongsTo(raw, jobID) {
			continue
		}
		n, err := q.rdb.ZRem(ctx, q.delayedKey(), raw).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to remove delayed entry: %w", err)
		}
		removed += int(n)
	}
	return removed, nil
}

// Depth reports how many requests are waiting for immediate delivery.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.listKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return n, nil
}

func entryBelongsTo(raw, jobID string) bool {
	var req models.EngineRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return false
	}
	return req.UserData.JobID == jobID
}

// Backoff returns the delay before retry attempt (1-based delivery count
// of the attempt that just failed).
func Backoff(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// SetCancelFlag marks a job as cancelled for every worker. The flag
// expires with the retention ttl so Redis does not accumulate keys.
func SetCancelFlag(ctx context.Context, rdb redis.UniversalClient, jobID string, ttl time.Duration) error {
	if err := rdb.Set(ctx, cancelPrefix+jobID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cancel flag: %w", err)
	}
	return nil
}

// IsCancelled reports whether a cancel flag exists for jobID.
func IsCancelled(ctx context.Context, rdb redis.UniversalClient, jobID string) (bool, error) {
	n, err := rdb.Exists(ctx, cancelPrefix+jobID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check cancel flag: %w", err)
	}
	return n > 0, nil
}
