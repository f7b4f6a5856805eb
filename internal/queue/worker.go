package queue

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/jackronrau/anycrawl/internal/models"
)

// Handler processes one request popped from a queue. A nil return marks
// the delivery handled; a retryable error reschedules the request until
// MaxAttempts is exhausted.
type Handler func(ctx context.Context, queueName string, req *models.EngineRequest) error

// PoolOptions configures a worker pool.
type PoolOptions struct {
	// Concurrency is the number of in-flight requests per queue, clamped
	// to [MinConcurrency, MaxConcurrency].
	Concurrency    int
	MinConcurrency int
	MaxConcurrency int
	// PopTimeout bounds each blocking pop so shutdown is responsive.
	PopTimeout time.Duration
	// PromoteInterval is how often due delayed retries are moved back
	// onto the queue.
	PromoteInterval time.Duration
	Logger          *slog.Logger
}

func (o *PoolOptions) defaults() {
	if o.MinConcurrency <= 0 {
		o.MinConcurrency = 10
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 50
	}
	if o.Concurrency < o.MinConcurrency {
		o.Concurrency = o.MinConcurrency
	}
	if o.Concurrency > o.MaxConcurrency {
		o.Concurrency = o.MaxConcurrency
	}
	if o.PopTimeout <= 0 {
		o.PopTimeout = 2 * time.Second
	}
	if o.PromoteInterval <= 0 {
		o.PromoteInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Pool drains a set of queues. Each queue gets one poll loop with a
// semaphore bounding concurrent handler executions.
type Pool struct {
	rdb     redis.UniversalClient
	handler Handler
	opts    PoolOptions

	queues []*Queue
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool builds a pool over the named queues.
func NewPool(rdb redis.UniversalClient, names []string, handler Handler, opts PoolOptions) *Pool {
	opts.defaults()
	queues := make([]*Queue, 0, len(names))
	for _, n := range names {
		queues = append(queues, New(rdb, n))
	}
	return &Pool{rdb: rdb, handler: handler, opts: opts, queues: queues}
}

// Start launches the poll and promote loops. Entries left on a processing
// list by a previous run are requeued first. It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for _, q := range p.queues {
		if n, err := q.ReclaimProcessing(ctx); err != nil {
			p.opts.Logger.Error("failed to reclaim in-flight requests",
				"queue", q.NameOf(), "error", err)
		} else if n > 0 {
			p.opts.Logger.Info("requeued in-flight requests from a previous run",
				"queue", q.NameOf(), "count", n)
		}
		p.wg.Add(2)
		go p.pollLoop(ctx, q)
		go p.promoteLoop(ctx, q)
	}
	p.opts.Logger.Info("worker pool started",
		"queues", len(p.queues), "concurrency", p.opts.Concurrency)
}

// Stop cancels all loops and waits for in-flight handlers, up to the
// context deadline.
func (p *Pool) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) pollLoop(ctx context.Context, q *Queue) {
	defer p.wg.Done()
	sem := semaphore.NewWeighted(int64(p.opts.Concurrency))
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		req, err := q.Pop(ctx, p.opts.PopTimeout)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				return
			}
			p.opts.Logger.Error("queue pop failed", "queue", q.NameOf(), "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if req == nil {
			sem.Release(1)
			if ctx.Err() != nil {
				return
			}
			continue
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			defer sem.Release(1)
			p.dispatch(ctx, q, req)
		}()
	}
}

func (p *Pool) dispatch(ctx context.Context, q *Queue, req *models.EngineRequest) {
	// Ack matches the claim by its serialized form, so keep the request
	// as it was popped.
	claimed := *req
	if req.Attempt == 0 {
		req.Attempt = 1
	}
	err := p.handler(ctx, q.NameOf(), req)
	// The claim is spent once the handler returned; retries re-enter the
	// delayed set as their own entries.
	if aerr := q.Ack(context.WithoutCancel(ctx), &claimed); aerr != nil {
		p.opts.Logger.Error("failed to acknowledge request",
			"queue", q.NameOf(), "url", req.URL, "error", aerr)
	}
	if err == nil {
		return
	}

	if models.IsRetryable(err) && req.Attempt < MaxAttempts {
		delay := Backoff(req.Attempt)
		req.Attempt++
		p.opts.Logger.Warn("request failed, scheduling retry",
			"queue", q.NameOf(), "url", req.URL, "attempt", req.Attempt,
			"delay", delay, "error", err)
		if perr := q.PushDelayed(ctx, req, time.Now().Add(delay)); perr != nil {
			p.opts.Logger.Error("failed to schedule retry",
				"queue", q.NameOf(), "url", req.URL, "error", perr)
		}
		return
	}

	p.opts.Logger.Error("request failed terminally",
		"queue", q.NameOf(), "url", req.URL, "attempt", req.Attempt, "error", err)
	if rerr := q.RecordFailed(context.WithoutCancel(ctx), req, err); rerr != nil {
		p.opts.Logger.Error("failed to record failed request",
			"queue", q.NameOf(), "error", rerr)
	}
}

func (p *Pool) promoteLoop(ctx context.Context, q *Queue) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.PromoteDelayed(ctx, time.Now()); err != nil && ctx.Err() == nil {
				p.opts.Logger.Error("failed to promote delayed requests",
					"queue", q.NameOf(), "error", err)
			}
		}
	}
}
