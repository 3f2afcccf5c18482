package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"bustrack-svr/internal/observability"
)

const (
	pendingKey = "jobs:pending"
	delayedKey = "jobs:delayed"
	failedKey  = "jobs:failed"

	popTimeout      = 2 * time.Second
	promoteInterval = time.Second
	promoteBatch    = 100
)

// Handler processes one job. A nil return acknowledges the job; an
// error schedules a retry until the attempt budget runs out.
type Handler func(ctx context.Context, job Job) error

type QueueConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	Workers     int
	FailedMax   int64
}

// Queue is a Redis-backed at-least-once job queue: a list for ready
// jobs, a sorted set (scored by ready-time) for delayed retries, and a
// bounded list of permanently failed jobs kept for inspection.
type Queue struct {
	client   *redis.Client
	cfg      QueueConfig
	logger   *slog.Logger
	handlers map[string]Handler
}

func NewQueue(client *redis.Client, cfg QueueConfig, logger *slog.Logger) *Queue {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Queue{
		client:   client,
		cfg:      cfg,
		logger:   logger.With("component", "jobs"),
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job kind. Must be called before Run.
func (q *Queue) Register(kind string, h Handler) {
	q.handlers[kind] = h
}

// Enqueue appends a job to the ready list.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	job := Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     raw,
		MaxAttempts: q.cfg.MaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, pendingKey, b).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	q.logger.Info("job enqueued", "kind", kind, "id", job.ID)
	return nil
}

// Run consumes jobs until the context ends. It blocks; callers start it
// on its own goroutine.
func (q *Queue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.promoteLoop(ctx)
	}()
	for i := 0; i < q.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.workerLoop(ctx)
		}()
	}
	wg.Wait()
}

// promoteLoop moves delayed jobs whose ready-time has passed back onto
// the ready list.
func (q *Queue) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := fmt.Sprintf("%d", time.Now().Unix())
		members, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
			Min: "-inf", Max: now, Count: promoteBatch,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				q.logger.Warn("delayed scan failed", "err", err)
			}
			continue
		}
		for _, m := range members {
			// ZRem gates the push so two promoters cannot double-deliver
			removed, err := q.client.ZRem(ctx, delayedKey, m).Result()
			if err != nil || removed == 0 {
				continue
			}
			if err := q.client.LPush(ctx, pendingKey, m).Err(); err != nil {
				q.logger.Error("promote failed", "err", err)
			}
		}
	}
}

func (q *Queue) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := q.client.BRPop(ctx, popTimeout, pendingKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("queue pop failed", "err", err)
			time.Sleep(time.Second)
			continue
		}
		// BRPop returns [key, value]
		q.process(ctx, []byte(res[1]))
	}
}

func (q *Queue) process(ctx context.Context, raw []byte) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		q.logger.Error("undecodable job dropped", "err", err)
		return
	}

	h, ok := q.handlers[job.Kind]
	if !ok {
		q.fail(ctx, job, fmt.Errorf("no handler for kind %q", job.Kind))
		return
	}

	job.Attempts++
	if err := h(ctx, job); err != nil {
		q.logger.Error("job failed", "kind", job.Kind, "id", job.ID, "attempt", job.Attempts, "err", err)
		if job.Attempts >= job.MaxAttempts {
			q.fail(ctx, job, err)
			return
		}
		q.retry(ctx, job, err)
		return
	}
	observability.JobsProcessed.WithLabelValues(job.Kind).Inc()
	q.logger.Info("job done", "kind", job.Kind, "id", job.ID, "attempt", job.Attempts)
}

func (q *Queue) retry(ctx context.Context, job Job, cause error) {
	job.LastError = cause.Error()
	b, err := json.Marshal(job)
	if err != nil {
		q.logger.Error("retry marshal failed", "id", job.ID, "err", err)
		return
	}
	readyAt := time.Now().Add(backoff(q.cfg.BackoffBase, job.Attempts))
	err = q.client.ZAdd(ctx, delayedKey, redis.Z{Score: float64(readyAt.Unix()), Member: b}).Err()
	if err != nil {
		q.logger.Error("retry schedule failed", "id", job.ID, "err", err)
		return
	}
	observability.JobsRetried.Inc()
}

// fail parks the job on the bounded failed list for inspection.
func (q *Queue) fail(ctx context.Context, job Job, cause error) {
	observability.JobsFailed.Inc()
	job.LastError = cause.Error()
	b, err := json.Marshal(job)
	if err != nil {
		q.logger.Error("failed-job marshal failed", "id", job.ID, "err", err)
		return
	}
	pipe := q.client.Pipeline()
	pipe.LPush(ctx, failedKey, b)
	pipe.LTrim(ctx, failedKey, 0, q.cfg.FailedMax-1)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("failed-job park failed", "id", job.ID, "err", err)
	}
	q.logger.Error("job exhausted retries", "kind", job.Kind, "id", job.ID, "err", cause)
}

// backoff grows exponentially with the attempt number: base, 2*base,
// 4*base, ...
func backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(float64(base) * math.Pow(2, float64(attempts-1)))
}
