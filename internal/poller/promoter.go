package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/kilnqueue/kiln/internal/job"
	"github.com/kilnqueue/kiln/internal/logger"
	"github.com/kilnqueue/kiln/internal/queue"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

// lockKey is the single global lock every server process contends for
// before running a promotion tick.
const lockKey = "kiln:poller:lock"

// lockTTL bounds how long one process can hold the promotion lock. It
// must comfortably exceed a single tick's expected duration.
const lockTTL = 10 * time.Second

// Promoter scans the "retry" sorted set for members whose score has
// elapsed and LPUSHes their payload back onto the queue named in the
// payload's own "queue" field (queue name provenance lives in the
// job, not a side channel).
type Promoter struct {
	Store *queue.Store
	Log   logger.Logger
	Clock func() float64
}

// New builds a Promoter.
func New(store *queue.Store, log logger.Logger, clock func() float64) *Promoter {
	return &Promoter{Store: store, Log: log, Clock: clock}
}

// PromoteDue moves every due retry member back onto its origin queue,
// preserving the payload byte-for-byte, and reports how many it promoted.
func (p *Promoter) PromoteDue(ctx context.Context) (int, error) {
	now := p.Clock()
	max := fmt.Sprintf("%.6f", now)

	members, err := p.Store.Client.ZRangeByScore(ctx, queue.RetryKey, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, fmt.Errorf("poller: scan retry set: %w", err)
	}

	promoted := 0
	for _, payload := range members {
		j, decErr := job.Decode([]byte(payload))
		if decErr != nil {
			if p.Log != nil {
				p.Log.WithComponent(logger.ComponentPoller).Error("discarding malformed retry payload", "error", decErr.Error())
			}
			p.Store.Client.ZRem(ctx, queue.RetryKey, payload)
			continue
		}

		pipe := p.Store.Client.TxPipeline()
		pipe.ZRem(ctx, queue.RetryKey, payload)
		pipe.SAdd(ctx, queue.QueuesSetKey, j.Queue)
		pipe.LPush(ctx, queue.QueueKey(j.Queue), payload)
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, fmt.Errorf("poller: promote %s: %w", j.JID, err)
		}
		promoted++
	}

	if promoted > 0 {
		if p.Log != nil {
			p.Log.WithComponent(logger.ComponentPoller).Info("promoted due retries", "count", promoted)
		}
	}
	return promoted, nil
}

// Run schedules PromoteDue on a cron expression (default "@every 1s"),
// acquiring the distributed lock before each tick so only one server
// process in a fleet performs the promotion at a time. It blocks until ctx
// is cancelled.
func (p *Promoter) Run(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = "@every 1s"
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		lock, lockErr := AcquireLock(ctx, p.Store.Client, lockKey, lockTTL)
		if lockErr != nil || lock == nil {
			return
		}
		defer lock.Release(ctx)

		if _, promoteErr := p.PromoteDue(ctx); promoteErr != nil && p.Log != nil {
			p.Log.WithComponent(logger.ComponentPoller).Error("promotion tick failed", "error", promoteErr.Error())
		}
	})
	if err != nil {
		return fmt.Errorf("poller: schedule: %w", err)
	}

	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}
