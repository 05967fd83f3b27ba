// Package retry implements the retry/morgue decision algorithm: it
// catches a handler's error, schedules a retry by ZADD-ing into the "retry"
// sorted set, or sends the job to the "dead" morgue set once retries are
// exhausted. The delay formula and command sequence match Sidekiq's own
// algorithm byte for byte, so other readers of the same Redis keys compute
// identical retry times.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/kilnqueue/kiln/internal/job"
	"github.com/kilnqueue/kiln/internal/logger"
	"github.com/kilnqueue/kiln/internal/metrics"
	"github.com/kilnqueue/kiln/internal/middleware"
	"github.com/kilnqueue/kiln/internal/queue"
)

// InfraError marks a failure writing retry/morgue bookkeeping to Redis
// itself, as distinct from the job handler's own failure (which next()
// already returned and this entry is bookkeeping against). A Processor
// that observes an InfraError out of the chain treats it as involuntary
// death rather than a routine, retry-scheduled job failure.
type InfraError struct {
	Err error
}

func (e *InfraError) Error() string { return fmt.Sprintf("retry: redis write failed: %v", e.Err) }
func (e *InfraError) Unwrap() error { return e.Err }

// Clock returns the current time as fractional epoch seconds, matching the
// score format ZADD expects ("%.6f"). Injectable so tests can pin time.
type Clock func() float64

// RandFunc returns a uniform integer in [0, n). Injectable so the retry
// backoff schedule is deterministic in tests.
type RandFunc func(n int) int

// morgueCap bounds the dead set to roughly its most recent 10,000 members.
// Kept as a literal ZREMRANGEBYRANK cutoff rather than a
// configurable value, for wire-level parity with other implementations.
const morgueCap = -10000

// deadRetentionSeconds is six months, used to trim the morgue's tail by
// score before the rank-based cap is applied.
const deadRetentionSeconds = 6 * 30 * 24 * 60 * 60

// Entry is the default retry/morgue middleware.Entry. It wraps the
// handler-dispatch entry (and anything nested inside it): on error it
// performs the bookkeeping and re-raises the original error so the logger
// entry and caller still observe the failure. If the bookkeeping write to
// Redis itself fails, it returns an *InfraError wrapping that failure
// instead of the handler's error.
type Entry struct {
	Store *queue.Store
	Log   logger.Logger
	Now   Clock
	Rand  RandFunc
}

// New builds a retry Entry. now and rnd may be nil to use real time and
// math/rand respectively; tests should always supply both for determinism.
func New(store *queue.Store, log logger.Logger, now Clock, rnd RandFunc) *Entry {
	if now == nil {
		now = func() float64 { return float64(time.Now().UnixNano()) / 1e9 }
	}
	if rnd == nil {
		rnd = rand.Intn
	}
	return &Entry{Store: store, Log: log, Now: now, Rand: rnd}
}

func (e *Entry) Name() string { return "retry" }

func (e *Entry) Call(ctx context.Context, j *job.Job, next middleware.Next) error {
	err := next(ctx, j)
	if err == nil {
		return nil
	}

	max := j.Retry.RetryLimit()
	if max == 0 {
		return err
	}

	j.ErrorMessage = err.Error()
	j.ErrorClass = errorClassName(err)

	var count int
	now := e.Now()
	if j.RetryCount == nil {
		j.FailedAt = floatPtr(now)
		count = 0
	} else {
		j.RetriedAt = floatPtr(now)
		count = *j.RetryCount + 1
	}
	j.RetryCount = intPtr(count)

	if tcount := j.Backtrace.TraceLimit(); tcount > 0 {
		j.ErrorBacktrace = firstFrames(backtrace(err), tcount)
	}

	if count < max {
		delaySeconds := float64(count*count*count*count) + 15 + float64(e.Rand(30)*(count+1))
		retryAt := now + delaySeconds
		if scheduleErr := e.scheduleRetry(ctx, j, retryAt); scheduleErr != nil {
			return &InfraError{Err: fmt.Errorf("retry: schedule: %w", scheduleErr)}
		}
		metrics.Default().RecordRetried()
		e.Log.WithSource(logger.LogSourceJob).Warn("job scheduled for retry",
			"jid", j.JID, "klass", j.Klass, "retry_count", count, "retry_at", retryAt)
		return err
	}

	if jobErr := e.retriesExhausted(ctx, j, now); jobErr != nil {
		return &InfraError{Err: fmt.Errorf("retry: exhausted: %w", jobErr)}
	}
	e.Log.WithSource(logger.LogSourceJob).Error("job retries exhausted",
		"jid", j.JID, "klass", j.Klass, "retry_count", count)
	return err
}

// retriesExhausted: unless the job explicitly opts
// out with dead:false, send it to the morgue and trim the set's tail.
func (e *Entry) retriesExhausted(ctx context.Context, j *job.Job, now float64) error {
	if j.Dead != nil && !*j.Dead {
		return nil
	}
	if err := e.sendToMorgue(ctx, j, now); err != nil {
		return err
	}
	metrics.Default().RecordDead()
	return nil
}

// scheduleRetry issues ZADD retry <score> <payload> with the score formatted
// as "%.6f" fractional epoch seconds, matching the wire convention exactly
// so any Sidekiq-compatible reader can parse it.
func (e *Entry) scheduleRetry(ctx context.Context, j *job.Job, retryAt float64) error {
	payload, err := j.Encode()
	if err != nil {
		return err
	}
	score := fmt.Sprintf("%.6f", retryAt)
	return e.Store.Client.Do(ctx, "ZADD", queue.RetryKey, score, payload).Err()
}

// sendToMorgue performs the three literal commands inside a
// single pipeline: ZADD dead, trim anything older than six months, then cap
// the set to roughly its most recent 10,000 members.
func (e *Entry) sendToMorgue(ctx context.Context, j *job.Job, now float64) error {
	payload, err := j.Encode()
	if err != nil {
		return err
	}
	score := fmt.Sprintf("%.6f", now)
	cutoff := fmt.Sprintf("(%.6f", now-deadRetentionSeconds)

	pipe := e.Store.Client.TxPipeline()
	pipe.Do(ctx, "ZADD", queue.DeadKey, score, payload)
	pipe.Do(ctx, "ZREMRANGEBYSCORE", queue.DeadKey, "-inf", cutoff)
	pipe.Do(ctx, "ZREMRANGEBYRANK", queue.DeadKey, 0, morgueCap)
	_, err = pipe.Exec(ctx)
	return err
}

func floatPtr(f float64) *float64 { return &f }
func intPtr(n int) *int           { return &n }

// errorClassName reports a stable class-like name for an error. Go has no
// exception classes, so this names the error's dynamic type, mirroring
// what e.class_name would yield in the originating spec.
func errorClassName(err error) string {
	return fmt.Sprintf("%T", err)
}

// backtrace extracts frames from an error when it satisfies an optional
// Backtrace() []string interface; otherwise there are no frames to store.
func backtrace(err error) []string {
	type hasBacktrace interface{ Backtrace() []string }
	if bt, ok := err.(hasBacktrace); ok {
		return bt.Backtrace()
	}
	return nil
}

func firstFrames(frames []string, n int) []string {
	if n >= len(frames) {
		return frames
	}
	return frames[:n]
}
