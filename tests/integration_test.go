package tests

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kilnqueue/kiln/internal/fetch"
	"github.com/kilnqueue/kiln/internal/job"
	"github.com/kilnqueue/kiln/internal/logger"
	"github.com/kilnqueue/kiln/internal/middleware"
	"github.com/kilnqueue/kiln/internal/poller"
	"github.com/kilnqueue/kiln/internal/queue"
	"github.com/kilnqueue/kiln/internal/retry"
	"github.com/kilnqueue/kiln/internal/server"
	"github.com/kilnqueue/kiln/internal/worker"
	"github.com/kilnqueue/kiln/pkg/client"
	"github.com/redis/go-redis/v9"
)

var errTransient = errors.New("transient failure")

func newTestServer(t *testing.T, registry *worker.Registry, clock retry.Clock, rnd retry.RandFunc) (*server.Server, *client.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := queue.New(rc)
	log := &logger.NoOpLogger{}

	if clock == nil {
		clock = func() float64 { return float64(time.Now().UnixNano()) / 1e9 }
	}
	if rnd == nil {
		rnd = func(n int) int { return 0 }
	}

	chain := middleware.NewChain(
		retry.New(store, log, clock, rnd),
		middleware.NewDispatchEntry(registry),
	)

	var srv *server.Server
	factory := func(id string) *worker.Processor {
		fetcher := fetch.New(store, srv.Stopping)
		return worker.New(id, fetcher, chain, []string{"default", "critical"}, 50*time.Millisecond, log)
	}
	srv = server.New(chain, log, factory)

	return srv, client.NewWithClient(rc), mr
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// TestScenarioSuccessfulJobCompletes covers a job pushed to a queue being
// fetched, dispatched, and completed without touching retry or dead sets.
func TestScenarioSuccessfulJobCompletes(t *testing.T) {
	registry := worker.NewRegistry()
	var ran atomic.Bool
	registry.Register("Widget", func(ctx context.Context, args []interface{}) error {
		ran.Store(true)
		return nil
	})

	srv, c, mr := newTestServer(t, registry, nil, nil)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := c.Push(ctx, "Widget", []interface{}{"a"}, client.Options{}); err != nil {
		t.Fatal(err)
	}

	srv.Spawn(ctx)

	if !waitFor(t, time.Second, ran.Load) {
		t.Fatal("expected handler to run")
	}

	srv.RequestStop()
	waitFor(t, time.Second, func() bool { return len(srv.Processors()) == 0 })
}

// TestScenarioFailedJobScheduledForRetry covers a handler returning an
// error landing the job on the retry sorted set instead of being dropped.
func TestScenarioFailedJobScheduledForRetry(t *testing.T) {
	registry := worker.NewRegistry()
	var attempts atomic.Int32
	registry.Register("FlakyWidget", func(ctx context.Context, args []interface{}) error {
		attempts.Add(1)
		return errTransient
	})

	srv, c, mr := newTestServer(t, registry, func() float64 { return 1000 }, func(n int) int { return 0 })
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := c.Push(ctx, "FlakyWidget", nil, client.Options{Retry: job.FlexibleBool(true)}); err != nil {
		t.Fatal(err)
	}

	srv.Spawn(ctx)

	if !waitFor(t, time.Second, func() bool { return attempts.Load() == 1 }) {
		t.Fatal("expected handler to run once")
	}

	waitFor(t, time.Second, func() bool {
		n, _ := mr.ZCard(queue.RetryKey)
		return n == 1
	})

	n, err := mr.ZCard(queue.RetryKey)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 member on the retry set, got %d", n)
	}

	srv.RequestStop()
	waitFor(t, time.Second, func() bool { return len(srv.Processors()) == 0 })
}

// TestScenarioExhaustedRetriesLandInMorgue covers a job whose retry_count
// has already reached its limit being sent to the dead set instead of
// being rescheduled.
func TestScenarioExhaustedRetriesLandInMorgue(t *testing.T) {
	registry := worker.NewRegistry()
	registry.Register("DoomedWidget", func(ctx context.Context, args []interface{}) error {
		return errTransient
	})

	srv, c, mr := newTestServer(t, registry, func() float64 { return 2000 }, func(n int) int { return 0 })
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := c.Push(ctx, "DoomedWidget", nil, client.Options{Retry: job.FlexibleInt(1)}); err != nil {
		t.Fatal(err)
	}

	// The first processor run fails the job, pushing retry_count from nil
	// to 0 and scheduling the single allowed retry.
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	items, err := rc.LRange(ctx, queue.QueueKey("default"), 0, -1).Result()
	if err != nil || len(items) != 1 {
		t.Fatalf("expected 1 queued item, got %v, err=%v", items, err)
	}

	srv.Spawn(ctx)

	waitFor(t, time.Second, func() bool {
		n, _ := mr.ZCard(queue.RetryKey)
		return n == 1
	})

	// Requeue the same payload (simulating the poller promoting it back)
	// and let the processor fail it again; retry_count is now 0 so the
	// next failure should exhaust the single retry allowance.
	retrying, err := rc.ZRange(ctx, queue.RetryKey, 0, -1).Result()
	if err != nil || len(retrying) != 1 {
		t.Fatalf("expected 1 retry member, got %v, err=%v", retrying, err)
	}
	if err := rc.LPush(ctx, queue.QueueKey("default"), retrying[0]).Err(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool {
		n, _ := mr.ZCard(queue.DeadKey)
		return n == 1
	})

	n, err := mr.ZCard(queue.DeadKey)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected job to land in the dead set, got %d members", n)
	}

	srv.RequestStop()
	waitFor(t, time.Second, func() bool { return len(srv.Processors()) == 0 })
}

// TestScenarioHandlerNotFoundIsRetryable covers dispatching a klass with no
// registered handler going through retry bookkeeping rather than being
// silently dropped.
func TestScenarioHandlerNotFoundIsRetryable(t *testing.T) {
	registry := worker.NewRegistry()

	srv, c, mr := newTestServer(t, registry, func() float64 { return 3000 }, func(n int) int { return 0 })
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := c.Push(ctx, "NoSuchKlass", nil, client.Options{Retry: job.FlexibleBool(true)}); err != nil {
		t.Fatal(err)
	}

	srv.Spawn(ctx)

	if !waitFor(t, time.Second, func() bool {
		n, _ := mr.ZCard(queue.RetryKey)
		return n == 1
	}) {
		t.Fatal("expected unknown klass failure to be scheduled for retry")
	}

	srv.RequestStop()
	waitFor(t, time.Second, func() bool { return len(srv.Processors()) == 0 })
}

// TestScenarioDiedProcessorRespawns covers a panicking handler killing its
// Processor and the Server replacing it with a fresh one.
func TestScenarioDiedProcessorRespawns(t *testing.T) {
	registry := worker.NewRegistry()
	registry.Register("ExplodingWidget", func(ctx context.Context, args []interface{}) error {
		panic("boom")
	})

	srv, c, mr := newTestServer(t, registry, nil, nil)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := c.Push(ctx, "ExplodingWidget", nil, client.Options{}); err != nil {
		t.Fatal(err)
	}

	original := srv.Spawn(ctx)

	if !waitFor(t, 2*time.Second, func() bool {
		procs := srv.Processors()
		return len(procs) == 1 && procs[0] != original
	}) {
		t.Fatal("expected a replacement processor after the original died")
	}

	srv.RequestStop()
	waitFor(t, time.Second, func() bool { return len(srv.Processors()) == 0 })
}

// TestScenarioPollerPromotesDueRetries covers the path from a failed job
// landing on the retry set to the poller promoting it back onto its origin
// queue once its score has elapsed. It does not run the promoted job again.
func TestScenarioPollerPromotesDueRetries(t *testing.T) {
	registry := worker.NewRegistry()
	var completions atomic.Int32
	failOnce := atomic.Bool{}
	registry.Register("RetriedWidget", func(ctx context.Context, args []interface{}) error {
		if !failOnce.Swap(true) {
			return errTransient
		}
		completions.Add(1)
		return nil
	})

	now := 5000.0
	clock := func() float64 { return now }
	srv, c, mr := newTestServer(t, registry, clock, func(n int) int { return 0 })
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := c.Push(ctx, "RetriedWidget", nil, client.Options{Retry: job.FlexibleBool(true)}); err != nil {
		t.Fatal(err)
	}

	srv.Spawn(ctx)

	if !waitFor(t, time.Second, func() bool {
		n, _ := mr.ZCard(queue.RetryKey)
		return n == 1
	}) {
		t.Fatal("expected the failed job to land on the retry set")
	}

	srv.RequestStop()
	waitFor(t, time.Second, func() bool { return len(srv.Processors()) == 0 })

	// Advance the clock past the scheduled retry time and run the
	// promoter directly (bypassing the cron wrapper, which this test
	// doesn't need).
	now += 120
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := queue.New(rc)
	promoter := poller.New(store, &logger.NoOpLogger{}, clock)

	promoted, err := promoter.PromoteDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if promoted != 1 {
		t.Fatalf("expected to promote 1 job, got %d", promoted)
	}

	items, err := rc.LRange(ctx, queue.QueueKey("default"), 0, -1).Result()
	if err != nil || len(items) != 1 {
		t.Fatalf("expected promoted job back on its origin queue, got %v, err=%v", items, err)
	}
}
