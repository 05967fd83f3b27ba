package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kilnqueue/kiln/internal/fetch"
	"github.com/kilnqueue/kiln/internal/job"
	"github.com/kilnqueue/kiln/internal/logger"
	"github.com/kilnqueue/kiln/internal/middleware"
	"github.com/kilnqueue/kiln/internal/queue"
	"github.com/kilnqueue/kiln/internal/retry"
	"github.com/redis/go-redis/v9"
)

func newTestProcessor(t *testing.T, stopping func() bool, chain *middleware.Chain) (*Processor, *queue.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := queue.New(client)
	fetcher := fetch.New(store, stopping)
	p := New("p1", fetcher, chain, []string{"default"}, 20*time.Millisecond, &logger.NoOpLogger{})
	p.Stopping = stopping
	return p, store
}

func TestProcessorDispatchesAndGoesIdle(t *testing.T) {
	var dispatched []string
	var mu sync.Mutex
	dispatcher := dispatcherFunc(func(ctx context.Context, j *job.Job) error {
		mu.Lock()
		dispatched = append(dispatched, j.JID)
		mu.Unlock()
		return nil
	})
	chain := middleware.NewChain(middleware.NewDispatchEntry(dispatcher))

	stopped := make(chan struct{})
	var once sync.Once
	stopping := func() bool { return false }
	p, store := newTestProcessor(t, stopping, chain)
	p.OnStop = func(*Processor) { once.Do(func() { close(stopped) }) }

	if err := store.Enqueue(context.Background(), "default", []byte(`{"jid":"abc","klass":"Widget"}`)); err != nil {
		t.Fatal(err)
	}

	go p.Run(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(dispatched)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for dispatch")
		case <-time.After(5 * time.Millisecond):
		}
	}

	p.Stopping = func() bool { return true }
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop")
	}

	if p.State() != StateStopped {
		t.Fatalf("expected StateStopped, got %v", p.State())
	}
}

func TestProcessorDiesOnPanic(t *testing.T) {
	dispatcher := dispatcherFunc(func(ctx context.Context, j *job.Job) error {
		panic("boom")
	})
	chain := middleware.NewChain(middleware.NewDispatchEntry(dispatcher))

	died := make(chan error, 1)
	p, store := newTestProcessor(t, func() bool { return false }, chain)
	p.OnDied = func(proc *Processor, cause error) { died <- cause }

	if err := store.Enqueue(context.Background(), "default", []byte(`{"jid":"abc","klass":"Widget"}`)); err != nil {
		t.Fatal(err)
	}

	go p.Run(context.Background())

	select {
	case err := <-died:
		if err == nil {
			t.Fatal("expected non-nil panic cause")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected processor to report death")
	}

	if p.State() != StateDied {
		t.Fatalf("expected StateDied, got %v", p.State())
	}
}

func TestProcessorTagsDispatchContextWithJobAndWorkerID(t *testing.T) {
	var gotJobID, gotWorkerID string
	var mu sync.Mutex
	dispatcher := dispatcherFunc(func(ctx context.Context, j *job.Job) error {
		mu.Lock()
		gotJobID, _ = logger.JobIDFromContext(ctx)
		gotWorkerID, _ = logger.WorkerIDFromContext(ctx)
		mu.Unlock()
		return nil
	})
	chain := middleware.NewChain(middleware.NewDispatchEntry(dispatcher))

	stopped := make(chan struct{})
	var once sync.Once
	p, store := newTestProcessor(t, func() bool { return false }, chain)
	p.OnStop = func(*Processor) { once.Do(func() { close(stopped) }) }

	if err := store.Enqueue(context.Background(), "default", []byte(`{"jid":"xyz","klass":"Widget"}`)); err != nil {
		t.Fatal(err)
	}

	go p.Run(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		jobID := gotJobID
		mu.Unlock()
		if jobID != "" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for dispatch")
		case <-time.After(5 * time.Millisecond):
		}
	}

	p.Stopping = func() bool { return true }
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotJobID != "xyz" {
		t.Errorf("expected dispatch context job_id %q, got %q", "xyz", gotJobID)
	}
	if gotWorkerID != p.ID {
		t.Errorf("expected dispatch context worker_id %q, got %q", p.ID, gotWorkerID)
	}
}

func TestProcessorDiscardsMalformedPayload(t *testing.T) {
	dispatcher := dispatcherFunc(func(ctx context.Context, j *job.Job) error { return nil })
	chain := middleware.NewChain(middleware.NewDispatchEntry(dispatcher))

	stopping := false
	var mu sync.Mutex
	p, store := newTestProcessor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return stopping
	}, chain)

	stopped := make(chan struct{})
	p.OnStop = func(*Processor) { close(stopped) }

	if err := store.Enqueue(context.Background(), "default", []byte(`not json`)); err != nil {
		t.Fatal(err)
	}

	go p.Run(context.Background())
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	stopping = true
	mu.Unlock()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop after discarding malformed payload")
	}
}

// TestProcessorDiesOnRetryInfraFailure exercises the path where the retry
// entry's own Redis write fails (as opposed to the handler's error, which
// is routine). That failure must surface as involuntary death, not as a
// job retried back to idle.
func TestProcessorDiesOnRetryInfraFailure(t *testing.T) {
	errBoom := errors.New("handler failed")
	dispatcher := dispatcherFunc(func(ctx context.Context, j *job.Job) error { return errBoom })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := queue.New(client)

	// The retry entry writes through a second store whose Redis is already
	// gone, so only its ZADD fails — the fetcher's own store stays live.
	deadBackend := miniredis.RunT(t)
	deadClient := redis.NewClient(&redis.Options{Addr: deadBackend.Addr()})
	deadBackend.Close()
	deadStore := queue.New(deadClient)

	retryEntry := retry.New(deadStore, &logger.NoOpLogger{}, func() float64 { return 1000 }, func(n int) int { return 0 })
	chain := middleware.NewChain(retryEntry, middleware.NewDispatchEntry(dispatcher))

	fetcher := fetch.New(store, func() bool { return false })
	p := New("p1", fetcher, chain, []string{"default"}, 20*time.Millisecond, &logger.NoOpLogger{})
	p.Stopping = func() bool { return false }

	died := make(chan error, 1)
	p.OnDied = func(proc *Processor, cause error) { died <- cause }

	if err := store.Enqueue(context.Background(), "default", []byte(`{"jid":"abc","klass":"Widget","retry":true}`)); err != nil {
		t.Fatal(err)
	}

	go p.Run(context.Background())

	select {
	case err := <-died:
		var infraErr *retry.InfraError
		if !errors.As(err, &infraErr) {
			t.Fatalf("expected death cause to be a retry.InfraError, got %v (%T)", err, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected processor to report death on retry infra failure")
	}

	if p.State() != StateDied {
		t.Fatalf("expected StateDied, got %v", p.State())
	}
}

type dispatcherFunc func(ctx context.Context, j *job.Job) error

func (f dispatcherFunc) Dispatch(ctx context.Context, j *job.Job) error { return f(ctx, j) }
