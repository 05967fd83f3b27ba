// Package fetch pulls the next job payload off Redis, respecting queue
// priority order and the Controller's shutdown signal.
package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kilnqueue/kiln/internal/queue"
	"github.com/redis/go-redis/v9"
)

// Fetched is a payload pulled off a queue along with its source queue
// name. The retry/morgue middleware and the promotion poller route a job
// by the "queue" field inside its payload, not by this name.
type Fetched struct {
	Queue   string
	Payload []byte
}

// StoppingFunc reports whether the Controller has requested shutdown. The
// Fetcher samples it at each idle poll boundary rather than mid-block —
// correctness requires only that an in-flight pop, once it returns a
// payload, is never dropped.
type StoppingFunc func() bool

// Fetcher pulls the next job payload from the highest-priority non-empty
// queue using a single blocking BRPOP across all configured queues (Redis
// pops from the first key with data, in the order given).
type Fetcher struct {
	store    *queue.Store
	stopping StoppingFunc
}

// New builds a Fetcher bound to a Store and the Controller's stopping flag.
func New(store *queue.Store, stopping StoppingFunc) *Fetcher {
	return &Fetcher{store: store, stopping: stopping}
}

// Fetch blocks for up to timeout across queues in priority order. It
// returns (nil, nil) on timeout, on an idle poll boundary after shutdown
// has been requested, or when the context is cancelled mid-block.
func (f *Fetcher) Fetch(ctx context.Context, queues []string, timeout time.Duration) (*Fetched, error) {
	if f.stopping() {
		return nil, nil
	}
	if len(queues) == 0 {
		return nil, nil
	}

	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = queue.QueueKey(q)
	}

	result, err := f.store.Client.BRPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch: brpop: %w", err)
	}

	poppedKey, payload := result[0], result[1]
	return &Fetched{
		Queue:   strings.TrimPrefix(poppedKey, "queue:"),
		Payload: []byte(payload),
	}, nil
}
