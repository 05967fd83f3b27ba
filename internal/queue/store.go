// Package queue holds the Redis key conventions shared by the fetcher, the
// retry/morgue middleware, the promotion poller, and the internal test
// producer: queue:<name> lists, the "queues" set, and the retry/dead
// sorted sets, all wire-compatible with the Sidekiq convention.
package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Store wraps a go-redis client with the key helpers the rest of the
// system needs. It owns no business logic of its own — the Fetcher, the
// retry entry, and the poller each call the narrow methods they need.
type Store struct {
	Client *redis.Client
}

// New wraps an existing *redis.Client. The connection pool itself (sizing,
// retry backoff, timeouts) is configured by the caller — an external
// collaborator — the Store only issues commands against it.
func New(client *redis.Client) *Store {
	return &Store{Client: client}
}

// QueueKey returns the Redis key for a named queue's job list.
func QueueKey(name string) string {
	return "queue:" + name
}

// QueuesSetKey is the set of known queue names.
const QueuesSetKey = "queues"

// RetryKey is the global sorted set of jobs scheduled for retry.
const RetryKey = "retry"

// DeadKey is the global sorted set of jobs whose retries are exhausted.
const DeadKey = "dead"

// Enqueue pushes a payload onto the named queue and records the queue name
// in the "queues" set, mirroring what an external producer would do. This
// exists to support tests and local demos (the producer API proper is
// out of scope).
func (s *Store) Enqueue(ctx context.Context, queueName string, payload []byte) error {
	pipe := s.Client.TxPipeline()
	pipe.SAdd(ctx, QueuesSetKey, queueName)
	pipe.LPush(ctx, QueueKey(queueName), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}
