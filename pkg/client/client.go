// Package client is a minimal producer for writing spec-compliant job
// payloads onto a kiln queue. The full producer API (worker-class
// reflection, scheduled enqueue, result retrieval) is an external
// collaborator outside this system's scope; this client exists for tests
// and local demos.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kilnqueue/kiln/internal/job"
	"github.com/kilnqueue/kiln/internal/queue"
	"github.com/redis/go-redis/v9"
)

// Client pushes job payloads onto a kiln queue over Redis.
type Client struct {
	store *queue.Store
}

// New connects to Redis at redisURL and returns a Client.
func New(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse redis url: %w", err)
	}
	return &Client{store: queue.New(redis.NewClient(opts))}, nil
}

// NewWithClient wraps an already-configured *redis.Client, letting callers
// (tests, or processes that already tuned a shared pool) skip URL parsing.
func NewWithClient(rc *redis.Client) *Client {
	return &Client{store: queue.New(rc)}
}

// Options customizes a pushed job beyond its klass and args.
type Options struct {
	Queue     string
	Retry     job.Flexible
	Backtrace job.Flexible
}

// Push encodes a job for klass with the given args and enqueues it.
// Args are marshaled to JSON individually, matching the wire schema's
// ordered-sequence-of-JSON-primitives convention. Returns the generated
// job ID.
func (c *Client) Push(ctx context.Context, klass string, args []interface{}, opts Options) (string, error) {
	encodedArgs := make([]json.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("client: marshal arg %d: %w", i, err)
		}
		encodedArgs[i] = b
	}

	queueName := opts.Queue
	if queueName == "" {
		queueName = "default"
	}

	j := &job.Job{
		JID:       job.NewJID(),
		Klass:     klass,
		Args:      encodedArgs,
		Queue:     queueName,
		Retry:     opts.Retry,
		Backtrace: opts.Backtrace,
		Extra:     map[string]json.RawMessage{},
	}

	payload, err := j.Encode()
	if err != nil {
		return "", fmt.Errorf("client: encode job: %w", err)
	}

	if err := c.store.Enqueue(ctx, queueName, payload); err != nil {
		return "", fmt.Errorf("client: enqueue: %w", err)
	}

	return j.JID, nil
}

// Close releases the underlying Redis connection.
func (c *Client) Close() error {
	return c.store.Client.Close()
}
