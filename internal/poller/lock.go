// Package poller promotes due retry-set members back onto their origin
// queues on a fixed schedule, guarded by a distributed lock so only one
// server process promotes at a time. It does not touch the dead set.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DistributedLock is a Redis SETNX-based mutual exclusion lock: only the
// promoter needs it, since PromoteDue must run on exactly one server
// process at a time.
type DistributedLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// AcquireLock attempts to acquire a distributed lock, returning nil if
// another process already holds it.
func AcquireLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*DistributedLock, error) {
	token := uuid.New().String()

	acquired, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("poller: acquire lock: %w", err)
	}
	if !acquired {
		return nil, nil
	}

	return &DistributedLock{client: client, key: key, token: token, ttl: ttl}, nil
}

// Release deletes the lock, but only if this instance still owns it.
func (l *DistributedLock) Release(ctx context.Context) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.token).Result()
	return err
}

// Extend renews the lock's TTL, but only if this instance still owns it.
func (l *DistributedLock) Extend(ctx context.Context, ttl time.Duration) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
	result, err := l.client.Eval(ctx, script, []string{l.key}, l.token, ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("poller: lock no longer owned by this instance")
	}
	l.ttl = ttl
	return nil
}

func (l *DistributedLock) Key() string        { return l.key }
func (l *DistributedLock) Token() string      { return l.token }
func (l *DistributedLock) TTL() time.Duration { return l.ttl }
