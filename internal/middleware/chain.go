// Package middleware composes ordered wrappers around job execution. The
// chain owns no Redis or dispatch logic of its own; it only folds entries
// around whatever terminal the caller supplies.
package middleware

import (
	"context"
	"sync"

	"github.com/kilnqueue/kiln/internal/job"
)

// Next represents the rest of the chain (inner entries plus the terminal).
// An Entry calls Next to continue, or returns without calling it to short
// circuit.
type Next func(ctx context.Context, j *job.Job) error

// Entry is one link in the chain. Call receives the job and a continuation
// representing everything after this entry; it may observe and re-raise
// whatever error next returns.
type Entry interface {
	Name() string
	Call(ctx context.Context, j *job.Job, next Next) error
}

// EntryFunc adapts a plain function into an Entry.
type EntryFunc struct {
	EntryName string
	Fn        func(ctx context.Context, j *job.Job, next Next) error
}

func (f EntryFunc) Name() string { return f.EntryName }

func (f EntryFunc) Call(ctx context.Context, j *job.Job, next Next) error {
	return f.Fn(ctx, j, next)
}

// Chain is an ordered, mutable collection of Entry values. It is built once
// before the Server is constructed and then read by every Processor
// goroutine; the mutex below guards Add/Prepend/Remove against concurrent
// Entries snapshots.
type Chain struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewChain builds a chain from an initial ordered list of entries.
func NewChain(entries ...Entry) *Chain {
	c := &Chain{entries: append([]Entry{}, entries...)}
	return c
}

// Add appends an entry to the end of the chain.
func (c *Chain) Add(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

// Prepend inserts an entry at the front of the chain.
func (c *Chain) Prepend(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append([]Entry{e}, c.entries...)
}

// Remove deletes every entry for which predicate returns true.
func (c *Chain) Remove(predicate func(Entry) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.entries[:0:0]
	for _, e := range c.entries {
		if !predicate(e) {
			kept = append(kept, e)
		}
	}
	c.entries = kept
}

// Entries returns a snapshot of the current entry list.
func (c *Chain) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Invoke folds every entry right-to-left around terminal and runs the
// result. terminal is whatever sits after the last entry — ordinarily a
// no-op, since the default chain's last entry is itself a handler-dispatch
// entry, but tests may pass a custom terminal to exercise the chain in
// isolation.
func (c *Chain) Invoke(ctx context.Context, j *job.Job, terminal Next) error {
	next := terminal
	entries := c.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		captured := next
		next = func(ctx context.Context, j *job.Job) error {
			return entry.Call(ctx, j, captured)
		}
	}
	return next(ctx, j)
}

// NoopTerminal is the identity continuation: it does nothing and returns
// nil. Use it when the chain's last entry is itself a dispatch entry that
// does not expect anything further to run.
func NoopTerminal(ctx context.Context, j *job.Job) error { return nil }
