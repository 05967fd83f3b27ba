package middleware

import (
	"context"

	"github.com/kilnqueue/kiln/internal/job"
)

// Dispatcher resolves a job's klass to an executable handler and runs it.
// The worker-class registry itself is an external collaborator per the
// system's scope; middleware only needs this narrow interface to wire
// whatever registry the caller built as the chain's terminal entry.
type Dispatcher interface {
	Dispatch(ctx context.Context, j *job.Job) error
}

// DispatchEntry is the innermost default entry: it runs the resolved
// handler. It deliberately ignores next — there is nothing after it in the
// default chain — but still satisfies Entry so it can sit in Entries()
// alongside the Logger and Retry entries.
type DispatchEntry struct {
	Dispatcher Dispatcher
}

// NewDispatchEntry builds the terminal dispatch entry around a Dispatcher.
func NewDispatchEntry(d Dispatcher) *DispatchEntry {
	return &DispatchEntry{Dispatcher: d}
}

func (d *DispatchEntry) Name() string { return "dispatch" }

func (d *DispatchEntry) Call(ctx context.Context, j *job.Job, next Next) error {
	return d.Dispatcher.Dispatch(ctx, j)
}
