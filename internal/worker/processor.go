package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kilnerrors "github.com/kilnqueue/kiln/internal/errors"
	"github.com/kilnqueue/kiln/internal/fetch"
	"github.com/kilnqueue/kiln/internal/job"
	"github.com/kilnqueue/kiln/internal/logger"
	"github.com/kilnqueue/kiln/internal/metrics"
	"github.com/kilnqueue/kiln/internal/middleware"
	"github.com/kilnqueue/kiln/internal/retry"
)

// State is one of the Processor's observable states.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
	StateDied
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateDied:
		return "died"
	default:
		return "unknown"
	}
}

// StoppingFunc reports whether the owning Controller has requested a
// system-wide shutdown.
type StoppingFunc func() bool

// DiedFunc reports a Processor's involuntary death to its Controller so it
// can decide whether to spawn a replacement.
type DiedFunc func(p *Processor, cause error)

// StoppedFunc reports a Processor's voluntary exit to its Controller.
type StoppedFunc func(p *Processor)

// Processor runs a single fetch-dispatch loop against a fixed queue
// priority list. It is its own goroutine; the Controller supervises a set
// of Processors but never reaches into one's internal state directly.
type Processor struct {
	ID      string
	Fetcher *fetch.Fetcher
	Chain   *middleware.Chain
	Queues  []string
	Timeout time.Duration
	Log     logger.Logger

	Stopping StoppingFunc
	OnDied   DiedFunc
	OnStop   StoppedFunc

	state atomic.Int32
	once  sync.Once
}

// New builds a Processor in the idle state.
func New(id string, fetcher *fetch.Fetcher, chain *middleware.Chain, queues []string, timeout time.Duration, log logger.Logger) *Processor {
	return &Processor{
		ID:      id,
		Fetcher: fetcher,
		Chain:   chain,
		Queues:  queues,
		Timeout: timeout,
		Log:     log,
	}
}

// State returns the Processor's current observable state.
func (p *Processor) State() State {
	return State(p.state.Load())
}

// Run drives the fetch -> dispatch -> idle loop until shutdown is observed
// or an unrecoverable panic occurs. It blocks until the Processor reaches
// StateStopped or StateDied and should be run in its own goroutine.
func (p *Processor) Run(ctx context.Context) {
	for {
		if p.Stopping != nil && p.Stopping() {
			p.transitionStopped()
			return
		}

		fetched, err := p.Fetcher.Fetch(ctx, p.Queues, p.Timeout)
		if err != nil {
			p.transitionDied(fmt.Errorf("processor: fetch: %w", err))
			return
		}
		if fetched == nil {
			continue // idle poll boundary: loop back and re-check stopping
		}

		if died := p.runOne(ctx, fetched); died {
			return
		}
	}
}

// runOne decodes and dispatches a single payload through the middleware
// chain, recovering from panics and reporting death to the Controller
// rather than propagating out of the goroutine. Returns true if the
// Processor died and Run should exit.
func (p *Processor) runOne(ctx context.Context, fetched *fetch.Fetched) (died bool) {
	p.state.Store(int32(StateRunning))
	start := time.Now()

	defer func() {
		panicErr := kilnerrors.RecoverPanic()
		if panicErr == nil {
			return
		}
		if p.Log != nil {
			p.Log.Error(kilnerrors.FormatPanicForLog(panicErr.(*kilnerrors.PanicError)))
		}
		p.transitionDied(panicErr)
		died = true
	}()

	j, decErr := job.Decode(fetched.Payload)
	if decErr != nil {
		if p.Log != nil {
			p.Log.WithComponent(logger.ComponentProcessor).Error("discarding malformed job payload", "error", decErr.Error())
		}
		p.state.Store(int32(StateIdle))
		return false
	}
	if j.Queue == "" {
		j.Queue = fetched.Queue
	}

	dispatchCtx := logger.ContextWithWorkerID(ctx, p.ID)
	dispatchCtx = logger.ContextWithJobID(dispatchCtx, j.JID)

	metrics.Default().RecordDispatched()
	err := p.Chain.Invoke(dispatchCtx, j, middleware.NoopTerminal)
	elapsed := time.Since(start)

	var infraErr *retry.InfraError
	if errors.As(err, &infraErr) {
		p.transitionDied(err)
		return true
	}

	if err != nil {
		metrics.Default().RecordFailed(elapsed)
	} else {
		metrics.Default().RecordCompleted(elapsed)
	}

	p.state.Store(int32(StateIdle))
	return false
}

func (p *Processor) transitionStopped() {
	p.once.Do(func() {
		p.state.Store(int32(StateStopped))
		if p.OnStop != nil {
			p.OnStop(p)
		}
	})
}

func (p *Processor) transitionDied(cause error) {
	p.once.Do(func() {
		p.state.Store(int32(StateDied))
		if p.OnDied != nil {
			p.OnDied(p, cause)
		}
	})
}
