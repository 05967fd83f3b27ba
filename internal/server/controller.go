// Package server implements the Controller: it owns the middleware chain,
// supervises the live set of Processors, and coordinates shutdown.
// Processor lifecycle transitions are serialized through a single mutex so
// the "stopping" flag and the processor set are never observed torn.
package server

import (
	"context"
	"strconv"
	"sync"

	"github.com/kilnqueue/kiln/internal/fetch"
	"github.com/kilnqueue/kiln/internal/logger"
	"github.com/kilnqueue/kiln/internal/middleware"
	"github.com/kilnqueue/kiln/internal/worker"
)

// ProcessorFactory builds a fresh Processor bound to this Server's chain
// and fetcher, wired with this Server's lifecycle callbacks.
type ProcessorFactory func(id string) *worker.Processor

// Server supervises Processors. Its middleware chain is immutable
// after construction and needs no locking; the processor set and the
// stopping flag are guarded by mu.
type Server struct {
	Middleware *middleware.Chain
	Fetcher    *fetch.Fetcher
	Log        logger.Logger

	newProcessor ProcessorFactory

	mu         sync.Mutex
	processors map[*worker.Processor]struct{}
	stopping   bool
	nextID     int
}

// New builds a Server around a middleware chain and a processor factory.
// The factory lets the Server mint Processors on demand (initial spawn and
// supervisory replacement) without the worker package importing server.
func New(chain *middleware.Chain, log logger.Logger, factory ProcessorFactory) *Server {
	return &Server{
		Middleware:   chain,
		Log:          log,
		newProcessor: factory,
		processors:   make(map[*worker.Processor]struct{}),
	}
}

// Processors returns a snapshot of the currently supervised processor set.
func (s *Server) Processors() []*worker.Processor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*worker.Processor, 0, len(s.processors))
	for p := range s.processors {
		out = append(out, p)
	}
	return out
}

// RequestStop flips the stopping flag. Idempotent: calling it more than
// once has no additional effect.
func (s *Server) RequestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopping = true
}

// Stopping reports whether RequestStop has been called.
func (s *Server) Stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Spawn mints and registers a new Processor, wiring its OnDied/OnStop
// callbacks back to this Server, then starts it in its own goroutine.
func (s *Server) Spawn(ctx context.Context) *worker.Processor {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	p := s.newProcessor(processorID(id))
	p.Stopping = s.Stopping
	p.OnDied = func(died *worker.Processor, cause error) { s.ProcessorDied(ctx, died, cause) }
	p.OnStop = func(stopped *worker.Processor) { s.ProcessorStopped(stopped) }

	s.mu.Lock()
	s.processors[p] = struct{}{}
	s.mu.Unlock()

	go p.Run(ctx)
	return p
}

// ProcessorStopped removes p from the supervised set if present. A
// processor that is not present (already removed, e.g. by ProcessorDied
// racing with a late stop report) is a no-op — this mirrors the observed
// semantics of the reference implementation rather than erroring.
func (s *Server) ProcessorStopped(p *worker.Processor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processors, p)
}

// ProcessorDied implements the replacement decision: if p is nil, the
// death is from an unknown or not-yet-tracked source (including, but not
// limited to, an empty set) and a processor is always spawned and added —
// never treated as a replacement. If p is a known member, remove it and,
// unless stopping, spawn and register its replacement. If stopping, the
// set only shrinks.
func (s *Server) ProcessorDied(ctx context.Context, p *worker.Processor, cause error) *worker.Processor {
	if p == nil {
		return s.Spawn(ctx)
	}

	s.mu.Lock()
	_, known := s.processors[p]
	if known {
		delete(s.processors, p)
	}
	stopping := s.stopping
	s.mu.Unlock()

	if !known {
		return nil
	}
	if stopping {
		return nil
	}
	if s.Log != nil {
		s.Log.WithComponent(logger.ComponentServer).Error("processor died, spawning replacement", "cause", cause)
	}
	return s.Spawn(ctx)
}

func processorID(n int) string {
	return "processor-" + strconv.Itoa(n)
}
