package middleware

import (
	"context"
	"time"

	"github.com/kilnqueue/kiln/internal/job"
	"github.com/kilnqueue/kiln/internal/logger"
)

// LoggerEntry is the chain's outermost default entry: it logs the start,
// completion, and failure of every job execution. It never swallows an
// error — it observes and re-raises, same as the retry entry inside it.
type LoggerEntry struct {
	Log logger.Logger
}

// NewLoggerEntry builds the default logging entry.
func NewLoggerEntry(log logger.Logger) *LoggerEntry {
	return &LoggerEntry{Log: log}
}

func (l *LoggerEntry) Name() string { return "logger" }

func (l *LoggerEntry) Call(ctx context.Context, j *job.Job, next Next) error {
	log := l.Log.WithSource(logger.LogSourceJob)
	start := time.Now()

	log.InfoContext(ctx, "job start", "jid", j.JID, "klass", j.Klass, "queue", j.Queue)

	err := next(ctx, j)

	elapsed := time.Since(start)
	if err != nil {
		log.ErrorContext(ctx, "job fail", "jid", j.JID, "klass", j.Klass, "queue", j.Queue,
			"elapsed_ms", elapsed.Milliseconds(), "error", err)
		return err
	}

	log.InfoContext(ctx, "job done", "jid", j.JID, "klass", j.Klass, "queue", j.Queue,
		"elapsed_ms", elapsed.Milliseconds())
	return nil
}
