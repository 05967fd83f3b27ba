// Package metrics tracks in-memory counters for jobs flowing through the
// system: dispatched, completed, failed, retried, and sent to the morgue,
// plus per-queue depth and processor utilization.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

var (
	globalCollector *Collector
	once            sync.Once
)

// Collector tracks system-wide metrics in memory.
type Collector struct {
	totalDispatched atomic.Int64
	totalCompleted  atomic.Int64
	totalFailed     atomic.Int64
	totalRetried    atomic.Int64
	totalDead       atomic.Int64

	mu               sync.RWMutex
	queueDepths      map[string]int64
	totalDuration    time.Duration
	operationCount   int64
	startTime        time.Time
	activeProcessors int64
	totalProcessors  int64
}

// Metrics is a point-in-time snapshot of the collector's counters.
type Metrics struct {
	TotalDispatched      int64            `json:"total_dispatched"`
	TotalCompleted       int64            `json:"total_completed"`
	TotalFailed          int64            `json:"total_failed"`
	TotalRetried         int64            `json:"total_retried"`
	TotalDead            int64            `json:"total_dead"`
	QueueDepths          map[string]int64 `json:"queue_depths"`
	AvgJobDuration       time.Duration    `json:"avg_job_duration"`
	ProcessorUtilization float64          `json:"processor_utilization"`
	Uptime               time.Duration    `json:"uptime"`
}

// Default returns the process-wide metrics collector.
func Default() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
	})
	return globalCollector
}

// NewCollector builds an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		queueDepths: make(map[string]int64),
		startTime:   time.Now(),
	}
}

// RecordDispatched marks a job as handed to a handler.
func (c *Collector) RecordDispatched() {
	c.totalDispatched.Add(1)
}

// RecordCompleted marks a job as having finished without error.
func (c *Collector) RecordCompleted(duration time.Duration) {
	c.totalCompleted.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalDuration += duration
	c.operationCount++
}

// RecordFailed marks a job as having raised an error, regardless of
// whether it was later retried or sent to the morgue.
func (c *Collector) RecordFailed(duration time.Duration) {
	c.totalFailed.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalDuration += duration
	c.operationCount++
}

// RecordRetried marks a job as scheduled onto the retry set.
func (c *Collector) RecordRetried() {
	c.totalRetried.Add(1)
}

// RecordDead marks a job as sent to the morgue.
func (c *Collector) RecordDead() {
	c.totalDead.Add(1)
}

// RecordQueueDepth updates the last-observed depth for a named queue.
func (c *Collector) RecordQueueDepth(queueName string, depth int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueDepths[queueName] = depth
}

// RecordProcessorActivity updates processor utilization counters.
func (c *Collector) RecordProcessorActivity(active, total int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeProcessors = active
	c.totalProcessors = total
}

// GetMetrics returns a snapshot of current metrics.
func (c *Collector) GetMetrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	queueDepths := make(map[string]int64, len(c.queueDepths))
	for k, v := range c.queueDepths {
		queueDepths[k] = v
	}

	var avgDuration time.Duration
	if c.operationCount > 0 {
		avgDuration = c.totalDuration / time.Duration(c.operationCount)
	}

	var utilization float64
	if c.totalProcessors > 0 {
		utilization = float64(c.activeProcessors) / float64(c.totalProcessors) * 100
	}

	return Metrics{
		TotalDispatched:      c.totalDispatched.Load(),
		TotalCompleted:       c.totalCompleted.Load(),
		TotalFailed:          c.totalFailed.Load(),
		TotalRetried:         c.totalRetried.Load(),
		TotalDead:            c.totalDead.Load(),
		QueueDepths:          queueDepths,
		AvgJobDuration:       avgDuration,
		ProcessorUtilization: utilization,
		Uptime:               time.Since(c.startTime),
	}
}

// Reset clears all metrics. Useful for testing.
func (c *Collector) Reset() {
	c.totalDispatched.Store(0)
	c.totalCompleted.Store(0)
	c.totalFailed.Store(0)
	c.totalRetried.Store(0)
	c.totalDead.Store(0)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueDepths = make(map[string]int64)
	c.totalDuration = 0
	c.operationCount = 0
	c.startTime = time.Now()
	c.activeProcessors = 0
	c.totalProcessors = 0
}

// GetMetrics returns metrics from the global collector.
func GetMetrics() Metrics {
	return Default().GetMetrics()
}

// ResetMetrics resets the global collector.
func ResetMetrics() {
	Default().Reset()
}
