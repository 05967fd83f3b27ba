// Package main provides the kiln worker process: it fetches jobs from
// Redis, dispatches them through the middleware chain, and retries or
// morgues failures.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is intentionally exposed for debugging, isolated to separate port
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kilnqueue/kiln/internal/config"
	"github.com/kilnqueue/kiln/internal/fetch"
	"github.com/kilnqueue/kiln/internal/logger"
	"github.com/kilnqueue/kiln/internal/metrics"
	"github.com/kilnqueue/kiln/internal/middleware"
	"github.com/kilnqueue/kiln/internal/queue"
	"github.com/kilnqueue/kiln/internal/retry"
	"github.com/kilnqueue/kiln/internal/server"
	"github.com/kilnqueue/kiln/internal/worker"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", err)
		}
	}()
	logger.SetDefault(log)

	workerLog := log.WithComponent(logger.ComponentServer).WithSource(logger.LogSourceInternal)
	workerLog.Info("worker starting",
		"concurrency", cfg.Concurrency,
		"queues", cfg.Queues,
		"redis_url", cfg.RedisURL)

	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6061"
	}
	go func() {
		workerLog.Info("starting pprof server", "port", pprofPort)
		srv := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			workerLog.Error("pprof server failed", "error", err)
		}
	}()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		workerLog.Error("failed to parse redis url", "error", err)
		os.Exit(1)
	}
	redisOpts.PoolSize = cfg.RedisPoolSize
	redisOpts.MinIdleConns = cfg.RedisMinIdleConns
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	store := queue.New(redisClient)

	registry := worker.NewRegistry()
	registerDemoHandlers(registry)

	retryEntry := retry.New(store, log.WithComponent(logger.ComponentRetry), func() float64 {
		return float64(time.Now().UnixNano()) / 1e9
	}, rand.Intn)

	chain := middleware.NewChain(
		middleware.NewLoggerEntry(log.WithComponent(logger.ComponentMiddleware)),
		retryEntry,
		middleware.NewDispatchEntry(registry),
	)

	var srv *server.Server
	factory := func(id string) *worker.Processor {
		fetcher := fetch.New(store, srv.Stopping)
		return worker.New(id, fetcher, chain, cfg.Queues, cfg.FetchTimeout, log.WithComponent(logger.ComponentProcessor))
	}
	srv = server.New(chain, log.WithComponent(logger.ComponentServer), factory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < cfg.Concurrency; i++ {
		srv.Spawn(ctx)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m := metrics.GetMetrics()
				workerLog.Info("system metrics",
					"dispatched", m.TotalDispatched,
					"completed", m.TotalCompleted,
					"failed", m.TotalFailed,
					"retried", m.TotalRetried,
					"dead", m.TotalDead,
					"avg_duration_ms", m.AvgJobDuration.Milliseconds(),
					"utilization", fmt.Sprintf("%.1f%%", m.ProcessorUtilization),
					"uptime", m.Uptime.String())
			}
		}
	}()

	sig := <-sigChan
	workerLog.Info("received shutdown signal, initiating graceful shutdown", "signal", sig)

	srv.RequestStop()

	deadline := time.After(cfg.ShutdownTimeout)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
drain:
	for {
		select {
		case <-deadline:
			workerLog.Warn("shutdown timeout elapsed with processors still running")
			break drain
		case <-tick.C:
			if len(srv.Processors()) == 0 {
				break drain
			}
		}
	}

	cancel()
	workerLog.Info("worker shut down")
}
