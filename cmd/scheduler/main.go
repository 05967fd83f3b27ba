// Package main provides the kiln poller process: it promotes due members
// of the retry set back onto their origin queues on a fixed schedule,
// guarded by a distributed lock so only one poller process acts at a time.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is intentionally exposed for debugging, isolated to separate port
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kilnqueue/kiln/internal/config"
	"github.com/kilnqueue/kiln/internal/logger"
	"github.com/kilnqueue/kiln/internal/poller"
	"github.com/kilnqueue/kiln/internal/queue"
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

	pollerLog := log.WithComponent(logger.ComponentPoller).WithSource(logger.LogSourceInternal)

	if !cfg.PollerEnabled {
		pollerLog.Info("poller disabled by configuration, exiting")
		return
	}

	pollerLog.Info("poller starting", "schedule", cfg.PollerSchedule, "redis_url", cfg.RedisURL)

	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6062"
	}
	go func() {
		pollerLog.Info("starting pprof server", "port", pprofPort)
		srv := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			pollerLog.Error("pprof server failed", "error", err)
		}
	}()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		pollerLog.Error("failed to parse redis url", "error", err)
		os.Exit(1)
	}
	redisOpts.PoolSize = cfg.RedisPoolSize
	redisOpts.MinIdleConns = cfg.RedisMinIdleConns
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	store := queue.New(redisClient)
	promoter := poller.New(store, pollerLog, func() float64 {
		return float64(time.Now().UnixNano()) / 1e9
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- promoter.Run(ctx, cfg.PollerSchedule)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		pollerLog.Info("received shutdown signal, initiating graceful shutdown", "signal", sig)
		cancel()
		<-runErrCh
	case err := <-runErrCh:
		if err != nil {
			pollerLog.Error("poller exited with error", "error", err)
		}
	}

	pollerLog.Info("poller shut down")
}
