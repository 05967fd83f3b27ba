package main

import (
	"context"
	"fmt"
	"time"

	"github.com/kilnqueue/kiln/internal/logger"
	"github.com/kilnqueue/kiln/internal/worker"
)

// registerDemoHandlers binds a few example klasses so a fresh kiln install
// has something to dispatch. Production deployments register their own.
func registerDemoHandlers(registry *worker.Registry) {
	log := logger.Default().WithComponent(logger.ComponentProcessor)

	registry.Register("CountItems", func(ctx context.Context, args []interface{}) error {
		if len(args) == 0 {
			return fmt.Errorf("CountItems: expected one array argument")
		}
		items, ok := args[0].([]interface{})
		if !ok {
			return fmt.Errorf("CountItems: argument 0 is not an array")
		}
		log.Info("counted items", "count", len(items))
		return nil
	})

	registry.Register("SendEmail", func(ctx context.Context, args []interface{}) error {
		if len(args) == 0 {
			return fmt.Errorf("SendEmail: expected an email argument")
		}
		email, ok := args[0].(map[string]interface{})
		if !ok {
			return fmt.Errorf("SendEmail: argument 0 is not an object")
		}
		log.Info("sending email", "to", email["to"])
		return nil
	})

	registry.Register("ProcessData", func(ctx context.Context, args []interface{}) error {
		log.Info("processing data")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		return nil
	})
}
