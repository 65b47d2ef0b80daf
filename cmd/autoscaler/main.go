package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/scenergy/autoscaler/app/scaler"
	"github.com/scenergy/autoscaler/pkg/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Provider: fake records scale commands locally; k8s drives the worker
	// Deployment's Scale subresource.
	var provider scaler.Provider
	if os.Getenv("PROVIDER") == "k8s" {
		logger, err := logging.New()
		if err != nil {
			panic(err)
		}
		p, err := scaler.NewK8sProviderFromEnv(logger)
		if err != nil {
			panic(err)
		}
		provider = p
	} else {
		provider = scaler.NewFakeProvider()
	}

	app, err := scaler.Initialize(ctx, provider)
	if err != nil {
		panic(err)
	}

	// Immediate pass before cron
	app.ReconcileOnce(ctx)

	// Start cron scheduler
	app.StartCron()

	// Setup server
	app.SetupServer()

	// Start server
	app.Start(ctx)
}
