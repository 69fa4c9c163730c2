// Command swarmgen-producer is the worker child the orchestrator spawns. It
// receives its identity and the orchestrator's address via environment,
// performs the Ready handshake, and then turns Start/UpdateConfig commands
// into a loop of LLM provider calls.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/haasonsaas/swarmgen/internal/observability"
	"github.com/haasonsaas/swarmgen/internal/process"
	"github.com/haasonsaas/swarmgen/internal/producer"
	"github.com/haasonsaas/swarmgen/internal/protocol"
	"github.com/haasonsaas/swarmgen/internal/providers"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	id, err := protocol.ParseProducerID(os.Getenv(process.EnvProducerID))
	if err != nil {
		return fmt.Errorf("producer: %s: %w", process.EnvProducerID, err)
	}
	orchAddr := os.Getenv(process.EnvOrchestratorAddr)
	if orchAddr == "" {
		return fmt.Errorf("producer: %s is required", process.EnvOrchestratorAddr)
	}

	slot := os.Getenv(process.EnvProducerSlot)
	logger := observability.NewLogger(observability.LogConfig{
		Level:   os.Getenv(process.EnvLogLevel),
		Process: "producer-" + slot,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := observability.NewTracer(ctx, "swarmgen-producer", os.Getenv(observability.TraceEndpointEnv))
	if err != nil {
		return err
	}
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	// Whatever keys the orchestrator passed through the environment decide
	// which providers this producer can call; with none, only Random.
	keys, err := providers.LoadKeys(false)
	if err != nil {
		logger.Warn(ctx, "no provider keys in environment, random provider only")
		keys = providers.Keys{protocol.ProviderRandom: "dummy-test-key"}
	}

	p := producer.New(producer.Config{
		ID:               id,
		OrchestratorAddr: orchAddr,
		Registry:         providers.NewRegistry(keys),
		Logger:           logger,
	})
	return p.Run(ctx)
}
