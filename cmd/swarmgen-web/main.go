// Command swarmgen-web is the dashboard webserver child. It relays operator
// REST/WebSocket intents to the orchestrator and orchestrator broadcasts
// back to browsers; it holds no authoritative state.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/haasonsaas/swarmgen/internal/observability"
	"github.com/haasonsaas/swarmgen/internal/process"
	"github.com/haasonsaas/swarmgen/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	orchAddr := os.Getenv(process.EnvOrchestratorAddr)
	if orchAddr == "" {
		return fmt.Errorf("webserver: %s is required", process.EnvOrchestratorAddr)
	}
	httpAddr := os.Getenv(process.EnvHTTPPort)
	if httpAddr == "" {
		httpAddr = "127.0.0.1:8080"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:   os.Getenv(process.EnvLogLevel),
		Process: "webserver",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := observability.NewTracer(ctx, "swarmgen-web", os.Getenv(observability.TraceEndpointEnv))
	if err != nil {
		return err
	}
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	s := web.New(web.Config{
		HTTPAddr:         httpAddr,
		OrchestratorAddr: orchAddr,
		Logger:           logger,
	})
	return s.Run(ctx)
}
