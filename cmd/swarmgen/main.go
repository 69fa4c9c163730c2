// Command swarmgen runs the orchestrator: the coordinator that supervises a
// pool of producer processes generating unique attributes for a topic.
//
// CLI mode runs one session and exits:
//
//	swarmgen run --topic "national parks" --producers 3 --iterations 50
//
// Webserver mode serves indefinitely under dashboard control:
//
//	swarmgen serve --webserver-addr 127.0.0.1:8080
//
// Provider API keys come from the environment (OPENAI_API_KEY,
// ANTHROPIC_API_KEY, GOOGLE_API_KEY); --provider random needs no keys and
// uses the deterministic test provider.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/swarmgen/internal/config"
	"github.com/haasonsaas/swarmgen/internal/observability"
	"github.com/haasonsaas/swarmgen/internal/orchestrator"
	"github.com/haasonsaas/swarmgen/internal/protocol"
	"github.com/haasonsaas/swarmgen/internal/providers"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string
	cfg := config.Default()
	var iterations int64

	root := &cobra.Command{
		Use:           "swarmgen",
		Short:         "Distributed generator of unique topic attributes",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	applyFlags := func(cmd *cobra.Command) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		// Flags set explicitly on the command line win over the file.
		merge := func(name string, apply func()) {
			if cmd.Flags().Changed(name) {
				apply()
			}
		}
		merge("provider", func() { loaded.Provider = cfg.Provider })
		merge("topic", func() { loaded.Topic = cfg.Topic })
		merge("producers", func() { loaded.Producers = cfg.Producers })
		merge("request-size", func() { loaded.RequestSize = cfg.RequestSize })
		merge("output", func() { loaded.Output = cfg.Output })
		merge("log-level", func() { loaded.LogLevel = cfg.LogLevel })
		merge("webserver-addr", func() { loaded.WebserverAddr = cfg.WebserverAddr })
		merge("producer-addr", func() { loaded.ProducerAddr = cfg.ProducerAddr })
		merge("metrics-addr", func() { loaded.MetricsAddr = cfg.MetricsAddr })
		merge("trace-ep", func() { loaded.TraceEndpoint = cfg.TraceEndpoint })
		merge("iterations", func() {
			if iterations >= 0 {
				n := uint64(iterations)
				loaded.Iterations = &n
			}
		})
		*cfg = *loaded
		return nil
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "optional YAML config file")
	pf.StringVar(&cfg.Provider, "provider", cfg.Provider, "key source: env or random")
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	pf.StringVar(&cfg.TraceEndpoint, "trace-ep", "", "OTLP trace collector endpoint (host:port)")
	pf.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Prometheus metrics listen address")
	pf.StringVar(&cfg.Output, "output", cfg.Output, "base directory for topic outputs")
	pf.StringVar(&cfg.ProducerAddr, "producer-addr", cfg.ProducerAddr, "producer-update listen address")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one generation session and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := applyFlags(cmd); err != nil {
				return err
			}
			cfg.WebserverAddr = ""
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runCLI(cmd.Context(), cfg)
		},
	}
	runCmd.Flags().StringVar(&cfg.Topic, "topic", "", "topic to generate attributes for")
	runCmd.Flags().IntVar(&cfg.Producers, "producers", cfg.Producers, "number of producer processes")
	runCmd.Flags().Int64Var(&iterations, "iterations", -1, "iteration budget (-1 = unbounded)")
	runCmd.Flags().IntVar(&cfg.RequestSize, "request-size", cfg.RequestSize, "attributes requested per API call")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve indefinitely under dashboard control",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := applyFlags(cmd); err != nil {
				return err
			}
			if cfg.WebserverAddr == "" {
				cfg.WebserverAddr = "127.0.0.1:8080"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	serveCmd.Flags().StringVar(&cfg.WebserverAddr, "webserver-addr", "", "dashboard HTTP listen address")
	serveCmd.Flags().IntVar(&cfg.Producers, "producers", cfg.Producers, "default producer count")

	root.AddCommand(runCmd, serveCmd)
	return root
}

// setup builds the shared pieces both modes need.
func setup(ctx context.Context, cfg *config.Config) (*orchestrator.Orchestrator, *observability.Logger, *observability.Tracer, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Process: string(protocol.Orchestrator),
	})

	keys, err := providers.LoadKeys(cfg.Provider == "random")
	if err != nil {
		return nil, nil, nil, err
	}

	tracer, err := observability.NewTracer(ctx, "swarmgen-orchestrator", cfg.TraceEndpoint)
	if err != nil {
		return nil, nil, nil, err
	}

	metrics := observability.NewMetrics()
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			if err := srv.ListenAndServe(); err != nil {
				logger.Warn(ctx, "metrics listener failed", "error", err)
			}
		}()
	}

	orch := orchestrator.New(orchestrator.Config{
		ProducerListenAddr: cfg.ProducerAddr,
		OutputDir:          cfg.Output,
		FlushInterval:      cfg.FlushInterval(),
		Keys:               keys,
		Logger:             logger,
		Metrics:            metrics,
		TraceEndpoint:      cfg.TraceEndpoint,
		LogLevel:           cfg.LogLevel,
	})
	return orch, logger, tracer, nil
}

func runCLI(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch, logger, tracer, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- orch.Run(runCtx) }()

	// Give the listener a moment to bind before enqueueing the start.
	time.Sleep(100 * time.Millisecond)
	genCfg := protocol.DefaultGenerationConfig()
	genCfg.RequestSize = cfg.RequestSize
	orch.StartGeneration(1, &protocol.StartGeneration{
		Topic:            cfg.Topic,
		ProducerCount:    cfg.Producers,
		Iterations:       cfg.Iterations,
		GenerationConfig: &genCfg,
	})

	complete, err := orch.WaitComplete(ctx)
	if err != nil {
		// Interrupted: let the orchestrator tear down its children.
		cancel()
		<-done
		return nil
	}
	logger.Info(ctx, "generation finished",
		"topic", complete.Topic,
		"reason", complete.CompletionReason.String(),
		"iterations", complete.TotalIterations,
		"unique", complete.FinalUniqueCount)

	cancel()
	if err := <-done; err != nil {
		return err
	}
	if complete.CompletionReason == protocol.CompletionFatalError {
		return fmt.Errorf("generation failed: %s", complete.Detail)
	}
	return nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch, logger, tracer, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- orch.Run(runCtx) }()

	time.Sleep(100 * time.Millisecond)
	if _, err := orch.Manager().SpawnWebServer(runCtx, cfg.WebserverAddr); err != nil {
		cancel()
		<-done
		return fmt.Errorf("spawn webserver: %w", err)
	}
	logger.Info(ctx, "serving", "webserver_addr", cfg.WebserverAddr)

	<-ctx.Done()
	cancel()
	return <-done
}
