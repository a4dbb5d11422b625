package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/agentops/pkg/observability"
)

func newServeCommand(flags *globalFlags) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve metrics and health probes for the configured backends",
		Long: `Serve Prometheus metrics and health probes for the configured Redis and
NATS backends. Operations live in the memory of the process running them;
use "run --http-port" to inspect and cancel them over HTTP.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http-port") {
				cfg.HTTP.Port = port
			}

			log.Printf("Starting agentops v%s", Version)
			a, err := newApp(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a)
		},
	}
	cmd.Flags().IntVar(&port, "http-port", 0, "HTTP server port (overrides http.port)")
	return cmd
}

// serve runs the probe server until ctx ends.
func serve(ctx context.Context, a *app) error {
	observability.InitMetrics()
	go observability.CollectRuntimeStats(ctx, 15*time.Second)

	errCh := make(chan error, 1)
	log.Printf("Starting HTTP server on :%d", a.cfg.HTTP.Port)
	serveUntil(ctx, a.probeServer(a.cfg.HTTP.Port), errCh)

	var runErr error
	select {
	case runErr = <-errCh:
		runErr = fmt.Errorf("HTTP server error: %w", runErr)
		log.Printf("Error: %v", runErr)
	case <-ctx.Done():
		log.Println("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.close(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("agentops stopped")
	return runErr
}
