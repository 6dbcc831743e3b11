package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/trustai/fairsight/config"
	"github.com/trustai/fairsight/engine"
	"github.com/trustai/fairsight/internal/daemon"
	"github.com/trustai/fairsight/telemetry"
)

var (
	serveSweepInterval time.Duration
	serveMetricsAddr   string
	serveOTELEndpoint  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the governance core with the verification sweep daemon",
	Long: `Run Fairsight as a long-lived process.

The process opens the decision store, alert machine and audit log under
the data directory, exposes Prometheus metrics and health endpoints, and
periodically verifies the audit hash chain. An integrity violation found
by a sweep degrades the health endpoint and is flagged in the audit log
itself.`,
	Example: `  fairsight serve                               # Run with defaults
  fairsight serve --sweep-interval 1m           # Verify the chain every minute
  fairsight serve --metrics-addr :2112          # Custom metrics address
  fairsight serve --config fairsight.yaml       # Explicit configuration`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().DurationVar(&serveSweepInterval, "sweep-interval", 5*time.Minute, "Audit chain verification interval")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", ":2112", "Metrics HTTP server address")
	serveCmd.Flags().StringVar(&serveOTELEndpoint, "otel-endpoint", "", "OTLP gRPC collector endpoint (optional)")
}

func loadConfig() (*config.Config, error) {
	if flagConfig == "" {
		return config.Default(), nil
	}
	return config.Load(flagConfig)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := telemetry.NewLogger("fairsight")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	shutdown, err := telemetry.InitOTEL(ctx, telemetry.Config{
		ServiceName:    "fairsight",
		ServiceVersion: version,
		OTELEndpoint:   serveOTELEndpoint,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	if err := os.MkdirAll(flagDataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	core, err := engine.New(flagDataDir, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = core.Close() }()

	d, err := daemon.New(daemon.Config{
		SweepInterval: serveSweepInterval,
		DataDir:       flagDataDir,
	}, core)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	logger.Info().
		Str("data_dir", flagDataDir).
		Dur("sweep_interval", serveSweepInterval).
		Str("metrics_addr", serveMetricsAddr).
		Msg("fairsight starting")

	var group run.Group

	// Signal handler
	group.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	// Verification sweep daemon
	{
		daemonCtx, cancel := context.WithCancel(ctx)
		group.Add(func() error {
			return d.Start(daemonCtx)
		}, func(error) {
			cancel()
		})
	}

	// Metrics and health server
	{
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(telemetry.PrometheusRegistry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			health := d.Health()
			w.Header().Set("Content-Type", "application/json")
			if health.Status != "healthy" {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			_ = json.NewEncoder(w).Encode(health)
		})

		server := &http.Server{
			Addr:              serveMetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Add(func() error {
			err := server.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		})
	}

	err = group.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		logger.Info().Str("signal", sig.Signal.String()).Msg("shutting down")
		return nil
	}
	return err
}
