package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-lease/v1/config"
	"github.com/mirkobrombin/go-lease/v1/lease"
	"github.com/mirkobrombin/go-lease/v1/metrics"
	"github.com/mirkobrombin/go-lease/v1/presets"
)

const Version = "0.1.0"

var (
	cfg      config.Config
	registry *prometheus.Registry
	shutdown []func(context.Context) error

	// RootCmd is the base command when called without any subcommands.
	RootCmd = &cobra.Command{
		Use:   "leasectl",
		Short: "distributed leases over a key-value store",
		Long: fmt.Sprintf(`leasectl (v%s)

Acquire, hold and inspect expiring leases stored in Redis or Badger.
Every flag can also be set through a LEASE_ environment variable.`, Version),
		SilenceUsage:       true,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of leasectl",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("leasectl v%s\n", Version)
		},
	}
)

func init() {
	config.SetupFlags(RootCmd.PersistentFlags())
	RootCmd.AddCommand(versionCmd, provisionCmd, checkCmd, tryCmd, runCmd)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := RootCmd.ExecuteContext(ctx); err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return exit.ExitCode()
		}
		return 1
	}
	return 0
}

// setup loads the configuration and starts logging, tracing and the metrics
// endpoint.
func setup(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.LogLevel})))

	if cfg.Trace {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(cmd.ErrOrStderr()))
		if err != nil {
			return fmt.Errorf("trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		shutdown = append(shutdown, tp.Shutdown)
	}

	registry = metrics.NewRegistry()
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server stopped", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
		shutdown = append(shutdown, srv.Shutdown)
	}
	return nil
}

func teardown(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for i := len(shutdown) - 1; i >= 0; i-- {
		errs = append(errs, shutdown[i](ctx))
	}
	shutdown = nil
	return errors.Join(errs...)
}

// openStack builds the configured client with metrics and logging wired in.
func openStack(ctx context.Context, extra ...lease.Option) (*presets.Stack, error) {
	opts := append([]lease.Option{
		lease.WithLogger(slog.Default()),
		lease.WithMetrics(registry),
	}, extra...)
	return presets.FromConfig(ctx, cfg, opts...)
}
