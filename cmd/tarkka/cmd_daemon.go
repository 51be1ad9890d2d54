package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/tarkka/internal/daemon"
	"github.com/yairfalse/tarkka/internal/telemetry"
)

var daemonStopTimeout time.Duration

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the scheduled jobs until interrupted",
	Long: `Run every configured job on its schedule: inventory syncs, balance
checks, auto-renew inspections and policies. Each tick takes a lease so
only one replica runs a job at a time.

Metrics, /health and /jobs are served on telemetry.metrics_addr.`,
	Example: `  tarkka daemon --config /etc/tarkka/tarkka.yaml
  tarkka daemon --log-format console --log-level debug`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().DurationVar(&daemonStopTimeout, "stop-timeout", daemon.DefaultStopTimeout, "How long running jobs get to finish on shutdown")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	provider, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	components, err := daemon.Build(ctx, cfg,
		daemon.WithLogger(logger),
		daemon.WithMeterProvider(provider.MeterProvider()),
	)
	if err != nil {
		return err
	}
	defer func() { _ = components.Close() }()

	d, err := daemon.NewDaemon(ctx, daemon.Config{
		MetricsAddr:    cfg.Telemetry.MetricsAddr,
		MetricsHandler: provider.Handler(),
		StopTimeout:    daemonStopTimeout,
	}, components)
	if err != nil {
		return err
	}

	logger.Info().Str("version", version).Str("config", configPath).Msg("starting tarkka daemon")
	return d.Run(ctx)
}
