package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/tarkka/internal/config"
	"github.com/yairfalse/tarkka/internal/telemetry"
)

var (
	version = "0.1.0"

	configPath string
	logLevel   string
	logFormat  string

	rootCmd = &cobra.Command{
		Use:   "tarkka",
		Short: "Billing health inspection and inventory reconciliation",
		Long: `Tarkka - billing health for cloud accounts

Tarkka keeps a local inventory of cloud resources in step with the
provider, warns when account balances run low and flags prepaid
resources that will not renew on their own.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Tarkka {{.Version}}
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "tarkka.yaml", "Path to the config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override the configured log format (json, console)")
}

// loadConfig reads the config file and applies the log flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}

// setup loads the config and installs the process logger.
func setup(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger, err := telemetry.NewLogger(cmd.ErrOrStderr(), cfg.Log, cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log.Logger = logger
	return cfg, logger, nil
}
