package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/yairfalse/tarkka/internal/config"
	"github.com/yairfalse/tarkka/internal/daemon"
	"github.com/yairfalse/tarkka/notifier"
)

var (
	inspectAccounts []string
	inspectNoNotify bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Run billing inspections once",
	Long: `Run a billing inspection immediately instead of waiting for its
schedule. Findings go to the configured notification sinks unless
--no-notify is set, in which case they are only logged.`,
}

var inspectBalanceCmd = &cobra.Command{
	Use:     "balance",
	Short:   "Check account balances against their thresholds",
	Example: `  tarkka inspect balance --account volc-prod`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runInspect(cmd, func(c *daemon.Components, names []string) (func(context.Context) error, error) {
			task, err := c.BalanceTask(names...)
			if err != nil {
				return nil, err
			}
			return task.Run, nil
		}, func(a config.AccountConfig) bool { return a.Billing.Enabled() })
	},
}

var inspectAutoRenewCmd = &cobra.Command{
	Use:     "auto-renew",
	Short:   "Find prepaid resources that will not renew automatically",
	Example: `  tarkka inspect auto-renew --account qcloud-prod`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runInspect(cmd, func(c *daemon.Components, names []string) (func(context.Context) error, error) {
			runs := make([]func(context.Context) error, 0, len(names))
			for _, name := range names {
				task, err := c.AutoRenewTask(name)
				if err != nil {
					return nil, err
				}
				runs = append(runs, task.Run)
			}
			return func(ctx context.Context) error {
				for _, run := range runs {
					if err := run(ctx); err != nil {
						return err
					}
				}
				return nil
			}, nil
		}, func(a config.AccountConfig) bool { return a.AutoRenew.Enabled })
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.AddCommand(inspectBalanceCmd, inspectAutoRenewCmd)
	inspectCmd.PersistentFlags().StringSliceVarP(&inspectAccounts, "account", "a", nil, "Accounts to inspect (default: every account with the inspection enabled)")
	inspectCmd.PersistentFlags().BoolVar(&inspectNoNotify, "no-notify", false, "Only log findings")
}

type taskBuilder func(c *daemon.Components, names []string) (func(context.Context) error, error)

// accountNames returns the requested accounts, or every account with the
// inspection enabled.
func accountNames(cfg *config.Config, requested []string, enabled func(config.AccountConfig) bool) []string {
	if len(requested) > 0 {
		return requested
	}
	var names []string
	for _, a := range cfg.Accounts {
		if enabled(a) {
			names = append(names, a.Name)
		}
	}
	return names
}

func runInspect(cmd *cobra.Command, build taskBuilder, enabled func(config.AccountConfig) bool) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	names := accountNames(cfg, inspectAccounts, enabled)
	if len(names) == 0 {
		logger.Info().Msg("no accounts have this inspection enabled")
		return nil
	}

	opts := []daemon.Option{daemon.WithLogger(logger)}
	if inspectNoNotify {
		opts = append(opts, daemon.WithNotifier(notifier.NewLog(&logger)))
	}
	components, err := daemon.Build(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = components.Close() }()

	run, err := build(components, names)
	if err != nil {
		return err
	}
	return run(ctx)
}
