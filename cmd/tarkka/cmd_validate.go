package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/tarkka/internal/daemon"
	"github.com/yairfalse/tarkka/lease"
	"github.com/yairfalse/tarkka/notifier"
	"github.com/yairfalse/tarkka/storage"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config and list the jobs it schedules",
	Long: `Load the config, compile every policy and list the jobs the daemon
would schedule. Nothing is fetched and the configured store is not touched.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "tarkka-validate-")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(dir) }()

	store, err := storage.NewBoltStore(dir)
	if err != nil {
		return err
	}

	components, err := daemon.Build(ctx, cfg,
		daemon.WithLogger(logger),
		daemon.WithStore(store),
		daemon.WithLocker(lease.NewMemoryLocker(lease.NewMemoryTable(), "")),
		daemon.WithNotifier(notifier.NewLog(&logger)),
	)
	if err != nil {
		_ = store.Close()
		return err
	}
	defer func() { _ = components.Close() }()

	jobs, err := components.Jobs(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d accounts, %d scopes, %d policies\n",
		configPath, len(cfg.Accounts), len(cfg.Scopes()), len(cfg.Policies))
	for _, j := range jobs {
		fmt.Fprintf(out, "  %-48s %s\n", j.ID, j.Schedule)
	}
	return nil
}
