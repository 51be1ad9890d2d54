package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/tarkka/internal/config"
	"github.com/yairfalse/tarkka/internal/daemon"
	"github.com/yairfalse/tarkka/types"
)

var (
	syncAccount string
	syncType    string
	syncHistory int
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the inventory once",
	Long: `Run one sync session for every configured scope and print the outcome.
A scope is one account, region and resource type.

With --history the recorded sessions are printed instead and nothing
is fetched.`,
	Example: `  tarkka sync                         # Sync every scope
  tarkka sync --account prod          # Only the prod account
  tarkka sync --type mysql            # Only MySQL instances
  tarkka sync --history 5             # Last 5 sessions per scope`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().StringVarP(&syncAccount, "account", "a", "", "Only sync this account")
	syncCmd.Flags().StringVarP(&syncType, "type", "t", "", "Only sync this resource type")
	syncCmd.Flags().IntVar(&syncHistory, "history", 0, "Print this many recorded sessions per scope instead of syncing")
}

// selectScopes returns the configured scopes matching the account and type filters.
func selectScopes(cfg *config.Config, account, resourceType string) ([]types.Scope, error) {
	if account != "" {
		if _, ok := cfg.Account(account); !ok {
			return nil, fmt.Errorf("unknown account %q", account)
		}
	}
	if resourceType != "" && !types.IsResourceType(resourceType) {
		return nil, fmt.Errorf("unknown resource type %q", resourceType)
	}

	var out []types.Scope
	for _, s := range cfg.Scopes() {
		if account != "" && s.Account != account {
			continue
		}
		if resourceType != "" && s.ResourceType != resourceType {
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, errors.New("no scopes match")
	}
	return out, nil
}

func runSync(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	scopes, err := selectScopes(cfg, syncAccount, syncType)
	if err != nil {
		return err
	}

	components, err := daemon.Build(ctx, cfg, daemon.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = components.Close() }()

	if syncHistory > 0 {
		return printHistory(ctx, cmd.OutOrStdout(), components, scopes, syncHistory)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCOPE\tSTATUS\tPAGES\tRECORDS\tINSERTED\tUPDATED\tEXPIRED\tDURATION")

	failed := 0
	for _, scope := range scopes {
		task, err := components.SyncTask(ctx, scope)
		if err != nil {
			return err
		}
		out := task.Execute(ctx)
		status := "ok"
		if !out.OK {
			status = "failed: " + out.Message
			failed++
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			scope, status, out.Pages, out.Records,
			out.Stats.Inserted, out.Stats.Updated, out.Stats.Expired,
			out.Duration.Round(time.Millisecond))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scopes failed", failed, len(scopes))
	}
	return nil
}

func printHistory(ctx context.Context, out io.Writer, c *daemon.Components, scopes []types.Scope, limit int) error {
	if c.SyncLog == nil {
		return errors.New("the configured store keeps no sync history")
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCOPE\tSTARTED\tSTATUS\tRECORDS\tEXPIRED\tDURATION")
	for _, scope := range scopes {
		logs, err := c.SyncLog.RecentSyncs(ctx, scope, limit)
		if err != nil {
			return err
		}
		for _, l := range logs {
			status := "ok"
			if !l.OK {
				status = "failed: " + l.Message
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				scope, l.StartedAt.Format(time.RFC3339), status, l.Records, l.Expired,
				l.Duration.Round(time.Millisecond))
		}
	}
	return w.Flush()
}
