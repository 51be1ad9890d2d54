package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tarkka/inspector"
	"github.com/yairfalse/tarkka/notifier"
)

// BalanceCheck is one account's balance inspection.
type BalanceCheck struct {
	Account   string
	Cloud     string
	Inspector inspector.Inspector
}

// BalanceTask inspects account balances and notifies every verdict.
type BalanceTask struct {
	checks   []BalanceCheck
	notifier notifier.Notifier
	logger   zerolog.Logger
}

// NewBalanceTask creates a task over checks.
func NewBalanceTask(checks []BalanceCheck, n notifier.Notifier, logger *zerolog.Logger) *BalanceTask {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &BalanceTask{
		checks:   checks,
		notifier: n,
		logger:   l.With().Str("task", "balance").Logger(),
	}
}

// Run inspects every account. Accounts are independent: one failing check
// or delivery never skips the rest. The joined errors are returned.
func (t *BalanceTask) Run(ctx context.Context) error {
	var errs []error
	for _, c := range t.checks {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := t.check(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *BalanceTask) check(ctx context.Context, c BalanceCheck) error {
	logger := t.logger.With().Ctx(ctx).Str("cloud", c.Cloud).Str("account", c.Account).Logger()
	res := c.Inspector.Run(ctx)
	title := fmt.Sprintf("%s balance inspection (%s)", c.Cloud, c.Account)

	if !res.Success {
		logger.Error().Str("message", res.Message).Msg("balance inspection failed")
		notifyErr := t.notifier.Notify(ctx, notifier.Message{
			Title: title,
			Text:  fmt.Sprintf("%s %s balance inspection failed: %s", c.Cloud, c.Account, res.Message),
		})
		return errors.Join(fmt.Errorf("balance %s/%s: %s", c.Cloud, c.Account, res.Message), notifyErr)
	}

	logger.Info().
		Str("status", string(res.Status)).
		Bool("success", res.Success).
		Msg(res.Message)

	err := t.notifier.Notify(ctx, notifier.Message{
		Title:   title,
		Text:    fmt.Sprintf("%s %s: %s", c.Cloud, c.Account, res.Message),
		Mention: res.NeedsMention(),
	})
	if err != nil {
		return fmt.Errorf("notify balance %s/%s: %w", c.Cloud, c.Account, err)
	}
	return nil
}
