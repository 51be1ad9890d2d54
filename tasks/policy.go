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

// PolicyTask runs a policy inspection and notifies violations.
type PolicyTask struct {
	name      string
	inspector inspector.Inspector
	notifier  notifier.Notifier
	logger    zerolog.Logger
}

// NewPolicyTask creates the task.
func NewPolicyTask(name string, insp inspector.Inspector, n notifier.Notifier, logger *zerolog.Logger) *PolicyTask {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &PolicyTask{
		name:      name,
		inspector: insp,
		notifier:  n,
		logger:    l.With().Str("task", "policy").Str("policy", name).Logger(),
	}
}

// Run evaluates the policy once.
func (t *PolicyTask) Run(ctx context.Context) error {
	res := t.inspector.Run(ctx)
	if !res.Success {
		return errors.New(res.Message)
	}

	t.logger.Info().Ctx(ctx).
		Str("status", string(res.Status)).
		Int("violations", len(res.Data)).
		Msg(res.Message)

	if !res.NeedsMention() {
		return nil
	}
	return t.notifier.Notify(ctx, notifier.Message{
		Title:   fmt.Sprintf("policy %s", t.name),
		Text:    res.Message,
		Records: res.Data,
		Mention: true,
	})
}
