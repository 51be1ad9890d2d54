// Package notifier defines the output boundary for inspection findings.
package notifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tarkka/types"
)

// Message is one notification.
type Message struct {
	Title string
	Text  string
	// Records are rendered as an instance table when present.
	Records []types.ResourceRecord
	// Mention asks the sink to alert its configured user.
	Mention bool
}

// Notifier delivers messages to a backend.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, msg Message) error

// Notify calls f.
func (f Func) Notify(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Multi fans out to several notifiers.
type Multi struct {
	notifiers []Notifier
}

// NewMulti creates a notifier that delivers to every backend.
func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

// Notify delivers to all notifiers. A failing backend does not stop the
// others; all errors are joined.
func (m *Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for i, n := range m.notifiers {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("notifier %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of backends.
func (m *Multi) Len() int {
	return len(m.notifiers)
}

// Log writes messages to a zerolog logger.
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a log notifier. A nil logger uses the global one.
func NewLog(logger *zerolog.Logger) *Log {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Log{logger: l.With().Str("component", "notifier").Logger()}
}

// Notify logs msg. Mentions log at warn.
func (l *Log) Notify(ctx context.Context, msg Message) error {
	event := l.logger.Info()
	if msg.Mention {
		event = l.logger.Warn()
	}
	event.Ctx(ctx).
		Str("title", msg.Title).
		Bool("mention", msg.Mention).
		Int("records", len(msg.Records)).
		Strs("instances", types.InstanceIDs(msg.Records)).
		Msg(msg.Text)
	return nil
}
