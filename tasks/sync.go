// Package tasks holds the job bodies the orchestrator schedules.
package tasks

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tarkka/pipeline"
	"github.com/yairfalse/tarkka/providers"
	"github.com/yairfalse/tarkka/storage"
)

// SyncTask synchronizes one scope per run and records a sync log entry.
type SyncTask struct {
	client  providers.InventoryClient
	writer  pipeline.Reconciler
	syncLog storage.SyncLogWriter
	opts    pipeline.SessionOptions
	logger  zerolog.Logger
}

// NewSyncTask creates a sync task. syncLog may be nil.
func NewSyncTask(client providers.InventoryClient, writer pipeline.Reconciler, syncLog storage.SyncLogWriter, opts pipeline.SessionOptions) *SyncTask {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &SyncTask{
		client:  client,
		writer:  writer,
		syncLog: syncLog,
		opts:    opts,
		logger:  logger.With().Str("task", "sync").Str("scope", client.Scope().Key()).Logger(),
	}
}

// Execute runs one session and returns its outcome.
func (t *SyncTask) Execute(ctx context.Context) pipeline.Outcome {
	out := pipeline.NewSession(t.client, t.writer, t.opts).Run(ctx)

	if t.syncLog != nil {
		if err := t.syncLog.RecordSync(context.WithoutCancel(ctx), out.SyncLog()); err != nil {
			t.logger.Warn().Ctx(ctx).Err(err).Msg("failed to record sync log")
		}
	}
	return out
}

// Run executes one session. A failed session is returned as an error so the
// tick counts as failed.
func (t *SyncTask) Run(ctx context.Context) error {
	out := t.Execute(ctx)
	if out.OK {
		return nil
	}
	if out.Err != nil {
		return out.Err
	}
	return errors.New(out.Message)
}
