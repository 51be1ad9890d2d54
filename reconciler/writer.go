// Package reconciler applies a freshly fetched inventory snapshot to the record store.
package reconciler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yairfalse/tarkka/storage"
	"github.com/yairfalse/tarkka/types"
)

var tracer = otel.Tracer("github.com/yairfalse/tarkka/reconciler")

// ScopeReconciler is the store capability the writer needs.
type ScopeReconciler interface {
	ReconcileScope(ctx context.Context, scope types.Scope, records []types.ResourceRecord) (storage.ReconcileStats, error)
}

// Result describes one reconciliation.
type Result struct {
	OK       bool
	Message  string
	Stats    storage.ReconcileStats
	Rejected int
}

// Writer upserts a scope snapshot and expires what the snapshot no longer contains.
type Writer struct {
	store  ScopeReconciler
	logger zerolog.Logger
}

// NewWriter creates a writer over store.
func NewWriter(store ScopeReconciler) *Writer {
	return &Writer{
		store:  store,
		logger: log.With().Str("component", "reconciler").Logger(),
	}
}

// WithLogger replaces the writer's logger.
func (w *Writer) WithLogger(logger zerolog.Logger) *Writer {
	w.logger = logger.With().Str("component", "reconciler").Logger()
	return w
}

// Reconcile applies fetched to scope.
//
// An empty snapshot is treated as a provider failure: nothing is written and
// nothing is expired. Records that do not belong to scope are dropped.
// Duplicate instance ids collapse to their last occurrence.
func (w *Writer) Reconcile(ctx context.Context, scope types.Scope, fetched []types.ResourceRecord) (bool, string) {
	res := w.Apply(ctx, scope, fetched)
	return res.OK, res.Message
}

// Apply is Reconcile with the full result.
func (w *Writer) Apply(ctx context.Context, scope types.Scope, fetched []types.ResourceRecord) Result {
	ctx, span := tracer.Start(ctx, "reconciler.reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("scope", scope.Key()), attribute.Int("fetched", len(fetched)))

	logger := w.logger.With().Ctx(ctx).Str("scope", scope.Key()).Logger()

	if err := scope.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{Message: fmt.Sprintf("invalid scope: %v", err)}
	}

	if len(fetched) == 0 {
		msg := fmt.Sprintf("empty inventory for %s, nothing reconciled", scope)
		logger.Warn().Msg("empty inventory, skipping expiry")
		span.SetStatus(codes.Error, msg)
		return Result{Message: msg}
	}

	records, rejected := normalize(scope, fetched)
	for _, r := range rejected {
		logger.Warn().Str("instance_id", r.InstanceID).Str("record_scope", r.Scope().Key()).Msg("record outside scope dropped")
	}
	if len(records) == 0 {
		msg := fmt.Sprintf("no records of %s in fetched inventory", scope)
		span.SetStatus(codes.Error, msg)
		return Result{Message: msg, Rejected: len(rejected)}
	}

	stats, err := w.store.ReconcileScope(ctx, scope, records)
	if err != nil {
		logger.Error().Err(err).Msg("reconcile failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{Message: fmt.Sprintf("reconcile %s: %v", scope, err), Rejected: len(rejected)}
	}

	logger.Info().
		Int("inserted", stats.Inserted).
		Int("updated", stats.Updated).
		Int("expired", stats.Expired).
		Int64("revision", stats.Revision).
		Msg("scope reconciled")

	return Result{
		OK:       true,
		Message:  fmt.Sprintf("synced %d records of %s, %d expired", len(records), scope, stats.Expired),
		Stats:    stats,
		Rejected: len(rejected),
	}
}

// normalize drops foreign records and dedups by instance id, last one wins,
// keeping the order of first appearance.
func normalize(scope types.Scope, fetched []types.ResourceRecord) ([]types.ResourceRecord, []types.ResourceRecord) {
	var rejected []types.ResourceRecord
	position := make(map[string]int, len(fetched))
	records := make([]types.ResourceRecord, 0, len(fetched))

	for _, r := range fetched {
		if r.Scope() != scope || r.InstanceID == "" {
			rejected = append(rejected, r)
			continue
		}
		if i, seen := position[r.InstanceID]; seen {
			records[i] = r
			continue
		}
		position[r.InstanceID] = len(records)
		records = append(records, r)
	}

	return records, rejected
}
