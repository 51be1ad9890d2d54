package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yairfalse/tarkka/providers"
	"github.com/yairfalse/tarkka/reconciler"
	"github.com/yairfalse/tarkka/storage"
	"github.com/yairfalse/tarkka/types"
)

var tracer = otel.Tracer("github.com/yairfalse/tarkka/pipeline")

// Reconciler applies a scope snapshot.
type Reconciler interface {
	Apply(ctx context.Context, scope types.Scope, fetched []types.ResourceRecord) reconciler.Result
}

// SessionOptions tunes a sync session.
type SessionOptions struct {
	PageSize          int32
	EnrichConcurrency int
	// SkipEnrichment disables detail lookups.
	SkipEnrichment bool
	Logger         *zerolog.Logger
}

// Outcome is the result of one session.
type Outcome struct {
	OK                bool
	Message           string
	Scope             types.Scope
	Pages             int
	Records           int
	FailedEnrichments int
	Partial           bool
	Stats             storage.ReconcileStats
	Err               error
	StartedAt         time.Time
	Duration          time.Duration
}

// SyncLog converts the outcome into a sync log entry.
func (o Outcome) SyncLog() storage.SyncLog {
	return storage.SyncLog{
		Scope:             o.Scope,
		OK:                o.OK,
		Message:           o.Message,
		Pages:             o.Pages,
		Records:           o.Records,
		FailedEnrichments: o.FailedEnrichments,
		Expired:           o.Stats.Expired,
		Duration:          o.Duration,
		StartedAt:         o.StartedAt,
	}
}

// Session synchronizes one scope: fetch every page, enrich each page, then
// reconcile the accumulated snapshot. A session is single use.
type Session struct {
	client   providers.InventoryClient
	fetcher  *Fetcher
	enricher *Enricher
	writer   Reconciler
	skip     bool
	logger   zerolog.Logger

	accumulated       []types.ResourceRecord
	failedEnrichments int
}

// NewSession creates a session for client's scope.
func NewSession(client providers.InventoryClient, writer Reconciler, opts SessionOptions) *Session {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "sync").Str("scope", client.Scope().Key()).Logger()

	return &Session{
		client:   client,
		fetcher:  NewFetcher(client, opts.PageSize),
		enricher: NewEnricher(opts.EnrichConcurrency, logger),
		writer:   writer,
		skip:     opts.SkipEnrichment,
		logger:   logger,
	}
}

// Run executes the session.
//
// A listing that fails after at least one page still reconciles what was
// fetched; records on the unfetched pages may be expired and come back on the
// next successful run. A listing that fails before the first page writes nothing.
func (s *Session) Run(ctx context.Context) Outcome {
	scope := s.client.Scope()
	out := Outcome{Scope: scope, StartedAt: time.Now()}

	ctx, span := tracer.Start(ctx, "pipeline.session")
	defer span.End()
	span.SetAttributes(attribute.String("scope", scope.Key()))

	logger := s.logger.With().Ctx(ctx).Logger()
	logger.Info().Msg("sync started")

	stats, err := s.fetcher.Each(ctx, s.handlePage)
	out.Pages = stats.Pages
	out.Records = len(s.accumulated)
	out.FailedEnrichments = s.failedEnrichments

	if err != nil {
		out.Err = err
		var scopeErr *ScopeError
		if !errors.As(err, &scopeErr) || scopeErr.Pages == 0 || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			out.Message = fmt.Sprintf("sync %s failed: %v", scope, err)
			out.Duration = time.Since(out.StartedAt)
			logger.Error().Err(err).Int("pages", stats.Pages).Msg("sync failed, nothing reconciled")
			span.RecordError(err)
			span.SetStatus(codes.Error, out.Message)
			return out
		}
		out.Partial = true
		logger.Warn().Err(err).Int("pages", stats.Pages).Msg("listing failed part way, reconciling partial snapshot")
	}

	res := s.writer.Apply(ctx, scope, s.accumulated)
	out.OK = res.OK
	out.Stats = res.Stats
	out.Message = res.Message
	if out.Partial {
		out.Message = fmt.Sprintf("%s (partial listing: %v)", res.Message, err)
	}
	out.Duration = time.Since(out.StartedAt)

	span.SetAttributes(
		attribute.Int("pages", out.Pages),
		attribute.Int("records", out.Records),
		attribute.Int("failed_enrichments", out.FailedEnrichments),
	)
	if !out.OK {
		span.SetStatus(codes.Error, out.Message)
	}

	logger.Info().
		Bool("ok", out.OK).
		Int("pages", out.Pages).
		Int("records", out.Records).
		Int("failed_enrichments", out.FailedEnrichments).
		Int("expired", out.Stats.Expired).
		Dur("duration", out.Duration).
		Msg("sync finished")

	return out
}

func (s *Session) handlePage(ctx context.Context, records []types.ResourceRecord) error {
	if s.skip || len(records) == 0 {
		s.accumulated = append(s.accumulated, records...)
		return nil
	}

	enriched, failed := s.enricher.Enrich(ctx, records, func(ctx context.Context, r types.ResourceRecord) (providers.Detail, error) {
		return s.client.GetDetail(ctx, r.InstanceID)
	})
	s.accumulated = append(s.accumulated, enriched...)
	s.failedEnrichments += failed
	return nil
}
