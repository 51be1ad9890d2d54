package pipeline

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/tarkka/providers"
	"github.com/yairfalse/tarkka/types"
)

// DefaultEnrichConcurrency caps in-flight detail lookups.
const DefaultEnrichConcurrency = 10

// EnrichFunc looks up extra fields for one record.
type EnrichFunc func(ctx context.Context, record types.ResourceRecord) (providers.Detail, error)

// Enricher runs detail lookups with bounded concurrency.
type Enricher struct {
	limit  int
	logger zerolog.Logger
}

// NewEnricher creates an enricher. A non-positive limit means DefaultEnrichConcurrency.
func NewEnricher(limit int, logger zerolog.Logger) *Enricher {
	if limit <= 0 {
		limit = DefaultEnrichConcurrency
	}
	return &Enricher{limit: limit, logger: logger}
}

// Limit returns the concurrency cap.
func (e *Enricher) Limit() int {
	return e.limit
}

// Enrich returns one record per input record, in input order. Each output
// carries its input's ExtInfo merged with the detail fetched for it. A failed
// lookup leaves the record as it was and is counted in the second return value.
func (e *Enricher) Enrich(ctx context.Context, records []types.ResourceRecord, fn EnrichFunc) ([]types.ResourceRecord, int) {
	out := make([]types.ResourceRecord, len(records))
	failed := make([]bool, len(records))

	var g errgroup.Group
	g.SetLimit(e.limit)

	for i := range records {
		out[i] = records[i].Clone()
		if ctx.Err() != nil {
			failed[i] = true
			continue
		}

		g.Go(func() error {
			detail, err := fn(ctx, out[i])
			if err != nil {
				failed[i] = true
				e.logger.Warn().Err(err).Str("instance_id", out[i].InstanceID).Msg("enrichment failed, keeping baseline record")
				return nil
			}
			for k, v := range detail {
				out[i].SetExt(k, v)
			}
			return nil
		})
	}
	_ = g.Wait()

	count := 0
	for _, f := range failed {
		if f {
			count++
		}
	}
	return out, count
}
