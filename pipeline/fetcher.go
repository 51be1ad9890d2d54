// Package pipeline turns a provider listing into a reconciled scope snapshot.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/yairfalse/tarkka/providers"
	"github.com/yairfalse/tarkka/types"
)

// DefaultPageSize is the page size requested from providers.
const DefaultPageSize int32 = 100

// ErrCursorLoop is returned when a provider hands back the cursor it was given.
var ErrCursorLoop = errors.New("provider returned the same cursor twice")

// ScopeError reports a traversal that stopped part way.
type ScopeError struct {
	Scope types.Scope
	// Pages is the number of pages fetched before the failure.
	Pages int
	Err   error
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("list %s failed after %d pages: %v", e.Scope, e.Pages, e.Err)
}

func (e *ScopeError) Unwrap() error {
	return e.Err
}

// FetchStats counts what a traversal produced.
type FetchStats struct {
	Pages   int
	Records int
}

// PageHandler receives each page in order.
type PageHandler func(ctx context.Context, records []types.ResourceRecord) error

// Fetcher walks a provider listing one page at a time.
type Fetcher struct {
	client   providers.InventoryClient
	pageSize int32
}

// NewFetcher creates a fetcher. A non-positive pageSize means DefaultPageSize.
func NewFetcher(client providers.InventoryClient, pageSize int32) *Fetcher {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Fetcher{client: client, pageSize: pageSize}
}

// Each requests pages until the provider returns an empty cursor, handing
// every page to fn. Pages are requested strictly in sequence since each
// request needs the previous cursor.
//
// On failure the returned stats still count the pages already delivered to
// fn, and the error is a *ScopeError.
func (f *Fetcher) Each(ctx context.Context, fn PageHandler) (FetchStats, error) {
	var stats FetchStats
	scope := f.client.Scope()
	cursor := ""

	for {
		if err := ctx.Err(); err != nil {
			return stats, &ScopeError{Scope: scope, Pages: stats.Pages, Err: err}
		}

		page, err := f.client.ListPage(ctx, cursor, f.pageSize)
		if err != nil {
			return stats, &ScopeError{Scope: scope, Pages: stats.Pages, Err: err}
		}

		if err := fn(ctx, page.Records); err != nil {
			return stats, &ScopeError{Scope: scope, Pages: stats.Pages, Err: err}
		}
		stats.Pages++
		stats.Records += len(page.Records)

		if page.NextCursor == "" {
			return stats, nil
		}
		if page.NextCursor == cursor {
			return stats, &ScopeError{Scope: scope, Pages: stats.Pages, Err: ErrCursorLoop}
		}
		cursor = page.NextCursor
	}
}

// FetchAll collects every record of the listing. On failure the partial
// result is returned along with the error.
func (f *Fetcher) FetchAll(ctx context.Context) ([]types.ResourceRecord, FetchStats, error) {
	var all []types.ResourceRecord
	stats, err := f.Each(ctx, func(_ context.Context, records []types.ResourceRecord) error {
		all = append(all, records...)
		return nil
	})
	return all, stats, err
}
