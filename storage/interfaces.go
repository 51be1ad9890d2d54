package storage

import (
	"context"
	"errors"
	"time"

	"github.com/yairfalse/tarkka/internal/filter"
	"github.com/yairfalse/tarkka/types"
)

// ErrScopeRequired is returned when a write names an incomplete scope.
var ErrScopeRequired = errors.New("fully specified scope required")

// ReconcileStats summarizes one scope reconciliation.
type ReconcileStats struct {
	Revision int64
	Inserted int
	Updated  int
	Expired  int
}

// RecordWriter upserts and soft-expires records.
type RecordWriter interface {
	// Upsert inserts or updates records by identity key. FirstSeen is preserved
	// and IsExpired is cleared.
	Upsert(ctx context.Context, records ...types.ResourceRecord) (int64, error)

	// MarkExpired flags every non-expired record of scope whose instance id is
	// not in keepIDs. Records outside scope are never touched.
	MarkExpired(ctx context.Context, scope types.Scope, keepIDs []string) (int, error)

	// ReconcileScope upserts records and expires the absent ones of scope as one unit.
	ReconcileScope(ctx context.Context, scope types.Scope, records []types.ResourceRecord) (ReconcileStats, error)
}

// RecordReader queries stored records.
type RecordReader interface {
	// Query returns records inside scope that pass f. Empty scope components
	// act as wildcards.
	Query(ctx context.Context, scope types.Scope, f filter.Filter) ([]types.ResourceRecord, error)
}

// RecordStore combines read and write for records
type RecordStore interface {
	RecordWriter
	RecordReader
	Lifecycle
}

// SyncLog is the outcome of one sync session.
type SyncLog struct {
	Scope             types.Scope   `json:"scope"`
	OK                bool          `json:"ok"`
	Message           string        `json:"message"`
	Pages             int           `json:"pages"`
	Records           int           `json:"records"`
	FailedEnrichments int           `json:"failed_enrichments"`
	Expired           int           `json:"expired"`
	Duration          time.Duration `json:"duration"`
	StartedAt         time.Time     `json:"started_at"`
}

// SyncLogWriter keeps a history of sync sessions per scope.
type SyncLogWriter interface {
	RecordSync(ctx context.Context, entry SyncLog) error
	RecentSyncs(ctx context.Context, scope types.Scope, limit int) ([]SyncLog, error)
}

// Lifecycle manages storage lifecycle
type Lifecycle interface {
	Close() error
}
