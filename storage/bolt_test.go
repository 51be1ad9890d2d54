package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tarkka/internal/filter"
	"github.com/yairfalse/tarkka/types"
)

var testScope = types.Scope{Cloud: "aws", Account: "prod", Region: "us-east-1", ResourceType: types.ResourceServer}

func newTestStore(t *testing.T) (*BoltStore, *time.Time) {
	t.Helper()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	store, err := NewBoltStore(t.TempDir(), WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, &now
}

func rec(scope types.Scope, id string) types.ResourceRecord {
	return types.ResourceRecord{
		InstanceID:   id,
		Name:         "name-" + id,
		Cloud:        scope.Cloud,
		Account:      scope.Account,
		Region:       scope.Region,
		ResourceType: scope.ResourceType,
		State:        "running",
		ExtInfo:      map[string]any{types.ExtChargeType: types.ChargeTypeSubscription},
	}
}

func byID(records []types.ResourceRecord) map[string]types.ResourceRecord {
	out := make(map[string]types.ResourceRecord, len(records))
	for _, r := range records {
		out[r.InstanceID] = r
	}
	return out
}

func TestBoltStore_UpsertIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	r := rec(testScope, "i-1")
	_, err := store.Upsert(ctx, r)
	require.NoError(t, err)
	first, err := store.Query(ctx, testScope, filter.Filter{IncludeExpired: true})
	require.NoError(t, err)

	_, err = store.Upsert(ctx, r)
	require.NoError(t, err)
	second, err := store.Query(ctx, testScope, filter.Filter{IncludeExpired: true})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.Len())
}

func TestBoltStore_UpsertPreservesFirstSeen(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, rec(testScope, "i-1"))
	require.NoError(t, err)
	firstSeen := *now

	*now = now.Add(time.Hour)
	updated := rec(testScope, "i-1")
	updated.State = "stopped"
	_, err = store.Upsert(ctx, updated)
	require.NoError(t, err)

	got, err := store.Query(ctx, testScope, filter.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "stopped", got[0].State)
	assert.Equal(t, firstSeen, got[0].FirstSeen)
	assert.Equal(t, *now, got[0].UpdatedAt)
}

func TestBoltStore_ReconcileScopeExpiresAbsent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.ReconcileScope(ctx, testScope, []types.ResourceRecord{
		rec(testScope, "A"), rec(testScope, "B"), rec(testScope, "C"),
	})
	require.NoError(t, err)

	stats, err := store.ReconcileScope(ctx, testScope, []types.ResourceRecord{
		rec(testScope, "A"), rec(testScope, "C"), rec(testScope, "D"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 2, stats.Updated)
	assert.Equal(t, 1, stats.Expired)

	all, err := store.Query(ctx, testScope, filter.Filter{IncludeExpired: true})
	require.NoError(t, err)
	records := byID(all)
	require.Len(t, records, 4)
	assert.False(t, records["A"].IsExpired)
	assert.True(t, records["B"].IsExpired)
	assert.False(t, records["C"].IsExpired)
	assert.False(t, records["D"].IsExpired)
}

func TestBoltStore_ReconcileScopeRevivesExpired(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.ReconcileScope(ctx, testScope, []types.ResourceRecord{rec(testScope, "A"), rec(testScope, "B")})
	require.NoError(t, err)
	_, err = store.ReconcileScope(ctx, testScope, []types.ResourceRecord{rec(testScope, "A")})
	require.NoError(t, err)
	_, err = store.ReconcileScope(ctx, testScope, []types.ResourceRecord{rec(testScope, "A"), rec(testScope, "B")})
	require.NoError(t, err)

	live, err := store.Query(ctx, testScope, filter.Filter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, types.InstanceIDs(live))
}

func TestBoltStore_ExpiryIsScopeBounded(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	otherRegion := testScope
	otherRegion.Region = "eu-west-1"
	otherType := testScope
	otherType.ResourceType = types.ResourceLB

	_, err := store.Upsert(ctx, rec(otherRegion, "X"), rec(otherType, "Y"))
	require.NoError(t, err)

	_, err = store.ReconcileScope(ctx, testScope, []types.ResourceRecord{rec(testScope, "A")})
	require.NoError(t, err)

	for _, scope := range []types.Scope{otherRegion, otherType} {
		got, err := store.Query(ctx, scope, filter.Filter{})
		require.NoError(t, err)
		require.Len(t, got, 1, scope.Key())
		assert.False(t, got[0].IsExpired)
	}
}

func TestBoltStore_ReconcileScopeRejectsForeignRecords(t *testing.T) {
	store, _ := newTestStore(t)

	foreign := testScope
	foreign.Account = "staging"

	_, err := store.ReconcileScope(context.Background(), testScope, []types.ResourceRecord{rec(foreign, "A")})
	require.Error(t, err)
	assert.Equal(t, 0, store.Len())
}

func TestBoltStore_MarkExpiredRequiresScope(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.MarkExpired(context.Background(), types.Scope{Cloud: "aws"}, nil)
	assert.ErrorIs(t, err, ErrScopeRequired)
}

func TestBoltStore_MarkExpired(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, rec(testScope, "A"), rec(testScope, "B"))
	require.NoError(t, err)

	n, err := store.MarkExpired(ctx, testScope, []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// already expired records are not counted again
	n, err = store.MarkExpired(ctx, testScope, []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBoltStore_QueryWildcardScope(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	lb := testScope
	lb.ResourceType = types.ResourceLB
	volc := types.Scope{Cloud: "volc", Account: "main", Region: "cn-beijing", ResourceType: types.ResourceServer}

	_, err := store.Upsert(ctx, rec(testScope, "A"), rec(lb, "B"), rec(volc, "C"))
	require.NoError(t, err)

	got, err := store.Query(ctx, types.Scope{Cloud: "aws"}, filter.Filter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, types.InstanceIDs(got))

	got, err = store.Query(ctx, types.Scope{ResourceType: types.ResourceServer}, filter.Filter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "C"}, types.InstanceIDs(got))
}

func TestBoltStore_QueryReturnsCopies(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, rec(testScope, "A"))
	require.NoError(t, err)

	got, err := store.Query(ctx, testScope, filter.Filter{})
	require.NoError(t, err)
	got[0].ExtInfo[types.ExtChargeType] = "mutated"

	again, err := store.Query(ctx, testScope, filter.Filter{})
	require.NoError(t, err)
	assert.Equal(t, types.ChargeTypeSubscription, again[0].ExtInfo[types.ExtChargeType])
}

func TestBoltStore_ExpiryIgnoresSeparatorInNames(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	scope := types.Scope{Cloud: "aws", Account: "a", Region: "r", ResourceType: types.ResourceServer}
	// same key prefix as scope, different region
	lookalike := types.Scope{Cloud: "aws", Account: "a", Region: "r/server", ResourceType: types.ResourceServer}

	_, err := store.Upsert(ctx, rec(lookalike, "X"))
	require.NoError(t, err)

	stats, err := store.ReconcileScope(ctx, scope, []types.ResourceRecord{rec(scope, "A")})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Expired)

	got, err := store.Query(ctx, lookalike, filter.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].IsExpired)
}

func TestBoltStore_IndexMatchesDiskAfterReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	_, err = store.ReconcileScope(ctx, testScope, []types.ResourceRecord{rec(testScope, "A")})
	require.NoError(t, err)
	_, err = store.ReconcileScope(ctx, testScope, []types.ResourceRecord{rec(testScope, "A")})
	require.NoError(t, err)
	before, err := store.Query(ctx, testScope, filter.Filter{IncludeExpired: true})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	after, err := reopened.Query(ctx, testScope, filter.Filter{IncludeExpired: true})
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestBoltStore_IndexRebuiltOnOpen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	_, err = store.ReconcileScope(ctx, testScope, []types.ResourceRecord{rec(testScope, "A"), rec(testScope, "B")})
	require.NoError(t, err)
	rev := store.CurrentRevision()
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	assert.Equal(t, rev, reopened.CurrentRevision())
	got, err := reopened.Query(ctx, testScope, filter.Filter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, types.InstanceIDs(got))
}

func TestBoltStore_SyncLog(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordSync(ctx, SyncLog{
			Scope:     testScope,
			OK:        i != 1,
			Records:   i,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	other := testScope
	other.ResourceType = types.ResourceLB
	require.NoError(t, store.RecordSync(ctx, SyncLog{Scope: other, StartedAt: base}))

	logs, err := store.RecentSyncs(ctx, testScope, 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, 2, logs[0].Records, "newest first")
	assert.Equal(t, 1, logs[1].Records)
	assert.False(t, logs[1].OK)
}

func TestBoltStore_CanceledContext(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.ReconcileScope(ctx, testScope, []types.ResourceRecord{rec(testScope, "A")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, store.Len())
}

func TestInterfaceCompliance(t *testing.T) {
	var _ RecordStore = (*BoltStore)(nil)
	var _ SyncLogWriter = (*BoltStore)(nil)
	var _ RecordStore = (*DynamoStore)(nil)
}
