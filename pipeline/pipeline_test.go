package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tarkka/internal/filter"
	"github.com/yairfalse/tarkka/providers"
	"github.com/yairfalse/tarkka/reconciler"
	"github.com/yairfalse/tarkka/storage"
	"github.com/yairfalse/tarkka/types"
)

var testScope = types.Scope{Cloud: "volc", Account: "main", Region: "cn-beijing", ResourceType: types.ResourceServer}

func rec(id string) types.ResourceRecord {
	return types.ResourceRecord{
		InstanceID:   id,
		Cloud:        testScope.Cloud,
		Account:      testScope.Account,
		Region:       testScope.Region,
		ResourceType: testScope.ResourceType,
		State:        "RUNNING",
		ExtInfo:      map[string]any{types.ExtChargeType: types.ChargeTypeSubscription},
	}
}

// mockInventory serves pages of ids. Cursors are page indexes.
type mockInventory struct {
	mu        sync.Mutex
	pages     [][]string
	failAt    int // page index that fails; -1 for never
	cursors   []string
	detailFn  func(ctx context.Context, id string) (providers.Detail, error)
	listCalls int
}

func newMockInventory(pages ...[]string) *mockInventory {
	return &mockInventory{pages: pages, failAt: -1}
}

func (m *mockInventory) Scope() types.Scope { return testScope }

func (m *mockInventory) ListPage(_ context.Context, cursor string, _ int32) (providers.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	m.cursors = append(m.cursors, cursor)

	idx := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return providers.Page{}, err
		}
		idx = n
	}
	if idx == m.failAt {
		return providers.Page{}, errors.New("provider timeout")
	}

	var page providers.Page
	if idx < len(m.pages) {
		for _, id := range m.pages[idx] {
			page.Records = append(page.Records, rec(id))
		}
	}
	if idx+1 < len(m.pages) {
		page.NextCursor = strconv.Itoa(idx + 1)
	}
	return page, nil
}

func (m *mockInventory) GetDetail(ctx context.Context, id string) (providers.Detail, error) {
	if m.detailFn == nil {
		return nil, nil
	}
	return m.detailFn(ctx, id)
}

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%03d", prefix, i)
	}
	return out
}

// ── Fetcher ─────────────────────────────────────────────────────────────────

func TestFetcher_StopsOnEmptyCursor(t *testing.T) {
	inv := newMockInventory(ids("a", 100), ids("b", 100), ids("c", 37))
	f := NewFetcher(inv, 100)

	records, stats, err := f.FetchAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, inv.listCalls)
	assert.Equal(t, []string{"", "1", "2"}, inv.cursors)
	assert.Equal(t, 3, stats.Pages)
	assert.Len(t, records, 237)
}

func TestFetcher_SinglePage(t *testing.T) {
	inv := newMockInventory([]string{"A"})
	records, stats, err := NewFetcher(inv, 0).FetchAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pages)
	assert.Equal(t, []string{"A"}, types.InstanceIDs(records))
}

func TestFetcher_FailureKeepsFetchedPages(t *testing.T) {
	inv := newMockInventory(ids("a", 100), ids("b", 100), ids("c", 100))
	inv.failAt = 2

	records, stats, err := NewFetcher(inv, 100).FetchAll(context.Background())

	require.Error(t, err)
	var scopeErr *ScopeError
	require.ErrorAs(t, err, &scopeErr)
	assert.Equal(t, 2, scopeErr.Pages)
	assert.Equal(t, testScope, scopeErr.Scope)
	assert.Equal(t, 2, stats.Pages)
	assert.Len(t, records, 200)
}

type loopInventory struct{ mockInventory }

func (l *loopInventory) ListPage(context.Context, string, int32) (providers.Page, error) {
	return providers.Page{Records: []types.ResourceRecord{rec("A")}, NextCursor: "same"}, nil
}

func TestFetcher_CursorLoop(t *testing.T) {
	_, stats, err := NewFetcher(&loopInventory{}, 100).FetchAll(context.Background())

	assert.ErrorIs(t, err, ErrCursorLoop)
	assert.Equal(t, 2, stats.Pages)
}

func TestFetcher_HandlerError(t *testing.T) {
	inv := newMockInventory([]string{"A"}, []string{"B"})
	_, err := NewFetcher(inv, 100).Each(context.Background(), func(context.Context, []types.ResourceRecord) error {
		return errors.New("boom")
	})

	require.Error(t, err)
	assert.Equal(t, 1, inv.listCalls)
}

// ── Enricher ────────────────────────────────────────────────────────────────

func TestEnricher_BoundedConcurrency(t *testing.T) {
	const limit = 10
	var inFlight, peak atomic.Int64

	records := make([]types.ResourceRecord, 100)
	for i := range records {
		records[i] = rec(fmt.Sprintf("i-%03d", i))
	}

	e := NewEnricher(limit, zerolog.Nop())
	out, failed := e.Enrich(context.Background(), records, func(_ context.Context, r types.ResourceRecord) (providers.Detail, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return providers.Detail{"detail_of": r.InstanceID}, nil
	})

	assert.Equal(t, 0, failed)
	assert.LessOrEqual(t, peak.Load(), int64(limit))
	require.Len(t, out, 100)
	for i, r := range out {
		assert.Equal(t, records[i].InstanceID, r.InstanceID)
		assert.Equal(t, r.InstanceID, r.ExtInfo["detail_of"], "detail paired with its own record")
	}
}

func TestEnricher_PairsByIdentityNotCompletionOrder(t *testing.T) {
	records := []types.ResourceRecord{rec("slow"), rec("fast")}

	out, _ := NewEnricher(2, zerolog.Nop()).Enrich(context.Background(), records, func(_ context.Context, r types.ResourceRecord) (providers.Detail, error) {
		if r.InstanceID == "slow" {
			time.Sleep(20 * time.Millisecond)
		}
		return providers.Detail{types.ExtVpcID: "vpc-" + r.InstanceID}, nil
	})

	assert.Equal(t, "vpc-slow", out[0].ExtInfo[types.ExtVpcID])
	assert.Equal(t, "vpc-fast", out[1].ExtInfo[types.ExtVpcID])
}

func TestEnricher_FailureIsolation(t *testing.T) {
	records := []types.ResourceRecord{rec("A"), rec("B"), rec("C")}

	out, failed := NewEnricher(0, zerolog.Nop()).Enrich(context.Background(), records, func(_ context.Context, r types.ResourceRecord) (providers.Detail, error) {
		if r.InstanceID == "B" {
			return nil, errors.New("throttled")
		}
		return providers.Detail{types.ExtSecurityGroupIDs: []string{"sg-1"}}, nil
	})

	assert.Equal(t, 1, failed)
	require.Len(t, out, 3)
	assert.Equal(t, []string{"sg-1"}, out[0].ExtInfo[types.ExtSecurityGroupIDs])
	assert.NotContains(t, out[1].ExtInfo, types.ExtSecurityGroupIDs)
	assert.Equal(t, types.ChargeTypeSubscription, out[1].ExtInfo[types.ExtChargeType], "baseline kept")
	assert.Equal(t, []string{"sg-1"}, out[2].ExtInfo[types.ExtSecurityGroupIDs])
}

func TestEnricher_DoesNotMutateInput(t *testing.T) {
	records := []types.ResourceRecord{rec("A")}

	_, _ = NewEnricher(1, zerolog.Nop()).Enrich(context.Background(), records, func(context.Context, types.ResourceRecord) (providers.Detail, error) {
		return providers.Detail{types.ExtZone: "cn-beijing-a"}, nil
	})

	assert.NotContains(t, records[0].ExtInfo, types.ExtZone)
}

func TestEnricher_DefaultLimit(t *testing.T) {
	assert.Equal(t, DefaultEnrichConcurrency, NewEnricher(0, zerolog.Nop()).Limit())
}

// ── Session ─────────────────────────────────────────────────────────────────

func newSessionStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func runSession(t *testing.T, store *storage.BoltStore, inv *mockInventory) Outcome {
	t.Helper()
	nop := zerolog.Nop()
	writer := reconciler.NewWriter(store).WithLogger(nop)
	return NewSession(inv, writer, SessionOptions{Logger: &nop}).Run(context.Background())
}

func TestSession_FullSync(t *testing.T) {
	store := newSessionStore(t)
	inv := newMockInventory(ids("a", 100), ids("b", 20))
	inv.detailFn = func(_ context.Context, id string) (providers.Detail, error) {
		return providers.Detail{types.ExtSecurityGroupIDs: []string{"sg-" + id}}, nil
	}

	out := runSession(t, store, inv)

	require.True(t, out.OK, out.Message)
	assert.Equal(t, 2, out.Pages)
	assert.Equal(t, 120, out.Records)
	assert.Equal(t, 0, out.FailedEnrichments)
	assert.Equal(t, 120, out.Stats.Inserted)

	got, err := store.Query(context.Background(), testScope, filter.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 120)
	assert.NotNil(t, got[0].ExtInfo[types.ExtSecurityGroupIDs])
}

func TestSession_EnrichmentFailuresDoNotAbort(t *testing.T) {
	store := newSessionStore(t)
	inv := newMockInventory([]string{"A", "B", "C"})
	inv.detailFn = func(_ context.Context, id string) (providers.Detail, error) {
		if id == "B" {
			return nil, errors.New("detail api down")
		}
		return providers.Detail{}, nil
	}

	out := runSession(t, store, inv)

	require.True(t, out.OK)
	assert.Equal(t, 1, out.FailedEnrichments)
	assert.Equal(t, 3, out.Records)
}

func TestSession_FirstPageFailureWritesNothing(t *testing.T) {
	store := newSessionStore(t)
	_, err := store.Upsert(context.Background(), rec("A"), rec("B"))
	require.NoError(t, err)
	rev := store.CurrentRevision()

	inv := newMockInventory([]string{"A"})
	inv.failAt = 0

	out := runSession(t, store, inv)

	assert.False(t, out.OK)
	assert.Error(t, out.Err)
	assert.Equal(t, rev, store.CurrentRevision())
	live, err := store.Query(context.Background(), testScope, filter.Filter{})
	require.NoError(t, err)
	assert.Len(t, live, 2)
}

func TestSession_PartialListingReconcilesFetchedPages(t *testing.T) {
	store := newSessionStore(t)
	inv := newMockInventory([]string{"A", "B"}, []string{"C"})
	inv.failAt = 1

	out := runSession(t, store, inv)

	assert.True(t, out.OK)
	assert.True(t, out.Partial)
	assert.Equal(t, 1, out.Pages)
	assert.Contains(t, out.Message, "partial listing")

	live, err := store.Query(context.Background(), testScope, filter.Filter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, types.InstanceIDs(live))
}

func TestSession_EmptyListingIsFailure(t *testing.T) {
	store := newSessionStore(t)
	_, err := store.Upsert(context.Background(), rec("A"))
	require.NoError(t, err)

	out := runSession(t, store, newMockInventory([]string{}))

	assert.False(t, out.OK)
	assert.Equal(t, 1, out.Pages)
	live, err := store.Query(context.Background(), testScope, filter.Filter{})
	require.NoError(t, err)
	assert.Len(t, live, 1, "nothing expired on an empty listing")
}

func TestSession_SyncLog(t *testing.T) {
	store := newSessionStore(t)
	out := runSession(t, store, newMockInventory([]string{"A"}))

	entry := out.SyncLog()
	assert.Equal(t, testScope, entry.Scope)
	assert.True(t, entry.OK)
	assert.Equal(t, 1, entry.Records)
	assert.False(t, entry.StartedAt.IsZero())
}
