// Package lease provides TTL-bound exclusive leases shared by every Tarkka replica.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Locker hands out exclusive leases by key. A lease expires after its TTL
// even if its holder dies, and only the holder can release it early.
type Locker interface {
	// TryAcquire takes the lease for key. It returns false without error when
	// someone else holds an unexpired lease.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release gives up the lease if this locker still holds it.
	Release(ctx context.Context, key string) error
}

// Claim is one held lease.
type Claim struct {
	Key       string
	Holder    string
	ClaimedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the claim has lapsed at now.
func (c Claim) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// NewHolderID returns a unique holder id for this process.
func NewHolderID() string {
	return uuid.NewString()
}

// MemoryTable is a lease table shared by MemoryLockers in one process.
type MemoryTable struct {
	mu     sync.Mutex
	claims map[string]Claim
	now    func() time.Time
}

// NewMemoryTable creates an empty table.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{claims: make(map[string]Claim), now: time.Now}
}

// SetClock overrides the time source. Used by tests.
func (t *MemoryTable) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Claims returns the unexpired claims.
func (t *MemoryTable) Claims() []Claim {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make([]Claim, 0, len(t.claims))
	for _, c := range t.claims {
		if !c.Expired(now) {
			out = append(out, c)
		}
	}
	return out
}

// MemoryLocker takes leases from a MemoryTable under one holder id.
type MemoryLocker struct {
	table  *MemoryTable
	holder string
}

// NewMemoryLocker creates a locker. An empty holder gets a generated id.
func NewMemoryLocker(table *MemoryTable, holder string) *MemoryLocker {
	if holder == "" {
		holder = NewHolderID()
	}
	return &MemoryLocker{table: table, holder: holder}
}

// Holder returns the holder id.
func (l *MemoryLocker) Holder() string {
	return l.holder
}

// TryAcquire claims key unless another unexpired claim exists.
func (l *MemoryLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.table.mu.Lock()
	defer l.table.mu.Unlock()

	now := l.table.now()
	if existing, ok := l.table.claims[key]; ok && !existing.Expired(now) {
		return false, nil
	}

	l.table.claims[key] = Claim{
		Key:       key,
		Holder:    l.holder,
		ClaimedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	return true, nil
}

// Release removes the claim if this locker holds it.
func (l *MemoryLocker) Release(_ context.Context, key string) error {
	l.table.mu.Lock()
	defer l.table.mu.Unlock()

	if existing, ok := l.table.claims[key]; ok && existing.Holder == l.holder {
		delete(l.table.claims, key)
	}
	return nil
}
