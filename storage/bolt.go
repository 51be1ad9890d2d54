package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/tarkka/internal/filter"
	"github.com/yairfalse/tarkka/types"
)

// Bucket names in bbolt
var (
	bucketRecords = []byte("records")
	bucketSyncLog = []byte("sync_log")
	bucketMeta    = []byte("meta")

	keyRevision = []byte("current_revision")
)

// BoltStore keeps records in bbolt with an in-memory btree index.
// Every write bumps a store-wide revision, so a reconciliation can be traced
// back to the sync that produced it.
type BoltStore struct {
	mu sync.RWMutex

	// In-memory index for fast scope scans
	index *btree.BTreeG[*indexEntry]

	// On-disk storage
	db *bbolt.DB

	// Current revision number
	currentRev int64

	now func() time.Time
}

type indexEntry struct {
	key    string
	record types.ResourceRecord
}

// Option configures a BoltStore.
type Option func(*BoltStore)

// WithClock overrides the time source used for FirstSeen/UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *BoltStore) {
		s.now = now
	}
}

// NewBoltStore opens (or creates) tarkka.db inside dir.
func NewBoltStore(dir string, opts ...Option) (*BoltStore, error) {
	dbPath := filepath.Join(dir, "tarkka.db")

	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Initialize buckets
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketSyncLog, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &BoltStore{
		index: btree.NewG[*indexEntry](32, func(a, b *indexEntry) bool {
			return a.key < b.key
		}),
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the storage
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// CurrentRevision returns the current revision number
func (s *BoltStore) CurrentRevision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

// Len returns the number of indexed records, expired ones included.
func (s *BoltStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Len()
}

// Upsert writes records by identity key in one transaction.
func (s *BoltStore) Upsert(ctx context.Context, records ...types.ResourceRecord) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.currentRev + 1
	var changed []types.ResourceRecord

	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		changed, _, _, err = s.upsertTx(tx, records)
		if err != nil {
			return err
		}
		return putRevision(tx, rev)
	})
	if err != nil {
		return 0, err
	}

	s.currentRev = rev
	s.updateIndex(changed)
	return rev, nil
}

// MarkExpired soft-expires the non-expired records of scope absent from keepIDs.
func (s *BoltStore) MarkExpired(ctx context.Context, scope types.Scope, keepIDs []string) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrScopeRequired, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.currentRev + 1
	var expired []types.ResourceRecord

	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		expired, err = s.expireTx(tx, scope, toSet(keepIDs))
		if err != nil {
			return err
		}
		return putRevision(tx, rev)
	})
	if err != nil {
		return 0, err
	}

	s.currentRev = rev
	s.updateIndex(expired)
	return len(expired), nil
}

// ReconcileScope upserts records and expires absent ones of scope in a single
// bbolt transaction, so readers never observe a half-applied snapshot.
func (s *BoltStore) ReconcileScope(ctx context.Context, scope types.Scope, records []types.ResourceRecord) (ReconcileStats, error) {
	if err := scope.Validate(); err != nil {
		return ReconcileStats{}, fmt.Errorf("%w: %v", ErrScopeRequired, err)
	}
	for _, r := range records {
		if r.Scope() != scope {
			return ReconcileStats{}, fmt.Errorf("record %s outside scope %s", r.Key(), scope)
		}
	}
	if err := ctx.Err(); err != nil {
		return ReconcileStats{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := ReconcileStats{Revision: s.currentRev + 1}
	var changed []types.ResourceRecord

	err := s.db.Update(func(tx *bbolt.Tx) error {
		upserted, inserted, updated, err := s.upsertTx(tx, records)
		if err != nil {
			return err
		}
		expired, err := s.expireTx(tx, scope, toSet(types.InstanceIDs(records)))
		if err != nil {
			return err
		}

		stats.Inserted = inserted
		stats.Updated = updated
		stats.Expired = len(expired)
		changed = append(upserted, expired...)

		return putRevision(tx, stats.Revision)
	})
	if err != nil {
		return ReconcileStats{}, err
	}

	s.currentRev = stats.Revision
	s.updateIndex(changed)
	return stats, nil
}

// Query scans the index. A fully specified scope uses a prefix range,
// anything wider walks the whole tree.
func (s *BoltStore) Query(ctx context.Context, scope types.Scope, f filter.Filter) ([]types.ResourceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []types.ResourceRecord
	visit := func(e *indexEntry) bool {
		if scope.Contains(e.record) && f.Match(e.record) {
			results = append(results, e.record.Clone())
		}
		return true
	}

	if scope.Validate() == nil {
		prefix := scope.Key() + "/"
		s.index.AscendGreaterOrEqual(&indexEntry{key: prefix}, func(e *indexEntry) bool {
			if !strings.HasPrefix(e.key, prefix) {
				return false
			}
			return visit(e)
		})
		return results, nil
	}

	s.index.Ascend(visit)
	return results, nil
}

// RecordSync appends a sync log entry.
func (s *BoltStore) RecordSync(ctx context.Context, entry SyncLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSyncLog).Put(makeSyncLogKey(entry.Scope, entry.StartedAt), value)
	})
}

// RecentSyncs returns up to limit sync log entries of scope, newest first.
func (s *BoltStore) RecentSyncs(ctx context.Context, scope types.Scope, limit int) ([]SyncLog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entries []SyncLog
	prefix := []byte(scope.Key() + "|")

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketSyncLog).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var entry SyncLog
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decode sync log %s: %w", k, err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// keys sort oldest first
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Helper functions

// timestamp is s.now in UTC without a monotonic reading, so records in the
// index compare equal to the ones decoded from disk.
func (s *BoltStore) timestamp() time.Time {
	return s.now().UTC().Round(0)
}

func (s *BoltStore) upsertTx(tx *bbolt.Tx, records []types.ResourceRecord) ([]types.ResourceRecord, int, int, error) {
	bucket := tx.Bucket(bucketRecords)
	now := s.timestamp()

	written := make([]types.ResourceRecord, 0, len(records))
	var inserted, updated int

	for _, r := range records {
		key := []byte(r.Key().String())
		rec := r.Clone()
		rec.IsExpired = false
		rec.UpdatedAt = now

		if existing := bucket.Get(key); existing != nil {
			var prev types.ResourceRecord
			if err := json.Unmarshal(existing, &prev); err != nil {
				return nil, 0, 0, fmt.Errorf("decode %s: %w", key, err)
			}
			rec.FirstSeen = prev.FirstSeen
			updated++
		} else {
			rec.FirstSeen = now
			inserted++
		}

		value, err := json.Marshal(rec)
		if err != nil {
			return nil, 0, 0, err
		}
		if err := bucket.Put(key, value); err != nil {
			return nil, 0, 0, err
		}
		written = append(written, rec)
	}

	return written, inserted, updated, nil
}

func (s *BoltStore) expireTx(tx *bbolt.Tx, scope types.Scope, keep map[string]bool) ([]types.ResourceRecord, error) {
	bucket := tx.Bucket(bucketRecords)
	prefix := []byte(scope.Key() + "/")
	now := s.timestamp()

	// collect first: bbolt cursors are invalidated by Put
	var expired []types.ResourceRecord
	c := bucket.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var rec types.ResourceRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		// components may contain the key separator
		if rec.Scope() != scope {
			continue
		}
		if rec.IsExpired || keep[rec.InstanceID] {
			continue
		}
		rec.IsExpired = true
		rec.UpdatedAt = now
		expired = append(expired, rec)
	}

	for _, rec := range expired {
		value, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		if err := bucket.Put([]byte(rec.Key().String()), value); err != nil {
			return nil, err
		}
	}

	return expired, nil
}

func (s *BoltStore) updateIndex(records []types.ResourceRecord) {
	for _, r := range records {
		s.index.ReplaceOrInsert(&indexEntry{key: r.Key().String(), record: r})
	}
}

func (s *BoltStore) load() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get(keyRevision); data != nil {
			rev, err := strconv.ParseInt(string(data), 10, 64)
			if err != nil {
				return fmt.Errorf("decode revision: %w", err)
			}
			s.currentRev = rev
		}

		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var rec types.ResourceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			s.index.ReplaceOrInsert(&indexEntry{key: string(k), record: rec})
			return nil
		})
	})
}

func putRevision(tx *bbolt.Tx, rev int64) error {
	return tx.Bucket(bucketMeta).Put(keyRevision, []byte(strconv.FormatInt(rev, 10)))
}

func makeSyncLogKey(scope types.Scope, at time.Time) []byte {
	return []byte(fmt.Sprintf("%s|%020d", scope.Key(), at.UnixNano()))
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
