package ordering

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memStore is an in-memory OrderStore and ResourceStore for engine tests.
type memStore struct {
	mu sync.Mutex

	orders map[Partition]map[string]OrderRecord
	docs   map[string][]Document

	// failing hooks
	noopUpserts  bool
	bulkFailIDs  map[string]bool
	rewriteFails int
	rewrites     int
}

func newMemStore() *memStore {
	return &memStore{
		orders:      make(map[Partition]map[string]OrderRecord),
		docs:        make(map[string][]Document),
		bulkFailIDs: make(map[string]bool),
	}
}

func (s *memStore) addDoc(collection, id, owner string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[collection] = append(s.docs[collection], Document{
		ID:         id,
		Collection: collection,
		OwnerID:    owner,
		Data:       data,
		CreatedAt:  time.Now().UTC(),
	})
}

func (s *memStore) removeDoc(collection, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := s.docs[collection]
	for i, d := range docs {
		if d.ID == id {
			s.docs[collection] = append(docs[:i], docs[i+1:]...)
			return
		}
	}
}

// setPositions writes raw positions, bypassing the engine.
func (s *memStore) setPositions(p Partition, positions map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	part := s.partition(p)
	for id, pos := range positions {
		part[id] = OrderRecord{
			ID:         "raw-" + id,
			OwnerID:    p.OwnerID,
			Collection: p.Collection,
			ResourceID: id,
			Position:   pos,
			CreatedAt:  time.Unix(0, 0).UTC(),
			UpdatedAt:  time.Unix(0, 0).UTC(),
		}
	}
}

func (s *memStore) partition(p Partition) map[string]OrderRecord {
	part, ok := s.orders[p]
	if !ok {
		part = make(map[string]OrderRecord)
		s.orders[p] = part
	}
	return part
}

func (s *memStore) Upsert(_ context.Context, rec OrderRecord) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(rec), nil
}

func (s *memStore) upsertLocked(rec OrderRecord) UpsertResult {
	if s.noopUpserts {
		return UpsertResult{Record: rec}
	}
	part := s.partition(rec.Partition())
	existing, ok := part[rec.ResourceID]
	if !ok {
		part[rec.ResourceID] = rec
		return UpsertResult{Inserted: true, Record: rec}
	}
	prev := existing.Position
	existing.Position = rec.Position
	existing.UpdatedAt = rec.UpdatedAt
	part[rec.ResourceID] = existing
	return UpsertResult{Modified: true, Record: existing, PreviousPosition: &prev}
}

func (s *memStore) Place(_ context.Context, rec OrderRecord, plan func([]OrderRecord) []PositionUpdate) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.upsertLocked(rec)
	if !res.Inserted && !res.Modified {
		return res, nil
	}
	p := rec.Partition()
	for _, u := range s.applyLocked(p, plan(s.snapshot(p))) {
		if u.ResourceID == rec.ResourceID {
			res.Record.Position = u.Position
		}
	}
	return res, nil
}

func (s *memStore) applyLocked(p Partition, updates []PositionUpdate) []PositionUpdate {
	part := s.orders[p]
	for _, u := range updates {
		r := part[u.ResourceID]
		r.Position = u.Position
		part[u.ResourceID] = r
	}
	return updates
}

func (s *memStore) BulkUpsert(_ context.Context, recs []OrderRecord) (BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res BulkResult
	for i, rec := range recs {
		if s.bulkFailIDs[rec.ResourceID] {
			res.Failures = append(res.Failures, BulkFailure{Index: i, ResourceID: rec.ResourceID, Error: "write rejected"})
			continue
		}
		up := s.upsertLocked(rec)
		if up.Inserted {
			res.Inserted++
		} else if up.Modified {
			res.Modified++
		}
	}
	return res, nil
}

func (s *memStore) Find(_ context.Context, p Partition) ([]OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(p), nil
}

func (s *memStore) snapshot(p Partition) []OrderRecord {
	out := make([]OrderRecord, 0, len(s.orders[p]))
	for _, r := range s.orders[p] {
		out = append(out, r)
	}
	SortRecords(out)
	return out
}

func (s *memStore) DeleteAt(_ context.Context, p Partition, position int) (*OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.snapshot(p)
	if position < 0 || position >= len(recs) {
		return nil, ErrOrderNotFound
	}
	r := recs[position]
	delete(s.orders[p], r.ResourceID)
	return &r, nil
}

func (s *memStore) DeleteResource(_ context.Context, p Partition, resourceID string) (*OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.orders[p][resourceID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	delete(s.orders[p], resourceID)
	return &r, nil
}

func (s *memStore) Rewrite(_ context.Context, p Partition, plan func([]OrderRecord) []PositionUpdate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewrites++
	if s.rewriteFails > 0 {
		s.rewriteFails--
		return 0, errors.New("database is locked")
	}
	return len(s.applyLocked(p, plan(s.snapshot(p)))), nil
}

func (s *memStore) FindOwned(_ context.Context, collection, id, owner string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.docs[collection] {
		if d.ID == id && d.OwnerID == owner {
			return &d, nil
		}
	}
	return nil, ErrResourceNotFound
}

func (s *memStore) Count(ctx context.Context, collection string, f Filter) (int, error) {
	docs, err := s.ResourcesFind(ctx, collection, f)
	return len(docs), err
}

// ResourcesFind is Find for documents; memStore cannot carry two Find methods.
func (s *memStore) ResourcesFind(_ context.Context, collection string, f Filter) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Document
	for _, d := range s.docs[collection] {
		if f.OwnerID != "" && d.OwnerID != f.OwnerID {
			continue
		}
		match := true
		for k, v := range f.Fields {
			if !reflect.DeepEqual(d.Data[k], v) {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		ok, err := f.Where.Match(d.Env())
		if err != nil {
			return nil, fmt.Errorf("filter: %w", err)
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memStore) FindByIDs(_ context.Context, collection string, ids []string) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []Document
	for _, d := range s.docs[collection] {
		if want[d.ID] {
			out = append(out, d)
		}
	}
	return out, nil
}

// resourceView adapts memStore to ResourceStore.
type resourceView struct{ *memStore }

func (r resourceView) Find(ctx context.Context, collection string, f Filter) ([]Document, error) {
	return r.ResourcesFind(ctx, collection, f)
}

// stepClock returns strictly increasing timestamps.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

const (
	testOwner      = "owner-1"
	testCollection = "things"
)

var testPartition = Partition{OwnerID: testOwner, Collection: testCollection}

// gatedStore holds every Rewrite until gate is closed, so deferred
// compactions pile up behind the mutations that requested them.
type gatedStore struct {
	*memStore
	gate chan struct{}
}

func (g gatedStore) Rewrite(ctx context.Context, p Partition, plan func([]OrderRecord) []PositionUpdate) (int, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return g.memStore.Rewrite(ctx, p, plan)
}

// newTestEngine seeds the given ids as documents owned by testOwner and
// returns a sync-mode engine over them.
func newTestEngine(t *testing.T, ids ...string) (*Engine, *memStore) {
	t.Helper()
	store := newMemStore()
	return newTestEngineWith(t, store, store, CompactionSync, ids...), store
}

// newTestEngineWith seeds ids into docs and returns an engine writing orders
// to orders with the given compaction mode.
func newTestEngineWith(t *testing.T, orders OrderStore, docs *memStore, mode CompactionMode, ids ...string) *Engine {
	t.Helper()

	for _, id := range ids {
		docs.addDoc(testCollection, id, testOwner, map[string]any{"name": id})
	}

	cfg := DefaultCompactorConfig()
	cfg.Mode = mode
	cfg.RetryBackoff = time.Millisecond

	eng := New(orders, resourceView{docs},
		WithClock(&stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}),
		WithCompactorConfig(cfg),
	)
	t.Cleanup(func() { require.NoError(t, eng.Close(context.Background())) })
	return eng
}

// order returns the resource ids of the partition in read order.
func order(t *testing.T, eng *Engine) []string {
	t.Helper()
	recs, err := eng.ReadMany(context.Background(), testOwner, testCollection)
	require.NoError(t, err)
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ResourceID
	}
	return ids
}
