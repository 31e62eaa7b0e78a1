package stores

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/sorteia/sorteia/pkg/ordering"
)

// Bucket layout:
//
//	meta                              schema_version -> uint64
//	sortings/<owner>\x00<collection>  resource id    -> msgpack OrderRecord
//	resources/<collection>            seq (8 bytes)  -> msgpack Document
//	resource_ids/<collection>         document id    -> seq
var (
	bucketMeta        = []byte("meta")
	bucketSortings    = []byte("sortings")
	bucketResources   = []byte("resources")
	bucketResourceIDs = []byte("resource_ids")

	keySchemaVersion = []byte("schema_version")
)

const (
	boltSchemaVersion = 1
	partitionSep      = "\x00"
)

var errBoltNotInitialized = errors.New("database not initialized")

// BoltStore implements Store on a single bbolt file. Every write runs in one
// bbolt read-write transaction, which bbolt serializes.
type BoltStore struct {
	db  *bbolt.DB
	cfg Config
}

// NewBoltStore creates a new bbolt store instance
func NewBoltStore(cfg Config) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if isMemoryPath(cfg.Path) {
		return nil, fmt.Errorf("bolt store needs a file path, got %q", cfg.Path)
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	return &BoltStore{cfg: cfg}, nil
}

// Init opens the database file, waiting up to BusyTimeout for the file lock.
func (s *BoltStore) Init(_ context.Context) error {
	if dir := filepath.Dir(s.cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := bbolt.Open(s.cfg.Path, 0o600, &bbolt.Options{Timeout: s.cfg.BusyTimeout})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db
	return nil
}

// Close closes the database file
func (s *BoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate creates the root buckets and records the schema version.
func (s *BoltStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return errBoltNotInitialized
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("failed to create meta bucket: %w", err)
		}
		if v := meta.Get(keySchemaVersion); v != nil {
			if got := binary.BigEndian.Uint64(v); got > boltSchemaVersion {
				return fmt.Errorf("database schema version %d is newer than supported version %d", got, boltSchemaVersion)
			}
		}

		for _, name := range [][]byte{bucketSortings, bucketResources, bucketResourceIDs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		return meta.Put(keySchemaVersion, seqKey(boltSchemaVersion))
	})
}

// HealthCheck verifies the database is open and migrated.
func (s *BoltStore) HealthCheck(_ context.Context) error {
	if s.db == nil {
		return errBoltNotInitialized
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketSortings, bucketResources, bucketResourceIDs} {
			if tx.Bucket(name) == nil {
				return fmt.Errorf("database health check failed: bucket %s missing", name)
			}
		}
		return nil
	})
}

// Orders returns the order record view of the store.
func (s *BoltStore) Orders() ordering.OrderStore {
	return boltOrders{s: s}
}

// Resources returns the document view of the store.
func (s *BoltStore) Resources() ordering.ResourceStore {
	return boltResources{s: s}
}

func partitionKey(p ordering.Partition) []byte {
	return []byte(p.OwnerID + partitionSep + p.Collection)
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func decodeSorting(v []byte) (ordering.OrderRecord, error) {
	var rec ordering.OrderRecord
	if err := msgpack.Unmarshal(v, &rec); err != nil {
		return rec, fmt.Errorf("failed to decode custom sorting: %w", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func decodeDocument(v []byte) (ordering.Document, error) {
	var doc ordering.Document
	if err := msgpack.Unmarshal(v, &doc); err != nil {
		return doc, fmt.Errorf("failed to decode document: %w", err)
	}
	doc.CreatedAt = doc.CreatedAt.UTC()
	return doc, nil
}

// partitionRecords returns the partition sorted by position. b may be nil.
func partitionRecords(b *bbolt.Bucket) ([]ordering.OrderRecord, error) {
	recs := []ordering.OrderRecord{}
	if b == nil {
		return recs, nil
	}
	err := b.ForEach(func(_, v []byte) error {
		rec, err := decodeSorting(v)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	ordering.SortRecords(recs)
	return recs, nil
}

type boltOrders struct {
	s *BoltStore
}

func (o boltOrders) partition(tx *bbolt.Tx, p ordering.Partition) *bbolt.Bucket {
	root := tx.Bucket(bucketSortings)
	if root == nil {
		return nil
	}
	return root.Bucket(partitionKey(p))
}

// Upsert inserts the record or moves the existing one for the same resource.
func (o boltOrders) Upsert(_ context.Context, rec ordering.OrderRecord) (ordering.UpsertResult, error) {
	if o.s.db == nil {
		return ordering.UpsertResult{}, errBoltNotInitialized
	}

	var res ordering.UpsertResult
	err := o.s.db.Update(func(tx *bbolt.Tx) error {
		b, err := o.createPartition(tx, rec.Partition())
		if err != nil {
			return err
		}
		res, err = boltUpsertSorting(b, rec)
		return err
	})
	if err != nil {
		return ordering.UpsertResult{}, err
	}
	return res, nil
}

// Place upserts rec and renumbers its partition with plan in one read-write
// transaction.
func (o boltOrders) Place(_ context.Context, rec ordering.OrderRecord, plan func([]ordering.OrderRecord) []ordering.PositionUpdate) (ordering.UpsertResult, error) {
	if o.s.db == nil {
		return ordering.UpsertResult{}, errBoltNotInitialized
	}

	var res ordering.UpsertResult
	err := o.s.db.Update(func(tx *bbolt.Tx) error {
		b, err := o.createPartition(tx, rec.Partition())
		if err != nil {
			return err
		}
		if res, err = boltUpsertSorting(b, rec); err != nil {
			return err
		}

		recs, err := partitionRecords(b)
		if err != nil {
			return err
		}
		updates := plan(recs)
		if _, err := boltApplyPositions(b, recs, updates); err != nil {
			return err
		}
		for _, u := range updates {
			if u.ResourceID == rec.ResourceID {
				res.Record.Position = u.Position
			}
		}
		return nil
	})
	if err != nil {
		return ordering.UpsertResult{}, err
	}
	return res, nil
}

func (o boltOrders) createPartition(tx *bbolt.Tx, p ordering.Partition) (*bbolt.Bucket, error) {
	root := tx.Bucket(bucketSortings)
	if root == nil {
		return nil, fmt.Errorf("bucket %s missing, run migrations", bucketSortings)
	}
	b, err := root.CreateBucketIfNotExists(partitionKey(p))
	if err != nil {
		return nil, fmt.Errorf("failed to create partition bucket: %w", err)
	}
	return b, nil
}

func boltUpsertSorting(b *bbolt.Bucket, rec ordering.OrderRecord) (ordering.UpsertResult, error) {
	var res ordering.UpsertResult
	key := []byte(rec.ResourceID)
	stored := rec
	if v := b.Get(key); v != nil {
		cur, err := decodeSorting(v)
		if err != nil {
			return res, err
		}
		prev := cur.Position
		cur.Position = rec.Position
		cur.UpdatedAt = rec.UpdatedAt
		stored = cur
		res = ordering.UpsertResult{Modified: true, Record: cur, PreviousPosition: &prev}
	} else {
		res = ordering.UpsertResult{Inserted: true, Record: rec}
	}

	data, err := msgpack.Marshal(&stored)
	if err != nil {
		return ordering.UpsertResult{}, fmt.Errorf("failed to encode custom sorting: %w", err)
	}
	if err := b.Put(key, data); err != nil {
		return ordering.UpsertResult{}, fmt.Errorf("failed to put custom sorting: %w", err)
	}
	return res, nil
}

// BulkUpsert applies each record in its own transaction.
func (o boltOrders) BulkUpsert(ctx context.Context, recs []ordering.OrderRecord) (ordering.BulkResult, error) {
	var res ordering.BulkResult
	for i, rec := range recs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		up, err := o.Upsert(ctx, rec)
		if err != nil {
			res.Failures = append(res.Failures, ordering.BulkFailure{
				Index:      i,
				ResourceID: rec.ResourceID,
				Error:      err.Error(),
			})
			continue
		}
		switch {
		case up.Inserted:
			res.Inserted++
		case up.Modified:
			res.Modified++
		}
	}
	return res, nil
}

// Find lists the partition sorted by position.
func (o boltOrders) Find(_ context.Context, p ordering.Partition) ([]ordering.OrderRecord, error) {
	if o.s.db == nil {
		return nil, errBoltNotInitialized
	}
	var recs []ordering.OrderRecord
	err := o.s.db.View(func(tx *bbolt.Tx) error {
		var err error
		recs, err = partitionRecords(o.partition(tx, p))
		return err
	})
	return recs, err
}

// DeleteAt removes the record at index position of the partition's read
// order.
func (o boltOrders) DeleteAt(_ context.Context, p ordering.Partition, position int) (*ordering.OrderRecord, error) {
	return o.deleteFirst(p, func(i int, _ ordering.OrderRecord) bool { return i == position })
}

// DeleteResource removes the record of resourceID.
func (o boltOrders) DeleteResource(_ context.Context, p ordering.Partition, resourceID string) (*ordering.OrderRecord, error) {
	return o.deleteFirst(p, func(_ int, r ordering.OrderRecord) bool { return r.ResourceID == resourceID })
}

func (o boltOrders) deleteFirst(p ordering.Partition, match func(int, ordering.OrderRecord) bool) (*ordering.OrderRecord, error) {
	if o.s.db == nil {
		return nil, errBoltNotInitialized
	}

	var deleted *ordering.OrderRecord
	err := o.s.db.Update(func(tx *bbolt.Tx) error {
		b := o.partition(tx, p)
		recs, err := partitionRecords(b)
		if err != nil {
			return err
		}
		for i, r := range recs {
			if !match(i, r) {
				continue
			}
			if err := b.Delete([]byte(r.ResourceID)); err != nil {
				return fmt.Errorf("failed to delete custom sorting: %w", err)
			}
			r := r
			deleted = &r
			return nil
		}
		return ordering.ErrOrderNotFound
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// Rewrite reads the partition and applies plan in one read-write transaction.
func (o boltOrders) Rewrite(_ context.Context, p ordering.Partition, plan func([]ordering.OrderRecord) []ordering.PositionUpdate) (int, error) {
	if o.s.db == nil {
		return 0, errBoltNotInitialized
	}

	var changed int
	err := o.s.db.Update(func(tx *bbolt.Tx) error {
		b := o.partition(tx, p)
		recs, err := partitionRecords(b)
		if err != nil {
			return err
		}

		changed, err = boltApplyPositions(b, recs, plan(recs))
		return err
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

// boltApplyPositions writes updates for the records of recs they name and returns
// how many were written.
func boltApplyPositions(b *bbolt.Bucket, recs []ordering.OrderRecord, updates []ordering.PositionUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	byID := make(map[string]ordering.OrderRecord, len(recs))
	for _, r := range recs {
		byID[r.ResourceID] = r
	}

	changed := 0
	for _, u := range updates {
		rec, ok := byID[u.ResourceID]
		if !ok {
			continue
		}
		rec.Position = u.Position
		data, err := msgpack.Marshal(&rec)
		if err != nil {
			return changed, fmt.Errorf("failed to encode custom sorting: %w", err)
		}
		if err := b.Put([]byte(rec.ResourceID), data); err != nil {
			return changed, fmt.Errorf("failed to update position of %s: %w", rec.ResourceID, err)
		}
		changed++
	}
	return changed, nil
}

type boltResources struct {
	s *BoltStore
}

// getDocument looks a document up through the id index.
func getDocument(tx *bbolt.Tx, collection, id string) (*ordering.Document, error) {
	idx := tx.Bucket(bucketResourceIDs)
	docs := tx.Bucket(bucketResources)
	if idx == nil || docs == nil {
		return nil, nil
	}
	ib, db := idx.Bucket([]byte(collection)), docs.Bucket([]byte(collection))
	if ib == nil || db == nil {
		return nil, nil
	}
	seq := ib.Get([]byte(id))
	if seq == nil {
		return nil, nil
	}
	v := db.Get(seq)
	if v == nil {
		return nil, nil
	}
	doc, err := decodeDocument(v)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindOwned returns the document when owner owns it.
func (r boltResources) FindOwned(_ context.Context, collection, id, owner string) (*ordering.Document, error) {
	if r.s.db == nil {
		return nil, errBoltNotInitialized
	}
	var found *ordering.Document
	err := r.s.db.View(func(tx *bbolt.Tx) error {
		doc, err := getDocument(tx, collection, id)
		if err != nil {
			return err
		}
		if doc == nil || doc.OwnerID != owner {
			return ordering.ErrResourceNotFound
		}
		found = doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Count counts matching documents.
func (r boltResources) Count(ctx context.Context, collection string, f ordering.Filter) (int, error) {
	n := 0
	err := r.scan(collection, f, func(ordering.Document) { n++ })
	return n, err
}

// Find returns matching documents in insertion order.
func (r boltResources) Find(_ context.Context, collection string, f ordering.Filter) ([]ordering.Document, error) {
	docs := []ordering.Document{}
	err := r.scan(collection, f, func(d ordering.Document) { docs = append(docs, d) })
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func (r boltResources) scan(collection string, f ordering.Filter, fn func(ordering.Document)) error {
	if r.s.db == nil {
		return errBoltNotInitialized
	}
	return r.s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketResources)
		if root == nil {
			return nil
		}
		b := root.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			doc, err := decodeDocument(v)
			if err != nil {
				return err
			}
			ok, err := matchDocument(doc, f, false, false)
			if err != nil {
				return err
			}
			if ok {
				fn(doc)
			}
			return nil
		})
	})
}

// FindByIDs returns the documents whose id is in ids. Missing ids are skipped.
func (r boltResources) FindByIDs(_ context.Context, collection string, ids []string) ([]ordering.Document, error) {
	if r.s.db == nil {
		return nil, errBoltNotInitialized
	}
	docs := []ordering.Document{}
	err := r.s.db.View(func(tx *bbolt.Tx) error {
		for _, id := range ids {
			doc, err := getDocument(tx, collection, id)
			if err != nil {
				return err
			}
			if doc != nil {
				docs = append(docs, *doc)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// PutDocument inserts or replaces a document. A replaced document keeps its
// place in insertion order and its creation time.
func (s *BoltStore) PutDocument(_ context.Context, doc *ordering.Document) error {
	if s.db == nil {
		return errBoltNotInitialized
	}
	if doc.ID == "" || doc.Collection == "" {
		return fmt.Errorf("document id and collection are required")
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		idxRoot, docsRoot := tx.Bucket(bucketResourceIDs), tx.Bucket(bucketResources)
		if idxRoot == nil || docsRoot == nil {
			return fmt.Errorf("bucket %s missing, run migrations", bucketResources)
		}
		idx, err := idxRoot.CreateBucketIfNotExists([]byte(doc.Collection))
		if err != nil {
			return fmt.Errorf("failed to create index bucket: %w", err)
		}
		docs, err := docsRoot.CreateBucketIfNotExists([]byte(doc.Collection))
		if err != nil {
			return fmt.Errorf("failed to create collection bucket: %w", err)
		}

		key := idx.Get([]byte(doc.ID))
		if key != nil {
			key = append([]byte(nil), key...)
			if v := docs.Get(key); v != nil {
				old, err := decodeDocument(v)
				if err != nil {
					return err
				}
				doc.CreatedAt = old.CreatedAt
			}
		} else {
			seq, err := docs.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to allocate sequence: %w", err)
			}
			key = seqKey(seq)
			if err := idx.Put([]byte(doc.ID), key); err != nil {
				return fmt.Errorf("failed to index document: %w", err)
			}
		}

		data, err := msgpack.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
		}
		if err := docs.Put(key, data); err != nil {
			return fmt.Errorf("failed to put document: %w", err)
		}
		return nil
	})
}

// RemoveDocument deletes a document. Order records that reference it are
// left in place.
func (s *BoltStore) RemoveDocument(_ context.Context, collection, id string) error {
	if s.db == nil {
		return errBoltNotInitialized
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		idxRoot, docsRoot := tx.Bucket(bucketResourceIDs), tx.Bucket(bucketResources)
		if idxRoot == nil || docsRoot == nil {
			return fmt.Errorf("%w: %s/%s", ordering.ErrResourceNotFound, collection, id)
		}
		idx, docs := idxRoot.Bucket([]byte(collection)), docsRoot.Bucket([]byte(collection))
		if idx == nil || docs == nil {
			return fmt.Errorf("%w: %s/%s", ordering.ErrResourceNotFound, collection, id)
		}
		key := idx.Get([]byte(id))
		if key == nil {
			return fmt.Errorf("%w: %s/%s", ordering.ErrResourceNotFound, collection, id)
		}
		key = append([]byte(nil), key...)
		if err := docs.Delete(key); err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
		return idx.Delete([]byte(id))
	})
}

// Collections lists every collection with documents or order records.
func (s *BoltStore) Collections(_ context.Context) ([]string, error) {
	if s.db == nil {
		return nil, errBoltNotInitialized
	}
	set := make(map[string]struct{})
	err := s.db.View(func(tx *bbolt.Tx) error {
		if root := tx.Bucket(bucketResources); root != nil {
			_ = root.ForEach(func(k, v []byte) error {
				if v == nil {
					set[string(k)] = struct{}{}
				}
				return nil
			})
		}
		if root := tx.Bucket(bucketSortings); root != nil {
			_ = root.ForEach(func(k, v []byte) error {
				if v == nil {
					if _, coll, ok := strings.Cut(string(k), partitionSep); ok {
						set[coll] = struct{}{}
					}
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
