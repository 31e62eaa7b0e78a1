package ordering

import (
	"context"
	"time"
)

// OrderStore persists order records. Implementations must make Upsert,
// DeleteAt and DeleteResource atomic per record, and Place and Rewrite atomic
// per partition.
type OrderStore interface {
	// Upsert writes position and updated_at for the record keyed by
	// (owner, collection, resource). ID, owner and created_at are written on
	// insert only.
	Upsert(ctx context.Context, rec OrderRecord) (UpsertResult, error)

	// Place upserts rec, then passes a snapshot of the partition that
	// includes it to plan and applies the returned updates, all in one
	// transaction. The returned record carries its final position.
	Place(ctx context.Context, rec OrderRecord, plan func([]OrderRecord) []PositionUpdate) (UpsertResult, error)

	// BulkUpsert applies every record as an independent Upsert. It is not
	// atomic across records; failures are reported per entry.
	BulkUpsert(ctx context.Context, recs []OrderRecord) (BulkResult, error)

	// Find returns the partition sorted ascending by position.
	Find(ctx context.Context, p Partition) ([]OrderRecord, error)

	// DeleteAt removes the record at index position of the partition's read
	// order (see SortRecords). On a compacted partition the index equals the
	// stored position. Returns ErrOrderNotFound when the partition has no
	// record at that index.
	DeleteAt(ctx context.Context, p Partition, position int) (*OrderRecord, error)

	// DeleteResource removes the record of one resource. Returns
	// ErrOrderNotFound when the resource has no record.
	DeleteResource(ctx context.Context, p Partition, resourceID string) (*OrderRecord, error)

	// Rewrite reads a consistent snapshot of the partition, passes it to plan
	// and applies the returned updates in the same transaction. It returns the
	// number of records whose position changed.
	Rewrite(ctx context.Context, p Partition, plan func([]OrderRecord) []PositionUpdate) (int, error)
}

// ResourceStore is the read-only view of the collections being ordered.
type ResourceStore interface {
	// FindOwned returns the document with id in collection when it is owned
	// by owner, or ErrResourceNotFound.
	FindOwned(ctx context.Context, collection, id, owner string) (*Document, error)

	// Count returns how many documents of collection match f.
	Count(ctx context.Context, collection string, f Filter) (int, error)

	// Find returns the matching documents in the store's native order.
	Find(ctx context.Context, collection string, f Filter) ([]Document, error)

	// FindByIDs returns the documents of collection whose id is in ids.
	// Missing ids are skipped.
	FindByIDs(ctx context.Context, collection string, ids []string) ([]Document, error)
}

// Clock supplies timestamps for order records.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
