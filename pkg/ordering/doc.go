// Package ordering maintains per-owner custom orderings of resource collections.
//
// # Overview
//
// An owner can place any resource they own at an explicit position within a
// collection. Each placement is an OrderRecord keyed by owner, collection and
// resource; the records of one owner and collection form a partition whose
// positions are kept as the contiguous range 0..k-1.
//
// The Engine exposes the operations:
//
//   - ReorderOne: insert or move one resource, with ownership and bounds checks
//   - ReorderMany: bulk upsert of caller-chosen positions, checked as a batch
//   - DeleteOne / DeleteResource: remove a record and close the gap
//   - ReadMany: the partition sorted by position
//   - ReadManyEnriched: records joined with their resource documents
//   - ReadAllOrdered: every matching resource with the custom order spliced in
//   - Compact: synchronous repair of a partition
//
// # Compaction
//
// ReorderOne writes the record and renumbers the partition in one store
// transaction (see PlanPlacement). Deletions commit first and hand the
// partition to the Compactor, which renumbers it to 0..k-1 in read order from
// a snapshot taken inside a single store transaction (see PlanCompaction).
// Renumbering never changes the read order, so running a task twice or late
// is safe and a lost task only ever leaves a gap. DeleteOne addresses records
// by read order, so a pending gap does not change what it removes.
//
//	eng := ordering.New(store, store,
//	    ordering.WithTelemetry(tel),
//	    ordering.WithCompactorConfig(ordering.DefaultCompactorConfig()),
//	)
//	defer eng.Close(ctx)
//
//	res, err := eng.ReorderOne(ctx, owner, "things", id, 0)
//	if errors.Is(err, ordering.ErrPositionOutOfBounds) {
//	    // ...
//	}
//
// # Stores
//
// The engine depends only on the OrderStore and ResourceStore interfaces.
// Implementations backed by SQLite and bbolt live in package stores.
package ordering
