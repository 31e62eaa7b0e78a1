package ordering

import (
	"time"

	"github.com/sorteia/sorteia/pkg/filter"
)

// Partition identifies one owner's ordering of one collection.
type Partition struct {
	OwnerID    string `json:"owner_id"`
	Collection string `json:"collection_name"`
}

// String renders the partition as owner/collection.
func (p Partition) String() string {
	return p.OwnerID + "/" + p.Collection
}

// OrderRecord is the persisted position of one resource in a partition.
type OrderRecord struct {
	ID         string    `json:"id" msgpack:"id"`
	OwnerID    string    `json:"owner_id" msgpack:"owner_id"`
	Collection string    `json:"collection_name" msgpack:"collection_name"`
	ResourceID string    `json:"resource_id" msgpack:"resource_id"`
	Position   int       `json:"position" msgpack:"position"`
	CreatedAt  time.Time `json:"created_at" msgpack:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" msgpack:"updated_at"`
}

// Partition returns the partition the record belongs to.
func (r OrderRecord) Partition() Partition {
	return Partition{OwnerID: r.OwnerID, Collection: r.Collection}
}

// Document is a resource as read from the Resource Store. The engine never
// writes documents.
type Document struct {
	ID         string         `json:"id" msgpack:"id"`
	Collection string         `json:"collection_name" msgpack:"collection_name"`
	OwnerID    string         `json:"owner_id" msgpack:"owner_id"`
	Data       map[string]any `json:"data,omitempty" msgpack:"data"`
	CreatedAt  time.Time      `json:"created_at" msgpack:"created_at"`
}

// Env flattens the document into an expression environment: Data fields plus
// the reserved id, owner_id and collection keys.
func (d Document) Env() map[string]any {
	env := make(map[string]any, len(d.Data)+3)
	for k, v := range d.Data {
		env[k] = v
	}
	env["id"] = d.ID
	env["owner_id"] = d.OwnerID
	env["collection"] = d.Collection
	return env
}

// Filter selects documents of a collection. Zero value matches everything.
type Filter struct {
	// OwnerID restricts to documents owned by this owner when set.
	OwnerID string

	// Fields are equality matches on top-level document fields.
	Fields map[string]any

	// Where is an optional expression evaluated after Fields.
	Where *filter.Predicate
}

// ReorderEntry is one item of a bulk reorder.
type ReorderEntry struct {
	ResourceID string `json:"resource_id" validate:"required"`
	Position   int    `json:"position" validate:"min=0"`
}

// EntriesFromSequence builds entries that place ids at their slice index.
func EntriesFromSequence(ids []string) []ReorderEntry {
	entries := make([]ReorderEntry, len(ids))
	for i, id := range ids {
		entries[i] = ReorderEntry{ResourceID: id, Position: i}
	}
	return entries
}

// Outcome tells whether a reorder created or changed a record.
type Outcome string

const (
	OutcomeInserted Outcome = "inserted"
	OutcomeUpdated  Outcome = "updated"
)

// ReorderResult is returned by ReorderOne.
type ReorderResult struct {
	Inserted bool
	Record   OrderRecord
}

// Outcome returns OutcomeInserted for a new record and OutcomeUpdated otherwise.
func (r *ReorderResult) Outcome() Outcome {
	if r.Inserted {
		return OutcomeInserted
	}
	return OutcomeUpdated
}

// InsertedView is the response shape for a newly created record.
type InsertedView struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	OwnerID   string    `json:"owner_id"`
}

// UpdatedView is the response shape for an existing record.
type UpdatedView struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// View returns InsertedView or UpdatedView depending on the outcome.
func (r *ReorderResult) View() any {
	if r.Inserted {
		return InsertedView{
			ID:        r.Record.ID,
			CreatedAt: r.Record.CreatedAt,
			UpdatedAt: r.Record.UpdatedAt,
			OwnerID:   r.Record.OwnerID,
		}
	}
	return UpdatedView{ID: r.Record.ID, UpdatedAt: r.Record.UpdatedAt}
}

// UpsertResult is reported by OrderStore.Upsert.
type UpsertResult struct {
	Inserted bool
	Modified bool

	// Record is the record as stored after the upsert.
	Record OrderRecord

	// PreviousPosition is the position before the upsert, nil on insert.
	PreviousPosition *int
}

// BulkFailure describes one entry of a bulk upsert that was not written.
type BulkFailure struct {
	Index      int    `json:"index"`
	ResourceID string `json:"resource_id"`
	Error      string `json:"error"`
}

// BulkResult is the verbatim outcome of a bulk upsert. Entries are
// independent: some may be written while others failed.
type BulkResult struct {
	Inserted int           `json:"inserted"`
	Modified int           `json:"modified"`
	Failures []BulkFailure `json:"failures,omitempty"`
}

// Partial reports whether at least one entry failed.
func (b *BulkResult) Partial() bool {
	return len(b.Failures) > 0
}

// PositionUpdate assigns a new position to one record during a rewrite.
type PositionUpdate struct {
	ResourceID string
	Position   int
}
