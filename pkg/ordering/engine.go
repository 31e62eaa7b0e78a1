package ordering

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/sorteia/sorteia/pkg/telemetry"
)

// Engine maintains per-owner custom orderings. It is safe for concurrent
// use; it holds no lock across operations and relies on the Order Store's
// per-record atomicity.
type Engine struct {
	orders    OrderStore
	resources ResourceStore

	compactor     *Compactor
	ownsCompactor bool
	compactorCfg  CompactorConfig

	tel      *telemetry.Telemetry
	clock    Clock
	validate *validator.Validate
}

// Option configures an Engine.
type Option func(*Engine)

// WithTelemetry sets the logger, tracer, metrics and event publisher.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(e *Engine) { e.tel = tel }
}

// WithClock overrides the clock used for record timestamps.
func WithClock(clock Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithCompactor uses an existing compactor. The engine does not close it.
func WithCompactor(c *Compactor) Option {
	return func(e *Engine) { e.compactor = c }
}

// WithCompactorConfig configures the compactor the engine creates for itself.
func WithCompactorConfig(cfg CompactorConfig) Option {
	return func(e *Engine) { e.compactorCfg = cfg }
}

// New creates an engine over the given stores.
func New(orders OrderStore, resources ResourceStore, opts ...Option) *Engine {
	e := &Engine{
		orders:       orders,
		resources:    resources,
		compactorCfg: DefaultCompactorConfig(),
		clock:        systemClock{},
		validate:     validator.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tel == nil {
		e.tel = telemetry.Nop()
	}
	if e.compactor == nil {
		e.compactor = NewCompactor(orders, e.compactorCfg, e.tel)
		e.ownsCompactor = true
	}
	return e
}

// Compactor returns the compaction queue used by the engine.
func (e *Engine) Compactor() *Compactor {
	return e.compactor
}

// Close drains and stops the compactor if the engine created it.
func (e *Engine) Close(ctx context.Context) error {
	if !e.ownsCompactor {
		return nil
	}
	return e.compactor.Close(ctx)
}

// ReorderOne places resourceID at position in the owner's ordering of
// collection. The resource must exist and belong to owner; position must lie
// in [0, n] where n is the number of resources the owner has in collection.
//
// The write and the renumbering of the records it displaces happen in one
// store transaction, so the partition is contiguous when ReorderOne returns
// and concurrent reorders of the same partition serialize. A position past
// the last record places the resource last.
func (e *Engine) ReorderOne(ctx context.Context, owner, collection, resourceID string, position int) (res *ReorderResult, err error) {
	const opName = "reorder_one"
	p := Partition{OwnerID: owner, Collection: collection}

	op := e.tel.StartOperation(ctx, opName, owner, collection,
		telemetry.AttrResourceID.String(resourceID),
		telemetry.AttrPosition.Int(position),
	)
	outcome := "error"
	defer func() { op.End(outcome, Code(err), err) }()
	ctx = op.Ctx
	logger := op.Logger.WithResourceID(resourceID)

	if _, err = e.resources.FindOwned(ctx, collection, resourceID, owner); err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			logger.Warn("object the owner is trying to reorder was not found or is not owned by them")
			return nil, newError(ErrorClassPermanent, ErrCodeResourceNotFound, opName, p, err).
				WithDetail("resource_id", resourceID)
		}
		return nil, e.storeError(opName, p, err)
	}

	maxPos, err := e.maxPosition(ctx, p)
	if err != nil {
		return nil, e.storeError(opName, p, err)
	}
	if position < 0 || position > maxPos {
		logger.Warnf("position %d is out of bounds [0, %d]", position, maxPos)
		return nil, newError(ErrorClassPermanent, ErrCodeOutOfBounds, opName, p,
			&PositionOutOfBoundsError{Position: position, Max: maxPos})
	}

	now := e.clock.Now()
	up, err := e.orders.Place(ctx, OrderRecord{
		ID:         uuid.New().String(),
		OwnerID:    owner,
		Collection: collection,
		ResourceID: resourceID,
		Position:   position,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, func(records []OrderRecord) []PositionUpdate {
		return PlanPlacement(records, resourceID, position)
	})
	if err != nil {
		return nil, e.storeError(opName, p, err)
	}
	if !up.Inserted && !up.Modified {
		logger.Error("custom order could not be saved")
		return nil, newError(ErrorClassTransient, ErrCodeNotPersisted, opName, p, ErrOrderNotPersisted)
	}

	res = &ReorderResult{Inserted: up.Inserted, Record: up.Record}
	outcome = string(res.Outcome())
	_ = e.tel.Events.PublishOrderChanged(up.Inserted, owner, collection, resourceID, up.Record.Position)
	logger.Debugf("resource %s at position %d", outcome, up.Record.Position)

	return res, nil
}

// ReorderMany upserts every entry at the position given by the caller.
//
// All positions are checked against one bound computed up front, before any
// entry is validated; if any is out of bounds nothing is written. Entries are not checked for existence or
// ownership and no compaction is scheduled. The bulk write is not atomic:
// entries that fail are listed in the result and the others stay written.
func (e *Engine) ReorderMany(ctx context.Context, owner, collection string, entries []ReorderEntry) (res *BulkResult, err error) {
	const opName = "reorder_many"
	p := Partition{OwnerID: owner, Collection: collection}

	op := e.tel.StartOperation(ctx, opName, owner, collection)
	outcome := "error"
	defer func() { op.End(outcome, Code(err), err) }()
	ctx = op.Ctx

	if len(entries) == 0 {
		outcome = "noop"
		return &BulkResult{}, nil
	}

	maxPos, err := e.maxPosition(ctx, p)
	if err != nil {
		return nil, e.storeError(opName, p, err)
	}

	for i, entry := range entries {
		if entry.Position < 0 || entry.Position > maxPos {
			op.Logger.Warnf("entry %d: position %d is out of bounds [0, %d], batch rejected", i, entry.Position, maxPos)
			return nil, newError(ErrorClassPermanent, ErrCodeOutOfBounds, opName, p,
				&PositionOutOfBoundsError{Position: entry.Position, Max: maxPos}).
				WithDetail("index", i)
		}
	}
	for i, entry := range entries {
		if verr := e.validate.Struct(entry); verr != nil {
			return nil, newError(ErrorClassPermanent, ErrCodeValidation, opName, p,
				fmt.Errorf("entry %d: %w", i, verr)).WithDetail("index", i)
		}
	}

	now := e.clock.Now()
	recs := make([]OrderRecord, len(entries))
	for i, entry := range entries {
		recs[i] = OrderRecord{
			ID:         uuid.New().String(),
			OwnerID:    owner,
			Collection: collection,
			ResourceID: entry.ResourceID,
			Position:   entry.Position,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	bulk, err := e.orders.BulkUpsert(ctx, recs)
	if err != nil {
		return nil, e.storeError(opName, p, err)
	}

	outcome = "applied"
	if bulk.Partial() {
		outcome = "partial"
		op.Logger.Warnf("bulk reorder partially applied: %d of %d entries failed", len(bulk.Failures), len(entries))
	}
	_ = e.tel.Events.PublishBulkReordered(owner, collection, bulk.Inserted, bulk.Modified, len(bulk.Failures))

	return &bulk, nil
}

// DeleteOption customises DeleteOne and DeleteResource.
type DeleteOption func(*deleteOptions)

type deleteOptions struct {
	skipCompaction bool
}

// SkipCompaction leaves the gap created by the deletion in place.
func SkipCompaction() DeleteOption {
	return func(o *deleteOptions) { o.skipCompaction = true }
}

// DeleteOne removes the record at index position of the owner's ordering of
// collection and schedules compaction of the records after it. It returns as
// soon as the deletion is durable. The index is taken in read order, so a gap
// left by a pending compaction does not change which record is removed.
func (e *Engine) DeleteOne(ctx context.Context, owner, collection string, position int, opts ...DeleteOption) (rec *OrderRecord, err error) {
	const opName = "delete_one"
	p := Partition{OwnerID: owner, Collection: collection}

	op := e.tel.StartOperation(ctx, opName, owner, collection, telemetry.AttrPosition.Int(position))
	outcome := "error"
	defer func() { op.End(outcome, Code(err), err) }()
	ctx = op.Ctx

	rec, err = e.orders.DeleteAt(ctx, p, position)
	if err != nil {
		return nil, e.deleteError(opName, p, err, op.Logger)
	}

	e.afterDelete(ctx, p, rec, opts, op.Logger)
	outcome = "deleted"
	return rec, nil
}

// DeleteResource removes the record of resourceID from the owner's ordering
// of collection, with the same compaction behaviour as DeleteOne.
func (e *Engine) DeleteResource(ctx context.Context, owner, collection, resourceID string, opts ...DeleteOption) (rec *OrderRecord, err error) {
	const opName = "delete_resource"
	p := Partition{OwnerID: owner, Collection: collection}

	op := e.tel.StartOperation(ctx, opName, owner, collection, telemetry.AttrResourceID.String(resourceID))
	outcome := "error"
	defer func() { op.End(outcome, Code(err), err) }()
	ctx = op.Ctx

	rec, err = e.orders.DeleteResource(ctx, p, resourceID)
	if err != nil {
		return nil, e.deleteError(opName, p, err, op.Logger)
	}

	e.afterDelete(ctx, p, rec, opts, op.Logger)
	outcome = "deleted"
	return rec, nil
}

// ReadMany returns the owner's ordering of collection sorted by position.
func (e *Engine) ReadMany(ctx context.Context, owner, collection string) (recs []OrderRecord, err error) {
	const opName = "read_many"
	p := Partition{OwnerID: owner, Collection: collection}

	op := e.tel.StartOperation(ctx, opName, owner, collection)
	outcome := "error"
	defer func() { op.End(outcome, Code(err), err) }()

	recs, err = e.orders.Find(op.Ctx, p)
	if err != nil {
		return nil, e.storeError(opName, p, err)
	}
	SortRecords(recs)

	outcome = "ok"
	return recs, nil
}

// Compact renumbers the owner's ordering of collection synchronously and
// returns how many records moved. It repairs gaps left by compactions that
// never ran.
func (e *Engine) Compact(ctx context.Context, owner, collection string) (n int, err error) {
	const opName = "compact"
	p := Partition{OwnerID: owner, Collection: collection}

	op := e.tel.StartOperation(ctx, opName, owner, collection)
	outcome := "error"
	defer func() { op.End(outcome, Code(err), err) }()

	n, err = e.compactor.CompactNow(op.Ctx, p)
	if err != nil {
		return 0, e.storeError(opName, p, err)
	}
	e.tel.Metrics.RecordCompaction("completed", n)
	if n > 0 {
		op.Logger.WithField("rewritten", n).Info("partition compacted")
	}

	outcome = "ok"
	return n, nil
}

// maxPosition is the number of resources the owner has in the collection,
// which is also the largest valid target position.
func (e *Engine) maxPosition(ctx context.Context, p Partition) (int, error) {
	return e.resources.Count(ctx, p.Collection, Filter{OwnerID: p.OwnerID})
}

func (e *Engine) afterDelete(ctx context.Context, p Partition, rec *OrderRecord, opts []DeleteOption, logger *telemetry.Logger) {
	var o deleteOptions
	for _, opt := range opts {
		opt(&o)
	}

	if !o.skipCompaction {
		e.scheduleCompaction(ctx, p, logger)
	}
	_ = e.tel.Events.PublishOrderDeleted(p.OwnerID, p.Collection, rec.ResourceID, rec.Position)
}

// scheduleCompaction hands the partition to the compactor. Scheduling
// failures are logged only.
func (e *Engine) scheduleCompaction(ctx context.Context, p Partition, logger *telemetry.Logger) {
	if err := e.compactor.Enqueue(context.WithoutCancel(ctx), p); err != nil {
		logger.WithError(err).Warn("failed to schedule compaction")
	}
}

func (e *Engine) deleteError(opName string, p Partition, err error, logger *telemetry.Logger) error {
	if errors.Is(err, ErrOrderNotFound) {
		logger.Warn("custom sorting to be deleted was not found")
		return newError(ErrorClassPermanent, ErrCodeOrderNotFound, opName, p, err)
	}
	return e.storeError(opName, p, err)
}

func (e *Engine) storeError(opName string, p Partition, err error) error {
	var oe *OrderingError
	if errors.As(err, &oe) {
		return err
	}
	return newError(ErrorClassTransient, ErrCodeStore, opName, p, err)
}
