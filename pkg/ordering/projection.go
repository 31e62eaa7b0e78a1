package ordering

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Identifiable is any resource shape that carries an identifier.
type Identifiable interface {
	ResourceID() string
}

// Constructor turns a stored document into a typed resource.
type Constructor[T Identifiable] func(Document) (T, error)

// Enriched is an order record joined with its resource. Resource is nil when
// the resource no longer exists.
type Enriched[T Identifiable] struct {
	Record   OrderRecord `json:"record"`
	Resource *T          `json:"resource"`
}

// Positioned is an item with the position it should be spliced at.
type Positioned[T any] struct {
	Position int
	Item     T
}

// ReadManyEnriched returns the owner's ordering of collection with each record
// joined to its resource document. Records whose resource is gone are kept
// with a nil Resource.
func ReadManyEnriched[T Identifiable](ctx context.Context, e *Engine, owner, collection string, build Constructor[T]) (out []Enriched[T], err error) {
	const opName = "read_many_enriched"
	p := Partition{OwnerID: owner, Collection: collection}

	op := e.tel.StartOperation(ctx, opName, owner, collection)
	outcome := "error"
	defer func() { op.End(outcome, Code(err), err) }()

	out, err = enrich(op.Ctx, e, p, build)
	if err != nil {
		return nil, err
	}

	outcome = "ok"
	return out, nil
}

// ReadAllOrdered returns every resource of collection matching f with the
// owner's custom order spliced in: positioned resources land at their index
// in the partition's read order, the rest follow in the store's native order.
// On a compacted partition the index equals the stored position.
//
// Positioned resources that do not match f are left out. A position past the
// end of the list being built appends instead of failing.
func ReadAllOrdered[T Identifiable](ctx context.Context, e *Engine, owner, collection string, f Filter, build Constructor[T]) (out []T, err error) {
	const opName = "read_all_ordered"
	p := Partition{OwnerID: owner, Collection: collection}

	op := e.tel.StartOperation(ctx, opName, owner, collection)
	outcome := "error"
	defer func() { op.End(outcome, Code(err), err) }()

	var (
		docs     []Document
		enriched []Enriched[T]
	)
	g, gctx := errgroup.WithContext(op.Ctx)
	g.Go(func() error {
		var err error
		docs, err = e.resources.Find(gctx, collection, f)
		if err != nil {
			return e.storeError(opName, p, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		enriched, err = enrich(gctx, e, p, build)
		return err
	})
	if err = g.Wait(); err != nil {
		return nil, err
	}

	matching := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		matching[d.ID] = struct{}{}
	}

	positioned := make([]Positioned[T], 0, len(enriched))
	placed := make(map[string]struct{}, len(enriched))
	for i, en := range enriched {
		if en.Resource == nil {
			continue
		}
		if _, ok := matching[en.Record.ResourceID]; !ok {
			continue
		}
		positioned = append(positioned, Positioned[T]{Position: i, Item: *en.Resource})
		placed[en.Record.ResourceID] = struct{}{}
	}

	rest := make([]T, 0, len(docs))
	for _, d := range docs {
		if _, ok := placed[d.ID]; ok {
			continue
		}
		item, err := build(d)
		if err != nil {
			return nil, fmt.Errorf("build resource %s: %w", d.ID, err)
		}
		rest = append(rest, item)
	}

	out = Splice(rest, positioned)
	op.Logger.Debugf("merged %d positioned into %d unpositioned resources", len(positioned), len(rest))

	outcome = "ok"
	return out, nil
}

// Splice inserts each positioned item into rest at its position, in ascending
// position order. Positions past the current end append.
func Splice[T any](rest []T, positioned []Positioned[T]) []T {
	sorted := make([]Positioned[T], len(positioned))
	copy(sorted, positioned)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Position < sorted[j].Position
	})

	out := make([]T, 0, len(rest)+len(sorted))
	out = append(out, rest...)
	for _, p := range sorted {
		at := p.Position
		if at < 0 {
			at = 0
		}
		if at >= len(out) {
			out = append(out, p.Item)
			continue
		}
		out = append(out, p.Item)
		copy(out[at+1:], out[at:len(out)-1])
		out[at] = p.Item
	}
	return out
}

func enrich[T Identifiable](ctx context.Context, e *Engine, p Partition, build Constructor[T]) ([]Enriched[T], error) {
	recs, err := e.orders.Find(ctx, p)
	if err != nil {
		return nil, e.storeError("read_many_enriched", p, err)
	}
	SortRecords(recs)
	if len(recs) == 0 {
		return []Enriched[T]{}, nil
	}

	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ResourceID
	}
	docs, err := e.resources.FindByIDs(ctx, p.Collection, ids)
	if err != nil {
		return nil, e.storeError("read_many_enriched", p, err)
	}

	byID := make(map[string]Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}

	out := make([]Enriched[T], len(recs))
	for i, r := range recs {
		out[i].Record = r
		d, ok := byID[r.ResourceID]
		if !ok {
			continue
		}
		item, err := build(d)
		if err != nil {
			return nil, fmt.Errorf("build resource %s: %w", d.ID, err)
		}
		out[i].Resource = &item
	}
	return out, nil
}

// DocumentResource is a Document usable with the projection readers without a
// caller-defined type.
type DocumentResource struct {
	Document
}

// ResourceID implements Identifiable.
func (d DocumentResource) ResourceID() string { return d.ID }

// AsDocument is the identity Constructor.
func AsDocument(d Document) (DocumentResource, error) {
	return DocumentResource{Document: d}, nil
}
