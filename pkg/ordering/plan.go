package ordering

import "sort"

// PlanCompaction computes the updates that renumber a partition snapshot to
// 0..k-1 in read order (see SortRecords). Renumbering keeps the read order
// unchanged, so a plan may be applied late or twice.
func PlanCompaction(records []OrderRecord) []PositionUpdate {
	sorted := make([]OrderRecord, len(records))
	copy(sorted, records)
	SortRecords(sorted)
	return renumber(sorted)
}

// PlanPlacement computes the updates that move resourceID to index position
// of the partition's read order and renumber everything to 0..k-1.
//
// The other records keep their relative order: moving a record up pushes the
// records it passes one slot later, moving it down pulls them one slot
// earlier. A position past the end places the record last. records must
// already contain the record for resourceID.
func PlanPlacement(records []OrderRecord, resourceID string, position int) []PositionUpdate {
	others := make([]OrderRecord, 0, len(records))
	var (
		target OrderRecord
		found  bool
	)
	for _, r := range records {
		if r.ResourceID == resourceID {
			target, found = r, true
			continue
		}
		others = append(others, r)
	}
	SortRecords(others)
	if !found {
		return renumber(others)
	}

	if position < 0 {
		position = 0
	}
	if position > len(others) {
		position = len(others)
	}

	placed := make([]OrderRecord, 0, len(records))
	placed = append(placed, others[:position]...)
	placed = append(placed, target)
	placed = append(placed, others[position:]...)
	return renumber(placed)
}

func renumber(sorted []OrderRecord) []PositionUpdate {
	var updates []PositionUpdate
	for i, r := range sorted {
		if r.Position != i {
			updates = append(updates, PositionUpdate{ResourceID: r.ResourceID, Position: i})
		}
	}
	return updates
}

// SortRecords orders records the way reads return them: by position, then
// most recently updated, then resource id.
func SortRecords(records []OrderRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ResourceID < b.ResourceID
	})
}

// IsContiguous reports whether the positions of records form exactly 0..k-1.
func IsContiguous(records []OrderRecord) bool {
	seen := make([]bool, len(records))
	for _, r := range records {
		if r.Position < 0 || r.Position >= len(records) || seen[r.Position] {
			return false
		}
		seen[r.Position] = true
	}
	return true
}
