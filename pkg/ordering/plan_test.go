package ordering

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func recs(positions ...any) []OrderRecord {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var out []OrderRecord
	for i := 0; i < len(positions); i += 2 {
		out = append(out, OrderRecord{
			ResourceID: positions[i].(string),
			Position:   positions[i+1].(int),
			UpdatedAt:  base,
		})
	}
	return out
}

func apply(records []OrderRecord, updates []PositionUpdate) []OrderRecord {
	out := make([]OrderRecord, len(records))
	copy(out, records)
	for _, u := range updates {
		for i := range out {
			if out[i].ResourceID == u.ResourceID {
				out[i].Position = u.Position
			}
		}
	}
	SortRecords(out)
	return out
}

func ids(records []OrderRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ResourceID
	}
	return out
}

func TestPlanCompaction(t *testing.T) {
	tests := []struct {
		name    string
		records []OrderRecord
		want    []string
	}{
		{
			name:    "already contiguous",
			records: recs("a", 0, "b", 1, "c", 2),
			want:    []string{"a", "b", "c"},
		},
		{
			name:    "gap after delete",
			records: recs("a", 0, "c", 2, "d", 3),
			want:    []string{"a", "c", "d"},
		},
		{
			name:    "several gaps",
			records: recs("d", 9, "a", 1, "c", 5),
			want:    []string{"a", "c", "d"},
		},
		{
			name:    "empty partition",
			records: nil,
			want:    []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			updates := PlanCompaction(tt.records)
			got := apply(tt.records, updates)

			assert.Equal(t, tt.want, ids(got))
			assert.True(t, IsContiguous(got))
			assert.Empty(t, PlanCompaction(got), "planning twice moves nothing")
		})
	}
}

func TestPlanPlacement(t *testing.T) {
	tests := []struct {
		name     string
		records  []OrderRecord
		target   string
		position int
		want     []string
	}{
		{
			name:     "insert in the middle",
			records:  recs("a", 0, "b", 1, "x", 1, "c", 2),
			target:   "x",
			position: 1,
			want:     []string{"a", "x", "b", "c"},
		},
		{
			name:     "move up",
			records:  recs("a", 0, "b", 1, "c", 0),
			target:   "c",
			position: 0,
			want:     []string{"c", "a", "b"},
		},
		{
			name:     "move down",
			records:  recs("a", 2, "b", 1, "c", 2),
			target:   "a",
			position: 2,
			want:     []string{"b", "c", "a"},
		},
		{
			name:     "move down one slot",
			records:  recs("a", 1, "b", 1, "c", 2, "d", 3),
			target:   "a",
			position: 1,
			want:     []string{"b", "a", "c", "d"},
		},
		{
			name:     "past the end goes last",
			records:  recs("a", 0, "b", 1, "x", 7),
			target:   "x",
			position: 7,
			want:     []string{"a", "b", "x"},
		},
		{
			name:     "index counts read order across a gap",
			records:  recs("a", 0, "c", 2, "d", 3, "x", 1),
			target:   "x",
			position: 1,
			want:     []string{"a", "x", "c", "d"},
		},
		{
			name:     "unknown target only renumbers",
			records:  recs("a", 0, "b", 4),
			target:   "zz",
			position: 0,
			want:     []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := apply(tt.records, PlanPlacement(tt.records, tt.target, tt.position))

			assert.Equal(t, tt.want, ids(got))
			assert.True(t, IsContiguous(got))
			assert.Empty(t, PlanCompaction(got))
		})
	}
}

func TestPlanCompactionTieBreak(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []OrderRecord{
		{ResourceID: "old", Position: 0, UpdatedAt: base},
		{ResourceID: "new", Position: 0, UpdatedAt: base.Add(time.Second)},
		{ResourceID: "b", Position: 1, UpdatedAt: base},
		{ResourceID: "a", Position: 1, UpdatedAt: base},
	}

	got := apply(records, PlanCompaction(records))
	assert.Equal(t, []string{"new", "old", "a", "b"}, ids(got))
}

func TestPlanCompactionDoesNotMutateInput(t *testing.T) {
	records := recs("b", 3, "a", 1)
	PlanCompaction(records)
	assert.Equal(t, "b", records[0].ResourceID)
	assert.Equal(t, 3, records[0].Position)
}

func TestIsContiguous(t *testing.T) {
	assert.True(t, IsContiguous(nil))
	assert.True(t, IsContiguous(recs("a", 1, "b", 0)))
	assert.False(t, IsContiguous(recs("a", 0, "b", 0)))
	assert.False(t, IsContiguous(recs("a", 0, "b", 2)))
	assert.False(t, IsContiguous(recs("a", -1)))
}
