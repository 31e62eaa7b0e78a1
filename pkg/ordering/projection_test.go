package ordering

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorteia/sorteia/pkg/filter"
)

type thing struct {
	ID   string
	Name string
}

func (t thing) ResourceID() string { return t.ID }

func buildThing(d Document) (thing, error) {
	name, _ := d.Data["name"].(string)
	return thing{ID: d.ID, Name: name}, nil
}

func thingIDs(things []thing) []string {
	out := make([]string, len(things))
	for i, t := range things {
		out[i] = t.ID
	}
	return out
}

func TestReadAllOrderedMerge(t *testing.T) {
	eng, _ := newTestEngine(t, "A", "B", "C", "D", "E")
	ctx := context.Background()

	_, err := eng.ReorderOne(ctx, testOwner, testCollection, "B", 0)
	require.NoError(t, err)
	_, err = eng.ReorderOne(ctx, testOwner, testCollection, "D", 1)
	require.NoError(t, err)

	got, err := ReadAllOrdered(ctx, eng, testOwner, testCollection, Filter{}, buildThing)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "D", "A", "C", "E"}, thingIDs(got))
	assert.Equal(t, "B", got[0].Name)
}

func TestReadAllOrderedWithFilter(t *testing.T) {
	eng, store := newTestEngine(t)
	for _, d := range []struct {
		id   string
		kind string
	}{{"A", "x"}, {"B", "y"}, {"C", "x"}, {"D", "x"}} {
		store.addDoc(testCollection, d.id, testOwner, map[string]any{"kind": d.kind})
	}
	ctx := context.Background()

	_, err := eng.ReorderMany(ctx, testOwner, testCollection, EntriesFromSequence([]string{"D", "B"}))
	require.NoError(t, err)

	got, err := ReadAllOrdered(ctx, eng, testOwner, testCollection,
		Filter{Where: filter.MustCompile(`kind == "x"`)}, buildThing)
	require.NoError(t, err)
	assert.Equal(t, []string{"D", "A", "C"}, thingIDs(got), "positioned B does not match the filter")

	got, err = ReadAllOrdered(ctx, eng, testOwner, testCollection,
		Filter{Fields: map[string]any{"kind": "y"}}, buildThing)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, thingIDs(got))
}

func TestReadAllOrderedPositionPastEndAppends(t *testing.T) {
	eng, store := newTestEngine(t, "A", "B")
	store.setPositions(testPartition, map[string]int{"gone-1": 0, "gone-2": 1, "A": 9})

	got, err := ReadAllOrdered(context.Background(), eng, testOwner, testCollection, Filter{}, AsDocument)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "B", got[0].ResourceID())
	assert.Equal(t, "A", got[1].ResourceID())
}

func TestReadAllOrderedConstructorError(t *testing.T) {
	eng, _ := newTestEngine(t, "A")
	boom := errors.New("boom")

	_, err := ReadAllOrdered(context.Background(), eng, testOwner, testCollection, Filter{},
		func(Document) (thing, error) { return thing{}, boom })
	require.ErrorIs(t, err, boom)
}

func TestReadManyEnrichedToleratesMissingResource(t *testing.T) {
	eng, store := newTestEngine(t, "A", "B", "C")
	ctx := context.Background()
	_, err := eng.ReorderMany(ctx, testOwner, testCollection, EntriesFromSequence([]string{"A", "B", "C"}))
	require.NoError(t, err)

	store.removeDoc(testCollection, "B")

	got, err := ReadManyEnriched(ctx, eng, testOwner, testCollection, buildThing)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "A", got[0].Record.ResourceID)
	require.NotNil(t, got[0].Resource)
	assert.Equal(t, "A", got[0].Resource.Name)

	assert.Equal(t, "B", got[1].Record.ResourceID)
	assert.Nil(t, got[1].Resource)

	assert.Equal(t, 2, got[2].Record.Position)
	require.NotNil(t, got[2].Resource)

	all, err := ReadAllOrdered(ctx, eng, testOwner, testCollection, Filter{}, buildThing)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, thingIDs(all))
}

func TestReadManyEnrichedEmpty(t *testing.T) {
	eng, _ := newTestEngine(t, "A")

	got, err := ReadManyEnriched(context.Background(), eng, testOwner, testCollection, AsDocument)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestSplice(t *testing.T) {
	tests := []struct {
		name       string
		rest       []string
		positioned []Positioned[string]
		want       []string
	}{
		{
			name:       "nothing positioned",
			rest:       []string{"a", "b"},
			positioned: nil,
			want:       []string{"a", "b"},
		},
		{
			name:       "unsorted input",
			rest:       []string{"a", "c", "e"},
			positioned: []Positioned[string]{{Position: 1, Item: "d"}, {Position: 0, Item: "b"}},
			want:       []string{"b", "d", "a", "c", "e"},
		},
		{
			name:       "middle",
			rest:       []string{"a", "b", "c"},
			positioned: []Positioned[string]{{Position: 2, Item: "x"}},
			want:       []string{"a", "b", "x", "c"},
		},
		{
			name:       "past end appends",
			rest:       []string{"a"},
			positioned: []Positioned[string]{{Position: 5, Item: "x"}, {Position: 9, Item: "y"}},
			want:       []string{"a", "x", "y"},
		},
		{
			name:       "empty rest",
			rest:       nil,
			positioned: []Positioned[string]{{Position: 0, Item: "x"}, {Position: 1, Item: "y"}},
			want:       []string{"x", "y"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Splice(tt.rest, tt.positioned))
		})
	}
}
