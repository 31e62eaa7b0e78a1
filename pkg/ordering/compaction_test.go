package ordering

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorteia/sorteia/pkg/telemetry"
)

func TestCompactorRetriesTransientFailures(t *testing.T) {
	store := newMemStore()
	store.setPositions(testPartition, map[string]int{"a": 0, "b": 4})
	store.rewriteFails = 2

	cfg := DefaultCompactorConfig()
	cfg.Workers = 1
	cfg.MaxRetries = 3
	cfg.RetryBackoff = time.Millisecond
	c := NewCompactor(store, cfg, nil)
	defer c.Close(context.Background())

	require.NoError(t, c.Enqueue(context.Background(), testPartition))
	require.NoError(t, c.Flush(context.Background()))

	assert.Equal(t, 3, store.rewrites)
	recs, _ := store.Find(context.Background(), testPartition)
	assert.True(t, IsContiguous(recs))
}

func TestCompactorGivesUpAfterMaxRetries(t *testing.T) {
	store := newMemStore()
	store.setPositions(testPartition, map[string]int{"a": 1})
	store.rewriteFails = 10

	tel := telemetry.Nop()
	var (
		mu     sync.Mutex
		events []telemetry.Event
	)
	tel.Events, _ = telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 16})
	tel.Events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}, telemetry.FilterByType(telemetry.EventTypeCompactionFailed))

	cfg := DefaultCompactorConfig()
	cfg.Mode = CompactionSync
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond
	c := NewCompactor(store, cfg, tel)

	require.NoError(t, c.Enqueue(context.Background(), testPartition))
	assert.Equal(t, 3, store.rewrites)

	require.NoError(t, tel.Events.Shutdown(context.Background()))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, testOwner, events[0].OwnerID)
}

func TestCompactorPublishesRequeuedEvents(t *testing.T) {
	store := newMemStore()
	store.setPositions(testPartition, map[string]int{"a": 2})
	store.rewriteFails = 2

	tel := telemetry.Nop()
	var (
		mu     sync.Mutex
		events []telemetry.Event
	)
	tel.Events, _ = telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 16})
	tel.Events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}, telemetry.FilterByType(telemetry.EventTypeCompactionRequeued, telemetry.EventTypeCompactionDone))

	cfg := DefaultCompactorConfig()
	cfg.Mode = CompactionSync
	cfg.MaxRetries = 3
	cfg.RetryBackoff = time.Millisecond
	c := NewCompactor(store, cfg, tel)

	require.NoError(t, c.Enqueue(context.Background(), testPartition))
	require.NoError(t, tel.Events.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	for i, e := range events[:2] {
		assert.Equal(t, telemetry.EventTypeCompactionRequeued, e.Type)
		assert.Equal(t, telemetry.EventLevelWarning, e.Level)
		assert.Equal(t, i+1, e.Data["attempt"])
		assert.Equal(t, testCollection, e.Collection)
	}
	assert.Equal(t, telemetry.EventTypeCompactionDone, events[2].Type)
}

func TestCompactorClosed(t *testing.T) {
	c := NewCompactor(newMemStore(), DefaultCompactorConfig(), nil)
	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()), "close is idempotent")

	err := c.Enqueue(context.Background(), testPartition)
	assert.ErrorIs(t, err, ErrCompactorClosed)
}

func TestSyncCompactorClosed(t *testing.T) {
	store := newMemStore()
	store.setPositions(testPartition, map[string]int{"a": 3})

	cfg := DefaultCompactorConfig()
	cfg.Mode = CompactionSync
	c := NewCompactor(store, cfg, nil)
	require.NoError(t, c.Close(context.Background()))

	err := c.Enqueue(context.Background(), testPartition)
	assert.ErrorIs(t, err, ErrCompactorClosed)
	assert.Zero(t, store.rewrites, "no task runs after close")

	recs, _ := store.Find(context.Background(), testPartition)
	assert.Equal(t, 3, recs[0].Position)
}

func TestCompactorCloseDrainsQueue(t *testing.T) {
	store := newMemStore()
	cfg := DefaultCompactorConfig()
	cfg.Workers = 2
	c := NewCompactor(store, cfg, nil)

	for i := 0; i < 20; i++ {
		p := Partition{OwnerID: testOwner, Collection: string(rune('a' + i))}
		store.setPositions(p, map[string]int{"x": 3})
		require.NoError(t, c.Enqueue(context.Background(), p))
	}
	require.NoError(t, c.Close(context.Background()))

	for i := 0; i < 20; i++ {
		p := Partition{OwnerID: testOwner, Collection: string(rune('a' + i))}
		recs, _ := store.Find(context.Background(), p)
		assert.Equal(t, 0, recs[0].Position)
	}
}

func TestCompactorFlushHonoursContext(t *testing.T) {
	store := newMemStore()
	cfg := DefaultCompactorConfig()
	cfg.Workers = 1
	cfg.MaxRetries = 1000
	cfg.RetryBackoff = time.Hour
	store.rewriteFails = 1
	c := NewCompactor(store, cfg, nil)

	require.NoError(t, c.Enqueue(context.Background(), testPartition))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Flush(ctx), context.DeadlineExceeded)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer closeCancel()
	assert.Error(t, c.Close(closeCtx), "in-flight task is cancelled on timeout")
}

func TestCompactorBackoff(t *testing.T) {
	c := &Compactor{cfg: CompactorConfig{RetryBackoff: 100 * time.Millisecond}}
	assert.Equal(t, 100*time.Millisecond, c.backoff(0))
	assert.Equal(t, 400*time.Millisecond, c.backoff(2))
	assert.Equal(t, 30*time.Second, c.backoff(20))
}
