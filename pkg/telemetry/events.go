package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notification about a change to a custom ordering.
type Event struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Type       string                 `json:"type"`
	OwnerID    string                 `json:"owner_id"`
	Collection string                 `json:"collection"`
	ResourceID string                 `json:"resource_id,omitempty"`
	Message    string                 `json:"message"`
	Level      string                 `json:"level"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeOrderInserted      = "order.inserted"
	EventTypeOrderUpdated       = "order.updated"
	EventTypeOrderDeleted       = "order.deleted"
	EventTypeBulkReordered      = "order.bulk_reordered"
	EventTypeCompactionDone     = "compaction.completed"
	EventTypeCompactionFailed   = "compaction.failed"
	EventTypeCompactionRequeued = "compaction.requeued"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. A publisher built from a
// disabled config drops everything.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishOrderChanged publishes an inserted or updated order event.
func (ep *EventPublisher) PublishOrderChanged(inserted bool, ownerID, collection, resourceID string, position int) error {
	eventType := EventTypeOrderUpdated
	verb := "moved"
	if inserted {
		eventType = EventTypeOrderInserted
		verb = "placed"
	}
	return ep.Publish(Event{
		Type:       eventType,
		OwnerID:    ownerID,
		Collection: collection,
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Resource %s %s at position %d", resourceID, verb, position),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"position": position,
		},
	})
}

// PublishOrderDeleted publishes an order deletion event.
func (ep *EventPublisher) PublishOrderDeleted(ownerID, collection, resourceID string, position int) error {
	return ep.Publish(Event{
		Type:       EventTypeOrderDeleted,
		OwnerID:    ownerID,
		Collection: collection,
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Order of resource %s at position %d removed", resourceID, position),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"position": position,
		},
	})
}

// PublishBulkReordered publishes the outcome of a bulk reorder.
func (ep *EventPublisher) PublishBulkReordered(ownerID, collection string, inserted, modified, failed int) error {
	level := EventLevelInfo
	if failed > 0 {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:       EventTypeBulkReordered,
		OwnerID:    ownerID,
		Collection: collection,
		Message:    fmt.Sprintf("Bulk reorder: %d inserted, %d modified, %d failed", inserted, modified, failed),
		Level:      level,
		Data: map[string]interface{}{
			"inserted": inserted,
			"modified": modified,
			"failed":   failed,
		},
	})
}

// PublishCompaction publishes the final outcome of a compaction task.
func (ep *EventPublisher) PublishCompaction(ownerID, collection string, rewritten int, err error) error {
	if err != nil {
		return ep.Publish(Event{
			Type:       EventTypeCompactionFailed,
			OwnerID:    ownerID,
			Collection: collection,
			Message:    fmt.Sprintf("Compaction failed: %v", err),
			Level:      EventLevelError,
			Data: map[string]interface{}{
				"reason": err.Error(),
			},
		})
	}
	return ep.Publish(Event{
		Type:       EventTypeCompactionDone,
		OwnerID:    ownerID,
		Collection: collection,
		Message:    fmt.Sprintf("Compaction renumbered %d records", rewritten),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"rewritten": rewritten,
		},
	})
}

// PublishCompactionRequeued reports that a compaction attempt failed and the
// task will be retried.
func (ep *EventPublisher) PublishCompactionRequeued(ownerID, collection string, attempt int, err error) error {
	return ep.Publish(Event{
		Type:       EventTypeCompactionRequeued,
		OwnerID:    ownerID,
		Collection: collection,
		Message:    fmt.Sprintf("Compaction attempt %d failed, retrying: %v", attempt, err),
		Level:      EventLevelWarning,
		Data: map[string]interface{}{
			"attempt": attempt,
			"reason":  err.Error(),
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			// drain whatever is already queued, up to one batch
		drain:
			for len(batch) < ep.config.MaxBatchSize {
				select {
				case next := <-ep.buffer:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			ep.flushBatch(batch)
			batch = batch[:0]

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent calls subscribers synchronously, in subscription order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByPartition creates a filter for events of one owner and collection.
func FilterByPartition(ownerID, collection string) EventFilter {
	return func(event Event) bool {
		return event.OwnerID == ownerID && event.Collection == collection
	}
}
