package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/xfer/pkg/engine"
)

// Event is one step of a transfer as seen by subscribers.
type Event struct {
	ID         string           `json:"id"`
	Timestamp  time.Time        `json:"timestamp"`
	Type       string           `json:"type"`
	Source     string           `json:"source"`
	TransferID string           `json:"transfer_id,omitempty"`
	Direction  engine.Direction `json:"direction,omitempty"`

	// ResourceKey and RecordType name the resource an event is about.
	ResourceKey string `json:"resource_key,omitempty"`
	RecordType  string `json:"record_type,omitempty"`

	Message string `json:"message"`

	// Level is one of the EventLevel constants.
	Level string                 `json:"level"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for transfer events.
const (
	EventTypeTransferStarted     = "transfer.started"
	EventTypeTransferCompleted   = "transfer.completed"
	EventTypeTransferFailed      = "transfer.failed"
	EventTypeResourceTransferred = "resource.transferred"
	EventTypeConflictResolved    = "conflict.resolved"
	EventTypeWarning             = "transfer.warning"
)

// EventLevel constants for event severity.
const (
	EventLevelDebug   = "debug"
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions. Subscribers see
// events in publishing order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
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
	if cfg.EnableAsync && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliverEvent(event)
	return nil
}

// PublishTransferStarted publishes a transfer started event.
func (ep *EventPublisher) PublishTransferStarted(transferID string, direction engine.Direction) error {
	return ep.Publish(Event{
		Type:       EventTypeTransferStarted,
		Source:     "engine",
		TransferID: transferID,
		Direction:  direction,
		Message:    fmt.Sprintf("%s %s started", capitalize(string(direction)), transferID),
		Level:      EventLevelInfo,
	})
}

// PublishTransferCompleted publishes a transfer completed event.
func (ep *EventPublisher) PublishTransferCompleted(transferID string, direction engine.Direction, duration time.Duration) error {
	return ep.Publish(Event{
		Type:       EventTypeTransferCompleted,
		Source:     "engine",
		TransferID: transferID,
		Direction:  direction,
		Message:    fmt.Sprintf("%s %s completed", capitalize(string(direction)), transferID),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishTransferFailed publishes a transfer failed event.
func (ep *EventPublisher) PublishTransferFailed(transferID string, direction engine.Direction, err error) error {
	class, code := errorLabels(err)
	return ep.Publish(Event{
		Type:       EventTypeTransferFailed,
		Source:     "engine",
		TransferID: transferID,
		Direction:  direction,
		Message:    fmt.Sprintf("%s %s failed: %v", capitalize(string(direction)), transferID, err),
		Level:      EventLevelError,
		Data: map[string]interface{}{
			"class": class,
			"code":  code,
		},
	})
}

// PublishResourceTransferred publishes a resource exported or saved event.
func (ep *EventPublisher) PublishResourceTransferred(transferID string, direction engine.Direction, recordType string) error {
	return ep.Publish(Event{
		Type:       EventTypeResourceTransferred,
		Source:     "engine",
		TransferID: transferID,
		Direction:  direction,
		RecordType: recordType,
		Message:    fmt.Sprintf("Transferred %s resource", recordType),
		Level:      EventLevelDebug,
	})
}

// PublishConflictResolved publishes a conflict resolution event.
func (ep *EventPublisher) PublishConflictResolved(transferID string, outcome engine.ConflictOutcome) error {
	level := EventLevelInfo
	if !outcome.Consistent {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:        EventTypeConflictResolved,
		Source:      "engine",
		TransferID:  transferID,
		Direction:   engine.DirectionImport,
		ResourceKey: string(outcome.Key),
		RecordType:  outcome.Type,
		Message: fmt.Sprintf("%s:%s collided with existing record %s (%s)",
			outcome.Type, outcome.Key, outcome.Identity, outcome.Action),
		Level: level,
		Data: map[string]interface{}{
			"policy":     string(outcome.Policy),
			"action":     string(outcome.Action),
			"identity":   outcome.Identity,
			"consistent": outcome.Consistent,
		},
	})
}

// PublishWarning publishes a non-fatal transfer error.
func (ep *EventPublisher) PublishWarning(transferID string, err error) error {
	class, code := errorLabels(err)
	return ep.Publish(Event{
		Type:       EventTypeWarning,
		Source:     "engine",
		TransferID: transferID,
		Message:    err.Error(),
		Level:      EventLevelWarning,
		Data: map[string]interface{}{
			"class": class,
			"code":  code,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events in batches, flushing partial
// batches every FlushInterval.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}

		case <-tick:
			flush()

		case <-ep.ctx.Done():
			// Drain whatever is still buffered before shutting down
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
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

// Common event filters.

var eventLevels = map[string]int{
	EventLevelDebug:   0,
	EventLevelInfo:    1,
	EventLevelWarning: 2,
	EventLevelError:   3,
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	minLevelValue := eventLevels[minLevel]

	return func(event Event) bool {
		return eventLevels[event.Level] >= minLevelValue
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

// FilterByTransferID creates a filter that only allows events for a specific transfer.
func FilterByTransferID(transferID string) EventFilter {
	return func(event Event) bool {
		return event.TransferID == transferID
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
