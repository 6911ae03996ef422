package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/openfroyo/xfer/pkg/stores"
)

// HistoryStore persists transfers and their events.
type HistoryStore interface {
	CreateTransfer(ctx context.Context, transfer *stores.Transfer) error
	CompleteTransfer(ctx context.Context, transfer *stores.Transfer) error
	AppendTransferEvent(ctx context.Context, event *stores.TransferEvent) error
}

// HistoryRecorder is an event subscriber writing transfer history to a store.
// Only the transfer row is written when a transfer starts. Its events are
// held in memory and written once the transfer finishes, so nothing touches
// the store while an import transaction holds the write lock.
type HistoryRecorder struct {
	store   HistoryStore
	pkg     string
	logger  *Logger
	timeout time.Duration

	mu        sync.Mutex
	transfers map[string]*pendingTransfer
	errs      []error
}

// pendingTransfer is a running transfer and the events not yet written.
type pendingTransfer struct {
	transfer *stores.Transfer
	events   []Event
}

// NewHistoryRecorder creates a recorder. pkg is stored as the package path of
// every transfer it records.
func NewHistoryRecorder(store HistoryStore, pkg string, logger *Logger) *HistoryRecorder {
	return &HistoryRecorder{
		store:     store,
		pkg:       pkg,
		logger:    logger.Component("history"),
		timeout:   5 * time.Second,
		transfers: make(map[string]*pendingTransfer),
	}
}

// Subscribe registers the recorder on a publisher.
func (h *HistoryRecorder) Subscribe(ep *EventPublisher) {
	ep.Subscribe(h.Handle, nil)
}

// Handle records one event.
func (h *HistoryRecorder) Handle(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if event.Type == EventTypeTransferStarted {
		h.start(event)
		return
	}

	pending := h.transfers[event.TransferID]
	if pending == nil {
		return
	}

	switch event.Type {
	case EventTypeResourceTransferred:
		pending.transfer.Resources++
		return
	case EventTypeConflictResolved:
		pending.transfer.Conflicts++
	case EventTypeWarning:
		pending.transfer.Warnings++
	}
	pending.events = append(pending.events, event)

	if event.Type == EventTypeTransferCompleted || event.Type == EventTypeTransferFailed {
		h.flush(event)
	}
}

// Err returns the errors met while recording, joined.
func (h *HistoryRecorder) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return errors.Join(h.errs...)
}

func (h *HistoryRecorder) append(ctx context.Context, event Event) error {
	record := &stores.TransferEvent{
		TransferID: event.TransferID,
		Type:       event.Type,
		Level:      stores.EventLevel(event.Level),
		Message:    event.Message,
		Timestamp:  event.Timestamp,
	}
	if len(event.Data) > 0 {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return err
		}
		details := string(data)
		record.Details = &details
	}
	return h.store.AppendTransferEvent(ctx, record)
}

func (h *HistoryRecorder) start(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	transfer := &stores.Transfer{
		ID:        event.TransferID,
		Direction: event.Direction,
		Status:    stores.TransferStatusRunning,
		Package:   h.pkg,
		StartedAt: event.Timestamp,
	}
	if err := h.store.CreateTransfer(ctx, transfer); err != nil {
		h.fail(err)
		return
	}
	h.transfers[event.TransferID] = &pendingTransfer{transfer: transfer, events: []Event{event}}
}

// flush writes the held events of a finished transfer and closes its row.
func (h *HistoryRecorder) flush(event Event) {
	pending := h.transfers[event.TransferID]
	delete(h.transfers, event.TransferID)

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	for _, e := range pending.events {
		if err := h.append(ctx, e); err != nil {
			h.fail(err)
		}
	}

	transfer := pending.transfer
	transfer.Status = stores.TransferStatusCompleted
	if event.Type == EventTypeTransferFailed {
		transfer.Status = stores.TransferStatusFailed
		msg := event.Message
		transfer.Error = &msg
	}
	if err := h.store.CompleteTransfer(ctx, transfer); err != nil {
		h.fail(err)
	}
}

func (h *HistoryRecorder) fail(err error) {
	h.logger.Warn().Err(err).Msg("Failed to record transfer history")
	h.errs = append(h.errs, err)
}
