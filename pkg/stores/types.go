package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/openfroyo/xfer/pkg/engine"
)

// TransferStatus represents the status of a recorded transfer
type TransferStatus string

const (
	TransferStatusRunning   TransferStatus = "running"
	TransferStatusCompleted TransferStatus = "completed"
	TransferStatusFailed    TransferStatus = "failed"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Record is a stored record handled by the transfer engine.
type Record struct {
	ID         int64                     `json:"id"` // 0 until inserted
	Type       string                    `json:"type"`
	ResourceID string                    `json:"resource_id"`
	Fields     map[string]any            `json:"fields"`
	Custom     map[string]any            `json:"custom,omitempty"`
	Files      map[string]engine.FileRef `json:"files,omitempty"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`

	// pending holds relation values attached before the record was inserted
	pending map[string]pendingLink
}

type pendingLink struct {
	kind    engine.RelationKind
	targets []int64
}

// NewRecord creates an unsaved record of the given type.
func NewRecord(recordType string) *Record {
	return &Record{
		Type:   recordType,
		Fields: make(map[string]any),
		Custom: make(map[string]any),
		Files:  make(map[string]engine.FileRef),
	}
}

func (r *Record) init() {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	if r.Custom == nil {
		r.Custom = make(map[string]any)
	}
	if r.Files == nil {
		r.Files = make(map[string]engine.FileRef)
	}
}

// Transfer represents one recorded export or import
type Transfer struct {
	ID          string           `json:"id"`
	Direction   engine.Direction `json:"direction"`
	Status      TransferStatus   `json:"status"`
	Package     string           `json:"package"`
	Resources   int              `json:"resources"`
	Conflicts   int              `json:"conflicts"`
	Warnings    int              `json:"warnings"`
	Error       *string          `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// TransferEvent represents an append-only event of a transfer
type TransferEvent struct {
	ID         int64      `json:"id"`
	TransferID string     `json:"transfer_id"`
	Type       string     `json:"type"`
	Level      EventLevel `json:"level"`
	Message    string     `json:"message"`
	Details    *string    `json:"details,omitempty"` // JSON blob
	Timestamp  time.Time  `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Record access for the transfer engine
	Accessor() *RecordAccessor
	GetRecord(ctx context.Context, id int64) (*Record, error)
	ListRecords(ctx context.Context, recordType string, limit, offset int) ([]*Record, error)
	CountRecords(ctx context.Context, recordType string) (int, error)

	// Transfer history
	CreateTransfer(ctx context.Context, transfer *Transfer) error
	GetTransfer(ctx context.Context, id string) (*Transfer, error)
	CompleteTransfer(ctx context.Context, transfer *Transfer) error
	ListTransfers(ctx context.Context, limit, offset int) ([]*Transfer, error)
	AppendTransferEvent(ctx context.Context, event *TransferEvent) error
	ListTransferEvents(ctx context.Context, transferID string, level *EventLevel, limit, offset int) ([]*TransferEvent, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
