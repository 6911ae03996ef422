package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens its own database
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init initializes the database connection and enables WAL mode for file databases.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate", s.cfg.Path)
	if !isMemory(s.cfg.Path) {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection and set PRAGMAs
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// Accessor returns a record accessor bound to the database connection.
func (s *SQLiteStore) Accessor() *RecordAccessor {
	return &RecordAccessor{store: s, q: s.db}
}

// GetRecord retrieves a record by ID
func (s *SQLiteStore) GetRecord(ctx context.Context, id int64) (*Record, error) {
	rec, err := s.Accessor().load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("record not found: %d", id)
	}
	return rec, nil
}

// ListRecords retrieves records of a type with pagination. An empty type lists every record.
func (s *SQLiteStore) ListRecords(ctx context.Context, recordType string, limit, offset int) ([]*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM records
		WHERE (? = '' OR record_type = ?)
		ORDER BY id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, recordType, recordType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}

// CountRecords counts records of a type. An empty type counts every record.
func (s *SQLiteStore) CountRecords(ctx context.Context, recordType string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE (? = '' OR record_type = ?)`,
		recordType, recordType,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// CreateTransfer creates a new transfer record
func (s *SQLiteStore) CreateTransfer(ctx context.Context, transfer *Transfer) error {
	query := `
		INSERT INTO transfers (id, direction, status, package, resources, conflicts, warnings, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		transfer.ID,
		transfer.Direction,
		transfer.Status,
		transfer.Package,
		transfer.Resources,
		transfer.Conflicts,
		transfer.Warnings,
		transfer.Error,
		transfer.StartedAt,
		transfer.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create transfer: %w", err)
	}

	return nil
}

// GetTransfer retrieves a transfer by ID
func (s *SQLiteStore) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	query := `
		SELECT id, direction, status, package, resources, conflicts, warnings, error, started_at, completed_at
		FROM transfers
		WHERE id = ?
	`

	transfer, err := scanTransfer(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("transfer not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}

	return transfer, nil
}

// CompleteTransfer stores the final status and counters of a transfer
func (s *SQLiteStore) CompleteTransfer(ctx context.Context, transfer *Transfer) error {
	if transfer.CompletedAt == nil {
		now := time.Now()
		transfer.CompletedAt = &now
	}

	query := `
		UPDATE transfers
		SET status = ?, package = ?, resources = ?, conflicts = ?, warnings = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		transfer.Status,
		transfer.Package,
		transfer.Resources,
		transfer.Conflicts,
		transfer.Warnings,
		transfer.Error,
		transfer.CompletedAt,
		transfer.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete transfer: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("transfer not found: %s", transfer.ID)
	}

	return nil
}

// ListTransfers retrieves transfers with pagination, newest first
func (s *SQLiteStore) ListTransfers(ctx context.Context, limit, offset int) ([]*Transfer, error) {
	query := `
		SELECT id, direction, status, package, resources, conflicts, warnings, error, started_at, completed_at
		FROM transfers
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	transfers := []*Transfer{}
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		transfers = append(transfers, transfer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transfers: %w", err)
	}

	return transfers, nil
}

// AppendTransferEvent appends an event to the transfer log
func (s *SQLiteStore) AppendTransferEvent(ctx context.Context, event *TransferEvent) error {
	query := `
		INSERT INTO transfer_events (transfer_id, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.TransferID,
		event.Type,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to append transfer event: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// ListTransferEvents retrieves the events of a transfer in order, optionally filtered by level
func (s *SQLiteStore) ListTransferEvents(ctx context.Context, transferID string, level *EventLevel, limit, offset int) ([]*TransferEvent, error) {
	query := `
		SELECT id, transfer_id, type, level, message, details, timestamp
		FROM transfer_events
		WHERE transfer_id = ?
		  AND (? IS NULL OR level = ?)
		ORDER BY id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, transferID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfer events: %w", err)
	}
	defer rows.Close()

	events := []*TransferEvent{}
	for rows.Next() {
		event := &TransferEvent{}
		err := rows.Scan(
			&event.ID,
			&event.TransferID,
			&event.Type,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transfer events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*Transfer, error) {
	transfer := &Transfer{}
	err := row.Scan(
		&transfer.ID,
		&transfer.Direction,
		&transfer.Status,
		&transfer.Package,
		&transfer.Resources,
		&transfer.Conflicts,
		&transfer.Warnings,
		&transfer.Error,
		&transfer.StartedAt,
		&transfer.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return transfer, nil
}
