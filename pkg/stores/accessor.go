package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/xfer/pkg/engine"
)

const recordColumns = "id, record_type, resource_id, data, custom, files, created_at, updated_at"

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// RecordAccessor implements engine.Accessor over the records and
// record_links tables. Relations to unsaved records are held in memory and
// written when the record is inserted.
type RecordAccessor struct {
	store *SQLiteStore
	q     querier
	tx    *sql.Tx
}

var _ engine.Accessor = (*RecordAccessor)(nil)

// TypeOf returns the type of a *Record.
func (a *RecordAccessor) TypeOf(v any) (string, bool) {
	rec, ok := v.(*Record)
	if !ok || rec == nil {
		return "", false
	}
	return rec.Type, true
}

// Identity returns the row ID of an inserted record.
func (a *RecordAccessor) Identity(rec engine.Record) (string, bool) {
	r, ok := rec.(*Record)
	if !ok || r == nil || r.ID == 0 {
		return "", false
	}
	return strconv.FormatInt(r.ID, 10), true
}

// FieldNames lists the external key, the data fields and the file fields of a record.
func (a *RecordAccessor) FieldNames(rec engine.Record) []string {
	r, err := asRecord(rec)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(r.Fields)+len(r.Files)+1)
	names = append(names, engine.DefaultExternalKeyField)
	for name := range r.Fields {
		names = append(names, name)
	}
	for name := range r.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Field returns a field value. File fields are returned as engine.FileRef.
func (a *RecordAccessor) Field(rec engine.Record, name string) (any, error) {
	r, err := asRecord(rec)
	if err != nil {
		return nil, err
	}
	switch name {
	case engine.DefaultIdentityField:
		if r.ID == 0 {
			return nil, nil
		}
		return r.ID, nil
	case engine.DefaultExternalKeyField:
		return r.ResourceID, nil
	}
	if ref, ok := r.Files[name]; ok {
		return ref, nil
	}
	return r.Fields[name], nil
}

// SetField assigns a field on the in-memory record.
func (a *RecordAccessor) SetField(rec engine.Record, name string, value any) error {
	r, err := asRecord(rec)
	if err != nil {
		return err
	}
	switch name {
	case engine.DefaultIdentityField:
		return fmt.Errorf("field %s is read-only", name)
	case engine.DefaultExternalKeyField:
		if value == nil {
			r.ResourceID = ""
		} else {
			r.ResourceID = fmt.Sprint(value)
		}
		return nil
	}

	switch v := value.(type) {
	case engine.FileRef:
		r.Files[name] = v
		delete(r.Fields, name)
	case *engine.FileRef:
		if v == nil {
			delete(r.Files, name)
			r.Fields[name] = nil
			return nil
		}
		r.Files[name] = *v
		delete(r.Fields, name)
	default:
		delete(r.Files, name)
		r.Fields[name] = value
	}
	return nil
}

// Related loads the targets of a relation. to_one yields a *Record or nil,
// to_many a []*Record, to_custom the stored value.
func (a *RecordAccessor) Related(ctx context.Context, rec engine.Record, name string, kind engine.RelationKind) (any, error) {
	r, err := asRecord(rec)
	if err != nil {
		return nil, err
	}
	if kind == engine.RelationToCustom {
		return r.Custom[name], nil
	}

	var ids []int64
	if r.ID == 0 {
		ids = r.pending[name].targets
	} else {
		ids, err = a.linkTargets(ctx, r.ID, name)
		if err != nil {
			return nil, err
		}
	}

	targets, err := a.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	if kind == engine.RelationToOne {
		if len(targets) == 0 {
			return nil, nil
		}
		return targets[0], nil
	}
	return targets, nil
}

// Relate attaches relation targets. to_one replaces the current target,
// to_many appends targets not linked yet.
func (a *RecordAccessor) Relate(ctx context.Context, rec engine.Record, name string, kind engine.RelationKind, value any) error {
	r, err := asRecord(rec)
	if err != nil {
		return err
	}

	if kind == engine.RelationToCustom {
		r.Custom[name] = value
		if r.ID == 0 {
			return nil
		}
		custom, err := json.Marshal(r.Custom)
		if err != nil {
			return fmt.Errorf("failed to encode custom relations: %w", err)
		}
		r.UpdatedAt = time.Now().UTC()
		_, err = a.q.ExecContext(ctx,
			`UPDATE records SET custom = ?, updated_at = ? WHERE id = ?`,
			string(custom), r.UpdatedAt, r.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update custom relations: %w", err)
		}
		return nil
	}

	ids, err := targetIDs(value)
	if err != nil {
		return fmt.Errorf("failed to relate %s.%s: %w", r.Type, name, err)
	}
	if kind == engine.RelationToOne && len(ids) > 1 {
		return fmt.Errorf("failed to relate %s.%s: to_one relation with %d targets", r.Type, name, len(ids))
	}

	if r.ID == 0 {
		if r.pending == nil {
			r.pending = make(map[string]pendingLink)
		}
		link := r.pending[name]
		link.kind = kind
		if kind == engine.RelationToOne {
			link.targets = ids
		} else {
			link.targets = appendUnique(link.targets, ids...)
		}
		r.pending[name] = link
		return nil
	}

	if kind == engine.RelationToOne {
		return a.replaceLinks(ctx, r.ID, name, ids)
	}
	return a.appendLinks(ctx, r.ID, name, ids)
}

// New creates an unsaved record.
func (a *RecordAccessor) New(recordType string) (engine.Record, error) {
	if recordType == "" {
		return nil, fmt.Errorf("record type is required")
	}
	return NewRecord(recordType), nil
}

// Insert persists a new record and its pending relations. Records without an
// external key get a random one.
func (a *RecordAccessor) Insert(ctx context.Context, rec engine.Record) (engine.Record, error) {
	r, err := asRecord(rec)
	if err != nil {
		return nil, err
	}
	if r.ID != 0 {
		return nil, fmt.Errorf("record %s/%d is already persisted", r.Type, r.ID)
	}
	if r.ResourceID == "" {
		r.ResourceID = uuid.New().String()
	}

	data, custom, files, err := encodeRecord(r)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO records (record_type, resource_id, data, custom, files, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := a.q.ExecContext(ctx, query, r.Type, r.ResourceID, data, custom, files, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get record ID: %w", err)
	}
	r.ID = id
	r.CreatedAt = now
	r.UpdatedAt = now

	if err := a.flushPending(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Update saves the fields and pending relations of a persisted record.
func (a *RecordAccessor) Update(ctx context.Context, rec engine.Record) (engine.Record, error) {
	r, err := asRecord(rec)
	if err != nil {
		return nil, err
	}
	if r.ID == 0 {
		return nil, fmt.Errorf("record %s is not persisted", r.Type)
	}

	data, custom, files, err := encodeRecord(r)
	if err != nil {
		return nil, err
	}

	r.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE records
		SET resource_id = ?, data = ?, custom = ?, files = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := a.q.ExecContext(ctx, query, r.ResourceID, data, custom, files, r.UpdatedAt, r.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("record not found: %d", r.ID)
	}

	if err := a.flushPending(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// FindByExternalKey returns the first record of recordType whose field equals
// key, or nil.
func (a *RecordAccessor) FindByExternalKey(ctx context.Context, recordType, field, key string) (engine.Record, error) {
	var row *sql.Row
	if field == engine.DefaultExternalKeyField {
		row = a.q.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM records WHERE record_type = ? AND resource_id = ? ORDER BY id LIMIT 1`,
			recordType, key,
		)
	} else {
		if !fieldNamePattern.MatchString(field) {
			return nil, fmt.Errorf("invalid external key field: %q", field)
		}
		row = a.q.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM records
			WHERE record_type = ? AND CAST(json_extract(data, ?) AS TEXT) = ?
			ORDER BY id LIMIT 1`,
			recordType, "$."+field, key,
		)
	}

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find record: %w", err)
	}
	return rec, nil
}

// Atomic runs fn inside one transaction. Nested calls join the outer transaction.
func (a *RecordAccessor) Atomic(ctx context.Context, fn func(ctx context.Context, acc engine.Accessor) error) error {
	if a.tx != nil {
		return fn(ctx, a)
	}

	tx, err := a.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txAccessor := &RecordAccessor{store: a.store, q: tx, tx: tx}
	if err := fn(ctx, txAccessor); err != nil {
		_ = a.store.RollbackTx(tx)
		return err
	}

	if err := a.store.CommitTx(tx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// load retrieves a record by ID, or nil when it does not exist.
func (a *RecordAccessor) load(ctx context.Context, id int64) (*Record, error) {
	row := a.q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

func (a *RecordAccessor) loadMany(ctx context.Context, ids []int64) ([]*Record, error) {
	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := a.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (a *RecordAccessor) linkTargets(ctx context.Context, sourceID int64, field string) ([]int64, error) {
	rows, err := a.q.QueryContext(ctx,
		`SELECT target_id FROM record_links WHERE source_id = ? AND field = ? ORDER BY position`,
		sourceID, field,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get links: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating links: %w", err)
	}
	return ids, nil
}

func (a *RecordAccessor) replaceLinks(ctx context.Context, sourceID int64, field string, ids []int64) error {
	if _, err := a.q.ExecContext(ctx,
		`DELETE FROM record_links WHERE source_id = ? AND field = ?`, sourceID, field,
	); err != nil {
		return fmt.Errorf("failed to clear links: %w", err)
	}
	return a.appendLinks(ctx, sourceID, field, ids)
}

func (a *RecordAccessor) appendLinks(ctx context.Context, sourceID int64, field string, ids []int64) error {
	var position int
	err := a.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM record_links WHERE source_id = ? AND field = ?`,
		sourceID, field,
	).Scan(&position)
	if err != nil {
		return fmt.Errorf("failed to get link position: %w", err)
	}

	for _, id := range ids {
		result, err := a.q.ExecContext(ctx,
			`INSERT OR IGNORE INTO record_links (source_id, field, position, target_id) VALUES (?, ?, ?, ?)`,
			sourceID, field, position, id,
		)
		if err != nil {
			return fmt.Errorf("failed to create link: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil && n > 0 {
			position++
		}
	}
	return nil
}

func (a *RecordAccessor) flushPending(ctx context.Context, r *Record) error {
	names := make([]string, 0, len(r.pending))
	for name := range r.pending {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		link := r.pending[name]
		var err error
		if link.kind == engine.RelationToOne {
			err = a.replaceLinks(ctx, r.ID, name, link.targets)
		} else {
			err = a.appendLinks(ctx, r.ID, name, link.targets)
		}
		if err != nil {
			return err
		}
	}
	r.pending = nil
	return nil
}

func asRecord(rec engine.Record) (*Record, error) {
	r, ok := rec.(*Record)
	if !ok || r == nil {
		return nil, fmt.Errorf("unexpected record value of type %T", rec)
	}
	r.init()
	return r, nil
}

// targetIDs extracts the row IDs of relation targets. Every target must be persisted.
func targetIDs(value any) ([]int64, error) {
	var targets []any
	switch v := value.(type) {
	case nil:
		return nil, nil
	case *Record:
		if v == nil {
			return nil, nil
		}
		targets = []any{v}
	case []*Record:
		for _, r := range v {
			targets = append(targets, r)
		}
	case []any:
		targets = v
	default:
		return nil, fmt.Errorf("unexpected relation value of type %T", value)
	}

	ids := make([]int64, 0, len(targets))
	for _, t := range targets {
		r, err := asRecord(t)
		if err != nil {
			return nil, err
		}
		if r.ID == 0 {
			return nil, fmt.Errorf("related %s record is not persisted", r.Type)
		}
		ids = appendUnique(ids, r.ID)
	}
	return ids, nil
}

func appendUnique(ids []int64, more ...int64) []int64 {
	for _, id := range more {
		found := false
		for _, existing := range ids {
			if existing == id {
				found = true
				break
			}
		}
		if !found {
			ids = append(ids, id)
		}
	}
	return ids
}

func encodeRecord(r *Record) (string, string, string, error) {
	data, err := json.Marshal(r.Fields)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode record fields: %w", err)
	}
	custom, err := json.Marshal(r.Custom)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode custom relations: %w", err)
	}
	files, err := json.Marshal(r.Files)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode file fields: %w", err)
	}
	return string(data), string(custom), string(files), nil
}

func scanRecord(row rowScanner) (*Record, error) {
	rec := NewRecord("")
	var data, custom, files string
	err := row.Scan(
		&rec.ID,
		&rec.Type,
		&rec.ResourceID,
		&data,
		&custom,
		&files,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(data), &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode record fields: %w", err)
	}
	if err := json.Unmarshal([]byte(custom), &rec.Custom); err != nil {
		return nil, fmt.Errorf("failed to decode custom relations: %w", err)
	}
	if err := json.Unmarshal([]byte(files), &rec.Files); err != nil {
		return nil, fmt.Errorf("failed to decode file fields: %w", err)
	}
	rec.init()
	return rec, nil
}
