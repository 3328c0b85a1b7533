// Package journal implements spec.md §4.10's TransferJournal: a
// per-process, crash-safe record of in-flight and recently finished
// object reads/writes, so internal/transfer can resume after a
// restart instead of starting over. It shares its SQLite connection
// and writer-mutex discipline with internal/index (DESIGN.md's
// "SQLite driver choice" entry) rather than opening a second
// database file.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Direction is spec.md §3.8's TransferRecord.direction.
type Direction string

const (
	DirectionRead  Direction = "read"
	DirectionWrite Direction = "write"
)

// State is spec.md §3.8's TransferRecord.state.
type State string

const (
	StateActive   State = "active"
	StateFailed   State = "failed"
	StateComplete State = "complete"
)

// ErrAlreadyActive is returned by BeginRead/BeginWrite when an active
// record already exists for the same (deviceId, handle-or-parent,
// direction) key, per spec.md invariant 4.
var ErrAlreadyActive = errors.New("journal: a transfer is already active for this object")

// Record is spec.md §3.8's TransferRecord.
type Record struct {
	ID              string
	DeviceID        string
	Direction       Direction
	Handle          *uint32 // read: the object handle; write: filled in once SendObjectInfo returns one
	Parent          *uint32 // write: destination parent handle
	Name            string
	Size            *uint64
	SupportsPartial bool
	TempURL         string
	FinalURL        string
	SourceURL       string
	State           State
	CommittedBytes  uint64
	EtagSize        *uint64
	EtagMtime       *time.Time
	LastError       string
	UpdatedAt       time.Time
}

// slotKey is the value invariant 4 disambiguates on: the handle for a
// read, the parent for a write (since a write has no object handle
// until SendObjectInfo completes).
func (r Record) slotKey() uint32 {
	if r.Direction == DirectionRead && r.Handle != nil {
		return *r.Handle
	}
	if r.Parent != nil {
		return *r.Parent
	}
	return 0
}

// Journal is the TransferJournal facade.
type Journal struct {
	db *sql.DB
	mu sync.Mutex
}

// New wraps an existing *sql.DB (typically (*index.Index).DB()),
// creating the transfers table if absent.
func New(db *sql.DB) (*Journal, error) {
	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		return nil, err
	}
	return j, nil
}

// Open opens a standalone database at path (or ":memory:"), for
// callers that don't share a connection with internal/index, e.g.
// tests.
func Open(path string) (*Journal, error) {
	dsn := "file:" + path + "?_journal_mode=WAL&_foreign_keys=on"
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return New(db)
}

// Close closes the underlying database. Callers sharing a connection
// with internal/index should close through the Index instead.
func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS transfers (
	id               TEXT PRIMARY KEY,
	device_id        TEXT NOT NULL,
	direction        TEXT NOT NULL,
	handle           INTEGER,
	parent           INTEGER,
	name             TEXT NOT NULL,
	size             INTEGER,
	supports_partial INTEGER NOT NULL DEFAULT 0,
	temp_url         TEXT NOT NULL,
	final_url        TEXT,
	source_url       TEXT,
	state            TEXT NOT NULL,
	committed_bytes  INTEGER NOT NULL DEFAULT 0,
	etag_size        INTEGER,
	etag_mtime       INTEGER,
	last_error       TEXT,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transfers_device_state ON transfers(device_id, state);
CREATE INDEX IF NOT EXISTS idx_transfers_slot ON transfers(device_id, direction, handle, parent, state);
`
	_, err := j.db.Exec(schema)
	return err
}

// BeginRead opens a new active read record for id, rejecting it with
// ErrAlreadyActive if one is already active for (deviceID, handle,
// read).
func (j *Journal) BeginRead(ctx context.Context, id, deviceID string, handle uint32, size *uint64, supportsPartial bool, tempURL string) (Record, error) {
	rec := Record{
		ID: id, DeviceID: deviceID, Direction: DirectionRead, Handle: &handle,
		Size: size, SupportsPartial: supportsPartial, TempURL: tempURL,
		State: StateActive, UpdatedAt: time.Now(),
	}
	return j.begin(ctx, rec)
}

// BeginWrite opens a new active write record for id, rejecting it
// with ErrAlreadyActive if one is already active for (deviceID,
// parent, write).
func (j *Journal) BeginWrite(ctx context.Context, id, deviceID string, parent uint32, name string, size *uint64, supportsPartial bool, sourceURL string) (Record, error) {
	rec := Record{
		ID: id, DeviceID: deviceID, Direction: DirectionWrite, Parent: &parent, Name: name,
		Size: size, SupportsPartial: supportsPartial, SourceURL: sourceURL,
		State: StateActive, UpdatedAt: time.Now(),
	}
	return j.begin(ctx, rec)
}

func (j *Journal) begin(ctx context.Context, rec Record) (Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var count int
	err := j.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transfers
		WHERE device_id = ? AND direction = ? AND state = 'active'
			AND COALESCE(handle, parent, 0) = ?
	`, rec.DeviceID, string(rec.Direction), rec.slotKey()).Scan(&count)
	if err != nil {
		return Record{}, err
	}
	if count > 0 {
		return Record{}, ErrAlreadyActive
	}

	if err := insertRecord(ctx, j.db, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func insertRecord(ctx context.Context, db *sql.DB, rec Record) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO transfers (id, device_id, direction, handle, parent, name, size,
			supports_partial, temp_url, final_url, source_url, state, committed_bytes,
			etag_size, etag_mtime, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.DeviceID, string(rec.Direction), nullU32(rec.Handle), nullU32(rec.Parent), rec.Name, nullU64(rec.Size),
		boolToInt(rec.SupportsPartial), rec.TempURL, nullStr(rec.FinalURL), nullStr(rec.SourceURL), string(rec.State), rec.CommittedBytes,
		nullU64(rec.EtagSize), nullTime(rec.EtagMtime), nullStr(rec.LastError), rec.UpdatedAt.Unix())
	return err
}

// UpdateProgress advances committedBytes for an active record. Its
// signature matches internal/transfer's JournalRecorder interface.
func (j *Journal) UpdateProgress(ctx context.Context, id string, committedBytes uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx, `
		UPDATE transfers SET committed_bytes = ?, updated_at = ? WHERE id = ?
	`, committedBytes, time.Now().Unix(), id)
	return err
}

// Fail records err's message against id and moves it to
// StateFailed, per spec.md §4.10 ("fail(id,err) records the error
// string and keeps state=failed").
func (j *Journal) Fail(ctx context.Context, id string, transferErr error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	msg := ""
	if transferErr != nil {
		msg = transferErr.Error()
	}
	_, err := j.db.ExecContext(ctx, `
		UPDATE transfers SET state = 'failed', last_error = ?, updated_at = ? WHERE id = ?
	`, msg, time.Now().Unix(), id)
	return err
}

// Complete moves id to StateComplete and clears LastError.
func (j *Journal) Complete(ctx context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx, `
		UPDATE transfers SET state = 'complete', last_error = NULL, updated_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	return err
}

// LoadResumables returns deviceID's failed records, the candidates
// spec.md §3.10 says are "retained for resume", ordered oldest first.
func (j *Journal) LoadResumables(ctx context.Context, deviceID string) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, device_id, direction, handle, parent, name, size, supports_partial,
			temp_url, final_url, source_url, state, committed_bytes, etag_size, etag_mtime,
			last_error, updated_at
		FROM transfers WHERE device_id = ? AND state = 'failed' ORDER BY updated_at ASC
	`, deviceID)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// ListFailed returns every failed record across all devices.
func (j *Journal) ListFailed(ctx context.Context) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, device_id, direction, handle, parent, name, size, supports_partial,
			temp_url, final_url, source_url, state, committed_bytes, etag_size, etag_mtime,
			last_error, updated_at
		FROM transfers WHERE state = 'failed' ORDER BY updated_at ASC
	`)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// ClearStaleTemps deletes (and returns, so the caller can unlink
// their temp files) finished records — failed or complete — last
// updated before olderThan. Active records are never touched.
func (j *Journal) ClearStaleTemps(ctx context.Context, olderThan time.Time) ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, device_id, direction, handle, parent, name, size, supports_partial,
			temp_url, final_url, source_url, state, committed_bytes, etag_size, etag_mtime,
			last_error, updated_at
		FROM transfers WHERE state IN ('failed', 'complete') AND updated_at < ?
	`, olderThan.Unix())
	if err != nil {
		return nil, err
	}
	stale, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}

	ids := make([]interface{}, len(stale))
	placeholders := ""
	for i, r := range stale {
		ids[i] = r.ID
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
	}
	_, err = j.db.ExecContext(ctx, `DELETE FROM transfers WHERE id IN (`+placeholders+`)`, ids...)
	if err != nil {
		return nil, err
	}
	return stale, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var direction, state string
		var handle, parent, size, etagSize, etagMtime sql.NullInt64
		var finalURL, sourceURL, lastError sql.NullString
		var supportsPartial int
		var updatedAt int64

		if err := rows.Scan(&rec.ID, &rec.DeviceID, &direction, &handle, &parent, &rec.Name, &size,
			&supportsPartial, &rec.TempURL, &finalURL, &sourceURL, &state, &rec.CommittedBytes,
			&etagSize, &etagMtime, &lastError, &updatedAt); err != nil {
			return nil, err
		}

		rec.Direction = Direction(direction)
		rec.State = State(state)
		rec.SupportsPartial = supportsPartial != 0
		rec.FinalURL = finalURL.String
		rec.SourceURL = sourceURL.String
		rec.LastError = lastError.String
		rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()

		if handle.Valid {
			v := uint32(handle.Int64)
			rec.Handle = &v
		}
		if parent.Valid {
			v := uint32(parent.Int64)
			rec.Parent = &v
		}
		if size.Valid {
			v := uint64(size.Int64)
			rec.Size = &v
		}
		if etagSize.Valid {
			v := uint64(etagSize.Int64)
			rec.EtagSize = &v
		}
		if etagMtime.Valid {
			t := time.Unix(etagMtime.Int64, 0).UTC()
			rec.EtagMtime = &t
		}

		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullU32(v *uint32) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullU64(v *uint64) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullTime(v *time.Time) interface{} {
	if v == nil {
		return nil
	}
	return v.Unix()
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
