// Package index implements spec.md §4.9's LiveIndex: the persistent,
// per-device object tree backing navigation and incremental refresh.
// Storage is a single SQLite database opened in WAL mode with foreign
// keys on, shared with internal/journal per DESIGN.md's driver-choice
// note. A single in-process mutex serializes writers; readers query
// the database directly and are not blocked by it, relying on SQLite's
// WAL-mode concurrent-read guarantee.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// RootHandle is the ObjectHandle value denoting a storage's root,
// also used as the "no parent" sentinel for folder-scoped queries.
const RootHandle uint32 = 0

// Object is spec.md §3.7's IndexedObject.
type Object struct {
	DeviceID      string
	StorageID     uint32
	Handle        uint32
	ParentHandle  uint32
	Name          string
	PathKey       string
	SizeBytes     *uint64
	Mtime         *time.Time
	FormatCode    uint16
	IsDirectory   bool
	ChangeCounter int64
	CrawledAt     time.Time
	Stale         bool
}

func (o Object) key() (string, uint32, uint32) { return o.DeviceID, o.StorageID, o.Handle }

// ChangeKind distinguishes the two change-log entry shapes.
type ChangeKind string

const (
	ChangeUpserted ChangeKind = "upserted"
	ChangeDeleted  ChangeKind = "deleted"
)

// Change is one changes_since result row.
type Change struct {
	Counter int64
	Kind    ChangeKind
	Row     Object
}

// Identity is resolve_identity's result, spec.md §3.1's DeviceId plus
// display metadata.
type Identity struct {
	DomainID    string
	DisplayName string
	LastSeenAt  time.Time
}

// IdentitySignals are the inputs resolve_identity derives a DeviceId
// from, in priority order: USB serial, then MTP serial, then a type
// hash of vid/pid/manufacturer/model.
type IdentitySignals struct {
	USBSerial    string
	MTPSerial    string
	VID, PID     uint16
	Manufacturer string
	Model        string
	DisplayName  string
}

// DeriveDomainID exposes deriveDomainID for callers (the device
// registry) that need a device's domain id before its per-device
// Index exists yet -- the derivation is a pure function of sig, no
// database required.
func DeriveDomainID(sig IdentitySignals) string {
	return deriveDomainID(sig)
}

// deriveDomainID implements spec.md §3.1's DeviceId priority order.
func deriveDomainID(sig IdentitySignals) string {
	switch {
	case sig.USBSerial != "":
		return "usb:" + sig.USBSerial
	case sig.MTPSerial != "":
		return "mtp:" + sig.MTPSerial
	default:
		return fmt.Sprintf("type:%04x:%04x:%s:%s", sig.VID, sig.PID, sig.Manufacturer, sig.Model)
	}
}

// Index is the LiveIndex facade: one SQLite database, one writer
// mutex.
type Index struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if absent) the index database at path, or an
// in-memory database when path is ":memory:" (used by tests).
// Opening a truncated or otherwise corrupt file surfaces an error
// rather than panicking.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	ix := &Index{db: db}
	if err := ix.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: migrate %s: %w", path, err)
	}
	return ix, nil
}

func dsn(path string) string {
	if path == ":memory:" {
		return "file::memory:?cache=shared&_foreign_keys=on"
	}
	return "file:" + path + "?_journal_mode=WAL&_foreign_keys=on"
}

// Close closes the underlying database.
func (ix *Index) Close() error { return ix.db.Close() }

// DB returns the underlying *sql.DB, so internal/journal can share
// the same connection and open its own tables on it rather than
// opening a second file.
func (ix *Index) DB() *sql.DB { return ix.db }

func (ix *Index) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS devices (
	domain_id      TEXT PRIMARY KEY,
	display_name   TEXT NOT NULL DEFAULT '',
	last_seen_at   INTEGER NOT NULL DEFAULT 0,
	change_counter INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS objects (
	device_id      TEXT NOT NULL,
	storage_id     INTEGER NOT NULL,
	handle         INTEGER NOT NULL,
	parent_handle  INTEGER NOT NULL,
	name           TEXT NOT NULL,
	path_key       TEXT NOT NULL,
	size_bytes     INTEGER,
	mtime          INTEGER,
	format_code    INTEGER NOT NULL,
	is_directory   INTEGER NOT NULL DEFAULT 0,
	change_counter INTEGER NOT NULL,
	crawled_at     INTEGER NOT NULL,
	stale          INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (device_id, storage_id, handle)
);
CREATE INDEX IF NOT EXISTS idx_objects_parent ON objects(device_id, storage_id, parent_handle);

CREATE TABLE IF NOT EXISTS change_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id  TEXT NOT NULL,
	counter    INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	storage_id INTEGER NOT NULL,
	handle     INTEGER NOT NULL,
	row_json   TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_change_log_device_counter ON change_log(device_id, counter);

CREATE TABLE IF NOT EXISTS crawl_state (
	device_id         TEXT NOT NULL,
	storage_id        INTEGER NOT NULL,
	parent_handle     INTEGER NOT NULL,
	last_refreshed_at INTEGER NOT NULL,
	PRIMARY KEY (device_id, storage_id, parent_handle)
);
`
	_, err := ix.db.Exec(schema)
	return err
}

// ResolveIdentity derives a DomainID from signals and inserts or
// updates that device's row, refreshing LastSeenAt. Called both on
// connect (with whatever signals are available at probe time) and
// again once an MTP-level serial becomes known, at which point a
// caller compares the new DomainID to the one it had been using and,
// if they differ, calls MigrateEphemeralDeviceID to carry existing
// rows over to the now-stable id.
func (ix *Index) ResolveIdentity(ctx context.Context, signals IdentitySignals) (Identity, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	domainID := deriveDomainID(signals)
	now := time.Now()

	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO devices (domain_id, display_name, last_seen_at, change_counter)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(domain_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE devices.display_name END,
			last_seen_at = excluded.last_seen_at
	`, domainID, signals.DisplayName, now.Unix())
	if err != nil {
		return Identity{}, err
	}

	var displayName string
	if err := ix.db.QueryRowContext(ctx, `SELECT display_name FROM devices WHERE domain_id = ?`, domainID).Scan(&displayName); err != nil {
		return Identity{}, err
	}

	return Identity{DomainID: domainID, DisplayName: displayName, LastSeenAt: now}, nil
}

// nextCounter bumps and returns deviceID's change counter. Callers
// must hold ix.mu and be inside the transaction tx belongs to.
func nextCounter(ctx context.Context, tx *sql.Tx, deviceID string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO devices (domain_id, change_counter) VALUES (?, 1)
		ON CONFLICT(domain_id) DO UPDATE SET change_counter = devices.change_counter + 1
	`, deviceID); err != nil {
		return 0, err
	}
	var counter int64
	if err := tx.QueryRowContext(ctx, `SELECT change_counter FROM devices WHERE domain_id = ?`, deviceID).Scan(&counter); err != nil {
		return 0, err
	}
	return counter, nil
}

// UpsertObjects writes rows, bumping deviceID's change counter once
// for the whole batch and appending one change-log entry per row.
func (ix *Index) UpsertObjects(ctx context.Context, deviceID string, rows []Object) error {
	if len(rows) == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	counter, err := nextCounter(ctx, tx, deviceID)
	if err != nil {
		return err
	}

	for _, row := range rows {
		row.DeviceID = deviceID
		row.ChangeCounter = counter
		row.Stale = false
		if row.CrawledAt.IsZero() {
			row.CrawledAt = time.Now()
		}

		if err := upsertOne(ctx, tx, row); err != nil {
			return err
		}
		if err := appendChangeLog(ctx, tx, deviceID, counter, ChangeUpserted, row); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// InsertObject writes a single row, per UpsertObjects's rules.
func (ix *Index) InsertObject(ctx context.Context, deviceID string, row Object) error {
	return ix.UpsertObjects(ctx, deviceID, []Object{row})
}

func upsertOne(ctx context.Context, tx *sql.Tx, row Object) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO objects (device_id, storage_id, handle, parent_handle, name, path_key,
			size_bytes, mtime, format_code, is_directory, change_counter, crawled_at, stale)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(device_id, storage_id, handle) DO UPDATE SET
			parent_handle  = excluded.parent_handle,
			name           = excluded.name,
			path_key       = excluded.path_key,
			size_bytes     = excluded.size_bytes,
			mtime          = excluded.mtime,
			format_code    = excluded.format_code,
			is_directory   = excluded.is_directory,
			change_counter = excluded.change_counter,
			crawled_at     = excluded.crawled_at,
			stale          = 0
	`,
		row.DeviceID, row.StorageID, row.Handle, row.ParentHandle, row.Name, row.PathKey,
		nullU64(row.SizeBytes), nullTime(row.Mtime), row.FormatCode, boolToInt(row.IsDirectory),
		row.ChangeCounter, row.CrawledAt.Unix())
	return err
}

func appendChangeLog(ctx context.Context, tx *sql.Tx, deviceID string, counter int64, kind ChangeKind, row Object) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO change_log (device_id, counter, kind, storage_id, handle, row_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, deviceID, counter, string(kind), row.StorageID, row.Handle, string(payload), time.Now().Unix())
	return err
}

// RemoveObject appends a deleted change-log entry, then deletes the
// row (spec.md invariant 5: log entry precedes physical removal).
func (ix *Index) RemoveObject(ctx context.Context, deviceID string, storageID, handle uint32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row, ok, err := queryObjectTx(ctx, tx, deviceID, storageID, handle)
	if err != nil {
		return err
	}
	if !ok {
		return tx.Commit() // nothing to remove; not an error
	}

	counter, err := nextCounter(ctx, tx, deviceID)
	if err != nil {
		return err
	}
	row.ChangeCounter = counter
	if err := appendChangeLog(ctx, tx, deviceID, counter, ChangeDeleted, row); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM objects WHERE device_id = ? AND storage_id = ? AND handle = ?
	`, deviceID, storageID, handle); err != nil {
		return err
	}

	return tx.Commit()
}

func queryObjectTx(ctx context.Context, tx *sql.Tx, deviceID string, storageID, handle uint32) (Object, bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT device_id, storage_id, handle, parent_handle, name, path_key,
			size_bytes, mtime, format_code, is_directory, change_counter, crawled_at, stale
		FROM objects WHERE device_id = ? AND storage_id = ? AND handle = ?
	`, deviceID, storageID, handle)
	obj, err := scanObject(row.Scan)
	if err == sql.ErrNoRows {
		return Object{}, false, nil
	}
	if err != nil {
		return Object{}, false, err
	}
	return obj, true, nil
}

func scanObject(scan func(dest ...interface{}) error) (Object, error) {
	var o Object
	var parentHandle, sizeBytes, mtime sql.NullInt64
	var isDir, stale int
	var crawledAt int64
	err := scan(&o.DeviceID, &o.StorageID, &o.Handle, &parentHandle, &o.Name, &o.PathKey,
		&sizeBytes, &mtime, &o.FormatCode, &isDir, &o.ChangeCounter, &crawledAt, &stale)
	if err != nil {
		return Object{}, err
	}
	o.ParentHandle = uint32(parentHandle.Int64)
	if sizeBytes.Valid {
		v := uint64(sizeBytes.Int64)
		o.SizeBytes = &v
	}
	if mtime.Valid {
		t := time.Unix(mtime.Int64, 0).UTC()
		o.Mtime = &t
	}
	o.IsDirectory = isDir != 0
	o.CrawledAt = time.Unix(crawledAt, 0).UTC()
	o.Stale = stale != 0
	return o, nil
}

// Object returns a single non-stale row, or ok=false if absent or
// currently flagged stale.
func (ix *Index) Object(ctx context.Context, deviceID string, storageID, handle uint32) (Object, bool, error) {
	row := ix.db.QueryRowContext(ctx, `
		SELECT device_id, storage_id, handle, parent_handle, name, path_key,
			size_bytes, mtime, format_code, is_directory, change_counter, crawled_at, stale
		FROM objects WHERE device_id = ? AND storage_id = ? AND handle = ? AND stale = 0
	`, deviceID, storageID, handle)
	obj, err := scanObject(row.Scan)
	if err == sql.ErrNoRows {
		return Object{}, false, nil
	}
	if err != nil {
		return Object{}, false, err
	}
	return obj, true, nil
}

// Children lists non-stale rows directly under parent (RootHandle for
// a storage's top level).
func (ix *Index) Children(ctx context.Context, deviceID string, storageID, parent uint32) ([]Object, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT device_id, storage_id, handle, parent_handle, name, path_key,
			size_bytes, mtime, format_code, is_directory, change_counter, crawled_at, stale
		FROM objects
		WHERE device_id = ? AND storage_id = ? AND parent_handle = ? AND stale = 0
		ORDER BY name
	`, deviceID, storageID, parent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Object
	for rows.Next() {
		obj, err := scanObject(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

// Storages lists the distinct storage ids with at least one non-stale
// row for deviceID.
func (ix *Index) Storages(ctx context.Context, deviceID string) ([]uint32, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT DISTINCT storage_id FROM objects WHERE device_id = ? AND stale = 0 ORDER BY storage_id
	`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MarkStaleChildren begins a two-phase folder refresh: every current
// child of parent is flagged stale, so Children/Object stop returning
// it until either UpsertObjects clears the flag or PurgeStale removes
// the row.
func (ix *Index) MarkStaleChildren(ctx context.Context, deviceID string, storageID, parent uint32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	_, err := ix.db.ExecContext(ctx, `
		UPDATE objects SET stale = 1
		WHERE device_id = ? AND storage_id = ? AND parent_handle = ?
	`, deviceID, storageID, parent)
	return err
}

// PurgeStale deletes whatever is still flagged stale under parent,
// closing out the two-phase refresh MarkStaleChildren began. Rows
// re-written by an intervening UpsertObjects call are no longer
// stale and survive.
func (ix *Index) PurgeStale(ctx context.Context, deviceID string, storageID, parent uint32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	_, err := ix.db.ExecContext(ctx, `
		DELETE FROM objects
		WHERE device_id = ? AND storage_id = ? AND parent_handle = ? AND stale = 1
	`, deviceID, storageID, parent)
	return err
}

// ChangesSince returns every change-log entry with counter > anchor,
// in counter order.
func (ix *Index) ChangesSince(ctx context.Context, deviceID string, anchor int64) ([]Change, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT counter, kind, row_json FROM change_log
		WHERE device_id = ? AND counter > ?
		ORDER BY counter ASC
	`, deviceID, anchor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var counter int64
		var kind, payload string
		if err := rows.Scan(&counter, &kind, &payload); err != nil {
			return nil, err
		}
		var row Object
		if err := json.Unmarshal([]byte(payload), &row); err != nil {
			return nil, err
		}
		out = append(out, Change{Counter: counter, Kind: ChangeKind(kind), Row: row})
	}
	return out, rows.Err()
}

// PruneChangeLog deletes deviceID's change-log entries older than
// olderThan.
func (ix *Index) PruneChangeLog(ctx context.Context, deviceID string, olderThan time.Time) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	_, err := ix.db.ExecContext(ctx, `
		DELETE FROM change_log WHERE device_id = ? AND created_at < ?
	`, deviceID, olderThan.Unix())
	return err
}

// MigrateEphemeralDeviceID rewrites every row keyed by the old
// ephemeral device id (a type-hash DomainID, typically) onto
// newDomainID, once a stable serial-derived id has been learned.
func (ix *Index) MigrateEphemeralDeviceID(ctx context.Context, oldDeviceID, newDomainID string) error {
	if oldDeviceID == newDomainID {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"objects", "change_log", "crawl_state"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET device_id = ? WHERE device_id = ?`, table), newDomainID, oldDeviceID); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO devices (domain_id, display_name, last_seen_at, change_counter)
		SELECT ?, display_name, last_seen_at, change_counter FROM devices WHERE domain_id = ?
		ON CONFLICT(domain_id) DO UPDATE SET
			last_seen_at   = excluded.last_seen_at,
			change_counter = MAX(devices.change_counter, excluded.change_counter)
	`, newDomainID, oldDeviceID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE domain_id = ?`, oldDeviceID); err != nil {
		return err
	}

	return tx.Commit()
}

// CrawlState returns the last refresh time recorded for (storageID,
// parent), or ok=false if the scheduler has never refreshed it.
func (ix *Index) CrawlState(ctx context.Context, deviceID string, storageID, parent uint32) (time.Time, bool, error) {
	var ts int64
	err := ix.db.QueryRowContext(ctx, `
		SELECT last_refreshed_at FROM crawl_state
		WHERE device_id = ? AND storage_id = ? AND parent_handle = ?
	`, deviceID, storageID, parent).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(ts, 0).UTC(), true, nil
}

// SetCrawlState records when (storageID, parent) was last refreshed,
// for CrawlState to report back to the scheduler.
func (ix *Index) SetCrawlState(ctx context.Context, deviceID string, storageID, parent uint32, when time.Time) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO crawl_state (device_id, storage_id, parent_handle, last_refreshed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id, storage_id, parent_handle) DO UPDATE SET last_refreshed_at = excluded.last_refreshed_at
	`, deviceID, storageID, parent, when.Unix())
	return err
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
