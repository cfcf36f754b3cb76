// Package store implements the persistent SQLite-backed state store
// (spec.md §3 "State store (sqlite source)", §6 "Persistent state
// layout"): a transactional per-system key->JSON-value table shared by the
// sqlite data source and the sqlite_update request handler.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// ValueType tags how a row's Value column should be interpreted.
type ValueType string

const (
	TypeBool   ValueType = "bool"
	TypeInt    ValueType = "int"
	TypeFloat  ValueType = "float"
	TypeString ValueType = "string"
	TypeJSON   ValueType = "json"
)

// Row is one (system_id, key) tuple from the system_data table.
type Row struct {
	SystemID string
	Key      string
	Value    string
	Type     ValueType
}

const schemaVersion = 1

const createTableSQL = `
CREATE TABLE IF NOT EXISTS system_data (
	system_id TEXT NOT NULL,
	key       TEXT NOT NULL,
	value     TEXT,
	type      TEXT NOT NULL,
	PRIMARY KEY (system_id, key)
)`

// Store wraps a single SQLite database file holding the system_data table.
// Per spec.md §5, the database is the single point of serialization for
// mutable state: it is opened in WAL mode with a generous busy_timeout,
// and every write goes through writeMu so concurrent writers never see
// SQLITE_BUSY from each other (only readers racing a writer can, and WAL
// plus busy_timeout absorbs that).
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open opens (creating if necessary) the SQLite file at path, in WAL mode
// with a busy_timeout of at least 5 seconds, and ensures the system_data
// table and schema version exist.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite connections don't share a WAL reader snapshot well under high concurrency; serialize at the Go level and let SQLite's own locking do the rest.

	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.db.Exec(createTableSQL); err != nil {
		return fmt.Errorf("create system_data table: %w", err)
	}
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version == 0 {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return fmt.Errorf("write schema version: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get reads a single row. ok is false if no row exists for (systemID, key).
func (s *Store) Get(systemID, key string) (Row, bool, error) {
	row := s.db.QueryRow(
		"SELECT value, type FROM system_data WHERE system_id = ? AND key = ?",
		systemID, key,
	)
	var value sql.NullString
	var typ string
	if err := row.Scan(&value, &typ); err != nil {
		if err == sql.ErrNoRows {
			return Row{}, false, nil
		}
		return Row{}, false, fmt.Errorf("get %s/%s: %w", systemID, key, err)
	}
	return Row{SystemID: systemID, Key: key, Value: value.String, Type: ValueType(typ)}, true, nil
}

// List returns every row for a system, in no particular order.
func (s *Store) List(systemID string) ([]Row, error) {
	rows, err := s.db.Query(
		"SELECT key, value, type FROM system_data WHERE system_id = ?",
		systemID,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", systemID, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var value sql.NullString
		var typ string
		if err := rows.Scan(&r.Key, &value, &typ); err != nil {
			return nil, fmt.Errorf("scan row for %s: %w", systemID, err)
		}
		r.SystemID = systemID
		r.Value = value.String
		r.Type = ValueType(typ)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Set writes (or overwrites) a single row, in its own immediate
// transaction.
func (s *Store) Set(systemID, key, value string, typ ValueType) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin set %s/%s: %w", systemID, key, err)
	}
	_, err = tx.Exec(
		`INSERT INTO system_data (system_id, key, value, type) VALUES (?, ?, ?, ?)
		 ON CONFLICT(system_id, key) DO UPDATE SET value = excluded.value, type = excluded.type`,
		systemID, key, value, string(typ),
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("set %s/%s: %w", systemID, key, err)
	}
	return tx.Commit()
}

// Delete removes a single row. It is not an error for the row not to
// exist.
func (s *Store) Delete(systemID, key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete %s/%s: %w", systemID, key, err)
	}
	if _, err := tx.Exec("DELETE FROM system_data WHERE system_id = ? AND key = ?", systemID, key); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete %s/%s: %w", systemID, key, err)
	}
	return tx.Commit()
}

// DeleteAll removes every row for a system, in a single transaction. It is
// not an error for the system to have no rows.
func (s *Store) DeleteAll(systemID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete all %s: %w", systemID, err)
	}
	if _, err := tx.Exec("DELETE FROM system_data WHERE system_id = ?", systemID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete all %s: %w", systemID, err)
	}
	return tx.Commit()
}

// FindBySystemAndKeyValue scans for the first system_id whose row at key
// has the given value, for the sqlite data source's optional reverse
// lookup. Returns ok=false if no row matches.
func (s *Store) FindBySystemAndKeyValue(key, value string) (string, bool, error) {
	row := s.db.QueryRow(
		"SELECT system_id FROM system_data WHERE key = ? AND value = ? LIMIT 1",
		key, value,
	)
	var systemID string
	if err := row.Scan(&systemID); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("find by %s=%s: %w", key, value, err)
	}
	return systemID, true, nil
}

// FindAllByKeyValue returns every system_id whose row at key has the given
// value. The sqlite data source's find_system treats anything but exactly
// one match as "not found", since a non-unique value cannot identify a
// single system.
func (s *Store) FindAllByKeyValue(key, value string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT system_id FROM system_data WHERE key = ? AND value = ?",
		key, value,
	)
	if err != nil {
		return nil, fmt.Errorf("find all by %s=%s: %w", key, value, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var systemID string
		if err := rows.Scan(&systemID); err != nil {
			return nil, fmt.Errorf("scan match for %s=%s: %w", key, value, err)
		}
		out = append(out, systemID)
	}
	return out, rows.Err()
}
