// Package sqlite backs the order journal: a small key-value store used
// to track in-flight orders across a crash, separate from the position
// snapshot so a half-placed order can be reconciled on startup.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("journal: key not found")

type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// single writer; the engine serializes journal access per symbol
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS journal (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Get returns the value stored under key, ErrNotFound if absent.
func (j *Journal) Get(key string) ([]byte, error) {
	var value []byte
	err := j.db.QueryRow(`SELECT value FROM journal WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("journal get %q: %w", key, err)
	}
	return value, nil
}

// Set stores value under key, replacing any previous value.
func (j *Journal) Set(key string, value []byte) error {
	_, err := j.db.Exec(`
		INSERT INTO journal (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("journal set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (j *Journal) Delete(key string) error {
	if _, err := j.db.Exec(`DELETE FROM journal WHERE key = ?`, key); err != nil {
		return fmt.Errorf("journal delete %q: %w", key, err)
	}
	return nil
}

// List returns every key with the given prefix and its value.
func (j *Journal) List(prefix string) (map[string][]byte, error) {
	rows, err := j.db.Query(
		`SELECT key, value FROM journal WHERE key LIKE ? || '%' ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("journal list %q: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}
