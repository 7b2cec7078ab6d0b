// Package registry provides the peripheral lookup table and the
// operation-history sink, both backed by one SQLite database. The core
// reads peripheral records per operation and never caches credentials
// beyond an operation's lifetime; history writes arrive concurrently from
// all peripheral loops.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/opd-ai/ftpbridge/session"
)

// ErrUnknownPeripheral indicates the requested index has no registry entry.
var ErrUnknownPeripheral = errors.New("unknown peripheral index")

// Peripheral is one registry row.
type Peripheral struct {
	Index    int
	Name     string
	Host     string
	Port     int
	User     string
	Password string
	UseTLS   bool
}

// Summary is the credential-free view of a peripheral used in responses.
type Summary struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	UseTLS bool   `json:"use_tls"`
}

// Operation is one history record.
type Operation struct {
	ID        string
	Type      string
	Status    string
	Details   string
	CreatedAt time.Time
}

// Store wraps the SQLite database. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the registry database, creating its parent
// directory as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	createPeripheral := `
    CREATE TABLE IF NOT EXISTS peripheral (
        idx INTEGER PRIMARY KEY,
        name TEXT NOT NULL DEFAULT '',
        host TEXT NOT NULL,
        port INTEGER NOT NULL DEFAULT 21,
        user TEXT NOT NULL DEFAULT 'anonymous',
        password TEXT NOT NULL DEFAULT '',
        use_tls BOOLEAN NOT NULL DEFAULT 0,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );`
	if _, err := s.db.Exec(createPeripheral); err != nil {
		return fmt.Errorf("create peripheral table: %w", err)
	}

	createHistory := `
    CREATE TABLE IF NOT EXISTS operation_history (
        id TEXT PRIMARY KEY,
        operation_type TEXT NOT NULL,
        status TEXT NOT NULL,
        details TEXT NOT NULL DEFAULT '',
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );`
	if _, err := s.db.Exec(createHistory); err != nil {
		return fmt.Errorf("create operation_history table: %w", err)
	}
	return nil
}

// Upsert creates or replaces a peripheral row. The administrative console
// is the usual writer; the service CLI uses it for provisioning.
func (s *Store) Upsert(p Peripheral) error {
	_, err := s.db.Exec(`
        INSERT INTO peripheral (idx, name, host, port, user, password, use_tls)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(idx) DO UPDATE SET
            name = excluded.name,
            host = excluded.host,
            port = excluded.port,
            user = excluded.user,
            password = excluded.password,
            use_tls = excluded.use_tls`,
		p.Index, p.Name, p.Host, p.Port, p.User, p.Password, p.UseTLS)
	if err != nil {
		return fmt.Errorf("upsert peripheral %d: %w", p.Index, err)
	}
	return nil
}

// Delete removes a peripheral row.
func (s *Store) Delete(index int) error {
	_, err := s.db.Exec("DELETE FROM peripheral WHERE idx = ?", index)
	return err
}

// Lookup resolves an index to a connection reference for one operation.
func (s *Store) Lookup(index int) (session.PeripheralRef, error) {
	var p Peripheral
	err := s.db.QueryRow(
		"SELECT idx, host, port, user, password, use_tls FROM peripheral WHERE idx = ?",
		index,
	).Scan(&p.Index, &p.Host, &p.Port, &p.User, &p.Password, &p.UseTLS)
	if err == sql.ErrNoRows {
		return session.PeripheralRef{}, fmt.Errorf("%w: %d", ErrUnknownPeripheral, index)
	}
	if err != nil {
		return session.PeripheralRef{}, err
	}
	return session.PeripheralRef{
		Index:    p.Index,
		Host:     p.Host,
		Port:     p.Port,
		User:     p.User,
		Password: p.Password,
		UseTLS:   p.UseTLS,
	}, nil
}

// List returns credential-free summaries of all peripherals.
func (s *Store) List() ([]Summary, error) {
	rows, err := s.db.Query("SELECT idx, name, host, port, use_tls FROM peripheral ORDER BY idx")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.Index, &sum.Name, &sum.Host, &sum.Port, &sum.UseTLS); err != nil {
			return nil, err
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Indices returns the configured peripheral indices in ascending order.
func (s *Store) Indices() ([]int, error) {
	rows, err := s.db.Query("SELECT idx FROM peripheral ORDER BY idx")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var indices []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		indices = append(indices, idx)
	}
	return indices, rows.Err()
}

// RecordOperation appends one terminal outcome to the history. Writers from
// different peripheral loops may call it concurrently.
func (s *Store) RecordOperation(opType, status, details string) error {
	_, err := s.db.Exec(
		"INSERT INTO operation_history (id, operation_type, status, details) VALUES (?, ?, ?, ?)",
		uuid.NewString(), opType, status, details)
	if err != nil {
		return fmt.Errorf("record operation: %w", err)
	}
	return nil
}

// RecentOperations returns the newest history records, newest first.
func (s *Store) RecentOperations(limit int) ([]Operation, error) {
	rows, err := s.db.Query(
		"SELECT id, operation_type, status, details, created_at FROM operation_history ORDER BY created_at DESC, id LIMIT ?",
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		var op Operation
		if err := rows.Scan(&op.ID, &op.Type, &op.Status, &op.Details, &op.CreatedAt); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
