package keys

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a single-file embedded alternative to FileStore, for
// applications wanting durability without an external database — grounded
// on the teacher's internal/db connection-setup idiom, adapted to the
// lighter-weight sqlite driver also used by the app-state dead-letter
// queue (internal/appstate.SQLiteDLQ).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) path as a sqlite3 database and
// ensures the keys_state table exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("keys: sqlite store open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("keys: sqlite store ping: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS keys_state (
	id INTEGER PRIMARY KEY,
	blob BLOB NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("keys: sqlite store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, id uint32) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM keys_state WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keys: sqlite store load: %w", err)
	}
	return blob, nil
}

func (s *SQLiteStore) Save(ctx context.Context, id uint32, blob []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO keys_state (id, blob) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET blob = excluded.blob`, id, blob)
	if err != nil {
		return fmt.Errorf("keys: sqlite store save: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Index(ctx context.Context) ([]uint32, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM keys_state ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("keys: sqlite store index: %w", err)
	}
	defer rows.Close()

	var ids []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("keys: sqlite store index: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM keys_state`)
	if err != nil {
		return fmt.Errorf("keys: sqlite store delete all: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// PostgresStore is the Store implementation for multi-process deployments
// sharing one KeysState namespace, grounded on the teacher's
// internal/db/postgres.go connection-pool setup.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens connStr, tunes the connection pool the way the
// teacher's NewPostgresDB does, and ensures the keys_state table exists.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("keys: postgres store open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("keys: postgres store ping: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS keys_state (
	id BIGINT PRIMARY KEY,
	blob BYTEA NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("keys: postgres store schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Load(ctx context.Context, id uint32) ([]byte, error) {
	var blob []byte
	err := p.db.QueryRowContext(ctx, `SELECT blob FROM keys_state WHERE id = $1`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keys: postgres store load: %w", err)
	}
	return blob, nil
}

func (p *PostgresStore) Save(ctx context.Context, id uint32, blob []byte) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO keys_state (id, blob) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET blob = excluded.blob`, id, blob)
	if err != nil {
		return fmt.Errorf("keys: postgres store save: %w", err)
	}
	return nil
}

func (p *PostgresStore) Index(ctx context.Context) ([]uint32, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM keys_state ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("keys: postgres store index: %w", err)
	}
	defer rows.Close()

	var ids []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("keys: postgres store index: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) DeleteAll(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM keys_state`)
	if err != nil {
		return fmt.Errorf("keys: postgres store delete all: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (p *PostgresStore) Close() error { return p.db.Close() }
