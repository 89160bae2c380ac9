// Package sqlite provides a SQLite-backed keychain backend built on the pure
// Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/panyam/mobileauth/keychain"
)

const schema = `CREATE TABLE IF NOT EXISTS keychain_items (
	namespace TEXT NOT NULL,
	item_key  TEXT NOT NULL,
	value     BLOB NOT NULL,
	PRIMARY KEY (namespace, item_key)
)`

// Store persists keychain items in one table.
type Store struct {
	sqlDB *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the schema.
// Pass ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create keychain schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT value FROM keychain_items WHERE namespace = ? AND item_key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, keychain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get keychain item: %w", err)
	}
	return value, nil
}

func (s *Store) Put(ctx context.Context, namespace, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO keychain_items (namespace, item_key, value) VALUES (?, ?, ?)
		 ON CONFLICT(namespace, item_key) DO UPDATE SET value = excluded.value`,
		namespace, key, value,
	)
	if err != nil {
		return fmt.Errorf("put keychain item: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM keychain_items WHERE namespace = ? AND item_key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete keychain item: %w", err)
	}
	return nil
}
