// Package postgres provides a PostgreSQL-backed kv.Storage.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const schema = `CREATE TABLE IF NOT EXISTS kv_items (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Store is a kv.Storage on the kv_items table.
type Store struct {
	db *sql.DB
}

// Open connects to databaseURL and creates the kv_items table if needed.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection. The caller owns db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the kv_items table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create kv_items: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetItem returns the value stored for key.
func (s *Store) GetItem(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_items WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get item: %w", err)
	}
	return value, true, nil
}

// SetItem sets or replaces the value for key.
func (s *Store) SetItem(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_items (key, value, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = NOW()`,
		key, value)
	if err != nil {
		return fmt.Errorf("set item: %w", err)
	}
	return nil
}

// RemoveItem deletes key. Removing a missing key is not an error.
func (s *Store) RemoveItem(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_items WHERE key = $1`, key); err != nil {
		return fmt.Errorf("remove item: %w", err)
	}
	return nil
}

// Clear deletes every item.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_items`); err != nil {
		return fmt.Errorf("clear items: %w", err)
	}
	return nil
}
