// Package db records conversion runs in a local sqlite database.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// NewDB opens the sqlite database at path, creating its directory.
func NewDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	historyDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// sqlite allows a single writer
	historyDB.SetMaxOpenConns(1)

	if err := historyDB.Ping(); err != nil {
		_ = historyDB.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	return historyDB, nil
}

// Store is the conversion history backed by an initialized database.
type Store struct {
	db *sql.DB
}

// OpenStore opens the database at path and applies the schema.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	historyDB, err := NewDB(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, historyDB); err != nil {
		_ = historyDB.Close()
		return nil, err
	}
	return &Store{db: historyDB}, nil
}

func (s *Store) Start(ctx context.Context, c *Conversion) error {
	return InsertConversion(ctx, s.db, c)
}

func (s *Store) Finish(ctx context.Context, c *Conversion) error {
	return FinishConversion(ctx, s.db, c)
}

func (s *Store) List(ctx context.Context, limit int) ([]*Conversion, error) {
	return ListConversions(ctx, s.db, limit)
}

func (s *Store) Get(ctx context.Context, id string) (*Conversion, error) {
	return GetConversionByID(ctx, s.db, id)
}

func (s *Store) Close() error {
	return s.db.Close()
}
