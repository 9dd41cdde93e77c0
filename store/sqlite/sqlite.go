// Package sqlite keeps jobs, checkpoints and finalized objects in a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/LdDl/mot-pipeline/pipeline"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
}

// Store implements pipeline.Backend on top of SQLite
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ pipeline.Backend = (*Store)(nil)

// Open opens (creating if needed) database file at path. Schema is not touched:
// call MigrateUp before using the store.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't open database '%s'", path)
	}
	// Workers flush concurrently. A single connection serializes them without SQLITE_BUSY
	db.SetMaxOpenConns(1)
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "Can't apply '%s'", pragma)
		}
	}
	return &Store{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the database
func (store *Store) Close() error {
	return store.db.Close()
}

func (store *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := store.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "Can't begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "Can't commit transaction")
}
