// Package store opens the configured persistence backend.
package store

import (
	"github.com/LdDl/mot-pipeline/pipeline"
	"github.com/LdDl/mot-pipeline/store/filestore"
	"github.com/LdDl/mot-pipeline/store/sqlite"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"
)

// Config selects backend and its location: database file for sqlite, root directory for file
type Config struct {
	Driver string `json:"driver" mapstructure:"driver" yaml:"driver"`
	Path   string `json:"path" mapstructure:"path" yaml:"path"`
}

// DefaultConfig returns sqlite database in the working directory
func DefaultConfig() Config {
	return Config{
		Driver: DriverSQLite,
		Path:   "motpipe.db",
	}
}

// Open opens backend. SQLite schema is migrated to the latest version.
func Open(cfg Config, logger *zap.Logger) (pipeline.Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case DriverSQLite, "":
		db, err := sqlite.Open(cfg.Path, logger.With(zap.String("store", DriverSQLite)))
		if err != nil {
			return nil, err
		}
		if err := db.MigrateUp(); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	case DriverFile:
		return filestore.Open(cfg.Path, logger.With(zap.String("store", DriverFile)))
	default:
		return nil, errors.Errorf("unknown store driver '%s'", cfg.Driver)
	}
}
