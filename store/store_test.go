package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/LdDl/mot-pipeline/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	for _, cfg := range []Config{
		{Driver: DriverSQLite, Path: filepath.Join(dir, "motpipe.db")},
		{Driver: DriverFile, Path: filepath.Join(dir, "jobs")},
	} {
		backend, err := Open(cfg, nil)
		require.NoError(t, err, cfg.Driver)
		_, err = backend.GetJob(context.Background(), "missing")
		assert.ErrorIs(t, err, pipeline.ErrJobNotFound, cfg.Driver)
		require.NoError(t, backend.Close())
	}

	_, err := Open(Config{Driver: "postgres", Path: "x"}, nil)
	assert.Error(t, err)
}
