package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestStore creates a new SQLite store in a temp dir.
func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreCases(t, func(t *testing.T) Store { return createTestStore(t) })
}

func TestOpen_DispatchesOnScheme(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dsn.db")
	s, err := Open(context.Background(), "sqlite://"+path)
	require.NoError(t, err)
	defer s.Close()
	_, ok := s.(*SQLiteStore)
	assert.True(t, ok)

	_, err = Open(context.Background(), "redis://localhost")
	assert.Error(t, err)
}
