// Package testing provides testing utilities and helpers for the rebalancer.
package testing

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/aristath/rebalancer/internal/database"
)

// NewTestDB creates an in-memory SQLite database with the rebalancer schema
// applied. The connection is closed when the test ends.
//
// A single connection is kept open, an in-memory database lives and dies
// with its connection.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	schema, err := database.Schema("rebalancer")
	require.NoError(t, err)
	require.NoError(t, database.ApplySchema(db, schema))
	return db
}

// NewTestDBFile creates a migrated file database under t.TempDir(), for code
// that needs the database wrapper rather than a raw connection
func NewTestDBFile(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    t.TempDir() + "/rebalancer.db",
		Profile: database.ProfileStandard,
		Name:    "rebalancer",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate())
	return db
}
