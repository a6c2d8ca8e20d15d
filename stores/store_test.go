package stores

import (
	"context"
	"database/sql"
	"testing"

	"github.com/oarkflow/squealx"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// openSQLite returns a migrated in-memory database. A single connection
// keeps every query on the same in-memory instance.
func openSQLite(t *testing.T) *squealx.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")
	require.NoError(t, Migrate(context.Background(), db))
	return db
}
