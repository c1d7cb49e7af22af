package testutil

import (
	"testing"

	"cdist-go/internal/database"
)

// NewTestCatalog creates a new in-memory SQLite catalog with schema applied,
// a FixedClock and sequential IDs. The catalog is closed when the test completes.
func NewTestCatalog(t *testing.T) *database.SQLiteCatalog {
	t.Helper()

	sqlDB, err := database.OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	if _, err := sqlDB.Exec(database.Schema); err != nil {
		sqlDB.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	c := database.NewSQLiteCatalogFromDB(sqlDB, ":memory:", FixedClock(), NewStubIDGenerator())

	t.Cleanup(func() {
		c.Close()
	})

	return c
}
