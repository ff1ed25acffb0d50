// Package dbtest opens migrated throwaway databases for tests.
package dbtest

import (
	"testing"

	"github.com/kimhsiao/millsync/backend/internal/db"
)

// New opens a fully migrated database in a temp directory that is closed
// when the test ends.
func New(t testing.TB) *db.DB {
	t.Helper()

	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Migrate(); err != nil {
		t.Fatalf("migrate database: %v", err)
	}
	return database
}
