package db

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrator_embedded(t *testing.T) {
	database := openTestDB(t)

	m := NewMigrator(database.DB, Migrations())
	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	// Re-running is a no-op.
	require.NoError(t, m.Up())

	applied, err := m.GetAppliedMigrations()
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, "sync_core", applied[0].Description)
	assert.Len(t, applied[0].Checksum, 64)
}

func TestMigrator_down(t *testing.T) {
	database := openTestDB(t)
	m := NewMigrator(database.DB, Migrations())

	require.NoError(t, m.Down())
	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	_, err = database.Exec(`SELECT 1 FROM sync_credentials`)
	assert.Error(t, err)

	require.NoError(t, m.Up())
	version, err = m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestMigrator_detectsModifiedMigration(t *testing.T) {
	database, err := Open(t.TempDir())
	require.NoError(t, err)
	defer database.Close()

	fsys := fstest.MapFS{
		"V1__init.up.sql": {Data: []byte("CREATE TABLE a (id INTEGER);")},
	}
	m := NewMigrator(database.DB, fsys)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Up())

	fsys["V1__init.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE b (id INTEGER);")}
	assert.Error(t, m.Up())
}

func TestMigrator_skipsMalformedNames(t *testing.T) {
	database, err := Open(t.TempDir())
	require.NoError(t, err)
	defer database.Close()

	fsys := fstest.MapFS{
		"README.md":          {Data: []byte("docs")},
		"init.up.sql":        {Data: []byte("CREATE TABLE x (id INTEGER);")},
		"Vx__bad.up.sql":     {Data: []byte("CREATE TABLE y (id INTEGER);")},
		"V3__third.up.sql":   {Data: []byte("CREATE TABLE c (id INTEGER);")},
		"V3__third.down.sql": {Data: []byte("DROP TABLE c;")},
	}
	m := NewMigrator(database.DB, fsys)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Up())

	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 3, version)
}
