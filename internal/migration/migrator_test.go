package migration

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigratorUpCreatesSchema(t *testing.T) {
	db := openTestDB(t)

	m, err := NewMigrator(db, Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Up())

	for _, table := range []string{
		"memory_records", "memory_edges", "entity_profiles",
		"knowledge_gaps", "working_memory_snapshots", "consolidation_runs",
	} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s missing", table)
	}

	// FTS virtual table and its triggers.
	var count int
	require.NoError(t, db.QueryRow(
		"SELECT count(*) FROM sqlite_master WHERE name LIKE 'memory_fts%'",
	).Scan(&count))
	assert.Greater(t, count, 0)

	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)
}

func TestMigratorUpIsIdempotent(t *testing.T) {
	db := openTestDB(t)

	m, err := NewMigrator(db, Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.Up())
	require.NoError(t, m.Up())
}

func TestMigratorDownRollsBack(t *testing.T) {
	db := openTestDB(t)

	m, err := NewMigrator(db, Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.Up())
	require.NoError(t, m.Down())

	var count int
	require.NoError(t, db.QueryRow(
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'memory_records'",
	).Scan(&count))
	assert.Zero(t, count)
}

func TestMigratorCloseLeavesConnectionOpen(t *testing.T) {
	db := openTestDB(t)

	m, err := NewMigrator(db, Config{})
	require.NoError(t, err)
	require.NoError(t, m.Up())
	require.NoError(t, m.Close())

	// The caller's connection must survive the migrator.
	assert.NoError(t, db.Ping())
}

func TestStatusList(t *testing.T) {
	db := openTestDB(t)

	m, err := NewMigrator(db, Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	statuses, err := m.StatusList()
	require.NoError(t, err)
	require.NotEmpty(t, statuses)
	assert.False(t, statuses[0].Applied)

	require.NoError(t, m.Up())
	statuses, err = m.StatusList()
	require.NoError(t, err)
	assert.True(t, statuses[0].Applied)
}
