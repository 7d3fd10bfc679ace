package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql
var sqliteFS embed.FS

const migrationsPath = "migrations/sqlite"

// Status describes one known migration.
type Status struct {
	Version uint
	Name    string
	Applied bool
	Dirty   bool
}

// Config holds the configuration for the migrator.
type Config struct {
	// TableName is the name of the migrations table
	// (default: schema_migrations).
	TableName string
}

// Migrator applies the embedded schema migrations against an already-open
// SQLite connection. Reusing the live connection matters for in-memory
// databases, where a second open would migrate a different store.
type Migrator struct {
	migrate *migrate.Migrate
	source  source.Driver
}

// NewMigrator wraps db with a migration runner.
func NewMigrator(db *sql.DB, cfg Config) (*Migrator, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if cfg.TableName == "" {
		cfg.TableName = "schema_migrations"
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: cfg.TableName,
	})
	if err != nil {
		return nil, fmt.Errorf("create sqlite migrate driver: %w", err)
	}

	sourceDriver, err := iofs.New(sqliteFS, migrationsPath)
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	return &Migrator{migrate: m, source: sourceDriver}, nil
}

// Up applies all pending migrations.
func (m *Migrator) Up() error {
	if err := m.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Down rolls back the last migration.
func (m *Migrator) Down() error {
	if err := m.migrate.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

// Steps applies (positive n) or rolls back (negative n) n migrations.
func (m *Migrator) Steps(n int) error {
	if err := m.migrate.Steps(n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration steps failed: %w", err)
	}
	return nil
}

// Version returns the current migration version and dirty state.
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get version: %w", err)
	}
	return version, dirty, nil
}

// StatusList returns the status of all known migrations.
func (m *Migrator) StatusList() ([]Status, error) {
	currentVersion, dirty, err := m.Version()
	if err != nil {
		return nil, err
	}

	files, err := availableMigrations()
	if err != nil {
		return nil, err
	}

	statuses := make([]Status, 0, len(files))
	for _, f := range files {
		statuses = append(statuses, Status{
			Version: f.version,
			Name:    f.name,
			Applied: f.version <= currentVersion,
			Dirty:   dirty && f.version == currentVersion,
		})
	}
	return statuses, nil
}

// Close releases the source driver. The database connection stays open:
// it belongs to the caller.
func (m *Migrator) Close() error {
	return m.source.Close()
}

type migrationFile struct {
	version uint
	name    string
}

// availableMigrations parses versions from embedded filenames, e.g.
// 000001_init_schema.up.sql.
func availableMigrations() ([]migrationFile, error) {
	entries, err := fs.ReadDir(sqliteFS, migrationsPath)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	seen := make(map[uint]bool)
	var files []migrationFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil || seen[uint(version)] {
			continue
		}
		seen[uint(version)] = true
		files = append(files, migrationFile{
			version: uint(version),
			name:    strings.TrimSuffix(parts[1], ".up.sql"),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}
