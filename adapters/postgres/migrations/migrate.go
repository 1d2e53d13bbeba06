// Package migrations applies the versioned ledger schema. Migration files
// are embedded in the binary, recorded in schema_migrations with a checksum,
// and applied each inside its own transaction.
package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"fmt"
	"log"
	"sort"
	"strings"
)

//go:embed *.sql
var migrationFS embed.FS

// Migrator handles database schema migrations
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new migrator
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// MigrationStatus pairs one known migration with whether it has been applied
type MigrationStatus struct {
	Version string
	Name    string
	Applied bool
}

// Up executes all pending migrations in version order. A migration whose
// recorded checksum no longer matches its embedded file aborts the run.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	files, err := loadMigrationFiles()
	if err != nil {
		return fmt.Errorf("failed to load migration files: %w", err)
	}

	for _, file := range files {
		if recorded, ok := applied[file.Version]; ok {
			if recorded != file.Checksum {
				return fmt.Errorf("migration %s changed after being applied (checksum %s, recorded %s)",
					file.Version, file.Checksum, recorded)
			}
			continue
		}

		if err := m.applyMigration(ctx, file); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", file.Version, err)
		}
		log.Printf("[Migrator] applied %s_%s", file.Version, file.Name)
	}

	return nil
}

// Status reports each known migration and whether it has been applied
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	files, err := loadMigrationFiles()
	if err != nil {
		return nil, fmt.Errorf("failed to load migration files: %w", err)
	}

	statuses := make([]MigrationStatus, 0, len(files))
	for _, file := range files {
		_, ok := applied[file.Version]
		statuses = append(statuses, MigrationStatus{
			Version: file.Version,
			Name:    file.Name,
			Applied: ok,
		})
	}
	return statuses, nil
}

func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// appliedMigrations returns the recorded checksum per applied version
func (m *Migrator) appliedMigrations(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, checksum FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, err
		}
		applied[version] = checksum
	}

	return applied, rows.Err()
}

// applyMigration executes a single migration inside a transaction
func (m *Migrator) applyMigration(ctx context.Context, file migrationFile) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, file.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, checksum) VALUES ($1, $2)",
		file.Version, file.Checksum)
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// migrationFile is one embedded migration, parsed from NNN_name.sql
type migrationFile struct {
	Version  string
	Name     string
	SQL      string
	Checksum string
}

// loadMigrationFiles parses the embedded migrations sorted by version
func loadMigrationFiles() ([]migrationFile, error) {
	entries, err := migrationFS.ReadDir(".")
	if err != nil {
		return nil, err
	}

	var files []migrationFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		parts := strings.SplitN(strings.TrimSuffix(entry.Name(), ".sql"), "_", 2)
		if len(parts) < 2 {
			return nil, fmt.Errorf("migration file %q does not follow NNN_name.sql", entry.Name())
		}

		data, err := migrationFS.ReadFile(entry.Name())
		if err != nil {
			return nil, err
		}

		files = append(files, migrationFile{
			Version:  parts[0],
			Name:     parts[1],
			SQL:      string(data),
			Checksum: calculateChecksum(data),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Version < files[j].Version
	})

	return files, nil
}

// calculateChecksum computes the SHA256 checksum of migration content
func calculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)
}
