package database

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/logger"
)

// Migration represents a single schema change. The SQL must run unchanged
// on both postgres and sqlite3.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// MigrationRunner applies migrations and records them in schema_migrations.
type MigrationRunner struct {
	db  *sqlx.DB
	log *logger.Logger
}

func NewMigrationRunner(db *sqlx.DB, log *logger.Logger) *MigrationRunner {
	if log == nil {
		log = logger.NewNop()
	}
	return &MigrationRunner{db: db, log: log.WithComponent("migrations")}
}

// GetAllMigrations returns all migrations in version order.
func GetAllMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create accounts and websites tables",
			Up: `
				CREATE TABLE IF NOT EXISTS accounts (
					id TEXT PRIMARY KEY,
					email TEXT NOT NULL UNIQUE,
					plan_tier TEXT NOT NULL DEFAULT 'free',
					subscription_status TEXT NOT NULL DEFAULT 'active',
					chat_webhook_url TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS websites (
					id TEXT PRIMARY KEY,
					account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
					url TEXT NOT NULL,
					scan_frequency TEXT NOT NULL DEFAULT 'MANUAL',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					last_scanned_at TIMESTAMP,
					next_scan_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_websites_account_id ON websites(account_id);
			`,
			Down: `
				DROP TABLE IF EXISTS websites;
				DROP TABLE IF EXISTS accounts;
			`,
		},
		{
			Version:     2,
			Description: "Create scans and findings tables",
			Up: `
				CREATE TABLE IF NOT EXISTS scans (
					id TEXT PRIMARY KEY,
					website_id TEXT NOT NULL REFERENCES websites(id) ON DELETE CASCADE,
					created_at TIMESTAMP NOT NULL,
					risk_score INTEGER NOT NULL,
					confidence INTEGER NOT NULL DEFAULT 0,
					core TEXT NOT NULL,
					plugins TEXT NOT NULL,
					themes TEXT NOT NULL,
					server TEXT NOT NULL,
					vulnerabilities TEXT NOT NULL,
					duration_ms INTEGER NOT NULL DEFAULT 0
				);

				CREATE TABLE IF NOT EXISTS findings (
					id TEXT PRIMARY KEY,
					scan_id TEXT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
					component_kind TEXT NOT NULL,
					component_slug TEXT NOT NULL,
					component_version TEXT NOT NULL,
					severity TEXT NOT NULL,
					title TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					cve TEXT NOT NULL DEFAULT '',
					cvss DOUBLE PRECISION,
					affected_versions TEXT NOT NULL DEFAULT '',
					fixed_in TEXT NOT NULL DEFAULT '',
					vuln_type TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL DEFAULT 'OPEN',
					fingerprint TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_scans_website_id ON scans(website_id);
				CREATE INDEX IF NOT EXISTS idx_scans_created_at ON scans(created_at);
				CREATE INDEX IF NOT EXISTS idx_findings_scan_id ON findings(scan_id);
				CREATE INDEX IF NOT EXISTS idx_findings_fingerprint ON findings(fingerprint);
				CREATE INDEX IF NOT EXISTS idx_findings_severity ON findings(severity);
			`,
			Down: `
				DROP TABLE IF EXISTS findings;
				DROP TABLE IF EXISTS scans;
			`,
		},
		{
			Version:     3,
			Description: "Track consecutive scan failures and index due selection",
			Up: `
				ALTER TABLE websites ADD COLUMN consecutive_failures INTEGER NOT NULL DEFAULT 0;
				CREATE INDEX IF NOT EXISTS idx_websites_next_scan_at ON websites(next_scan_at);
			`,
			Down: `
				DROP INDEX IF EXISTS idx_websites_next_scan_at;
				ALTER TABLE websites DROP COLUMN consecutive_failures;
			`,
		},
	}
}

func (mr *MigrationRunner) ensureMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			checksum TEXT NOT NULL
		);
	`
	if _, err := mr.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	return nil
}

func (mr *MigrationRunner) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	applied := make(map[int]bool)

	var versions []int
	if err := mr.db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations ORDER BY version"); err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

// RunMigrations applies all pending migrations and returns how many ran.
func (mr *MigrationRunner) RunMigrations(ctx context.Context) (int, error) {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return 0, err
	}

	applied, err := mr.getAppliedMigrations(ctx)
	if err != nil {
		return 0, err
	}

	all := GetAllMigrations()
	sort.Slice(all, func(i, j int) bool { return all[i].Version < all[j].Version })

	count := 0
	for _, m := range all {
		if applied[m.Version] {
			continue
		}
		if err := mr.applyMigration(ctx, m); err != nil {
			return count, fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}
		count++
	}

	if count == 0 {
		mr.log.Debugw("Database schema is up to date", "latest_version", all[len(all)-1].Version)
	} else {
		mr.log.Infow("Migrations applied", "migrations_applied", count)
	}
	return count, nil
}

func (mr *MigrationRunner) applyMigration(ctx context.Context, m Migration) error {
	mr.log.Infow("Applying migration",
		"version", m.Version,
		"description", m.Description,
	)

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		mr.log.Errorw("Migration failed", "version", m.Version, "error", err)
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	record := mr.db.Rebind(`
		INSERT INTO schema_migrations (version, description, applied_at, checksum)
		VALUES (?, ?, ?, ?)
	`)
	checksum := fmt.Sprintf("%x", m.Version)
	if _, err := tx.ExecContext(ctx, record, m.Version, m.Description, time.Now().UTC(), checksum); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// MigrationStatus summarizes applied versus available migrations.
type MigrationStatus struct {
	CurrentVersion int  `json:"current_version"`
	LatestVersion  int  `json:"latest_version"`
	PendingCount   int  `json:"pending_count"`
	UpToDate       bool `json:"is_up_to_date"`
}

func (mr *MigrationRunner) GetMigrationStatus(ctx context.Context) (*MigrationStatus, error) {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}
	applied, err := mr.getAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	status := &MigrationStatus{}
	for _, m := range GetAllMigrations() {
		status.LatestVersion = max(status.LatestVersion, m.Version)
		if applied[m.Version] {
			status.CurrentVersion = max(status.CurrentVersion, m.Version)
		} else {
			status.PendingCount++
		}
	}
	status.UpToDate = status.PendingCount == 0
	return status, nil
}

// RollbackMigration reverts one applied migration.
func (mr *MigrationRunner) RollbackMigration(ctx context.Context, version int) error {
	var migration *Migration
	for _, m := range GetAllMigrations() {
		if m.Version == version {
			m := m
			migration = &m
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration version %d not found", version)
	}
	if migration.Down == "" {
		return fmt.Errorf("migration version %d has no rollback SQL", version)
	}

	mr.log.Warnw("Rolling back migration", "version", version)

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.Down); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, mr.db.Rebind("DELETE FROM schema_migrations WHERE version = ?"), version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}
	return tx.Commit()
}
