package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/core"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the sqlx-backed persistence layer for postgres and sqlite3.
type Store struct {
	db     *sqlx.DB
	cfg    config.DatabaseConfig
	logger *logger.Logger
}

var _ core.Store = (*Store)(nil)

// NewStore connects, configures the pool and applies pending migrations.
func NewStore(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.WithComponent("database")

	start := time.Now()
	ctx, span := log.StartOperation(ctx, "database.NewStore",
		"driver", cfg.Driver,
		"dsn_masked", maskDSN(cfg.DSN),
	)
	var err error
	defer func() {
		log.FinishOperation(ctx, span, "database.NewStore", start, err)
	}()

	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		log.LogError(ctx, err, "database.Connect",
			"driver", cfg.Driver,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if cfg.Driver == "sqlite3" {
		if _, err = db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	store := &Store{db: db, cfg: cfg, logger: log}

	migrateStart := time.Now()
	applied, err := NewMigrationRunner(db, log).RunMigrations(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.LogDuration(ctx, "database.Migrate", migrateStart, "migrations_applied", applied)

	log.Infow("Database store initialized",
		"driver", cfg.Driver,
		"max_connections", cfg.MaxConnections,
		"total_init_duration_ms", time.Since(start).Milliseconds(),
	)
	return store, nil
}

// maskDSN hides credentials when logging a connection string.
func maskDSN(dsn string) string {
	if len(dsn) > 10 {
		return dsn[:5] + "***" + dsn[len(dsn)-5:]
	}
	return "***"
}

// DB exposes the underlying handle for the migrate command.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func utc(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := utc(*t)
	return &v
}

const websiteColumns = `
	w.id, w.url, w.account_id, w.scan_frequency, w.is_active,
	w.last_scanned_at, w.next_scan_at, w.consecutive_failures, w.created_at,
	a.email AS owner_email, a.chat_webhook_url`

// SelectDueWebsites returns active, non-manual websites of active accounts
// whose next scan time has passed, oldest due first.
func (s *Store) SelectDueWebsites(ctx context.Context, now time.Time, limit int) ([]types.Website, error) {
	start := time.Now()
	query := s.db.Rebind(`
		SELECT` + websiteColumns + `
		FROM websites w
		JOIN accounts a ON a.id = w.account_id
		WHERE w.is_active = TRUE
		  AND a.subscription_status = 'active'
		  AND w.scan_frequency <> 'MANUAL'
		  AND (w.next_scan_at IS NULL OR w.next_scan_at <= ?)
		ORDER BY COALESCE(w.next_scan_at, w.created_at) ASC, w.id ASC
		LIMIT ?`)

	websites := []types.Website{}
	if err := s.db.SelectContext(ctx, &websites, query, utc(now), limit); err != nil {
		s.logger.LogError(ctx, err, "database.SelectDueWebsites", "limit", limit)
		return nil, fmt.Errorf("failed to select due websites: %w", err)
	}

	s.logger.LogDatabaseOperation(ctx, "SELECT", "websites", int64(len(websites)), time.Since(start),
		"limit", limit,
	)
	return websites, nil
}

// UpdateWebsiteSchedule records a completed attempt and resets the failure
// counter. A nil nextScanAt leaves the website manual-only.
func (s *Store) UpdateWebsiteSchedule(ctx context.Context, websiteID string, lastScannedAt time.Time, nextScanAt *time.Time) error {
	query := s.db.Rebind(`
		UPDATE websites
		SET last_scanned_at = ?, next_scan_at = ?, consecutive_failures = 0
		WHERE id = ?`)

	return s.execOne(ctx, "UPDATE", "websites", query, utc(lastScannedAt), utcPtr(nextScanAt), websiteID)
}

// RecordScanFailure bumps the failure counter and pushes next_scan_at out
// without touching last_scanned_at.
func (s *Store) RecordScanFailure(ctx context.Context, websiteID string, nextScanAt time.Time) error {
	query := s.db.Rebind(`
		UPDATE websites
		SET next_scan_at = ?, consecutive_failures = consecutive_failures + 1
		WHERE id = ?`)

	return s.execOne(ctx, "UPDATE", "websites", query, utc(nextScanAt), websiteID)
}

func (s *Store) execOne(ctx context.Context, op, table, query string, args ...interface{}) error {
	start := time.Now()
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.logger.LogError(ctx, err, "database."+op, "table", table)
		return err
	}
	rows, _ := result.RowsAffected()
	s.logger.LogDatabaseOperation(ctx, op, table, rows, time.Since(start))
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// scanRow is the storage shape of a Scan; inventories are JSON text.
type scanRow struct {
	ID              string    `db:"id"`
	WebsiteID       string    `db:"website_id"`
	CreatedAt       time.Time `db:"created_at"`
	RiskScore       int       `db:"risk_score"`
	Confidence      int       `db:"confidence"`
	Core            string    `db:"core"`
	Plugins         string    `db:"plugins"`
	Themes          string    `db:"themes"`
	Server          string    `db:"server"`
	Vulnerabilities string    `db:"vulnerabilities"`
	DurationMs      int64     `db:"duration_ms"`
}

func toScanRow(scan *types.Scan) (*scanRow, error) {
	row := &scanRow{
		ID:         scan.ID,
		WebsiteID:  scan.WebsiteID,
		CreatedAt:  utc(scan.CreatedAt),
		RiskScore:  scan.RiskScore,
		Confidence: scan.Confidence,
		DurationMs: scan.DurationMs,
	}

	plugins, themes, vulns := scan.Plugins, scan.Themes, scan.Vulnerabilities
	if plugins == nil {
		plugins = []types.ComponentInventoryItem{}
	}
	if themes == nil {
		themes = []types.ComponentInventoryItem{}
	}
	if vulns == nil {
		vulns = []types.VulnerabilityRecord{}
	}

	fields := []struct {
		dst *string
		src interface{}
	}{
		{&row.Core, scan.Core},
		{&row.Plugins, plugins},
		{&row.Themes, themes},
		{&row.Server, scan.Server},
		{&row.Vulnerabilities, vulns},
	}
	for _, f := range fields {
		data, err := json.Marshal(f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = string(data)
	}
	return row, nil
}

func (r *scanRow) toScan() (*types.Scan, error) {
	scan := &types.Scan{
		ID:         r.ID,
		WebsiteID:  r.WebsiteID,
		CreatedAt:  r.CreatedAt,
		RiskScore:  r.RiskScore,
		Confidence: r.Confidence,
		DurationMs: r.DurationMs,
	}

	fields := []struct {
		src string
		dst interface{}
	}{
		{r.Core, &scan.Core},
		{r.Plugins, &scan.Plugins},
		{r.Themes, &scan.Themes},
		{r.Server, &scan.Server},
		{r.Vulnerabilities, &scan.Vulnerabilities},
	}
	for _, f := range fields {
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode scan %s: %w", r.ID, err)
		}
	}
	return scan, nil
}

// InsertScan stores an immutable scan row and returns its ID.
func (s *Store) InsertScan(ctx context.Context, scan *types.Scan) (string, error) {
	start := time.Now()
	if err := s.insertScan(ctx, s.db, scan); err != nil {
		return "", err
	}
	s.logger.LogDatabaseOperation(ctx, "INSERT", "scans", 1, time.Since(start),
		"scan_id", scan.ID,
		"website_id", scan.WebsiteID,
		"risk_score", scan.RiskScore,
	)
	return scan.ID, nil
}

// InsertScanWithFindings stores a scan and all of its findings in one
// transaction, so a scan row never exists without its findings.
func (s *Store) InsertScanWithFindings(ctx context.Context, scan *types.Scan, findings []types.Finding) (string, error) {
	start := time.Now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertScan(ctx, tx, scan); err != nil {
		return "", err
	}
	if err := s.insertFindings(ctx, tx, scan.ID, findings); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit scan: %w", err)
	}

	s.logger.LogDatabaseOperation(ctx, "INSERT", "scans", 1, time.Since(start),
		"scan_id", scan.ID,
		"website_id", scan.WebsiteID,
		"risk_score", scan.RiskScore,
		"findings", len(findings),
	)
	return scan.ID, nil
}

func (s *Store) insertScan(ctx context.Context, ext sqlx.ExtContext, scan *types.Scan) error {
	if scan.ID == "" {
		scan.ID = uuid.New().String()
	}
	if scan.CreatedAt.IsZero() {
		scan.CreatedAt = time.Now()
	}

	row, err := toScanRow(scan)
	if err != nil {
		return fmt.Errorf("failed to encode scan: %w", err)
	}

	query := `
		INSERT INTO scans (
			id, website_id, created_at, risk_score, confidence,
			core, plugins, themes, server, vulnerabilities, duration_ms
		) VALUES (
			:id, :website_id, :created_at, :risk_score, :confidence,
			:core, :plugins, :themes, :server, :vulnerabilities, :duration_ms
		)`

	if _, err := sqlx.NamedExecContext(ctx, ext, query, row); err != nil {
		s.logger.LogError(ctx, err, "database.InsertScan", "scan_id", scan.ID, "website_id", scan.WebsiteID)
		return fmt.Errorf("failed to insert scan: %w", err)
	}
	return nil
}

const insertFindingQuery = `
	INSERT INTO findings (
		id, scan_id, component_kind, component_slug, component_version,
		severity, title, description, cve, cvss, affected_versions,
		fixed_in, vuln_type, status, fingerprint, created_at
	) VALUES (
		:id, :scan_id, :component_kind, :component_slug, :component_version,
		:severity, :title, :description, :cve, :cvss, :affected_versions,
		:fixed_in, :vuln_type, :status, :fingerprint, :created_at
	)`

func prepareFinding(scanID string, f *types.Finding) {
	f.ScanID = scanID
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.Status == "" {
		f.Status = types.FindingStatusOpen
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	f.CreatedAt = utc(f.CreatedAt)
}

func (s *Store) InsertFinding(ctx context.Context, scanID string, finding *types.Finding) error {
	prepareFinding(scanID, finding)
	if _, err := s.db.NamedExecContext(ctx, insertFindingQuery, finding); err != nil {
		s.logger.LogError(ctx, err, "database.InsertFinding", "scan_id", scanID)
		return fmt.Errorf("failed to insert finding: %w", err)
	}
	return nil
}

// InsertFindings stores all findings of one scan in a single transaction.
func (s *Store) InsertFindings(ctx context.Context, scanID string, findings []types.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertFindings(ctx, tx, scanID, findings); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit findings: %w", err)
	}

	s.logger.LogDatabaseOperation(ctx, "INSERT", "findings", int64(len(findings)), time.Since(start),
		"scan_id", scanID,
	)
	return nil
}

func (s *Store) insertFindings(ctx context.Context, ext sqlx.ExtContext, scanID string, findings []types.Finding) error {
	for i := range findings {
		prepareFinding(scanID, &findings[i])
		if _, err := sqlx.NamedExecContext(ctx, ext, insertFindingQuery, &findings[i]); err != nil {
			s.logger.LogError(ctx, err, "database.InsertFindings",
				"scan_id", scanID,
				"index", i,
			)
			return fmt.Errorf("failed to insert finding %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) GetScan(ctx context.Context, scanID string) (*types.Scan, error) {
	var row scanRow
	query := s.db.Rebind(`SELECT * FROM scans WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, scanID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toScan()
}

func (s *Store) GetFindings(ctx context.Context, scanID string) ([]types.Finding, error) {
	findings := []types.Finding{}
	query := s.db.Rebind(`
		SELECT * FROM findings
		WHERE scan_id = ?
		ORDER BY CASE severity
			WHEN 'CRITICAL' THEN 0
			WHEN 'HIGH' THEN 1
			WHEN 'MEDIUM' THEN 2
			ELSE 3
		END, component_slug, id`)
	if err := s.db.SelectContext(ctx, &findings, query, scanID); err != nil {
		return nil, err
	}
	return findings, nil
}

func (s *Store) CreateAccount(ctx context.Context, account *types.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}
	account.CreatedAt = utc(account.CreatedAt)
	account.Email = strings.ToLower(strings.TrimSpace(account.Email))
	if account.SubscriptionStatus == "" {
		account.SubscriptionStatus = "active"
	}
	if account.PlanTier == "" {
		account.PlanTier = "free"
	}

	query := `
		INSERT INTO accounts (id, email, plan_tier, subscription_status, chat_webhook_url, created_at)
		VALUES (:id, :email, :plan_tier, :subscription_status, :chat_webhook_url, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, query, account); err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*types.Account, error) {
	var account types.Account
	query := s.db.Rebind(`SELECT * FROM accounts WHERE email = ?`)
	if err := s.db.GetContext(ctx, &account, query, strings.ToLower(strings.TrimSpace(email))); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (s *Store) CreateWebsite(ctx context.Context, website *types.Website) error {
	if website.ID == "" {
		website.ID = uuid.New().String()
	}
	if website.CreatedAt.IsZero() {
		website.CreatedAt = time.Now()
	}
	website.CreatedAt = utc(website.CreatedAt)
	if website.ScanFrequency == "" {
		website.ScanFrequency = types.FrequencyManual
	}

	query := s.db.Rebind(`
		INSERT INTO websites (
			id, account_id, url, scan_frequency, is_active,
			last_scanned_at, next_scan_at, consecutive_failures, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		website.ID, website.AccountID, website.URL, website.ScanFrequency, website.IsActive,
		utcPtr(website.LastScannedAt), utcPtr(website.NextScanAt), website.ConsecutiveFailures, website.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create website: %w", err)
	}
	return nil
}

func (s *Store) GetWebsite(ctx context.Context, websiteID string) (*types.Website, error) {
	var website types.Website
	query := s.db.Rebind(`
		SELECT` + websiteColumns + `
		FROM websites w
		JOIN accounts a ON a.id = w.account_id
		WHERE w.id = ?`)
	if err := s.db.GetContext(ctx, &website, query, websiteID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &website, nil
}
