package core

import (
	"context"
	"time"

	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
)

// Store persists accounts, monitored websites, scans and findings.
type Store interface {
	SelectDueWebsites(ctx context.Context, now time.Time, limit int) ([]types.Website, error)
	UpdateWebsiteSchedule(ctx context.Context, websiteID string, lastScannedAt time.Time, nextScanAt *time.Time) error
	RecordScanFailure(ctx context.Context, websiteID string, nextScanAt time.Time) error

	InsertScan(ctx context.Context, scan *types.Scan) (string, error)
	InsertFinding(ctx context.Context, scanID string, finding *types.Finding) error
	InsertFindings(ctx context.Context, scanID string, findings []types.Finding) error
	InsertScanWithFindings(ctx context.Context, scan *types.Scan, findings []types.Finding) (string, error)
	GetScan(ctx context.Context, scanID string) (*types.Scan, error)
	GetFindings(ctx context.Context, scanID string) ([]types.Finding, error)

	CreateAccount(ctx context.Context, account *types.Account) error
	GetAccountByEmail(ctx context.Context, email string) (*types.Account, error)
	CreateWebsite(ctx context.Context, website *types.Website) error
	GetWebsite(ctx context.Context, websiteID string) (*types.Website, error)

	Ping(ctx context.Context) error
	Close() error
}

// KnowledgeBase returns the known vulnerabilities affecting one component
// version. An unknown version only matches "any version" entries.
type KnowledgeBase interface {
	Lookup(ctx context.Context, kind types.ComponentKind, slug, version string) ([]types.VulnerabilityRecord, error)
}

// LatestVersionSource resolves the newest published version of a component.
// An empty string means the lookup failed or the slug is unknown.
type LatestVersionSource interface {
	LatestCoreVersion(ctx context.Context) string
	LatestPluginVersion(ctx context.Context, slug string) string
	LatestThemeVersion(ctx context.Context, slug string) string
}

type Notifier interface {
	Name() string
	Notify(ctx context.Context, event *types.ScanCompletedWithFindings) error
}

// BatchLock guarantees at most one scheduler batch in flight.
type BatchLock interface {
	Acquire(ctx context.Context) (release func(context.Context) error, err error)
}

type Telemetry interface {
	RecordScan(outcome string, duration time.Duration)
	RecordFinding(severity types.Severity)
	Close() error
}
