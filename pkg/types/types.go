package types

import (
	"strings"
	"time"
)

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// SeverityFromCVSS maps a CVSS v3 base score onto the four severity buckets.
func SeverityFromCVSS(score float64) Severity {
	switch {
	case score >= 9.0:
		return SeverityCritical
	case score >= 7.0:
		return SeverityHigh
	case score >= 4.0:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ParseSeverity normalizes free-form severity labels from knowledge-base feeds.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical, true
	case SeverityHigh:
		return SeverityHigh, true
	case SeverityMedium, "MODERATE":
		return SeverityMedium, true
	case SeverityLow, "INFO", "INFORMATIONAL":
		return SeverityLow, true
	}
	return "", false
}

type ComponentKind string

const (
	ComponentCore   ComponentKind = "core"
	ComponentPlugin ComponentKind = "plugin"
	ComponentTheme  ComponentKind = "theme"
)

type ScanFrequency string

const (
	FrequencyManual   ScanFrequency = "MANUAL"
	FrequencyWeekly   ScanFrequency = "WEEKLY"
	FrequencyDaily    ScanFrequency = "DAILY"
	FrequencyRealtime ScanFrequency = "REALTIME"
)

// FrequencyForPlan returns the default scan frequency granted by a plan tier.
func FrequencyForPlan(plan string) ScanFrequency {
	switch plan {
	case "starter":
		return FrequencyWeekly
	case "pro":
		return FrequencyDaily
	case "agency", "enterprise":
		return FrequencyRealtime
	default:
		return FrequencyManual
	}
}

type FindingStatus string

const (
	FindingStatusOpen     FindingStatus = "OPEN"
	FindingStatusResolved FindingStatus = "RESOLVED"
	FindingStatusIgnored  FindingStatus = "IGNORED"
)

// UnknownVersion marks a component that is present but unversioned.
const UnknownVersion = "unknown"

// DetectionFailed is the provenance recorded for an axis that errored.
const DetectionFailed = "detection failed"

type Account struct {
	ID                 string    `json:"id" db:"id"`
	Email              string    `json:"email" db:"email"`
	PlanTier           string    `json:"plan_tier" db:"plan_tier"`
	SubscriptionStatus string    `json:"subscription_status" db:"subscription_status"`
	ChatWebhookURL     string    `json:"chat_webhook_url,omitempty" db:"chat_webhook_url"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

type Website struct {
	ID                  string        `json:"id" db:"id"`
	URL                 string        `json:"url" db:"url"`
	AccountID           string        `json:"account_id" db:"account_id"`
	ScanFrequency       ScanFrequency `json:"scan_frequency" db:"scan_frequency"`
	IsActive            bool          `json:"is_active" db:"is_active"`
	LastScannedAt       *time.Time    `json:"last_scanned_at,omitempty" db:"last_scanned_at"`
	NextScanAt          *time.Time    `json:"next_scan_at,omitempty" db:"next_scan_at"`
	ConsecutiveFailures int           `json:"consecutive_failures" db:"consecutive_failures"`
	CreatedAt           time.Time     `json:"created_at" db:"created_at"`

	// Owner fields joined in by due selection.
	OwnerEmail     string `json:"owner_email,omitempty" db:"owner_email"`
	ChatWebhookURL string `json:"chat_webhook_url,omitempty" db:"chat_webhook_url"`
}

type ComponentInventoryItem struct {
	Kind          ComponentKind `json:"kind"`
	Slug          string        `json:"slug"`
	Name          string        `json:"name"`
	Version       string        `json:"version"`
	LatestVersion string        `json:"latest_version,omitempty"`
	IsOutdated    bool          `json:"is_outdated"`
	DetectedFrom  string        `json:"detected_from"`
	IsActive      bool          `json:"is_active,omitempty"`
}

// HasVersion reports whether a concrete version was detected.
func (c ComponentInventoryItem) HasVersion() bool {
	return c.Version != "" && c.Version != UnknownVersion
}

type ServerInfo struct {
	PHPVersion   string `json:"php_version,omitempty"`
	Server       string `json:"server,omitempty"`
	HTTPS        bool   `json:"https"`
	DetectedFrom string `json:"detected_from,omitempty"`
}

// SiteDetection is the Site Detector verdict for one URL.
type SiteDetection struct {
	IsWordPress  bool     `json:"is_wordpress"`
	Confidence   int      `json:"confidence"`
	Indicators   []string `json:"indicators"`
	FailedChecks []string `json:"failed_checks"`
	Method       string   `json:"method"`
}

type DetectionResult struct {
	URL        string                   `json:"url"`
	Detection  SiteDetection            `json:"detection"`
	Core       ComponentInventoryItem   `json:"core"`
	Plugins    []ComponentInventoryItem `json:"plugins"`
	Themes     []ComponentInventoryItem `json:"themes"`
	Server     ServerInfo               `json:"server"`
	Confidence int                      `json:"confidence"`
	FailedAxes []string                 `json:"failed_axes,omitempty"`
	Duration   time.Duration            `json:"duration"`
}

// Components returns core, plugins and themes in that order.
func (d *DetectionResult) Components() []ComponentInventoryItem {
	items := make([]ComponentInventoryItem, 0, 1+len(d.Plugins)+len(d.Themes))
	if d.Core.Slug != "" {
		items = append(items, d.Core)
	}
	items = append(items, d.Plugins...)
	items = append(items, d.Themes...)
	return items
}

type VulnerabilityRecord struct {
	ID               string        `json:"id" yaml:"id"`
	ComponentKind    ComponentKind `json:"component_kind" yaml:"component_kind"`
	ComponentSlug    string        `json:"component_slug" yaml:"component_slug"`
	ComponentVersion string        `json:"component_version,omitempty" yaml:"-"`
	Severity         Severity      `json:"severity" yaml:"severity"`
	Title            string        `json:"title" yaml:"title"`
	Description      string        `json:"description,omitempty" yaml:"description"`
	CVE              string        `json:"cve,omitempty" yaml:"cve"`
	CVSS             *float64      `json:"cvss,omitempty" yaml:"cvss"`
	AffectedVersions string        `json:"affected_versions" yaml:"affected_versions"`
	FixedIn          string        `json:"fixed_in,omitempty" yaml:"fixed_in"`
	Type             string        `json:"type,omitempty" yaml:"type"`
}

type Scan struct {
	ID              string                   `json:"id" db:"id"`
	WebsiteID       string                   `json:"website_id" db:"website_id"`
	CreatedAt       time.Time                `json:"created_at" db:"created_at"`
	RiskScore       int                      `json:"risk_score" db:"risk_score"`
	Confidence      int                      `json:"confidence" db:"confidence"`
	Core            ComponentInventoryItem   `json:"core"`
	Plugins         []ComponentInventoryItem `json:"plugins"`
	Themes          []ComponentInventoryItem `json:"themes"`
	Server          ServerInfo               `json:"server"`
	Vulnerabilities []VulnerabilityRecord    `json:"vulnerabilities"`
	DurationMs      int64                    `json:"duration_ms" db:"duration_ms"`
}

type Finding struct {
	ID               string        `json:"id" db:"id"`
	ScanID           string        `json:"scan_id" db:"scan_id"`
	ComponentKind    ComponentKind `json:"component_kind" db:"component_kind"`
	ComponentSlug    string        `json:"component_slug" db:"component_slug"`
	ComponentVersion string        `json:"component_version" db:"component_version"`
	Severity         Severity      `json:"severity" db:"severity"`
	Title            string        `json:"title" db:"title"`
	Description      string        `json:"description,omitempty" db:"description"`
	CVE              string        `json:"cve,omitempty" db:"cve"`
	CVSS             *float64      `json:"cvss,omitempty" db:"cvss"`
	AffectedVersions string        `json:"affected_versions" db:"affected_versions"`
	FixedIn          string        `json:"fixed_in,omitempty" db:"fixed_in"`
	VulnType         string        `json:"vuln_type,omitempty" db:"vuln_type"`
	Status           FindingStatus `json:"status" db:"status"`
	Fingerprint      string        `json:"fingerprint" db:"fingerprint"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
}

// ScanCompletedWithFindings is emitted after a scan with at least one
// finding has been persisted.
type ScanCompletedWithFindings struct {
	Website          Website
	Scan             Scan
	Findings         []Finding
	CountsBySeverity map[Severity]int
	ReportURL        string
}

// NewFinding builds an OPEN finding for scanID from a matched record.
func NewFinding(scanID string, r VulnerabilityRecord) Finding {
	return Finding{
		ScanID:           scanID,
		ComponentKind:    r.ComponentKind,
		ComponentSlug:    r.ComponentSlug,
		ComponentVersion: r.ComponentVersion,
		Severity:         r.Severity,
		Title:            r.Title,
		Description:      r.Description,
		CVE:              r.CVE,
		CVSS:             r.CVSS,
		AffectedVersions: r.AffectedVersions,
		FixedIn:          r.FixedIn,
		VulnType:         r.Type,
		Status:           FindingStatusOpen,
	}
}
