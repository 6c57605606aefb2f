// Package scheduler runs scan batches: it selects due websites, scans each
// one in turn and records results, schedules and alerts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/core"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/registry"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/risk"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/scanners/wordpress"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/vulndb"
)

// ErrDueListUnavailable means the batch could not start because the due
// websites could not be read.
var ErrDueListUnavailable = errors.New("due website list unavailable")

// Outcome reasons reported per site.
const (
	ReasonNotWordPress   = "not_wordpress"
	ReasonUnreachable    = "site_unreachable"
	ReasonScanError      = "scan_error"
	ReasonCorrelation    = "correlation_failed"
	ReasonPersistence    = "persist_failed"
	ReasonBatchCancelled = "batch_cancelled"
)

// Scanner fingerprints one site.
type Scanner interface {
	Fingerprint(ctx context.Context, rawURL string) (*types.DetectionResult, error)
}

// ScannerFactory binds a scanner to the registry cache of one batch.
type ScannerFactory func(latest core.LatestVersionSource) Scanner

type Correlator interface {
	Correlate(ctx context.Context, res *types.DetectionResult) (*vulndb.Correlation, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, event *types.ScanCompletedWithFindings) int
}

// Deps are the collaborators of a Scheduler. Registry, Notifier, Lock and
// Telemetry are optional.
type Deps struct {
	Store      core.Store
	NewScanner ScannerFactory
	Registry   core.LatestVersionSource
	Correlator Correlator
	Notifier   Dispatcher
	Lock       core.BatchLock
	Telemetry  core.Telemetry
	Logger     *logger.Logger
}

type SiteOutcome struct {
	WebsiteID          string `json:"website_id"`
	URL                string `json:"url"`
	Success            bool   `json:"success"`
	Reason             string `json:"reason,omitempty"`
	Error              string `json:"error,omitempty"`
	ScanID             string `json:"scan_id,omitempty"`
	RiskScore          int    `json:"risk_score"`
	VulnerabilityCount int    `json:"vulnerability_count"`
}

type BatchResult struct {
	Scanned              int           `json:"scanned"`
	Successful           int           `json:"successful"`
	Failed               int           `json:"failed"`
	Skipped              int           `json:"skipped"`
	TotalVulnerabilities int           `json:"total_vulnerabilities"`
	Duration             time.Duration `json:"duration"`
	Results              []SiteOutcome `json:"results"`
}

type Scheduler struct {
	cfg       config.SchedulerConfig
	cacheTTL  time.Duration
	reportURL string
	deps      Deps
	logger    *logger.Logger
	now       func() time.Time
}

func New(cfg config.SchedulerConfig, cacheTTL time.Duration, reportBaseURL string, deps Deps) (*Scheduler, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("scheduler requires a store")
	}
	if deps.NewScanner == nil {
		return nil, fmt.Errorf("scheduler requires a scanner factory")
	}
	if deps.Correlator == nil {
		return nil, fmt.Errorf("scheduler requires a correlator")
	}
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.Noop()
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	return &Scheduler{
		cfg:       cfg,
		cacheTTL:  cacheTTL,
		reportURL: reportBaseURL,
		deps:      deps,
		logger:    deps.Logger.WithComponent("scheduler"),
		now:       time.Now,
	}, nil
}

// RunBatch scans every due website once. Per-site failures are reported in
// the result; an error is returned only when the batch could not start.
func (s *Scheduler) RunBatch(ctx context.Context) (result *BatchResult, err error) {
	start := s.now()
	ctx, span := s.logger.StartOperation(ctx, "scheduler.RunBatch", "batch_size", s.cfg.BatchSize)
	defer func() {
		s.logger.FinishOperation(ctx, span, "scheduler.RunBatch", start, err)
	}()

	if s.deps.Lock != nil {
		release, err := s.deps.Lock.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire batch lock: %w", err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.LogError(ctx, err, "scheduler.release_lock")
			}
		}()
	}

	sites, err := s.deps.Store.SelectDueWebsites(ctx, start, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDueListUnavailable, err)
	}

	s.logger.Infow("Scan batch started", "due_websites", len(sites))

	latest := s.deps.Registry
	var cache *registry.BatchCache
	if latest != nil {
		cache = registry.NewBatchCache(latest, s.cacheTTL)
		latest = cache
	}
	scanner := s.deps.NewScanner(latest)
	pacer := ratelimit.NewPacer(s.cfg.InterSiteDelay)

	result = &BatchResult{Results: make([]SiteOutcome, 0, len(sites))}
	for _, site := range sites {
		if err := pacer.Wait(ctx); err != nil {
			result.add(SiteOutcome{
				WebsiteID: site.ID,
				URL:       site.URL,
				Reason:    ReasonBatchCancelled,
				Error:     err.Error(),
			})
			continue
		}
		result.add(s.scanSite(ctx, scanner, site))
	}
	result.Duration = time.Since(start)

	fields := []interface{}{
		"scanned", result.Scanned,
		"successful", result.Successful,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"total_vulnerabilities", result.TotalVulnerabilities,
		"duration_ms", result.Duration.Milliseconds(),
	}
	if cache != nil {
		hits, misses := cache.Stats()
		fields = append(fields, "registry_cache_hits", hits, "registry_cache_misses", misses)
	}
	s.logger.Infow("Scan batch completed", fields...)

	return result, nil
}

func (r *BatchResult) add(o SiteOutcome) {
	r.Results = append(r.Results, o)
	r.Scanned++
	if o.Success {
		r.Successful++
	} else {
		r.Failed++
	}
	if o.Reason == ReasonNotWordPress {
		r.Skipped++
	}
	r.TotalVulnerabilities += o.VulnerabilityCount
}

// scanSite never returns an error; every failure becomes part of the outcome.
func (s *Scheduler) scanSite(ctx context.Context, scanner Scanner, site types.Website) (outcome SiteOutcome) {
	start := s.now()
	log := s.logger.WithWebsite(site.ID).WithTarget(site.URL)
	outcome = SiteOutcome{WebsiteID: site.ID, URL: site.URL}

	siteCtx := ctx
	if s.cfg.SiteTimeout > 0 {
		var cancel context.CancelFunc
		siteCtx, cancel = context.WithTimeout(ctx, s.cfg.SiteTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			log.LogPanic(ctx, r, "scheduler.scan_site", "url", site.URL)
			outcome = s.fail(ctx, site, start, ReasonScanError, fmt.Errorf("panic: %v", r))
		}
	}()

	res, err := scanner.Fingerprint(siteCtx, site.URL)
	if err != nil {
		reason := ReasonScanError
		if errors.Is(err, wordpress.ErrSiteUnreachable) {
			reason = ReasonUnreachable
		}
		return s.fail(ctx, site, start, reason, err)
	}

	if !res.Detection.IsWordPress {
		log.Infow("Skipping site not running WordPress",
			"site_confidence", res.Detection.Confidence,
		)
		s.advance(ctx, site, start)
		s.deps.Telemetry.RecordScan(ReasonNotWordPress, time.Since(start))
		outcome.Reason = ReasonNotWordPress
		return outcome
	}

	corr, err := s.deps.Correlator.Correlate(siteCtx, res)
	if err != nil {
		return s.fail(ctx, site, start, ReasonCorrelation, err)
	}
	records := corr.Flatten()

	scan := &types.Scan{
		WebsiteID:       site.ID,
		RiskScore:       risk.Score(records),
		Confidence:      res.Confidence,
		Core:            res.Core,
		Plugins:         res.Plugins,
		Themes:          res.Themes,
		Server:          res.Server,
		Vulnerabilities: records,
		DurationMs:      res.Duration.Milliseconds(),
	}
	// the store stamps the scan ID onto each finding inside its transaction
	findings := corr.Findings("")
	scanID, err := s.deps.Store.InsertScanWithFindings(ctx, scan, findings)
	if err != nil {
		return s.fail(ctx, site, start, ReasonPersistence, err)
	}
	scan.ID = scanID
	log = log.WithScanID(scanID)
	for _, f := range findings {
		s.deps.Telemetry.RecordFinding(f.Severity)
	}

	s.advance(ctx, site, start)
	s.deps.Telemetry.RecordScan("success", time.Since(start))

	if len(findings) > 0 && s.deps.Notifier != nil {
		s.deps.Notifier.Dispatch(ctx, &types.ScanCompletedWithFindings{
			Website:          site,
			Scan:             *scan,
			Findings:         findings,
			CountsBySeverity: risk.CountBySeverity(records),
			ReportURL:        s.reportLink(scanID),
		})
	}

	log.Infow("Site scanned",
		"risk_score", scan.RiskScore,
		"vulnerabilities", len(records),
		"confidence", res.Confidence,
		"failed_axes", res.FailedAxes,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	outcome.Success = true
	outcome.ScanID = scanID
	outcome.RiskScore = scan.RiskScore
	outcome.VulnerabilityCount = len(records)
	return outcome
}

// advance records a completed attempt and moves next_scan_at forward by
// the website's frequency.
func (s *Scheduler) advance(ctx context.Context, site types.Website, scannedAt time.Time) {
	next := NextScanAt(site, scannedAt)
	if err := s.deps.Store.UpdateWebsiteSchedule(ctx, site.ID, scannedAt, next); err != nil {
		s.logger.LogError(ctx, err, "scheduler.update_schedule", "website_id", site.ID)
	}
}

// fail backs the site off exponentially so a site that stays down is not
// retried on every trigger.
func (s *Scheduler) fail(ctx context.Context, site types.Website, start time.Time, reason string, cause error) SiteOutcome {
	failures := site.ConsecutiveFailures + 1
	next := start.Add(FailureBackoff(s.cfg.BackoffBase, failures, site.ScanFrequency))

	if err := s.deps.Store.RecordScanFailure(ctx, site.ID, next); err != nil {
		s.logger.LogError(ctx, err, "scheduler.record_failure", "website_id", site.ID)
	}
	s.deps.Telemetry.RecordScan("failed", time.Since(start))

	s.logger.Warnw("Site scan failed",
		"website_id", site.ID,
		"url", site.URL,
		"reason", reason,
		"error", cause,
		"consecutive_failures", failures,
		"next_scan_at", next,
	)

	return SiteOutcome{
		WebsiteID: site.ID,
		URL:       site.URL,
		Reason:    reason,
		Error:     cause.Error(),
	}
}

func (s *Scheduler) reportLink(scanID string) string {
	if s.reportURL == "" {
		return ""
	}
	u, err := url.Parse(s.reportURL)
	if err != nil {
		return ""
	}
	u.Path = path.Join(u.Path, "scans", scanID)
	return u.String()
}
