// Package api exposes the batch trigger, the scan hand-off used by the
// report renderer, and a health check.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/database"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/jobs"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/scheduler"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/risk"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
)

type BatchRunner interface {
	RunBatch(ctx context.Context) (*scheduler.BatchResult, error)
}

// ScanReader is the read side of the store used by the hand-off endpoint.
type ScanReader interface {
	GetScan(ctx context.Context, scanID string) (*types.Scan, error)
	GetFindings(ctx context.Context, scanID string) ([]types.Finding, error)
	Ping(ctx context.Context) error
}

type siteSummary struct {
	URL                string `json:"url"`
	Success            bool   `json:"success"`
	Reason             string `json:"reason,omitempty"`
	Error              string `json:"error,omitempty"`
	ScanID             string `json:"scanId,omitempty"`
	RiskScore          int    `json:"riskScore"`
	VulnerabilityCount int    `json:"vulnerabilityCount"`
}

type batchSummary struct {
	Scanned              int           `json:"scanned"`
	Successful           int           `json:"successful"`
	Failed               int           `json:"failed"`
	Skipped              int           `json:"skipped"`
	TotalVulnerabilities int           `json:"totalVulnerabilities"`
	DurationMs           int64         `json:"durationMs"`
	Results              []siteSummary `json:"results"`
}

func summarize(r *scheduler.BatchResult) batchSummary {
	out := batchSummary{
		Scanned:              r.Scanned,
		Successful:           r.Successful,
		Failed:               r.Failed,
		Skipped:              r.Skipped,
		TotalVulnerabilities: r.TotalVulnerabilities,
		DurationMs:           r.Duration.Milliseconds(),
		Results:              make([]siteSummary, 0, len(r.Results)),
	}
	for _, o := range r.Results {
		out.Results = append(out.Results, siteSummary{
			URL:                o.URL,
			Success:            o.Success,
			Reason:             o.Reason,
			Error:              o.Error,
			ScanID:             o.ScanID,
			RiskScore:          o.RiskScore,
			VulnerabilityCount: o.VulnerabilityCount,
		})
	}
	return out
}

type scanReport struct {
	Scan             *types.Scan            `json:"scan"`
	Findings         []types.Finding        `json:"findings"`
	CountsBySeverity map[types.Severity]int `json:"counts_by_severity"`
}

type handlers struct {
	runner BatchRunner
	store  ScanReader
	logger *logger.Logger
}

// NewRouter builds the gin engine with every route and middleware.
func NewRouter(cfg config.SecurityConfig, runner BatchRunner, store ScanReader, log *logger.Logger) *gin.Engine {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.WithComponent("api")
	h := &handlers{runner: runner, store: store, logger: log}

	r := gin.New()
	r.Use(RecoveryMiddleware(log), LoggingMiddleware(log), RateLimitMiddleware(cfg.RateLimit))

	r.GET("/health", h.health)

	cron := r.Group("/api/cron", BearerAuth(cfg.CronSecret, "cron_secret", log))
	cron.GET("/scan-websites", h.triggerBatch)
	cron.POST("/scan-websites", h.triggerBatch)

	v1 := r.Group("/api/v1", BearerAuth(cfg.APIKey, "api_key", log))
	v1.GET("/scans/:id", h.getScan)

	return r
}

// triggerBatch runs the batch to completion even if the caller hangs up;
// only request-scoped values are carried over.
func (h *handlers) triggerBatch(c *gin.Context) {
	result, err := h.runner.RunBatch(context.WithoutCancel(c.Request.Context()))
	switch {
	case errors.Is(err, jobs.ErrBatchInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.LogError(c.Request.Context(), err, "api.trigger_batch")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, summarize(result))
}

func (h *handlers) getScan(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	scan, err := h.store.GetScan(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "scan not found"})
		return
	}
	if err != nil {
		h.logger.LogError(ctx, err, "api.get_scan", "scan_id", id)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load scan"})
		return
	}

	findings, err := h.store.GetFindings(ctx, id)
	if err != nil {
		h.logger.LogError(ctx, err, "api.get_findings", "scan_id", id)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load findings"})
		return
	}

	c.JSON(http.StatusOK, scanReport{
		Scan:             scan,
		Findings:         findings,
		CountsBySeverity: risk.CountBySeverity(scan.Vulnerabilities),
	})
}

func (h *handlers) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
