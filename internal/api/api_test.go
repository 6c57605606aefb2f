package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/database"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/jobs"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/scheduler"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
)

const (
	cronSecret = "cron-secret-value"
	apiKey     = "api-key-value"
)

type stubRunner struct {
	result *scheduler.BatchResult
	err    error
	calls  int
}

func (s *stubRunner) RunBatch(ctx context.Context) (*scheduler.BatchResult, error) {
	s.calls++
	return s.result, s.err
}

type stubReader struct {
	scans    map[string]*types.Scan
	findings map[string][]types.Finding
	pingErr  error
	scanErr  error
}

func (s *stubReader) GetScan(ctx context.Context, id string) (*types.Scan, error) {
	if s.scanErr != nil {
		return nil, s.scanErr
	}
	scan, ok := s.scans[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return scan, nil
}

func (s *stubReader) GetFindings(ctx context.Context, id string) ([]types.Finding, error) {
	return s.findings[id], nil
}

func (s *stubReader) Ping(ctx context.Context) error { return s.pingErr }

func testSecurity() config.SecurityConfig {
	return config.SecurityConfig{
		CronSecret: cronSecret,
		APIKey:     apiKey,
		RateLimit:  config.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 100},
	}
}

func do(t *testing.T, r *gin.Engine, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func init() {
	gin.SetMode(gin.TestMode)
}

func TestTriggerBatch(t *testing.T) {
	runner := &stubRunner{result: &scheduler.BatchResult{
		Scanned:              2,
		Successful:           1,
		Failed:               1,
		Skipped:              1,
		TotalVulnerabilities: 3,
		Duration:             1500 * time.Millisecond,
		Results: []scheduler.SiteOutcome{
			{URL: "https://a.example.com", Success: true, ScanID: "scan-1", RiskScore: 40, VulnerabilityCount: 3},
			{URL: "https://b.example.com", Reason: scheduler.ReasonNotWordPress},
		},
	}}
	r := NewRouter(testSecurity(), runner, &stubReader{}, nil)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		t.Run(method, func(t *testing.T) {
			w := do(t, r, method, "/api/cron/scan-websites", cronSecret)
			require.Equal(t, http.StatusOK, w.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.EqualValues(t, 2, body["scanned"])
			assert.EqualValues(t, 1, body["successful"])
			assert.EqualValues(t, 1, body["failed"])
			assert.EqualValues(t, 3, body["totalVulnerabilities"])
			assert.EqualValues(t, 1500, body["durationMs"])

			results := body["results"].([]interface{})
			require.Len(t, results, 2)
			first := results[0].(map[string]interface{})
			assert.Equal(t, "https://a.example.com", first["url"])
			assert.Equal(t, true, first["success"])
			assert.EqualValues(t, 3, first["vulnerabilityCount"])
			assert.Equal(t, "not_wordpress", results[1].(map[string]interface{})["reason"])
		})
	}
	assert.Equal(t, 2, runner.calls)
}

// blockingRunner holds the batch open until released and reports whether
// its context was cancelled in the meantime.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	ctxErr  chan error
}

func (b *blockingRunner) RunBatch(ctx context.Context) (*scheduler.BatchResult, error) {
	close(b.started)
	<-b.release
	b.ctxErr <- ctx.Err()
	return &scheduler.BatchResult{}, nil
}

func TestTriggerBatch_SurvivesClientDisconnect(t *testing.T) {
	runner := &blockingRunner{
		started: make(chan struct{}),
		release: make(chan struct{}),
		ctxErr:  make(chan error, 1),
	}
	router := NewRouter(testSecurity(), runner, &stubReader{}, nil)

	requestCtx := make(chan context.Context, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCtx <- r.Context()
		router.ServeHTTP(w, r)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/cron/scan-websites", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+cronSecret)

	client := &http.Client{Timeout: 50 * time.Millisecond}
	_, err = client.Do(req)
	require.Error(t, err, "client gives up before the batch finishes")

	<-runner.started
	select {
	case <-(<-requestCtx).Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server never noticed the disconnect")
	}

	close(runner.release)
	select {
	case err := <-runner.ctxErr:
		assert.NoError(t, err, "batch context must outlive the request")
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not finish")
	}
}

func TestTriggerBatch_Auth(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong secret", "Bearer nope"},
		{"wrong scheme", "Basic " + cronSecret},
		{"api key is not the cron secret", "Bearer " + apiKey},
	}

	runner := &stubRunner{result: &scheduler.BatchResult{}}
	r := NewRouter(testSecurity(), runner, &stubReader{}, nil)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/cron/scan-websites", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
	assert.Zero(t, runner.calls)
}

func TestTriggerBatch_EmptySecretRejects(t *testing.T) {
	sec := testSecurity()
	sec.CronSecret = ""
	r := NewRouter(sec, &stubRunner{result: &scheduler.BatchResult{}}, &stubReader{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/cron/scan-websites", nil)
	req.Header.Set("Authorization", "Bearer ")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTriggerBatch_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"batch in progress", fmt.Errorf("failed to acquire batch lock: %w", jobs.ErrBatchInProgress), http.StatusConflict},
		{"due list unavailable", fmt.Errorf("%w: %w", scheduler.ErrDueListUnavailable, errors.New("db down")), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(testSecurity(), &stubRunner{err: tt.err}, &stubReader{}, nil)
			w := do(t, r, http.MethodPost, "/api/cron/scan-websites", cronSecret)
			assert.Equal(t, tt.code, w.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestGetScan(t *testing.T) {
	cvss := 8.1
	reader := &stubReader{
		scans: map[string]*types.Scan{
			"scan-1": {
				ID:        "scan-1",
				RiskScore: 20,
				Vulnerabilities: []types.VulnerabilityRecord{
					{ID: "CF7-001", Severity: types.SeverityHigh, CVSS: &cvss},
				},
			},
		},
		findings: map[string][]types.Finding{
			"scan-1": {{ID: "f-1", ScanID: "scan-1", Severity: types.SeverityHigh, Title: "Arbitrary upload"}},
		},
	}
	r := NewRouter(testSecurity(), &stubRunner{}, reader, nil)

	w := do(t, r, http.MethodGet, "/api/v1/scans/scan-1", apiKey)
	require.Equal(t, http.StatusOK, w.Code)

	var report scanReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 20, report.Scan.RiskScore)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, 1, report.CountsBySeverity[types.SeverityHigh])

	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/api/v1/scans/missing", apiKey).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, r, http.MethodGet, "/api/v1/scans/scan-1", cronSecret).Code)

	reader.scanErr = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, do(t, r, http.MethodGet, "/api/v1/scans/scan-1", apiKey).Code)
}

func TestHealth(t *testing.T) {
	reader := &stubReader{}
	r := NewRouter(testSecurity(), &stubRunner{}, reader, nil)

	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/health", "").Code)

	reader.pingErr = errors.New("connection refused")
	assert.Equal(t, http.StatusServiceUnavailable, do(t, r, http.MethodGet, "/health", "").Code)
}

func TestRateLimit(t *testing.T) {
	sec := testSecurity()
	sec.RateLimit = config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2}
	r := NewRouter(sec, &stubRunner{}, &stubReader{}, nil)

	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/health", "").Code)
	w := do(t, r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestRecovery(t *testing.T) {
	r := NewRouter(testSecurity(), &stubRunner{}, nil, nil)
	// nil reader panics inside the handler
	assert.Equal(t, http.StatusInternalServerError, do(t, r, http.MethodGet, "/health", "").Code)
}
