package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/core"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/jobs"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/registry"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/scanners/wordpress"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/vulndb"
)

var batchTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type scheduleUpdate struct {
	last time.Time
	next *time.Time
}

type fakeStore struct {
	core.Store // unused methods panic

	mu          sync.Mutex
	due         []types.Website
	dueErr      error
	scanErr     error
	findingsErr error
	schedules   map[string]scheduleUpdate
	failures    map[string]time.Time
	scans       []types.Scan
	findings    map[string][]types.Finding
	nextID      int
}

func newFakeStore(due ...types.Website) *fakeStore {
	return &fakeStore{
		due:       due,
		schedules: make(map[string]scheduleUpdate),
		failures:  make(map[string]time.Time),
		findings:  make(map[string][]types.Finding),
	}
}

func (f *fakeStore) SelectDueWebsites(ctx context.Context, now time.Time, limit int) ([]types.Website, error) {
	if f.dueErr != nil {
		return nil, f.dueErr
	}
	return f.due[:min(limit, len(f.due))], nil
}

func (f *fakeStore) UpdateWebsiteSchedule(ctx context.Context, id string, last time.Time, next *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules[id] = scheduleUpdate{last: last, next: next}
	return nil
}

func (f *fakeStore) RecordScanFailure(ctx context.Context, id string, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = next
	return nil
}

// InsertScanWithFindings keeps nothing when either write fails, like the
// real store's transaction.
func (f *fakeStore) InsertScanWithFindings(ctx context.Context, scan *types.Scan, findings []types.Finding) (string, error) {
	if f.scanErr != nil {
		return "", f.scanErr
	}
	if f.findingsErr != nil && len(findings) > 0 {
		return "", f.findingsErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	scan.ID = fmt.Sprintf("scan-%d", f.nextID)
	for i := range findings {
		findings[i].ID = fmt.Sprintf("%s-f%d", scan.ID, i)
		findings[i].ScanID = scan.ID
	}
	f.scans = append(f.scans, *scan)
	f.findings[scan.ID] = append(f.findings[scan.ID], findings...)
	return scan.ID, nil
}

type scanResult struct {
	res   *types.DetectionResult
	err   error
	panic bool
}

type fakeScanner map[string]scanResult

func (f fakeScanner) Fingerprint(ctx context.Context, rawURL string) (*types.DetectionResult, error) {
	r, ok := f[rawURL]
	if !ok {
		return nil, fmt.Errorf("no fixture for %s", rawURL)
	}
	if r.panic {
		panic("axis exploded")
	}
	return r.res, r.err
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []*types.ScanCompletedWithFindings
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, e *types.ScanCompletedWithFindings) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
	return 1
}

type nullRegistry struct{}

func (nullRegistry) LatestCoreVersion(context.Context) string           { return "" }
func (nullRegistry) LatestPluginVersion(context.Context, string) string { return "" }
func (nullRegistry) LatestThemeVersion(context.Context, string) string  { return "" }

const schedulerKB = `
vulnerabilities:
  - id: CF7-001
    component_kind: plugin
    component_slug: contact-form-7
    severity: HIGH
    title: Arbitrary file upload
    affected_versions: "<5.8.4"
`

func wordpressResult(pluginVersion string) *types.DetectionResult {
	return &types.DetectionResult{
		Detection:  types.SiteDetection{IsWordPress: true, Confidence: 80},
		Core:       types.ComponentInventoryItem{Kind: types.ComponentCore, Slug: "wordpress", Version: "6.4.2"},
		Plugins:    []types.ComponentInventoryItem{{Kind: types.ComponentPlugin, Slug: "contact-form-7", Version: pluginVersion}},
		Themes:     []types.ComponentInventoryItem{},
		Confidence: 65,
	}
}

type harness struct {
	store      *fakeStore
	dispatcher *recordingDispatcher
	latest     []core.LatestVersionSource
	sched      *Scheduler
}

func newHarness(t *testing.T, scanner Scanner, cfg config.SchedulerConfig, store *fakeStore, mutate func(*Deps)) *harness {
	t.Helper()

	kb, err := vulndb.Parse([]byte(schedulerKB), "yaml")
	require.NoError(t, err)

	h := &harness{store: store, dispatcher: &recordingDispatcher{}}
	deps := Deps{
		Store: store,
		NewScanner: func(latest core.LatestVersionSource) Scanner {
			h.latest = append(h.latest, latest)
			return scanner
		},
		Registry:   nullRegistry{},
		Correlator: vulndb.NewCorrelator(kb, nil),
		Notifier:   h.dispatcher,
		Lock:       jobs.NewLocalLock(),
	}
	if mutate != nil {
		mutate(&deps)
	}

	h.sched, err = New(cfg, time.Minute, "https://app.example.com/reports", deps)
	require.NoError(t, err)
	h.sched.now = func() time.Time { return batchTime }
	return h
}

func TestRunBatch_MixedOutcomes(t *testing.T) {
	store := newFakeStore(
		types.Website{ID: "wp", URL: "https://wp.example.com", ScanFrequency: types.FrequencyWeekly, OwnerEmail: "owner@example.com"},
		types.Website{ID: "static", URL: "https://static.example.com", ScanFrequency: types.FrequencyDaily},
		types.Website{ID: "down", URL: "https://down.example.com", ScanFrequency: types.FrequencyRealtime, ConsecutiveFailures: 2},
	)
	scanner := fakeScanner{
		"https://wp.example.com":     {res: wordpressResult("5.8.3")},
		"https://static.example.com": {res: &types.DetectionResult{Detection: types.SiteDetection{IsWordPress: false, Confidence: 20}}},
		"https://down.example.com":   {err: fmt.Errorf("%w: connection refused", wordpress.ErrSiteUnreachable)},
	}
	h := newHarness(t, scanner, config.SchedulerConfig{BatchSize: 10, BackoffBase: time.Hour}, store, nil)

	result, err := h.sched.RunBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Scanned)
	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.TotalVulnerabilities)
	require.Len(t, result.Results, 3)

	wp := result.Results[0]
	assert.True(t, wp.Success)
	assert.Equal(t, "scan-1", wp.ScanID)
	assert.Equal(t, 20, wp.RiskScore)
	assert.Equal(t, 1, wp.VulnerabilityCount)

	assert.Equal(t, ReasonNotWordPress, result.Results[1].Reason)
	assert.False(t, result.Results[1].Success)
	assert.Equal(t, ReasonUnreachable, result.Results[2].Reason)
	assert.Contains(t, result.Results[2].Error, "connection refused")

	// schedules
	require.Contains(t, store.schedules, "wp")
	assert.Equal(t, batchTime, store.schedules["wp"].last)
	assert.Equal(t, batchTime.Add(7*24*time.Hour), *store.schedules["wp"].next)
	require.Contains(t, store.schedules, "static")
	assert.Equal(t, batchTime.Add(24*time.Hour), *store.schedules["static"].next)
	assert.NotContains(t, store.schedules, "down")
	assert.Equal(t, batchTime.Add(4*time.Hour), store.failures["down"])

	// persistence
	require.Len(t, store.scans, 1)
	assert.Equal(t, "wp", store.scans[0].WebsiteID)
	assert.Equal(t, 20, store.scans[0].RiskScore)
	require.Len(t, store.findings["scan-1"], 1)
	assert.Equal(t, types.FindingStatusOpen, store.findings["scan-1"][0].Status)

	// notification
	require.Len(t, h.dispatcher.events, 1)
	event := h.dispatcher.events[0]
	assert.Equal(t, "wp", event.Website.ID)
	assert.Equal(t, "scan-1", event.Scan.ID)
	assert.Equal(t, "https://app.example.com/reports/scans/scan-1", event.ReportURL)
	assert.Equal(t, 1, event.CountsBySeverity[types.SeverityHigh])
	assert.Equal(t, "scan-1-f0", event.Findings[0].ID)
}

func TestRunBatch_NoFindingsNoAlert(t *testing.T) {
	store := newFakeStore(types.Website{ID: "wp", URL: "https://wp.example.com", ScanFrequency: types.FrequencyDaily})
	scanner := fakeScanner{"https://wp.example.com": {res: wordpressResult("5.9.3")}}
	h := newHarness(t, scanner, config.SchedulerConfig{BatchSize: 10}, store, nil)

	result, err := h.sched.RunBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, 0, result.TotalVulnerabilities)
	assert.Equal(t, 0, result.Results[0].RiskScore)
	assert.Empty(t, h.dispatcher.events)
	require.Len(t, store.scans, 1)
	assert.Empty(t, store.scans[0].Vulnerabilities)
}

func TestRunBatch_DueListUnavailable(t *testing.T) {
	store := newFakeStore()
	store.dueErr = errors.New("connection reset")
	h := newHarness(t, fakeScanner{}, config.SchedulerConfig{BatchSize: 10}, store, nil)

	result, err := h.sched.RunBatch(context.Background())
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrDueListUnavailable)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestRunBatch_BatchInProgress(t *testing.T) {
	lock := jobs.NewLocalLock()
	release, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	defer release(context.Background())

	h := newHarness(t, fakeScanner{}, config.SchedulerConfig{BatchSize: 10}, newFakeStore(), func(d *Deps) {
		d.Lock = lock
	})

	_, err = h.sched.RunBatch(context.Background())
	assert.ErrorIs(t, err, jobs.ErrBatchInProgress)
}

func TestRunBatch_ReleasesLock(t *testing.T) {
	lock := jobs.NewLocalLock()
	h := newHarness(t, fakeScanner{}, config.SchedulerConfig{BatchSize: 10}, newFakeStore(), func(d *Deps) {
		d.Lock = lock
	})

	_, err := h.sched.RunBatch(context.Background())
	require.NoError(t, err)
	_, err = h.sched.RunBatch(context.Background())
	require.NoError(t, err)
}

func TestRunBatch_Empty(t *testing.T) {
	h := newHarness(t, fakeScanner{}, config.SchedulerConfig{BatchSize: 10}, newFakeStore(), nil)

	result, err := h.sched.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Scanned)
	assert.NotNil(t, result.Results)
}

func TestRunBatch_RegistryCachePerBatch(t *testing.T) {
	h := newHarness(t, fakeScanner{}, config.SchedulerConfig{BatchSize: 10}, newFakeStore(), nil)

	for i := 0; i < 2; i++ {
		_, err := h.sched.RunBatch(context.Background())
		require.NoError(t, err)
	}

	require.Len(t, h.latest, 2)
	assert.IsType(t, &registry.BatchCache{}, h.latest[0])
	assert.NotSame(t, h.latest[0], h.latest[1], "each batch gets a fresh cache")

	noRegistry := newHarness(t, fakeScanner{}, config.SchedulerConfig{BatchSize: 10}, newFakeStore(), func(d *Deps) {
		d.Registry = nil
	})
	_, err := noRegistry.sched.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Nil(t, noRegistry.latest[0])
}

func TestRunBatch_ScannerPanic(t *testing.T) {
	store := newFakeStore(types.Website{ID: "wp", URL: "https://wp.example.com", ScanFrequency: types.FrequencyDaily})
	h := newHarness(t, fakeScanner{"https://wp.example.com": {panic: true}}, config.SchedulerConfig{BatchSize: 10, BackoffBase: time.Hour}, store, nil)

	result, err := h.sched.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, ReasonScanError, result.Results[0].Reason)
	assert.Equal(t, batchTime.Add(time.Hour), store.failures["wp"])
}

func TestRunBatch_PersistFailure(t *testing.T) {
	store := newFakeStore(types.Website{ID: "wp", URL: "https://wp.example.com", ScanFrequency: types.FrequencyWeekly})
	store.scanErr = errors.New("disk full")
	h := newHarness(t, fakeScanner{"https://wp.example.com": {res: wordpressResult("5.8.3")}}, config.SchedulerConfig{BatchSize: 10}, store, nil)

	result, err := h.sched.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonPersistence, result.Results[0].Reason)
	assert.Contains(t, store.failures, "wp")
	assert.NotContains(t, store.schedules, "wp")
	assert.Empty(t, h.dispatcher.events)
}

func TestRunBatch_FindingsWriteFailureLeavesNoScan(t *testing.T) {
	store := newFakeStore(types.Website{ID: "wp", URL: "https://wp.example.com", ScanFrequency: types.FrequencyWeekly})
	store.findingsErr = errors.New("constraint violation")
	h := newHarness(t, fakeScanner{"https://wp.example.com": {res: wordpressResult("5.8.3")}}, config.SchedulerConfig{BatchSize: 10, BackoffBase: time.Hour}, store, nil)

	result, err := h.sched.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonPersistence, result.Results[0].Reason)
	assert.Empty(t, result.Results[0].ScanID)
	assert.Empty(t, store.scans, "no scan row without its findings")
	assert.Empty(t, store.findings)
	assert.Equal(t, batchTime.Add(time.Hour), store.failures["wp"])
	assert.Empty(t, h.dispatcher.events)
}

func TestRunBatch_CancelledContext(t *testing.T) {
	store := newFakeStore(
		types.Website{ID: "a", URL: "https://a.example.com", ScanFrequency: types.FrequencyDaily},
		types.Website{ID: "b", URL: "https://b.example.com", ScanFrequency: types.FrequencyDaily},
	)
	h := newHarness(t, fakeScanner{}, config.SchedulerConfig{BatchSize: 10}, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := h.sched.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Failed)
	for _, o := range result.Results {
		assert.Equal(t, ReasonBatchCancelled, o.Reason)
	}
	assert.Empty(t, store.failures, "cancelled sites keep their schedule")
}

func TestRunBatch_PacesSites(t *testing.T) {
	store := newFakeStore(
		types.Website{ID: "a", URL: "https://a.example.com", ScanFrequency: types.FrequencyDaily},
		types.Website{ID: "b", URL: "https://b.example.com", ScanFrequency: types.FrequencyDaily},
		types.Website{ID: "c", URL: "https://c.example.com", ScanFrequency: types.FrequencyDaily},
	)
	scanner := fakeScanner{
		"https://a.example.com": {res: wordpressResult("6.0")},
		"https://b.example.com": {res: wordpressResult("6.0")},
		"https://c.example.com": {res: wordpressResult("6.0")},
	}
	h := newHarness(t, scanner, config.SchedulerConfig{BatchSize: 10, InterSiteDelay: 50 * time.Millisecond}, store, nil)

	start := time.Now()
	result, err := h.sched.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Successful)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestRunBatch_RespectsBatchSize(t *testing.T) {
	store := newFakeStore(
		types.Website{ID: "a", URL: "https://a.example.com", ScanFrequency: types.FrequencyDaily},
		types.Website{ID: "b", URL: "https://b.example.com", ScanFrequency: types.FrequencyDaily},
	)
	scanner := fakeScanner{"https://a.example.com": {res: wordpressResult("6.0")}}
	h := newHarness(t, scanner, config.SchedulerConfig{BatchSize: 1}, store, nil)

	result, err := h.sched.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(config.SchedulerConfig{}, 0, "", Deps{})
	assert.Error(t, err)

	_, err = New(config.SchedulerConfig{}, 0, "", Deps{Store: newFakeStore()})
	assert.Error(t, err)
}
