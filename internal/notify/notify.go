// Package notify fans a ScanCompletedWithFindings event out to the
// configured alert channels.
package notify

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/core"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/risk"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
)

// maxSummaries caps how many findings an alert lists individually.
const maxSummaries = 10

var severityOrder = []types.Severity{
	types.SeverityCritical,
	types.SeverityHigh,
	types.SeverityMedium,
	types.SeverityLow,
}

// Dispatcher delivers events to every notifier independently. A failing
// channel is logged and never affects the others or the caller.
type Dispatcher struct {
	notifiers []core.Notifier
	timeout   time.Duration
	logger    *logger.Logger
}

func NewDispatcher(log *logger.Logger, timeout time.Duration, notifiers ...core.Notifier) *Dispatcher {
	if log == nil {
		log = logger.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		notifiers: notifiers,
		timeout:   timeout,
		logger:    log.WithComponent("notify"),
	}
}

// Dispatch blocks until every channel has finished and returns how many
// delivered without error.
func (d *Dispatcher) Dispatch(ctx context.Context, event *types.ScanCompletedWithFindings) int {
	if d == nil || event == nil || len(event.Findings) == 0 {
		return 0
	}

	// detached so a batch deadline does not cut alerts for a scan that
	// was already persisted
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	delivered := make([]bool, len(d.notifiers))
	var g errgroup.Group
	for i, n := range d.notifiers {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					d.logger.LogPanic(ctx, r, "notify.dispatch", "channel", n.Name())
				}
			}()

			if err := n.Notify(ctx, event); err != nil {
				d.logger.LogError(ctx, err, "notify.dispatch",
					"channel", n.Name(),
					"website_url", event.Website.URL,
					"scan_id", event.Scan.ID,
				)
				return nil
			}
			delivered[i] = true
			return nil
		})
	}
	_ = g.Wait()

	count := 0
	for _, ok := range delivered {
		if ok {
			count++
		}
	}
	d.logger.Debugw("Notifications dispatched",
		"website_url", event.Website.URL,
		"scan_id", event.Scan.ID,
		"channels", len(d.notifiers),
		"delivered", count,
	)
	return count
}

// FindingSummary is the per-finding line shared by every channel.
type FindingSummary struct {
	Severity  types.Severity      `json:"severity"`
	Title     string              `json:"title"`
	Kind      types.ComponentKind `json:"component_kind"`
	Component string              `json:"component"`
	Version   string              `json:"version"`
	CVE       string              `json:"cve,omitempty"`
	FixedIn   string              `json:"fixed_in,omitempty"`
}

// Summarize orders findings by severity and keeps at most maxSummaries.
func Summarize(findings []types.Finding) []FindingSummary {
	sorted := make([]types.Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return risk.Weights[sorted[i].Severity] > risk.Weights[sorted[j].Severity]
	})
	if len(sorted) > maxSummaries {
		sorted = sorted[:maxSummaries]
	}

	out := make([]FindingSummary, 0, len(sorted))
	for _, f := range sorted {
		out = append(out, FindingSummary{
			Severity:  f.Severity,
			Title:     f.Title,
			Kind:      f.ComponentKind,
			Component: f.ComponentSlug,
			Version:   f.ComponentVersion,
			CVE:       f.CVE,
			FixedIn:   f.FixedIn,
		})
	}
	return out
}
