package wordpress

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/core"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
)

// ErrSiteUnreachable wraps every site-level failure: the host does not
// resolve or the root page cannot be fetched at all.
var ErrSiteUnreachable = errors.New("site unreachable")

// Provenance values for server metadata.
const (
	SourceHeadRequest = "head_request"
	SourceRootHeaders = "root_headers"
)

// Axis names reported in DetectionResult.FailedAxes.
const (
	AxisCore    = "core"
	AxisPlugins = "plugins"
	AxisThemes  = "themes"
	AxisServer  = "server"
)

var phpVersionPattern = regexp.MustCompile(`(?i)PHP/([0-9]+(?:\.[0-9]+)*)`)

// HostChecker is satisfied by the DNS preflight resolver.
type HostChecker interface {
	Preflight(ctx context.Context, host string) error
}

// target is the shared state of one fingerprint run.
type target struct {
	base string
	root *page
	rest *page
}

type (
	itemAxis   func(f *Fingerprinter, ctx context.Context, t *target) (types.ComponentInventoryItem, error)
	listAxis   func(f *Fingerprinter, ctx context.Context, t *target) ([]types.ComponentInventoryItem, error)
	serverAxis func(f *Fingerprinter, ctx context.Context, t *target) (types.ServerInfo, error)
)

type axes struct {
	core    itemAxis
	plugins listAxis
	themes  listAxis
	server  serverAxis
}

func defaultAxes() axes {
	return axes{
		core:    (*Fingerprinter).detectCore,
		plugins: (*Fingerprinter).detectPlugins,
		themes:  (*Fingerprinter).detectThemes,
		server:  (*Fingerprinter).detectServer,
	}
}

// Fingerprinter builds the full component inventory of a WordPress site.
type Fingerprinter struct {
	cfg      Config
	prober   *prober
	detector *Detector
	registry core.LatestVersionSource
	resolver HostChecker
	logger   *logger.Logger
	axes     axes
}

// NewFingerprinter creates a fingerprinter. registry may be nil, in which
// case latest versions are left empty and nothing is marked outdated.
func NewFingerprinter(cfg Config, client *http.Client, registry core.LatestVersionSource, log *logger.Logger) *Fingerprinter {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.NewNop()
	}
	log = log.WithComponent("wordpress-fingerprinter")

	p := &prober{client: client, timeout: cfg.ProbeTimeout, logger: log}
	return &Fingerprinter{
		cfg:    cfg,
		prober: p,
		detector: &Detector{
			prober: p,
			policy: cfg.Policy,
			logger: log,
		},
		registry: registry,
		logger:   log,
		axes:     defaultAxes(),
	}
}

// WithRegistry returns a copy that resolves latest versions through source.
// The scheduler uses it to attach a batch-scoped cache.
func (f *Fingerprinter) WithRegistry(source core.LatestVersionSource) *Fingerprinter {
	c := *f
	c.registry = source
	return &c
}

// WithResolver returns a copy that runs a DNS preflight before the root fetch.
func (f *Fingerprinter) WithResolver(r HostChecker) *Fingerprinter {
	c := *f
	c.resolver = r
	return &c
}

// WithLimiter returns a copy whose probes wait on a per-host limiter.
func (f *Fingerprinter) WithLimiter(l *ratelimit.Limiter) *Fingerprinter {
	c := *f
	p := *f.prober
	p.limiter = l
	c.prober = &p
	d := *f.detector
	d.prober = &p
	c.detector = &d
	return &c
}

// Fingerprint detects the platform and, when it is WordPress, runs the core,
// plugin, theme and server axes concurrently. Only site-level failures are
// returned as errors; axis failures degrade to empty results.
func (f *Fingerprinter) Fingerprint(ctx context.Context, rawURL string) (*types.DetectionResult, error) {
	start := time.Now()

	base, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	ctx, span := f.logger.StartOperation(ctx, "wordpress.Fingerprint", "target", base)
	defer func() {
		f.logger.FinishOperation(ctx, span, "wordpress.Fingerprint", start, err)
	}()

	if f.resolver != nil {
		u, _ := url.Parse(base)
		if perr := f.resolver.Preflight(ctx, u.Hostname()); perr != nil {
			err = fmt.Errorf("%w: %s: %v", ErrSiteUnreachable, base, perr)
			return nil, err
		}
	}

	root, rerr := f.prober.get(ctx, base+"/")
	if rerr != nil {
		err = fmt.Errorf("%w: %s: %v", ErrSiteUnreachable, base, rerr)
		return nil, err
	}

	run := f.detector.detect(ctx, base, root)
	result := &types.DetectionResult{
		URL:       base,
		Detection: run.detection,
		Plugins:   []types.ComponentInventoryItem{},
		Themes:    []types.ComponentInventoryItem{},
		Server:    types.ServerInfo{HTTPS: strings.HasPrefix(base, "https://")},
	}
	if !run.detection.IsWordPress {
		result.Duration = time.Since(start)
		f.logger.Infow("Target is not WordPress",
			"target", base,
			"confidence", run.detection.Confidence,
			"indicators", run.detection.Indicators,
		)
		return result, nil
	}

	t := &target{base: base, root: root, rest: run.rest}
	f.runAxes(ctx, t, result)

	result.Confidence = f.confidence(result)
	result.Duration = time.Since(start)

	f.logger.Infow("Fingerprint completed",
		"target", base,
		"core_version", result.Core.Version,
		"plugins", len(result.Plugins),
		"themes", len(result.Themes),
		"confidence", result.Confidence,
		"failed_axes", result.FailedAxes,
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result, nil
}

// runAxes fans the four axes out and joins them. Each axis goroutine writes
// only its own field of result and its own slot in failed.
func (f *Fingerprinter) runAxes(ctx context.Context, t *target, result *types.DetectionResult) {
	var (
		g      errgroup.Group
		failed = make([]bool, 4)
	)

	g.Go(func() error {
		item, err := guard(f, ctx, AxisCore, func() (types.ComponentInventoryItem, error) {
			return f.axes.core(f, ctx, t)
		})
		if err != nil {
			failed[0] = true
			item = coreItem()
			item.DetectedFrom = types.DetectionFailed
		}
		result.Core = item
		return nil
	})

	g.Go(func() error {
		items, err := guard(f, ctx, AxisPlugins, func() ([]types.ComponentInventoryItem, error) {
			return f.axes.plugins(f, ctx, t)
		})
		if err != nil || items == nil {
			failed[1] = err != nil
			items = []types.ComponentInventoryItem{}
		}
		result.Plugins = items
		return nil
	})

	g.Go(func() error {
		items, err := guard(f, ctx, AxisThemes, func() ([]types.ComponentInventoryItem, error) {
			return f.axes.themes(f, ctx, t)
		})
		if err != nil || items == nil {
			failed[2] = err != nil
			items = []types.ComponentInventoryItem{}
		}
		result.Themes = items
		return nil
	})

	g.Go(func() error {
		info, err := guard(f, ctx, AxisServer, func() (types.ServerInfo, error) {
			return f.axes.server(f, ctx, t)
		})
		if err != nil {
			failed[3] = true
			info = types.ServerInfo{DetectedFrom: types.DetectionFailed}
		}
		info.HTTPS = strings.HasPrefix(t.base, "https://")
		result.Server = info
		return nil
	})

	_ = g.Wait()

	for i, name := range []string{AxisCore, AxisPlugins, AxisThemes, AxisServer} {
		if failed[i] {
			result.FailedAxes = append(result.FailedAxes, name)
		}
	}
}

// guard runs one axis, converting a panic into an error.
func guard[T any](f *Fingerprinter, ctx context.Context, axis string, fn func() (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.LogPanic(ctx, r, "wordpress.axis", "axis", axis)
			err = fmt.Errorf("axis %s panicked: %v", axis, r)
		}
	}()

	out, err = fn()
	if err != nil {
		f.logger.Warnw("Detection axis failed", "axis", axis, "error", err)
	}
	return out, err
}

// detectServer reads banner headers from a HEAD request, falling back to
// the headers already seen on the root page.
func (f *Fingerprinter) detectServer(ctx context.Context, t *target) (types.ServerInfo, error) {
	info := types.ServerInfo{}

	header := http.Header(nil)
	if p, err := f.prober.do(ctx, http.MethodHead, t.base+"/"); err == nil && p.Status < 400 {
		header = p.Header
		info.DetectedFrom = SourceHeadRequest
	} else if t.root != nil {
		header = t.root.Header
		info.DetectedFrom = SourceRootHeaders
	}
	if header == nil {
		return info, nil
	}

	info.Server = header.Get("Server")
	if m := phpVersionPattern.FindStringSubmatch(header.Get("X-Powered-By")); len(m) > 1 {
		info.PHPVersion = m[1]
	}
	return info, nil
}

// confidence scores how complete the inventory is.
func (f *Fingerprinter) confidence(r *types.DetectionResult) int {
	p := f.cfg.Policy
	score := 0
	if r.Core.HasVersion() {
		score += p.CoreResolved
	}
	score += min(p.PerPlugin*len(r.Plugins), p.PluginCap)
	score += min(p.PerTheme*len(r.Themes), p.ThemeCap)

	if n := len(r.Plugins); n > 0 {
		versioned := 0
		for _, item := range r.Plugins {
			if item.HasVersion() {
				versioned++
			}
		}
		score += p.VersionedBonus * versioned / n
	}
	return clamp(score)
}
