package wordpress

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
)

// Indicator names reported in SiteDetection.Indicators.
const (
	IndicatorRESTAPI       = "rest_api"
	IndicatorGenerator     = "generator_tag"
	IndicatorAssetPaths    = "asset_paths"
	IndicatorBodyClasses   = "body_classes"
	IndicatorAPILink       = "api_link"
	IndicatorRSDLink       = "rsd_link"
	IndicatorEmojiScript   = "emoji_script"
	IndicatorLoginPage     = "login_page"
	IndicatorFeedGenerator = "feed_generator"
	IndicatorXMLRPC        = "xmlrpc"
)

// Detection methods, named after the first signal group that fired.
const (
	MethodRESTAPI  = "rest_api"
	MethodMarkup   = "html_analysis"
	MethodFallback = "fallback_probes"
	MethodNone     = "none"
)

var strongIndicators = map[string]bool{
	IndicatorRESTAPI:    true,
	IndicatorGenerator:  true,
	IndicatorAssetPaths: true,
}

var (
	assetPathPattern = regexp.MustCompile(`/wp-(?:content|includes)/`)
	bodyClassPattern = regexp.MustCompile(`^(?:wp-|page-template|postid-|page-id-|logged-in|admin-bar|wordpress)`)
	feedGenPattern   = regexp.MustCompile(`(?i)<generator>\s*https?://wordpress\.org/\?v=`)
)

// ConfidencePolicy holds the weights used by the detector and the
// fingerprinter. The zero value is not useful; start from DefaultPolicy.
type ConfidencePolicy struct {
	// Site detector
	StrongBase         int
	StrongPerIndicator int
	WeakPerIndicator   int
	AssetPathThreshold int
	MinWeakIndicators  int

	// Fingerprinter
	CoreResolved   int
	PerPlugin      int
	PluginCap      int
	PerTheme       int
	ThemeCap       int
	VersionedBonus int
}

func DefaultPolicy() ConfidencePolicy {
	return ConfidencePolicy{
		StrongBase:         50,
		StrongPerIndicator: 15,
		WeakPerIndicator:   20,
		AssetPathThreshold: 2,
		MinWeakIndicators:  2,

		CoreResolved:   40,
		PerPlugin:      5,
		PluginCap:      30,
		PerTheme:       10,
		ThemeCap:       20,
		VersionedBonus: 10,
	}
}

// siteConfidence applies the detector formula to a set of indicators.
func (p ConfidencePolicy) siteConfidence(indicators []string) (bool, int) {
	strong := false
	for _, ind := range indicators {
		if strongIndicators[ind] {
			strong = true
			break
		}
	}

	n := len(indicators)
	var score int
	if strong {
		score = p.StrongBase + p.StrongPerIndicator*n
	} else {
		score = p.WeakPerIndicator * n
	}
	return strong || n >= p.MinWeakIndicators, clamp(score)
}

// Detector answers whether a site runs WordPress.
type Detector struct {
	prober *prober
	policy ConfidencePolicy
	logger *logger.Logger
}

func NewDetector(cfg Config, client *http.Client, limiter *ratelimit.Limiter, log *logger.Logger) *Detector {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.NewNop()
	}
	log = log.WithComponent("wordpress-detector")
	return &Detector{
		prober: &prober{client: client, timeout: cfg.ProbeTimeout, limiter: limiter, logger: log},
		policy: cfg.Policy,
		logger: log,
	}
}

// Detect never returns an error: unreachable targets come back as
// IsWordPress=false with zero confidence.
func (d *Detector) Detect(ctx context.Context, rawURL string) types.SiteDetection {
	base, err := NormalizeURL(rawURL)
	if err != nil {
		return types.SiteDetection{Indicators: []string{}, FailedChecks: []string{"normalize_url"}, Method: MethodNone}
	}

	root, err := d.prober.get(ctx, base+"/")
	if err != nil {
		d.logger.Debugw("Root page fetch failed", "target", base, "error", err)
		root = nil
	}
	run := d.detect(ctx, base, root)
	if root == nil {
		run.detection.FailedChecks = append([]string{"root_page"}, run.detection.FailedChecks...)
	}
	return run.detection
}

// detectionRun carries the verdict plus documents later reused by the
// fingerprinter.
type detectionRun struct {
	detection types.SiteDetection
	rest      *page
}

type signalSet struct {
	mu         sync.Mutex
	indicators []string
	failed     []string
}

func (s *signalSet) hit(name string) {
	s.mu.Lock()
	s.indicators = append(s.indicators, name)
	s.mu.Unlock()
}

func (s *signalSet) fail(name string) {
	s.mu.Lock()
	s.failed = append(s.failed, name)
	s.mu.Unlock()
}

func (d *Detector) detect(ctx context.Context, base string, root *page) detectionRun {
	signals := &signalSet{}
	method := MethodNone

	// 1. REST API self-description
	rest, err := d.prober.get(ctx, base+"/wp-json/")
	if err != nil {
		signals.fail(IndicatorRESTAPI)
		rest = nil
	} else if isRESTIndex(rest) {
		signals.hit(IndicatorRESTAPI)
		method = MethodRESTAPI
	}

	// 2. Root page markup
	if root != nil && root.Body != "" {
		before := len(signals.indicators)
		d.analyzeMarkup(root.Body, signals)
		if method == MethodNone && len(signals.indicators) > before {
			method = MethodMarkup
		}
	}

	// 3. Fallback probes, only when nothing strong has fired yet
	if !hasStrong(signals.indicators) {
		before := len(signals.indicators)
		d.fallbackProbes(ctx, base, signals)
		if method == MethodNone && len(signals.indicators) > before {
			method = MethodFallback
		}
	}

	sort.Strings(signals.failed)
	isWP, confidence := d.policy.siteConfidence(signals.indicators)

	detection := types.SiteDetection{
		IsWordPress:  isWP,
		Confidence:   confidence,
		Indicators:   append([]string{}, signals.indicators...),
		FailedChecks: append([]string{}, signals.failed...),
		Method:       method,
	}

	d.logger.Debugw("Site detection completed",
		"target", base,
		"is_wordpress", detection.IsWordPress,
		"confidence", detection.Confidence,
		"indicators", detection.Indicators,
		"failed_checks", detection.FailedChecks,
	)
	return detectionRun{detection: detection, rest: rest}
}

func hasStrong(indicators []string) bool {
	for _, ind := range indicators {
		if strongIndicators[ind] {
			return true
		}
	}
	return false
}

// isRESTIndex looks for the structural fields of the /wp-json/ index.
func isRESTIndex(p *page) bool {
	if !p.ok() {
		return false
	}
	var index struct {
		Namespaces []string                   `json:"namespaces"`
		Routes     map[string]json.RawMessage `json:"routes"`
	}
	if err := json.Unmarshal([]byte(p.Body), &index); err != nil {
		return false
	}
	for _, ns := range index.Namespaces {
		if ns == "wp/v2" || strings.HasPrefix(ns, "oembed/") {
			return true
		}
	}
	for route := range index.Routes {
		if strings.HasPrefix(route, "/wp/v2") {
			return true
		}
	}
	return false
}

func (d *Detector) analyzeMarkup(body string, signals *signalSet) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		signals.fail("markup_parse")
		return
	}

	if hasWordPressGenerator(doc) {
		signals.hit(IndicatorGenerator)
	}

	if len(assetPathPattern.FindAllStringIndex(body, -1)) >= d.policy.AssetPathThreshold {
		signals.hit(IndicatorAssetPaths)
	}

	if classes, ok := doc.Find("body").Attr("class"); ok {
		for _, c := range strings.Fields(classes) {
			if bodyClassPattern.MatchString(c) {
				signals.hit(IndicatorBodyClasses)
				break
			}
		}
	}

	if doc.Find(`link[rel="https://api.w.org/"]`).Length() > 0 {
		signals.hit(IndicatorAPILink)
	}

	if doc.Find(`link[rel="EditURI"], link[rel="wlwmanifest"]`).Length() > 0 {
		signals.hit(IndicatorRSDLink)
	}

	if strings.Contains(body, "_wpemojiSettings") || strings.Contains(body, "wp-emoji-release") {
		signals.hit(IndicatorEmojiScript)
	}
}

func hasWordPressGenerator(doc *goquery.Document) bool {
	found := false
	doc.Find(`meta[name="generator"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		content, _ := s.Attr("content")
		if strings.HasPrefix(strings.TrimSpace(content), "WordPress") {
			found = true
			return false
		}
		return true
	})
	return found
}

// fallbackProbes runs the endpoint probes concurrently. A probe that errors
// or times out is recorded as a failed check, never as a hard failure.
func (d *Detector) fallbackProbes(ctx context.Context, base string, signals *signalSet) {
	var g errgroup.Group

	g.Go(func() error {
		p, err := d.prober.get(ctx, base+"/wp-login.php")
		if err != nil {
			signals.fail(IndicatorLoginPage)
			return nil
		}
		if p.Status == http.StatusOK && (strings.Contains(p.Body, "user_login") || strings.Contains(p.Body, "wp-submit")) {
			signals.hit(IndicatorLoginPage)
		}
		return nil
	})

	g.Go(func() error {
		p, err := d.prober.get(ctx, base+"/feed/")
		if err != nil {
			signals.fail(IndicatorFeedGenerator)
			return nil
		}
		if p.ok() && feedGenPattern.MatchString(p.Body) {
			signals.hit(IndicatorFeedGenerator)
		}
		return nil
	})

	g.Go(func() error {
		p, err := d.prober.get(ctx, base+"/xmlrpc.php")
		if err != nil {
			signals.fail(IndicatorXMLRPC)
			return nil
		}
		if p.Status == http.StatusMethodNotAllowed || strings.Contains(p.Body, "XML-RPC server accepts POST requests only") {
			signals.hit(IndicatorXMLRPC)
		}
		return nil
	})

	_ = g.Wait()

	// goroutines finish in arbitrary order
	signals.mu.Lock()
	sortStable(signals.indicators, []string{IndicatorLoginPage, IndicatorFeedGenerator, IndicatorXMLRPC})
	signals.mu.Unlock()
}

// sortStable orders the given names by their position in order, leaving
// names not listed in place at the front.
func sortStable(items []string, order []string) {
	rank := make(map[string]int, len(order))
	for i, name := range order {
		rank[name] = i + 1
	}
	sort.SliceStable(items, func(i, j int) bool {
		return rank[items[i]] < rank[items[j]]
	})
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Config tunes probing for both the detector and the fingerprinter.
type Config struct {
	ProbeTimeout       time.Duration
	MaxMetadataFetches int
	MaxPluginLookups   int
	MaxThemeLookups    int
	LookupConcurrency  int
	Policy             ConfidencePolicy
}

func DefaultConfig() Config {
	return Config{
		ProbeTimeout:       8 * time.Second,
		MaxMetadataFetches: 10,
		MaxPluginLookups:   15,
		MaxThemeLookups:    5,
		LookupConcurrency:  4,
		Policy:             DefaultPolicy(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ProbeTimeout <= 0 || c.ProbeTimeout > 10*time.Second {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.MaxMetadataFetches < 0 {
		c.MaxMetadataFetches = 0
	}
	if c.MaxMetadataFetches > def.MaxMetadataFetches {
		c.MaxMetadataFetches = def.MaxMetadataFetches
	}
	if c.MaxPluginLookups < 0 {
		c.MaxPluginLookups = 0
	}
	if c.MaxThemeLookups < 0 {
		c.MaxThemeLookups = 0
	}
	if c.LookupConcurrency <= 0 {
		c.LookupConcurrency = def.LookupConcurrency
	}
	if c.Policy == (ConfidencePolicy{}) {
		c.Policy = def.Policy
	}
	return c
}
