package wordpress

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/version"
)

// Provenance values for plugins and themes.
const (
	SourceAssetQuery    = "asset_query"
	SourceHTMLReference = "html_reference"
	SourcePluginReadme  = "readme_txt"
	SourceThemeStyle    = "style_css"
)

var (
	pluginPathPattern = regexp.MustCompile(`wp-content/plugins/([A-Za-z0-9._-]+)`)
	themePathPattern  = regexp.MustCompile(`wp-content/themes/([A-Za-z0-9._-]+)`)

	assetVersionPattern = regexp.MustCompile(`^[0-9]+(?:\.[0-9]+)+(?:[-.]?[A-Za-z]+[0-9]*)?$`)

	stableTagPattern    = regexp.MustCompile(`(?i)stable tag:\s*([^\r\n]+)`)
	pluginNamePattern   = regexp.MustCompile(`^===\s*(.+?)\s*===`)
	themeVersionPattern = regexp.MustCompile(`(?im)^[ \t*]*version:\s*([^\r\n]+)`)
	themeNamePattern    = regexp.MustCompile(`(?i)theme name:\s*([^\r\n]+)`)
)

// componentSpec describes how one category of component is found and
// versioned.
type componentSpec struct {
	kind        types.ComponentKind
	pathPattern *regexp.Regexp
	dir         string
	metadataDoc string
	parseMeta   func(body string) (name, version string)
	latest      func(f *Fingerprinter, ctx context.Context, slug string) string
	lookupCap   func(cfg Config) int
}

var pluginSpec = componentSpec{
	kind:        types.ComponentPlugin,
	pathPattern: pluginPathPattern,
	dir:         "plugins",
	metadataDoc: "readme.txt",
	parseMeta:   parsePluginReadme,
	latest: func(f *Fingerprinter, ctx context.Context, slug string) string {
		return f.registry.LatestPluginVersion(ctx, slug)
	},
	lookupCap: func(cfg Config) int { return cfg.MaxPluginLookups },
}

var themeSpec = componentSpec{
	kind:        types.ComponentTheme,
	pathPattern: themePathPattern,
	dir:         "themes",
	metadataDoc: "style.css",
	parseMeta:   parseThemeStyle,
	latest: func(f *Fingerprinter, ctx context.Context, slug string) string {
		return f.registry.LatestThemeVersion(ctx, slug)
	},
	lookupCap: func(cfg Config) int { return cfg.MaxThemeLookups },
}

func (f *Fingerprinter) detectPlugins(ctx context.Context, t *target) ([]types.ComponentInventoryItem, error) {
	return f.enumerate(ctx, t, pluginSpec)
}

func (f *Fingerprinter) detectThemes(ctx context.Context, t *target) ([]types.ComponentInventoryItem, error) {
	items, err := f.enumerate(ctx, t, themeSpec)
	if err != nil {
		return nil, err
	}
	// the first theme referenced by the rendered page is the active one
	for i := range items {
		items[i].IsActive = i == 0
	}
	return items, nil
}

func (f *Fingerprinter) enumerate(ctx context.Context, t *target, spec componentSpec) ([]types.ComponentInventoryItem, error) {
	if t.root == nil || t.root.Body == "" {
		return []types.ComponentInventoryItem{}, nil
	}

	items := extractComponents(t.root.Body, spec)
	f.fillMetadata(ctx, t.base, spec, items)
	f.resolveLatest(ctx, spec, items)
	return items, nil
}

// extractComponents finds asset references in markup, deduplicated by slug
// in order of first appearance. A ?ver= query parameter on a matching asset
// URL supplies the version.
func extractComponents(body string, spec componentSpec) []types.ComponentInventoryItem {
	var (
		items []types.ComponentInventoryItem
		index = map[string]int{}
	)

	add := func(slug, ver, source string) {
		slug = strings.ToLower(slug)
		if slug == "" || slug == "." || slug == ".." {
			return
		}
		if i, ok := index[slug]; ok {
			if !items[i].HasVersion() && ver != "" {
				items[i].Version = ver
				items[i].DetectedFrom = source
			}
			return
		}
		item := types.ComponentInventoryItem{
			Kind:         spec.kind,
			Slug:         slug,
			Name:         slug,
			Version:      types.UnknownVersion,
			DetectedFrom: SourceHTMLReference,
			IsActive:     true,
		}
		if ver != "" {
			item.Version = ver
			item.DetectedFrom = source
		}
		index[slug] = len(items)
		items = append(items, item)
	}

	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(body)); err == nil {
		doc.Find("link[href], script[src], img[src], source[src], style").Each(func(_ int, s *goquery.Selection) {
			for _, attr := range []string{"href", "src"} {
				ref, ok := s.Attr(attr)
				if !ok {
					continue
				}
				if slug, ver := parseAssetRef(ref, spec.pathPattern); slug != "" {
					add(slug, ver, SourceAssetQuery)
				}
			}
		})
	}

	// inline styles, scripts and srcsets the selectors above do not cover
	for _, m := range spec.pathPattern.FindAllStringSubmatch(body, -1) {
		add(m[1], "", SourceHTMLReference)
	}

	if items == nil {
		items = []types.ComponentInventoryItem{}
	}
	return items
}

func parseAssetRef(ref string, pattern *regexp.Regexp) (string, string) {
	m := pattern.FindStringSubmatch(ref)
	if len(m) < 2 {
		return "", ""
	}

	ver := ""
	if u, err := url.Parse(strings.TrimSpace(ref)); err == nil {
		if v := u.Query().Get("ver"); assetVersionPattern.MatchString(v) {
			ver = v
		}
	}
	return m[1], ver
}

// fillMetadata fetches readme.txt or style.css for unversioned items, up to
// MaxMetadataFetches documents per category.
func (f *Fingerprinter) fillMetadata(ctx context.Context, base string, spec componentSpec, items []types.ComponentInventoryItem) {
	var g errgroup.Group
	g.SetLimit(f.cfg.LookupConcurrency)

	fetches := 0
	for i := range items {
		if items[i].HasVersion() {
			continue
		}
		if fetches >= f.cfg.MaxMetadataFetches {
			break
		}
		fetches++

		i := i
		g.Go(func() error {
			docURL := base + "/wp-content/" + spec.dir + "/" + url.PathEscape(items[i].Slug) + "/" + spec.metadataDoc
			body, err := f.prober.fetchContent(ctx, docURL)
			if err != nil {
				return nil
			}
			name, ver := spec.parseMeta(body)
			if name != "" {
				items[i].Name = name
			}
			if version.IsKnown(ver) && ver != "trunk" {
				items[i].Version = version.Normalize(ver)
				items[i].DetectedFrom = metadataSource(spec.kind)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func metadataSource(kind types.ComponentKind) string {
	if kind == types.ComponentTheme {
		return SourceThemeStyle
	}
	return SourcePluginReadme
}

// resolveLatest looks up the newest published version for the first
// lookupCap items and derives IsOutdated.
func (f *Fingerprinter) resolveLatest(ctx context.Context, spec componentSpec, items []types.ComponentInventoryItem) {
	if f.registry == nil {
		return
	}

	limit := min(spec.lookupCap(f.cfg), len(items))
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(f.cfg.LookupConcurrency)

	for i := 0; i < limit; i++ {
		i := i
		g.Go(func() error {
			latest := spec.latest(f, ctx, items[i].Slug)
			mu.Lock()
			items[i].LatestVersion = latest
			items[i].IsOutdated = version.IsOutdated(items[i].Version, latest)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func parsePluginReadme(body string) (string, string) {
	var name, ver string
	if m := pluginNamePattern.FindStringSubmatch(strings.TrimSpace(body)); len(m) > 1 {
		name = strings.TrimSpace(m[1])
	}
	if m := stableTagPattern.FindStringSubmatch(body); len(m) > 1 {
		ver = strings.TrimSpace(m[1])
	}
	return name, ver
}

func parseThemeStyle(body string) (string, string) {
	var name, ver string
	if m := themeNamePattern.FindStringSubmatch(body); len(m) > 1 {
		name = strings.TrimSpace(m[1])
	}
	if m := themeVersionPattern.FindStringSubmatch(body); len(m) > 1 {
		ver = strings.TrimSpace(m[1])
	}
	return name, ver
}
