package wordpress

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/version"
)

// Provenance values for the core version.
const (
	SourceRESTAPI      = "rest_api"
	SourceGenerator    = "meta_generator"
	SourceHTMLComment  = "html_comment"
	SourceEmojiVersion = "emoji_script_ver"
	SourceReadme       = "readme"
	SourceNone         = "none"
)

var (
	generatorVersionPattern = regexp.MustCompile(`WordPress\s+([0-9]+(?:\.[0-9]+)+(?:[-.]?[A-Za-z]+[0-9]*)?)`)
	restGeneratorPattern    = regexp.MustCompile(`[?&]v=([0-9]+(?:\.[0-9]+)+(?:-[A-Za-z0-9]+)?)`)
	commentVersionPattern   = regexp.MustCompile(`<!--[^>]*?WordPress\s+([0-9]+(?:\.[0-9]+)+)`)
	emojiVersionPattern     = regexp.MustCompile(`wp-includes/js/wp-emoji-release\.min\.js\?ver=([0-9]+(?:\.[0-9]+)+)`)
	readmeVersionPattern    = regexp.MustCompile(`<br />\s*Version\s+([0-9.]+)`)
)

func coreItem() types.ComponentInventoryItem {
	return types.ComponentInventoryItem{
		Kind:         types.ComponentCore,
		Slug:         "wordpress",
		Name:         "WordPress",
		Version:      types.UnknownVersion,
		DetectedFrom: SourceNone,
	}
}

// detectCore tries each core-version source in order and stops at the
// first hit. Every network attempt is bounded by the probe timeout.
func (f *Fingerprinter) detectCore(ctx context.Context, t *target) (types.ComponentInventoryItem, error) {
	item := coreItem()

	if v := restAPIVersion(t.rest); v != "" {
		item.Version, item.DetectedFrom = v, SourceRESTAPI
	} else if v, src := markupVersion(t.root); v != "" {
		item.Version, item.DetectedFrom = v, src
	} else if body, err := f.prober.fetchContent(ctx, t.base+"/readme.html"); err == nil {
		if m := readmeVersionPattern.FindStringSubmatch(body); len(m) > 1 {
			item.Version, item.DetectedFrom = strings.TrimSpace(m[1]), SourceReadme
		}
	}

	if f.registry != nil {
		item.LatestVersion = f.registry.LatestCoreVersion(ctx)
	}
	item.IsOutdated = version.IsOutdated(item.Version, item.LatestVersion)
	return item, nil
}

// restAPIVersion reads a generator or version field from the REST index.
func restAPIVersion(p *page) string {
	if !p.ok() {
		return ""
	}
	var index map[string]interface{}
	if err := json.Unmarshal([]byte(p.Body), &index); err != nil {
		return ""
	}
	if v, ok := index["version"].(string); ok && version.IsKnown(v) {
		return version.Normalize(v)
	}
	if g, ok := index["generator"].(string); ok {
		if m := restGeneratorPattern.FindStringSubmatch(g); len(m) > 1 {
			return m[1]
		}
		if m := generatorVersionPattern.FindStringSubmatch(g); len(m) > 1 {
			return m[1]
		}
	}
	return ""
}

// markupVersion checks the generator meta tag, then HTML comments, then
// the version stamped on the core emoji script.
func markupVersion(p *page) (string, string) {
	if p == nil || p.Body == "" {
		return "", ""
	}

	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.Body)); err == nil {
		if v := generatorVersion(doc); v != "" {
			return v, SourceGenerator
		}
	}
	if m := commentVersionPattern.FindStringSubmatch(p.Body); len(m) > 1 {
		return m[1], SourceHTMLComment
	}
	if m := emojiVersionPattern.FindStringSubmatch(p.Body); len(m) > 1 {
		return m[1], SourceEmojiVersion
	}
	return "", ""
}

func generatorVersion(doc *goquery.Document) string {
	var v string
	doc.Find(`meta[name="generator"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		content, _ := s.Attr("content")
		if m := generatorVersionPattern.FindStringSubmatch(content); len(m) > 1 {
			v = m[1]
			return false
		}
		return true
	})
	return v
}
