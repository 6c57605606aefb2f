package vulndb

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/twmb/murmur3"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/core"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
)

// Correlation groups matched records by where they were found.
type Correlation struct {
	Core    []types.VulnerabilityRecord            `json:"core"`
	Plugins map[string][]types.VulnerabilityRecord `json:"plugins"`
	Themes  map[string][]types.VulnerabilityRecord `json:"themes"`
}

// Flatten returns core, plugin and theme records in a stable order with
// duplicates (same fingerprint) removed.
func (c *Correlation) Flatten() []types.VulnerabilityRecord {
	if c == nil {
		return []types.VulnerabilityRecord{}
	}

	out := make([]types.VulnerabilityRecord, 0, len(c.Core))
	seen := make(map[string]bool)
	add := func(records []types.VulnerabilityRecord) {
		for _, r := range records {
			fp := Fingerprint(r)
			if seen[fp] {
				continue
			}
			seen[fp] = true
			out = append(out, r)
		}
	}

	add(c.Core)
	for _, slug := range sortedKeys(c.Plugins) {
		add(c.Plugins[slug])
	}
	for _, slug := range sortedKeys(c.Themes) {
		add(c.Themes[slug])
	}
	return out
}

// Findings converts the flattened records into OPEN findings for scanID.
func (c *Correlation) Findings(scanID string) []types.Finding {
	records := c.Flatten()
	findings := make([]types.Finding, 0, len(records))
	for _, r := range records {
		f := types.NewFinding(scanID, r)
		f.Fingerprint = Fingerprint(r)
		findings = append(findings, f)
	}
	return findings
}

func sortedKeys(m map[string][]types.VulnerabilityRecord) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fingerprint identifies a record independently of the scan it appears in,
// so the same issue on the same component hashes identically across scans.
func Fingerprint(r types.VulnerabilityRecord) string {
	ref := r.ID
	if r.CVE != "" {
		ref = r.CVE
	}
	key := strings.Join([]string{
		string(r.ComponentKind),
		strings.ToLower(r.ComponentSlug),
		strings.ToUpper(ref),
		strings.ToLower(strings.TrimSpace(r.Title)),
	}, "|")

	h1, h2 := murmur3.Sum128([]byte(key))
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// Correlator matches a DetectionResult against a knowledge base.
type Correlator struct {
	kb     core.KnowledgeBase
	logger *logger.Logger
}

func NewCorrelator(kb core.KnowledgeBase, log *logger.Logger) *Correlator {
	if log == nil {
		log = logger.NewNop()
	}
	return &Correlator{kb: kb, logger: log.WithComponent("correlator")}
}

// Correlate looks up every inventoried component. Components with an
// unknown version are still looked up; the knowledge base decides whether
// any record applies to them.
func (c *Correlator) Correlate(ctx context.Context, res *types.DetectionResult) (*Correlation, error) {
	out := &Correlation{
		Core:    []types.VulnerabilityRecord{},
		Plugins: make(map[string][]types.VulnerabilityRecord),
		Themes:  make(map[string][]types.VulnerabilityRecord),
	}
	if res == nil {
		return out, nil
	}

	if res.Core.Slug != "" {
		records, err := c.kb.Lookup(ctx, types.ComponentCore, res.Core.Slug, res.Core.Version)
		if err != nil {
			return nil, fmt.Errorf("core lookup failed: %w", err)
		}
		out.Core = append(out.Core, records...)
	}

	if err := c.lookupAll(ctx, types.ComponentPlugin, res.Plugins, out.Plugins); err != nil {
		return nil, err
	}
	if err := c.lookupAll(ctx, types.ComponentTheme, res.Themes, out.Themes); err != nil {
		return nil, err
	}

	for _, r := range out.Flatten() {
		c.logger.LogVulnerability(ctx, map[string]interface{}{
			"id":        r.ID,
			"severity":  string(r.Severity),
			"component": string(r.ComponentKind) + ":" + r.ComponentSlug,
			"version":   r.ComponentVersion,
			"title":     r.Title,
		})
	}
	return out, nil
}

func (c *Correlator) lookupAll(ctx context.Context, kind types.ComponentKind, items []types.ComponentInventoryItem, into map[string][]types.VulnerabilityRecord) error {
	for _, item := range items {
		records, err := c.kb.Lookup(ctx, kind, item.Slug, item.Version)
		if err != nil {
			return fmt.Errorf("%s %s lookup failed: %w", kind, item.Slug, err)
		}
		if len(records) > 0 {
			into[item.Slug] = append(into[item.Slug], records...)
		}
	}
	return nil
}
