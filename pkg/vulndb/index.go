// Package vulndb holds the vulnerability knowledge base and correlates a
// component inventory against it.
package vulndb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/version"
)

// document is the on-disk layout of a knowledge-base file.
type document struct {
	Vulnerabilities []types.VulnerabilityRecord `json:"vulnerabilities" yaml:"vulnerabilities"`
}

// Index is an in-memory knowledge base keyed by component kind and slug.
type Index struct {
	mu      sync.RWMutex
	records map[string][]types.VulnerabilityRecord
	count   int
}

func NewIndex() *Index {
	return &Index{records: make(map[string][]types.VulnerabilityRecord)}
}

// Load reads a YAML or JSON knowledge-base file, chosen by extension.
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge base %s: %w", path, err)
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}

	idx, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("failed to parse knowledge base %s: %w", path, err)
	}
	return idx, nil
}

// Parse builds an index from raw YAML or JSON.
func Parse(data []byte, format string) (*Index, error) {
	var doc document
	switch format {
	case "json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported knowledge base format %q", format)
	}

	idx := NewIndex()
	for i, rec := range doc.Vulnerabilities {
		if err := idx.Add(rec); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	return idx, nil
}

// Add validates and normalizes one record. A missing severity is derived
// from the CVSS score.
func (x *Index) Add(rec types.VulnerabilityRecord) error {
	rec.ComponentSlug = strings.ToLower(strings.TrimSpace(rec.ComponentSlug))
	rec.ComponentVersion = ""

	switch rec.ComponentKind {
	case types.ComponentCore:
		if rec.ComponentSlug == "" {
			rec.ComponentSlug = "wordpress"
		}
	case types.ComponentPlugin, types.ComponentTheme:
	default:
		return fmt.Errorf("unknown component kind %q", rec.ComponentKind)
	}

	if rec.ComponentSlug == "" {
		return fmt.Errorf("missing component slug")
	}
	if rec.ID == "" && rec.CVE == "" {
		return fmt.Errorf("record for %s needs an id or a CVE", rec.ComponentSlug)
	}
	if rec.ID == "" {
		rec.ID = rec.CVE
	}

	if sev, ok := types.ParseSeverity(string(rec.Severity)); ok {
		rec.Severity = sev
	} else if rec.CVSS != nil {
		rec.Severity = types.SeverityFromCVSS(*rec.CVSS)
	} else {
		return fmt.Errorf("record %s has neither a severity nor a CVSS score", rec.ID)
	}

	x.mu.Lock()
	key := indexKey(rec.ComponentKind, rec.ComponentSlug)
	x.records[key] = append(x.records[key], rec)
	x.count++
	x.mu.Unlock()
	return nil
}

// Lookup returns the records for slug whose affected range covers v, each
// stamped with the detected version. An "unknown" version only matches
// records that affect every version.
func (x *Index) Lookup(_ context.Context, kind types.ComponentKind, slug, v string) ([]types.VulnerabilityRecord, error) {
	x.mu.RLock()
	candidates := x.records[indexKey(kind, strings.ToLower(slug))]
	x.mu.RUnlock()

	var matched []types.VulnerabilityRecord
	for _, rec := range candidates {
		if !version.Matches(rec.AffectedVersions, v) {
			continue
		}
		rec.ComponentVersion = v
		matched = append(matched, rec)
	}

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return matched, nil
}

// Len returns the number of records loaded.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.count
}

func indexKey(kind types.ComponentKind, slug string) string {
	return string(kind) + ":" + slug
}
