// Package risk turns a set of matched vulnerabilities into a 0-100 score.
package risk

import (
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
)

const (
	MaxScore = 100
	MinScore = 0
)

// Weights per severity. A record with an unrecognised severity adds nothing.
var Weights = map[types.Severity]int{
	types.SeverityCritical: 40,
	types.SeverityHigh:     20,
	types.SeverityMedium:   10,
	types.SeverityLow:      5,
}

// Score sums severity weights and clamps the result to [0, 100]. It depends
// only on the records passed in, so persisted findings can be re-scored.
func Score(records []types.VulnerabilityRecord) int {
	total := 0
	for _, r := range records {
		total += weight(r.Severity)
		if total >= MaxScore {
			return MaxScore
		}
	}
	return clamp(total)
}

// ScoreFindings recomputes a scan's score from its findings.
func ScoreFindings(findings []types.Finding) int {
	total := 0
	for _, f := range findings {
		total += weight(f.Severity)
		if total >= MaxScore {
			return MaxScore
		}
	}
	return clamp(total)
}

// CountBySeverity returns how many records fall in each severity bucket.
// All four buckets are always present.
func CountBySeverity(records []types.VulnerabilityRecord) map[types.Severity]int {
	counts := map[types.Severity]int{
		types.SeverityCritical: 0,
		types.SeverityHigh:     0,
		types.SeverityMedium:   0,
		types.SeverityLow:      0,
	}
	for _, r := range records {
		if sev, ok := types.ParseSeverity(string(r.Severity)); ok {
			counts[sev]++
		}
	}
	return counts
}

func weight(s types.Severity) int {
	sev, ok := types.ParseSeverity(string(s))
	if !ok {
		return 0
	}
	return Weights[sev]
}

func clamp(v int) int {
	if v < MinScore {
		return MinScore
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}
