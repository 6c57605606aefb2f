package scheduler

import (
	"time"

	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
)

// manualBackoffCap bounds failure backoff for sites without a periodic
// frequency.
const manualBackoffCap = 7 * 24 * time.Hour

// Period returns the re-scan interval for a frequency. MANUAL and unknown
// frequencies have none.
func Period(freq types.ScanFrequency) (time.Duration, bool) {
	switch freq {
	case types.FrequencyWeekly:
		return 7 * 24 * time.Hour, true
	case types.FrequencyDaily:
		return 24 * time.Hour, true
	case types.FrequencyRealtime:
		return 6 * time.Hour, true
	default:
		return 0, false
	}
}

// NextScanAt computes the schedule after a completed scan at scannedAt.
// Sites without a period keep their current next_scan_at unless it falls
// before scannedAt, in which case it is cleared.
func NextScanAt(site types.Website, scannedAt time.Time) *time.Time {
	if period, ok := Period(site.ScanFrequency); ok {
		next := scannedAt.Add(period)
		return &next
	}
	if site.NextScanAt != nil && !site.NextScanAt.Before(scannedAt) {
		next := *site.NextScanAt
		return &next
	}
	return nil
}

// FailureBackoff returns base * 2^(failures-1), capped at the frequency
// period (or manualBackoffCap).
func FailureBackoff(base time.Duration, failures int, freq types.ScanFrequency) time.Duration {
	limit, ok := Period(freq)
	if !ok {
		limit = manualBackoffCap
	}
	if base <= 0 {
		base = time.Hour
	}
	if failures < 1 {
		failures = 1
	}

	d := base
	for i := 1; i < failures && d < limit; i++ {
		d *= 2
	}
	return min(d, limit)
}
