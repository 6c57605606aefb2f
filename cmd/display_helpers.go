package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/scheduler"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/risk"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
)

var severityOrder = []types.Severity{
	types.SeverityCritical,
	types.SeverityHigh,
	types.SeverityMedium,
	types.SeverityLow,
}

func colorSeverity(severity types.Severity) string {
	switch severity {
	case types.SeverityCritical:
		return color.New(color.FgRed, color.Bold).Sprint("CRITICAL")
	case types.SeverityHigh:
		return color.New(color.FgRed).Sprint("HIGH")
	case types.SeverityMedium:
		return color.New(color.FgYellow).Sprint("MEDIUM")
	case types.SeverityLow:
		return color.New(color.FgCyan).Sprint("LOW")
	default:
		return string(severity)
	}
}

func colorOutcome(o scheduler.SiteOutcome) string {
	switch {
	case o.Success:
		return color.New(color.FgGreen).Sprint("✓ scanned")
	case o.Reason == scheduler.ReasonNotWordPress:
		return color.New(color.FgYellow).Sprint("○ " + o.Reason)
	default:
		return color.New(color.FgRed).Sprint("✗ " + o.Reason)
	}
}

func colorRisk(score int) string {
	switch {
	case score >= 50:
		return color.New(color.FgRed, color.Bold).Sprintf("%d", score)
	case score >= 20:
		return color.New(color.FgYellow).Sprintf("%d", score)
	default:
		return color.New(color.FgGreen).Sprintf("%d", score)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(100 * time.Millisecond).String()
}

func printBatch(r *scheduler.BatchResult) {
	bold := color.New(color.Bold)
	bold.Println("Scan batch")
	fmt.Printf("  scanned %d  successful %d  failed %d  skipped %d  vulnerabilities %d  (%s)\n\n",
		r.Scanned, r.Successful, r.Failed, r.Skipped, r.TotalVulnerabilities, formatDuration(r.Duration))

	for _, o := range r.Results {
		fmt.Printf("  %-50s %s", o.URL, colorOutcome(o))
		if o.Success {
			fmt.Printf("  risk %s  vulns %d", colorRisk(o.RiskScore), o.VulnerabilityCount)
		}
		if o.Error != "" {
			fmt.Printf("  %s", color.New(color.Faint).Sprint(o.Error))
		}
		fmt.Println()
	}
}

func printComponent(item types.ComponentInventoryItem) {
	line := fmt.Sprintf("  %-8s %-35s %-12s", item.Kind, item.Slug, item.Version)
	if item.IsOutdated {
		line += color.New(color.FgYellow).Sprintf(" outdated (latest %s)", item.LatestVersion)
	}
	fmt.Println(line)
}

func printScan(r scanReport) {
	bold := color.New(color.Bold)
	res := r.Result

	bold.Printf("%s\n", res.URL)
	if !res.Detection.IsWordPress {
		color.New(color.FgYellow).Printf("  not a WordPress site (confidence %d%%)\n", res.Detection.Confidence)
		return
	}
	fmt.Printf("  WordPress detected via %s (confidence %d%%), fingerprint confidence %d%%, %s\n",
		res.Detection.Method, res.Detection.Confidence, res.Confidence, formatDuration(res.Duration))
	if res.Server.Server != "" || res.Server.PHPVersion != "" {
		fmt.Printf("  server %s  php %s  https %t\n", res.Server.Server, res.Server.PHPVersion, res.Server.HTTPS)
	}
	if len(res.FailedAxes) > 0 {
		color.New(color.FgYellow).Printf("  incomplete: %v\n", res.FailedAxes)
	}

	fmt.Println()
	bold.Println("Components")
	for _, item := range res.Components() {
		printComponent(item)
	}

	fmt.Println()
	bold.Printf("Vulnerabilities (%d), risk score %s\n", len(r.Vulnerabilities), colorRisk(r.RiskScore))
	counts := risk.CountBySeverity(r.Vulnerabilities)
	for _, sev := range severityOrder {
		if counts[sev] > 0 {
			fmt.Printf("  %s: %d\n", colorSeverity(sev), counts[sev])
		}
	}
	for _, v := range r.Vulnerabilities {
		fmt.Printf("  [%s] %s %s: %s", colorSeverity(v.Severity), v.ComponentSlug, v.ComponentVersion, v.Title)
		if v.CVE != "" {
			fmt.Printf(" (%s)", v.CVE)
		}
		if v.FixedIn != "" {
			fmt.Printf(", fixed in %s", v.FixedIn)
		}
		fmt.Println()
	}
}
