package cmd

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/registry"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/risk"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
)

var (
	scanJSON    bool
	scanTimeout time.Duration
)

// scanReport is what `wpsentry scan --json` prints.
type scanReport struct {
	URL             string                      `json:"url"`
	Result          *types.DetectionResult      `json:"result"`
	Vulnerabilities []types.VulnerabilityRecord `json:"vulnerabilities"`
	RiskScore       int                         `json:"risk_score"`
}

var scanCmd = &cobra.Command{
	Use:   "scan <url>",
	Short: "Fingerprint one site and report its known vulnerabilities",
	Long: `Run detection, fingerprinting, correlation and scoring for a single
URL. Nothing is written to the database.

Example:
  wpsentry scan https://blog.example.com
  wpsentry scan blog.example.com --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, cancel := context.WithTimeout(ctx, scanTimeout)
		defer cancel()

		eng, err := newEngine(cfg, log)
		if err != nil {
			return err
		}
		fp := eng.fingerprinter.WithRegistry(registry.NewBatchCache(eng.registry, cfg.Registry.CacheTTL))

		res, err := fp.Fingerprint(ctx, args[0])
		if err != nil {
			return err
		}

		corr, err := eng.correlator.Correlate(ctx, res)
		if err != nil {
			return err
		}
		records := corr.Flatten()

		report := scanReport{
			URL:             args[0],
			Result:          res,
			Vulnerabilities: records,
			RiskScore:       risk.Score(records),
		}
		if scanJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		printScan(report)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "print the report as JSON")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 2*time.Minute, "overall scan timeout")
}
