package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var batchJSON bool

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run one scheduler batch over all due websites",
	Long: `Select websites whose next scan is due, scan each one, store the
results and send alerts. This is the same work the cron trigger endpoint
performs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		svc, err := newServices(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer svc.Close()

		result, err := svc.scheduler.RunBatch(ctx)
		if err != nil {
			return err
		}

		if batchJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}
		printBatch(result)
		if result.Failed > result.Skipped {
			return fmt.Errorf("%d site(s) failed", result.Failed-result.Skipped)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(batchCmd)
	batchCmd.Flags().BoolVar(&batchJSON, "json", false, "print the batch result as JSON")
}
