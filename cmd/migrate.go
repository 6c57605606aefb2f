package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/database"
)

var (
	migrateStatus   bool
	migrateRollback int
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or inspect database schema migrations",
	Long: `Migrations run automatically when the store opens. Use --status to
inspect the schema version or --rollback to revert one migration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		store, err := database.NewStore(ctx, cfg.Database, log)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer store.Close()

		runner := database.NewMigrationRunner(store.DB(), log)

		if migrateRollback > 0 {
			if err := runner.RollbackMigration(ctx, migrateRollback); err != nil {
				return err
			}
			fmt.Printf("Rolled back migration %d\n", migrateRollback)
			return nil
		}

		if !migrateStatus {
			if _, err := runner.RunMigrations(ctx); err != nil {
				return err
			}
		}

		status, err := runner.GetMigrationStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Schema version %d of %d", status.CurrentVersion, status.LatestVersion)
		if status.UpToDate {
			fmt.Println(" (up to date)")
		} else {
			fmt.Printf(" (%d pending)\n", status.PendingCount)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "show schema status without applying migrations")
	migrateCmd.Flags().IntVar(&migrateRollback, "rollback", 0, "revert the migration with this version")
}
