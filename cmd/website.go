package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/database"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/scanners/wordpress"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
)

var websiteCmd = &cobra.Command{
	Use:   "website",
	Short: "Manage monitored websites",
}

var (
	websiteURL     string
	websiteEmail   string
	websitePlan    string
	websiteWebhook string
)

var websiteAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a website for scheduled scanning",
	Long: `Register a website under an account, creating the account on first use.
The scan frequency follows the plan tier: free is MANUAL, starter WEEKLY,
pro DAILY, agency and enterprise REALTIME. Scheduled sites are due in the
next batch.

Example:
  wpsentry website add --url blog.example.com --email owner@example.com --plan pro`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		normalized, err := wordpress.NormalizeURL(websiteURL)
		if err != nil {
			return err
		}

		store, err := database.NewStore(ctx, cfg.Database, log)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer store.Close()

		account, err := store.GetAccountByEmail(ctx, websiteEmail)
		switch {
		case errors.Is(err, database.ErrNotFound):
			account = &types.Account{Email: websiteEmail, PlanTier: websitePlan, ChatWebhookURL: websiteWebhook}
			if err := store.CreateAccount(ctx, account); err != nil {
				return err
			}
			log.Infow("Account created", "account_id", account.ID, "email", account.Email, "plan", account.PlanTier)
		case err != nil:
			return fmt.Errorf("failed to look up account: %w", err)
		}

		website := &types.Website{
			AccountID:     account.ID,
			URL:           normalized,
			ScanFrequency: types.FrequencyForPlan(account.PlanTier),
			IsActive:      true,
		}
		if err := store.CreateWebsite(ctx, website); err != nil {
			return err
		}

		fmt.Printf("Website %s registered (id %s, frequency %s)\n", website.URL, website.ID, website.ScanFrequency)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(websiteCmd)
	websiteCmd.AddCommand(websiteAddCmd)

	websiteAddCmd.Flags().StringVar(&websiteURL, "url", "", "website URL")
	websiteAddCmd.Flags().StringVar(&websiteEmail, "email", "", "owner account email")
	websiteAddCmd.Flags().StringVar(&websitePlan, "plan", "free", "plan tier for a new account (free, starter, pro, agency, enterprise)")
	websiteAddCmd.Flags().StringVar(&websiteWebhook, "webhook", "", "chat webhook URL for a new account")
	websiteAddCmd.MarkFlagRequired("url")
	websiteAddCmd.MarkFlagRequired("email")
}
