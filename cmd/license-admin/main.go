// Package main is the operator CLI for the license server. It talks to the
// same database as the server; no running server is required.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/tillware/license-server/internal/config"
	"github.com/tillware/license-server/internal/db"
	"github.com/tillware/license-server/internal/models"
	"github.com/tillware/license-server/internal/notifications"
	"github.com/tillware/license-server/internal/webhooks"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "license-admin",
		Short: "Operator tooling for the license server",
		Long: `license-admin inspects and repairs license server state directly in
the database: webhook receipts, rate limit blocks, customer records.

DATABASE_URL must point at the server's database.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newReceiptsCmd(),
		newRateLimitCmd(),
		newCustomerCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("license-admin %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
		},
	}
}

// openDB connects using DATABASE_URL. The caller must Close.
func openDB(ctx context.Context) (*db.DB, zerolog.Logger, error) {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	logger = logger.Level(zerolog.WarnLevel)

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, logger, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	database, err := db.New(ctx, db.DefaultConfig(databaseURL), logger)
	if err != nil {
		return nil, logger, fmt.Errorf("connect to database: %w", err)
	}
	return database, logger, nil
}

func newReceiptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipts",
		Short: "Inspect and retry webhook receipts",
	}

	cmd.AddCommand(
		newReceiptsListCmd(),
		newReceiptsShowCmd(),
		newReceiptsRetryCmd(),
	)

	return cmd
}

func newReceiptsListCmd() *cobra.Command {
	var state string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List webhook receipts by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			database, _, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			receipts, err := database.ListWebhookReceipts(ctx, models.ReceiptState(state), limit)
			if err != nil {
				return err
			}

			if len(receipts) == 0 {
				fmt.Printf("no %s receipts\n", state)
				return nil
			}

			fmt.Printf("%-40s %-26s %-10s %-7s %s\n", "EVENT ID", "TYPE", "STATE", "RETRIES", "UPDATED")
			for _, r := range receipts {
				fmt.Printf("%-40s %-26s %-10s %-7d %s\n",
					r.EventID, r.EventType, r.State, r.RetryCount, r.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", string(models.ReceiptFailed), "receipt state: processing, completed, failed")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum receipts to list")

	return cmd
}

func newReceiptsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show one webhook receipt including its stored payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			database, _, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			receipt, err := database.GetWebhookReceiptByEventID(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Event ID:    %s\n", receipt.EventID)
			fmt.Printf("Type:        %s\n", receipt.EventType)
			fmt.Printf("State:       %s\n", receipt.State)
			fmt.Printf("Retries:     %d\n", receipt.RetryCount)
			if receipt.CustomerID != nil {
				fmt.Printf("Customer:    %s\n", receipt.CustomerID)
			}
			if receipt.ErrorDetail != "" {
				fmt.Printf("Error:       %s\n", receipt.ErrorDetail)
			}
			fmt.Printf("Created:     %s\n", receipt.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Updated:     %s\n", receipt.UpdatedAt.Format(time.RFC3339))
			fmt.Printf("Payload:\n%s\n", receipt.Payload)
			return nil
		},
	}
}

func newReceiptsRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <event-id>",
		Short: "Requeue a failed receipt and replay its stored payload",
		Long: `Requeue a failed webhook receipt and immediately replay its stored
payload through the same application path the server uses. Only failed
receipts can be retried; completed receipts are final.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			database, logger, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			receipt, err := database.RequeueWebhookReceipt(ctx, args[0])
			if err != nil {
				return err
			}

			event, err := webhooks.ParseEvent(receipt.Payload)
			if err != nil {
				return fmt.Errorf("stored payload no longer parses: %w", err)
			}

			cfg := config.LoadServerConfig()
			var mail webhooks.Mailer
			if cfg.SMTP.Enabled() {
				emailService, err := notifications.NewEmailService(cfg.SMTP, logger)
				if err != nil {
					return fmt.Errorf("initialize email service: %w", err)
				}
				mail = emailService
			} else {
				mail = notifications.NewLogMailer(logger)
			}

			guard := webhooks.NewGuard(database, logger)
			processor := webhooks.NewProcessor(database, guard, mail,
				cfg.WebhookSigningSecret, cfg.PaymentFailureThreshold, cfg.BillingPortalURL, logger)

			if err := processor.ApplyClaimed(ctx, event); err != nil {
				return fmt.Errorf("replay failed (receipt is failed again): %w", err)
			}

			// Give fire-and-forget email dispatch a moment before exit.
			time.Sleep(500 * time.Millisecond)

			fmt.Printf("event %s replayed and completed\n", event.ID)
			return nil
		},
	}
}

func newRateLimitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Manage recovery rate limit state",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "unblock <identifier>",
		Short: "Clear rate limit counters and blocks for an IP or email",
		Long: `Clear rate limit counters and blocks for an identifier. The identifier
is an IP address or an email; combo keys that start with it are cleared too.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			database, _, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			identifier := strings.TrimSpace(args[0])
			cleared, err := database.UnblockRateLimit(ctx, identifier)
			if err != nil {
				return err
			}

			fmt.Printf("cleared %d rate limit buckets for %s\n", cleared, identifier)
			return nil
		},
	})

	return cmd
}

func newCustomerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "customer",
		Short: "Inspect customer records",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <email>",
		Short: "Show a customer's subscription state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			database, _, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			customer, err := database.GetCustomerByEmail(ctx, models.NormalizeEmail(args[0]))
			if err != nil {
				return err
			}

			fmt.Printf("ID:                %s\n", customer.ID)
			fmt.Printf("Email:             %s\n", customer.Email)
			fmt.Printf("Subscription:      %s\n", customer.SubscriptionID)
			fmt.Printf("Status:            %s\n", customer.Status)
			fmt.Printf("Payment failures:  %d\n", customer.PaymentFailures)
			if customer.BillingPeriodEnd != nil {
				fmt.Printf("Period ends:       %s\n", customer.BillingPeriodEnd.Format(time.RFC3339))
			}
			if customer.LastSeenAt != nil {
				fmt.Printf("Last seen:         %s\n", customer.LastSeenAt.Format(time.RFC3339))
			}
			if customer.LastValidatedAt != nil {
				fmt.Printf("Last validated:    %s\n", customer.LastValidatedAt.Format(time.RFC3339))
			}
			fmt.Printf("Created:           %s\n", customer.CreatedAt.Format(time.RFC3339))
			return nil
		},
	})

	return cmd
}
