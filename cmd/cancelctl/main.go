// cancelctl is a CLI tool for inspecting and managing cancellation instances.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	cancel "github.com/Samrudh9/Sub-Zero"
)

var (
	databaseURL string
	tableName   string
)

func main() {
	root := &cobra.Command{
		Use:           "cancelctl",
		Short:         "Manage subscription cancellation instances",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&databaseURL, "db", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")
	root.PersistentFlags().StringVar(&tableName, "table", "cancellation_instances", "Table name for cancellation instances")

	root.AddCommand(listCmd(), showCmd(), retryCmd(), statsCmd(), savingsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getStorage() (*cancel.PostgresStorage, func(), error) {
	if databaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL or --db flag required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}

	storage, err := cancel.NewPostgresStorage(db, tableName)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating storage: %w", err)
	}

	return storage, func() { db.Close() }, nil
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func listCmd() *cobra.Command {
	var (
		status string
		user   string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cancellation instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, cleanup, err := getStorage()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancelFn := cmdContext()
			defer cancelFn()

			filter := cancel.InstanceFilter{
				UserID: user,
				Limit:  limit,
				Offset: offset,
			}
			if status != "" {
				filter.Status = []cancel.Status{cancel.Status(strings.ToUpper(status))}
			}

			result, err := storage.Query(ctx, filter)
			if err != nil {
				return fmt.Errorf("querying instances: %w", err)
			}

			if len(result.Instances) == 0 {
				fmt.Println("No instances found.")
				return nil
			}

			fmt.Printf("Showing %d of %d instances:\n\n", len(result.Instances), result.Total)
			fmt.Printf("%-36s %-20s %-15s %-6s %-20s\n", "ID", "SERVICE", "STATUS", "RETRY", "UPDATED")
			fmt.Println(strings.Repeat("-", 100))

			for _, rec := range result.Instances {
				fmt.Printf("%-36s %-20s %-15s %-6d %-20s\n",
					truncate(rec.ID, 36),
					truncate(rec.Request.ServiceName, 20),
					rec.Status,
					rec.RetryCount,
					rec.UpdatedAt.Format("2006-01-02 15:04:05"),
				)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, AWAITING_2FA, COMPLETED, FAILED, TIMEOUT, ...)")
	cmd.Flags().StringVar(&user, "user", "", "Filter by user ID")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of results")
	cmd.Flags().IntVar(&offset, "offset", 0, "Offset for pagination")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show details and history of one instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, cleanup, err := getStorage()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancelFn := cmdContext()
			defer cancelFn()

			id := args[0]
			rec, err := storage.GetInstance(ctx, id)
			if err != nil {
				return fmt.Errorf("fetching instance: %w", err)
			}
			if rec == nil {
				return fmt.Errorf("instance not found: %s", id)
			}

			fmt.Printf("Instance:     %s\n", rec.ID)
			fmt.Printf("Service:      %s\n", rec.Request.ServiceName)
			fmt.Printf("Subscription: %s\n", rec.SubscriptionID)
			fmt.Printf("User:         %s\n", rec.UserID)
			fmt.Printf("Status:       %s\n", rec.Status)
			fmt.Printf("Retries:      %d\n", rec.RetryCount)
			fmt.Printf("Created:      %s\n", rec.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Updated:      %s\n", rec.UpdatedAt.Format(time.RFC3339))

			if rec.Result != nil {
				fmt.Printf("\nResult:\n")
				out, _ := json.MarshalIndent(rec.Result, "  ", "  ")
				fmt.Printf("  %s\n", string(out))
			}

			history, err := storage.History(ctx, id)
			if err != nil {
				return fmt.Errorf("fetching history: %w", err)
			}
			if len(history) > 0 {
				fmt.Printf("\nHistory (%d entries):\n", len(history))
				for _, entry := range history {
					line := fmt.Sprintf("  %3d. %s  %s", entry.Seq, entry.Timestamp.Format("2006-01-02 15:04:05"), entry.Outcome)
					if entry.Activity != "" {
						line += fmt.Sprintf("  %s (attempt %d)", entry.Activity, entry.Attempt)
					}
					if entry.From != "" || entry.To != "" {
						line += fmt.Sprintf("  %s -> %s", entry.From, entry.To)
					}
					if entry.Detail != "" {
						line += "  " + truncate(entry.Detail, 50)
					}
					fmt.Println(line)
				}
			}
			return nil
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a FAILED or TIMEOUT instance for another run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, cleanup, err := getStorage()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancelFn := cmdContext()
			defer cancelFn()

			id := args[0]
			rec, err := storage.GetInstance(ctx, id)
			if err != nil {
				return fmt.Errorf("fetching instance: %w", err)
			}
			if rec == nil {
				return fmt.Errorf("instance not found: %s", id)
			}
			if rec.Status != cancel.StatusFailed && rec.Status != cancel.StatusTimeout {
				return fmt.Errorf("instance is not retryable (current: %s)", rec.Status)
			}

			newCount, err := storage.Requeue(ctx, id)
			if err != nil {
				return fmt.Errorf("requeueing instance: %w", err)
			}
			if newCount == -1 {
				return fmt.Errorf("instance was modified concurrently, try again")
			}

			fmt.Printf("Instance %s requeued as PENDING (retry %d)\n", id, newCount)
			fmt.Println("It will be picked up on the next engine Resume.")
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show instance counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, cleanup, err := getStorage()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancelFn := cmdContext()
			defer cancelFn()

			statuses := []cancel.Status{
				cancel.StatusPending,
				cancel.StatusStarting,
				cancel.StatusNavigating,
				cancel.StatusAwaiting2FA,
				cancel.StatusVerifying2FA,
				cancel.StatusCapturingProof,
				cancel.StatusCompleted,
				cancel.StatusFailed,
				cancel.StatusTimeout,
			}

			fmt.Println("Cancellation Statistics:")
			fmt.Println(strings.Repeat("-", 30))

			total := 0
			for _, status := range statuses {
				count, err := storage.CountByStatus(ctx, status)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error counting %s: %v\n", status, err)
					continue
				}
				total += count
				fmt.Printf("%-17s %d\n", string(status)+":", count)
			}

			fmt.Println(strings.Repeat("-", 30))
			fmt.Printf("%-17s %d\n", "Total:", total)
			return nil
		},
	}
}

func savingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "savings <user-id>",
		Short: "Show total annual savings from a user's completed cancellations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, cleanup, err := getStorage()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancelFn := cmdContext()
			defer cancelFn()

			summary, err := storage.TotalSavings(ctx, args[0])
			if err != nil {
				return fmt.Errorf("computing savings: %w", err)
			}

			fmt.Printf("Cancelled subscriptions: %d\n", summary.CancelledCount)
			fmt.Printf("Total annual savings:    $%.2f\n", summary.TotalAnnualSavings)
			return nil
		},
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
