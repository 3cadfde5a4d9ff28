package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/okadri/stocksync/internal/schema"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local store and sync queue status",
	Long: `Display the state of the local database and the sync queue.

Shows:
  - Database location and configured backend
  - Entity counts per collection
  - Pending and dead-lettered queue items`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := context.Background()

		st, q := openStore(cfg)
		defer st.Close()

		fmt.Printf("\nStockSync Status\n\n")
		fmt.Printf("Database: %s\n", cfg.DBPath())
		fmt.Printf("Backend:  %s\n", backendName(cfg.Backend))

		fmt.Printf("\nCollections:\n")
		total := 0
		for _, collection := range schema.Collections {
			n, err := st.Count(ctx, collection)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error counting %s: %v\n", collection, err)
				os.Exit(1)
			}
			if n > 0 {
				fmt.Printf("  %-24s %d\n", collection, n)
			}
			total += n
		}
		if total == 0 {
			fmt.Printf("  (empty)\n")
		}

		pending, dead, err := q.Counts(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\nSync queue:\n")
		fmt.Printf("  Pending: %d\n", pending)
		fmt.Printf("  Dead:    %d\n", dead)
		if dead > 0 {
			fmt.Printf("\nRun 'stocksync queue list --dead' to inspect dead letters\n")
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
