package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/okadri/stocksync/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the sync queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued sync items",
	Long: `List pending sync items, oldest first.

With --dead, list dead-lettered items instead: mutations that exhausted
their retry budget and need manual attention.`,
	Run: func(cmd *cobra.Command, args []string) {
		dead, _ := cmd.Flags().GetBool("dead")

		cfg := loadConfig()
		st, q := openStore(cfg)
		defer st.Close()

		ctx := context.Background()

		var items []queue.Item
		var err error
		if dead {
			items, err = q.DeadLetters(ctx)
		} else {
			items, err = q.Pending(ctx)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing queue: %v\n", err)
			os.Exit(1)
		}

		if len(items) == 0 {
			if dead {
				fmt.Println("No dead-lettered items")
			} else {
				fmt.Println("Queue is empty")
			}
			return
		}

		for _, item := range items {
			fmt.Printf("%s  %-6s %s/%s  attempts=%d  enqueued=%s\n",
				item.ID, item.Op, item.Collection, item.EntityID,
				item.Attempts, item.EnqueuedAt.Format("2006-01-02 15:04:05"))
			if item.LastError != "" {
				fmt.Printf("    last error: %s\n", item.LastError)
			}
		}
		fmt.Printf("\n%d item(s)\n", len(items))
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <item-id>",
	Short: "Return a dead-lettered item to the queue",
	Long: `Reset a dead-lettered item to pending with a fresh attempt budget.
The next drain pass will retry it.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		st, q := openStore(cfg)
		defer st.Close()

		if err := q.Retry(context.Background(), args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Item %s returned to queue\n", args[0])
	},
}

func init() {
	queueListCmd.Flags().Bool("dead", false, "List dead-lettered items")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	rootCmd.AddCommand(queueCmd)
}
