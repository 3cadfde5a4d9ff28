package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/okadri/stocksync/internal/config"
	"github.com/okadri/stocksync/internal/queue"
	"github.com/okadri/stocksync/internal/remote"
	"github.com/okadri/stocksync/internal/store"
	"github.com/okadri/stocksync/internal/worker"
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Push pending queue items to the remote backend once",
	Long: `Run a single drain pass: dequeue pending mutations and push them
to the configured backend. Items that fail stay queued with backoff;
items that exhaust their attempts are dead-lettered.

Requires a configured backend.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		requireBackend(cfg.Backend)

		st, q := openStore(cfg)
		defer st.Close()

		ctx := context.Background()
		rm := openRemote(ctx, cfg)
		defer rm.Close()

		w := newOneShotWorker(cfg, st, q, rm)

		before, _, err := q.Counts(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue: %v\n", err)
			os.Exit(1)
		}

		start := time.Now()
		if err := w.DrainOnce(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error during drain: %v\n", err)
			os.Exit(1)
		}

		after, dead, err := q.Counts(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Drain complete in %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Pushed: %d\n", before-after)
		fmt.Printf("   Pending: %d\n", after)
		if dead > 0 {
			fmt.Printf("   Dead: %d\n", dead)
		}
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull remote state into the local store once",
	Long: `Fetch every collection from the configured backend and replace the
local copies. Entities with pending local edits are left untouched so
unsynced work is never overwritten.

Requires a configured backend.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		requireBackend(cfg.Backend)

		st, q := openStore(cfg)
		defer st.Close()

		ctx := context.Background()
		rm := openRemote(ctx, cfg)
		defer rm.Close()

		w := newOneShotWorker(cfg, st, q, rm)

		start := time.Now()
		if err := w.PullOnce(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error during pull: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Pull complete in %v\n", time.Since(start).Round(time.Millisecond))
	},
}

func requireBackend(backend string) {
	if backend == "" {
		fmt.Fprintf(os.Stderr, "Error: no remote backend configured\n")
		fmt.Fprintf(os.Stderr, "Set backend to postgres or libsql in the config\n")
		os.Exit(1)
	}
}

// newOneShotWorker builds a worker for a single drain or pull pass.
func newOneShotWorker(cfg *config.Config, st *store.Store, q *queue.Queue, rm remote.Adapter) *worker.Worker {
	wcfg := worker.DefaultConfig()
	wcfg.BatchSize = cfg.Sync.BatchSize
	wcfg.Logger = newLogger(cfg, "worker")

	w, err := worker.New(st, q, rm, wcfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating worker: %v\n", err)
		os.Exit(1)
	}
	return w
}

func init() {
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(pullCmd)
}
