// stocksync is an offline-first inventory manager: all reads and writes
// hit a local SQLite database, and a background worker reconciles the
// local state with an optional remote backend.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/okadri/stocksync/internal/config"
	"github.com/okadri/stocksync/internal/queue"
	"github.com/okadri/stocksync/internal/remote"
	"github.com/okadri/stocksync/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "stocksync",
	Short: "Offline-first inventory sync engine",
	Long: `stocksync keeps an inventory database on local disk and syncs it
to a remote backend (Postgres or libSQL) in the background.

All operations work offline. Local writes are queued durably and pushed
when connectivity allows; remote state is pulled periodically without
clobbering unsynced local edits.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./stocksync.yaml, ~/.config/stocksync/stocksync.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves configuration for a command invocation.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// logWriter returns the destination for component loggers: a rotating
// file when one is configured, stderr otherwise.
func logWriter(cfg *config.Config) io.Writer {
	if cfg.Log.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	}
}

// newLogger creates a component logger with a bracketed prefix.
func newLogger(cfg *config.Config, prefix string) *log.Logger {
	return log.New(logWriter(cfg), "["+prefix+"] ", log.LstdFlags)
}

// openStore opens the local database and prepares both schemas.
func openStore(cfg *config.Config) (*store.Store, *queue.Queue) {
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening local store: %v\n", err)
		os.Exit(1)
	}

	if err := st.InitSchema(); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing store schema: %v\n", err)
		os.Exit(1)
	}

	q := queue.New(st.RawDB(), cfg.Sync.MaxAttempts, newLogger(cfg, "queue"))
	if err := q.InitSchema(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing queue schema: %v\n", err)
		os.Exit(1)
	}

	return st, q
}

// openRemote builds the remote adapter selected by the config.
func openRemote(ctx context.Context, cfg *config.Config) remote.Adapter {
	rm, err := remote.New(ctx, remote.Options{
		Backend:     cfg.Backend,
		PostgresDSN: cfg.Postgres.DSN,
		LibSQLURL:   cfg.LibSQL.URL,
		LibSQLToken: cfg.LibSQL.AuthToken,
	}, newLogger(cfg, "remote"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to remote backend: %v\n", err)
		os.Exit(1)
	}
	return rm
}
