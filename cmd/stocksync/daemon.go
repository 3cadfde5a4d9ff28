package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/okadri/stocksync/internal/dashboard"
	"github.com/okadri/stocksync/internal/session"
	"github.com/okadri/stocksync/internal/worker"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the background sync daemon (foreground)",
	Long: `Run the sync worker in the foreground.

The daemon:
  1. Drains the local sync queue to the remote backend
  2. Periodically pulls remote state into the local store
  3. Sends device heartbeats while logged in
  4. Optionally serves a real-time WebSocket dashboard

Without a configured backend the daemon idles in local-only mode; all
writes stay queued until a backend is configured.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		st, q := openStore(cfg)
		defer st.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		rm := openRemote(ctx, cfg)
		defer rm.Close()

		wcfg := worker.DefaultConfig()
		wcfg.DrainInterval = cfg.Sync.DrainInterval
		wcfg.PullInterval = cfg.Sync.PullInterval
		wcfg.BatchSize = cfg.Sync.BatchSize
		wcfg.Logger = newLogger(cfg, "worker")

		w, err := worker.New(st, q, rm, wcfg, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating worker: %v\n", err)
			os.Exit(1)
		}

		var dash *dashboard.Server
		if cfg.Dashboard.Enabled {
			dash = dashboard.NewServer(&dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Status: w.Status,
				Logger: newLogger(cfg, "dashboard"),
			})
			if err := dash.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
				os.Exit(1)
			}
			w.SetSink(dashboard.NewHandler(dash, newLogger(cfg, "dashboard")))
			fmt.Printf("Dashboard: http://localhost:%d (ws://localhost:%d/ws)\n",
				cfg.Dashboard.Port, cfg.Dashboard.Port)
		}

		// Device heartbeats only make sense while logged in.
		var hb *session.Heartbeat
		reg := session.NewRegistry(rm, []byte(cfg.JWTSecret), cfg.DataDir, newLogger(cfg, "session"))
		if token, err := reg.Token(); err == nil {
			if claims, err := session.Verify([]byte(cfg.JWTSecret), token); err == nil {
				deviceID, err := session.LoadDeviceID(cfg.DataDir)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error loading device id: %v\n", err)
					os.Exit(1)
				}
				hb = session.NewHeartbeat(rm, session.LocalDevice(deviceID, claims.UserID),
					session.DefaultHeartbeatInterval, newLogger(cfg, "heartbeat"))
				hb.Start()
			}
		}

		w.Start()

		fmt.Printf("Sync daemon started (backend: %s, db: %s)\n", backendName(cfg.Backend), cfg.DBPath())
		fmt.Println("Press Ctrl+C to stop")

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		w.Stop()
		if hb != nil {
			hb.Stop()
		}
		if dash != nil {
			if err := dash.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error stopping dashboard: %v\n", err)
			}
		}
	},
}

func backendName(b string) string {
	if b == "" {
		return "local-only"
	}
	return b
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
