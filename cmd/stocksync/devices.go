package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/okadri/stocksync/internal/session"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices registered for the logged-in user",
	Long: `List the devices the logged-in user has active in the registry.
A device counts as active while its daemon keeps sending heartbeats.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		ctx := context.Background()
		rm := openRemote(ctx, cfg)
		defer rm.Close()

		reg := session.NewRegistry(rm, []byte(cfg.JWTSecret), cfg.DataDir, newLogger(cfg, "session"))
		claims := requireSession(ctx, reg)

		localID, err := session.LoadDeviceID(cfg.DataDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading device id: %v\n", err)
			os.Exit(1)
		}

		devices, err := session.ListDevices(ctx, rm, claims.UserID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing devices: %v\n", err)
			os.Exit(1)
		}

		if len(devices) == 0 {
			fmt.Println("No registered devices")
			return
		}

		for _, d := range devices {
			marker := " "
			if d.DeviceID == localID {
				marker = "*"
			}
			lastActive := d.LastActive
			if t, err := time.Parse(time.RFC3339, d.LastActive); err == nil {
				lastActive = t.Local().Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%s %s  %s/%s  last active %s\n", marker, d.Name, d.Type, d.OS, lastActive)
		}
		fmt.Printf("\n%d device(s), * = this device\n", len(devices))
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
