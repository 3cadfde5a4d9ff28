package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/okadri/stocksync/internal/session"
)

var loginCmd = &cobra.Command{
	Use:   "login <user-id>",
	Short: "Create a session and store the token locally",
	Long: `Log in as the given user: register a session in the remote registry,
mint a signed token, and store it under the data directory.

Works offline. Without a reachable registry the token is issued
local-only and skips remote revocation checks.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		requireSecret(cfg.JWTSecret)

		ctx := context.Background()
		rm := openRemote(ctx, cfg)
		defer rm.Close()

		deviceID, err := session.LoadDeviceID(cfg.DataDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading device id: %v\n", err)
			os.Exit(1)
		}

		reg := session.NewRegistry(rm, []byte(cfg.JWTSecret), cfg.DataDir, newLogger(cfg, "session"))
		s, _, err := reg.Login(ctx, args[0], deviceID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error logging in: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Logged in as %s\n", s.UserID)
		fmt.Printf("   Session: %s\n", s.ID)
		fmt.Printf("   Device:  %s\n", deviceID)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the current session",
	Long: `Delete the session from the remote registry and remove the local
token. The local token is removed even when the registry is unreachable;
the remote record is cleaned up by revocation or expiry later.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		ctx := context.Background()
		rm := openRemote(ctx, cfg)
		defer rm.Close()

		reg := session.NewRegistry(rm, []byte(cfg.JWTSecret), cfg.DataDir, newLogger(cfg, "session"))
		if err := reg.Logout(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error logging out: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("Logged out")
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage active sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active sessions for the logged-in user",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		ctx := context.Background()
		rm := openRemote(ctx, cfg)
		defer rm.Close()

		reg := session.NewRegistry(rm, []byte(cfg.JWTSecret), cfg.DataDir, newLogger(cfg, "session"))
		claims := requireSession(ctx, reg)

		sessions, err := reg.ListSessions(ctx, claims.UserID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing sessions: %v\n", err)
			os.Exit(1)
		}

		if len(sessions) == 0 {
			fmt.Println("No active sessions")
			return
		}

		for _, s := range sessions {
			marker := " "
			if s.ID == claims.SessionID {
				marker = "*"
			}
			fmt.Printf("%s %s  device=%s  last active %s\n",
				marker, s.ID, s.DeviceID, s.LastActive.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("\n%d session(s), * = this session\n", len(sessions))
	},
}

var sessionsRevokeCmd = &cobra.Command{
	Use:   "revoke <session-id>",
	Short: "Revoke one session",
	Long: `Remove a session from the remote registry. The device holding its
token is signed out the next time it validates.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		ctx := context.Background()
		rm := openRemote(ctx, cfg)
		defer rm.Close()

		reg := session.NewRegistry(rm, []byte(cfg.JWTSecret), cfg.DataDir, newLogger(cfg, "session"))
		if err := reg.RevokeSession(ctx, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error revoking session: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Session %s revoked\n", args[0])
	},
}

var sessionsRevokeAllCmd = &cobra.Command{
	Use:   "revoke-all",
	Short: "Revoke every session for the logged-in user",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		ctx := context.Background()
		rm := openRemote(ctx, cfg)
		defer rm.Close()

		reg := session.NewRegistry(rm, []byte(cfg.JWTSecret), cfg.DataDir, newLogger(cfg, "session"))
		claims := requireSession(ctx, reg)

		if err := reg.RevokeAll(ctx, claims.UserID); err != nil {
			fmt.Fprintf(os.Stderr, "Error revoking sessions: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("All sessions revoked for %s\n", claims.UserID)
	},
}

func requireSecret(secret string) {
	if secret == "" {
		fmt.Fprintf(os.Stderr, "Error: jwt_secret is not configured\n")
		os.Exit(1)
	}
}

// requireSession loads and validates the stored token, exiting with a
// clear message when the user is not (or no longer) logged in.
func requireSession(ctx context.Context, reg *session.Registry) *session.Claims {
	token, err := reg.Token()
	if err != nil || token == "" {
		fmt.Fprintf(os.Stderr, "Error: not logged in (run 'stocksync login')\n")
		os.Exit(1)
	}

	claims, err := reg.Validate(ctx, token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v (run 'stocksync login')\n", err)
		os.Exit(1)
	}
	return claims
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsRevokeCmd)
	sessionsCmd.AddCommand(sessionsRevokeAllCmd)

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(sessionsCmd)
}
