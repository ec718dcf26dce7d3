package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zhailiang23/deep-search/internal/config"
	"github.com/zhailiang23/deep-search/internal/logging"
	"github.com/zhailiang23/deep-search/session"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		logger := logging.NewLogger(cfg.Environment, quietLevel(cfg.LogLevel))

		mgr, store, err := openSession(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		defer mgr.Close()

		if err := mgr.Initialize(cmd.Context()); err != nil {
			return fmt.Errorf("restoring session: %w", err)
		}

		printStatus(cmd.OutOrStdout(), mgr, store.UpdatedAt(), time.Now())

		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the stored session and forget its tokens",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		logger := logging.NewLogger(cfg.Environment, quietLevel(cfg.LogLevel))

		mgr, store, err := openSession(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		defer mgr.Close()

		// The provider may be unreachable; the local tokens are dropped
		// regardless.
		if err := mgr.Initialize(cmd.Context()); err != nil {
			logger.Warn("could not restore session before logout", slog.String("error", err.Error()))
		}

		mgr.Logout(cmd.Context())
		fmt.Fprintln(cmd.OutOrStdout(), "logged out")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, logoutCmd)
}

// quietLevel keeps one-shot commands quiet unless a level is configured.
func quietLevel(level string) string {
	if level == "" {
		return "warn"
	}

	return level
}

// printStatus writes a human-readable summary of the session.
func printStatus(w io.Writer, mgr *session.Manager, savedAt, now time.Time) {
	snap := mgr.Snapshot()

	fmt.Fprintf(w, "status:      %s\n", snap.Status)

	if snap.User != nil {
		fmt.Fprintf(w, "user:        %s (%s)\n", mgr.DisplayName(), snap.User.Username)
	}

	if snap.LastError != "" {
		fmt.Fprintf(w, "last error:  %s\n", snap.LastError)
	}

	if !snap.Authenticated() {
		return
	}

	fmt.Fprintf(w, "roles:       %s\n", strings.Join(snap.Roles, ", "))
	fmt.Fprintf(w, "permissions: %s\n", strings.Join(snap.Permissions, ", "))
	fmt.Fprintf(w, "admin:       %t\n", mgr.IsAdmin())

	if exp, ok := session.ExpiresAt(mgr.AccessToken()); ok {
		fmt.Fprintf(w, "expires:     %s (in %s)\n", exp.UTC().Format(time.RFC3339), exp.Sub(now).Round(time.Second))
	} else {
		fmt.Fprintln(w, "expires:     unknown")
	}

	if !savedAt.IsZero() {
		fmt.Fprintf(w, "saved:       %s\n", savedAt.UTC().Format(time.RFC3339))
	}
}
