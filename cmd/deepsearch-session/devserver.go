package main

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/zhailiang23/deep-search/internal/config"
	"github.com/zhailiang23/deep-search/internal/idp"
	"github.com/zhailiang23/deep-search/internal/logging"
	"github.com/zhailiang23/deep-search/internal/server"
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run a local identity provider speaking the deep-search user API",
	Long: `Runs an in-memory identity provider for development and testing.

Accounts come from DEV_IDP_USERS ("user:bcrypthash:role|role:perm|perm",
comma separated; hashes from the hash-password command). Access tokens are
HS256 JWTs signed with DEV_IDP_SECRET.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		if err := cfg.ValidateDevIdP(); err != nil {
			return fmt.Errorf("validating config: %w", err)
		}

		accounts, err := cfg.ParseDevIdPUsers()
		if err != nil {
			return fmt.Errorf("parsing DEV_IDP_USERS: %w", err)
		}

		logger := logging.NewLogger(cfg.Environment, cfg.LogLevel).With(slog.String("service", "idp"))

		provider, err := idp.New(accounts, idp.Config{
			Secret:     []byte(cfg.DevIdPSecret),
			AccessTTL:  cfg.DevIdPAccessTTL,
			RefreshTTL: cfg.DevIdPRefreshTTL,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("creating identity provider: %w", err)
		}
		defer provider.Stop()

		logger.Info("identity provider ready",
			slog.Int("users", len(accounts)),
			slog.Duration("access_ttl", cfg.DevIdPAccessTTL),
			slog.Duration("refresh_ttl", cfg.DevIdPRefreshTTL),
		)

		mux := server.NewMux(server.MuxConfig{
			Provider: provider,
			Gatherer: prometheus.DefaultGatherer,
		})

		return serveHTTP(cmd.Context(), "identity provider", cfg.DevIdPAddr, mux, logger)
	},
}

func init() {
	rootCmd.AddCommand(devserverCmd)
}
