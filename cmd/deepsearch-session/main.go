package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zhailiang23/deep-search/authapi"
	"github.com/zhailiang23/deep-search/internal/config"
	"github.com/zhailiang23/deep-search/internal/state"
	"github.com/zhailiang23/deep-search/session"
)

var rootCmd = &cobra.Command{
	Use:   "deepsearch-session",
	Short: "Keep a deep-search login alive",
	Long: `deepsearch-session signs in to the deep-search user API, stores the
issued tokens in a local bbolt database and renews them before they expire.

Configuration is read from the environment (or a .env file):
  AUTH_BASE_URL          identity provider base URL
  DEEPSEARCH_USERNAME    account used when no stored session exists
  DEEPSEARCH_PASSWORD
  SESSION_STATE_PATH     token database (default ~/.deep-search/session.db)`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// openSession opens the token database and builds a manager talking to
// the configured identity provider. The caller closes both.
func openSession(cfg *config.Config, logger *slog.Logger) (*session.Manager, *state.State, error) {
	store, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading state: %w", err)
	}

	client := authapi.NewClient(cfg.AuthBaseURL, authapi.DefaultHTTPClient(cfg.AuthHTTPTimeout))

	sc := cfg.SessionConfig()
	sc.Logger = logger

	return session.NewManager(client, store, sc), store, nil
}

// serveHTTP runs an HTTP server until ctx is cancelled.
func serveHTTP(ctx context.Context, name, addr string, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting "+name, slog.String("listen", addr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down " + name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s error: %w", name, err)
	}

	return nil
}
