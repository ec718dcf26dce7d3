package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/zhailiang23/deep-search/internal/config"
	apierrors "github.com/zhailiang23/deep-search/internal/errors"
	"github.com/zhailiang23/deep-search/internal/logging"
	"github.com/zhailiang23/deep-search/internal/metrics"
	"github.com/zhailiang23/deep-search/internal/server"
	"github.com/zhailiang23/deep-search/session"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Restore or create a session and keep it renewed until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("deepsearch-session starting",
		slog.String("version", Version),
		slog.String("auth_base_url", cfg.AuthBaseURL),
		slog.String("state", cfg.StatePath),
	)

	mgr, store, err := openSession(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	defer mgr.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg, mgr.AccessToken)

	mgr.Subscribe(logging.SessionObserver(logger))
	mgr.Subscribe(collector.Observe)

	// Subscribers must not call back into the manager, so session loss is
	// handed to the supervisor goroutine below.
	lost := make(chan session.Snapshot, 1)
	mgr.Subscribe(func(ev session.Event) {
		if ev.From == ev.To || (ev.To != session.StatusUnauthenticated && ev.To != session.StatusExpired) {
			return
		}

		select {
		case lost <- ev.Session:
		default:
		}
	})

	if err := establish(ctx, cfg, mgr, logger); err != nil {
		return err
	}

	// Initialize reports Unauthenticated when nothing is stored; that is
	// not a lost session.
	select {
	case <-lost:
	default:
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			mux := server.NewMux(server.MuxConfig{Gatherer: reg})
			return serveHTTP(gctx, "metrics server", cfg.MetricsAddr, mux, logger)
		})
	}

	g.Go(func() error {
		return supervise(gctx, cfg, mgr, lost, logger)
	})

	return g.Wait()
}

// establish restores the stored session, logging in with the configured
// credentials when there is none.
func establish(ctx context.Context, cfg *config.Config, mgr *session.Manager, logger *slog.Logger) error {
	if err := mgr.Initialize(ctx); err != nil {
		return fmt.Errorf("restoring session: %w", err)
	}

	if mgr.IsAuthenticated() {
		logger.Info("restored stored session", slog.String("user", mgr.DisplayName()))
		return nil
	}

	if !cfg.HasCredentials() {
		return fmt.Errorf("no stored session: %w (set DEEPSEARCH_USERNAME and DEEPSEARCH_PASSWORD)", apierrors.ErrNoCredentials)
	}

	if err := mgr.Login(ctx, cfg.Credentials()); err != nil {
		return fmt.Errorf("logging in: %w", err)
	}

	logger.Info("logged in",
		slog.String("user", mgr.DisplayName()),
		slog.Int("permissions", len(mgr.Permissions())),
		slog.Bool("admin", mgr.IsAdmin()),
	)

	return nil
}

// supervise waits for shutdown. A session that ends while running is
// re-established with the configured credentials, or ends the daemon when
// there are none.
func supervise(ctx context.Context, cfg *config.Config, mgr *session.Manager, lost <-chan session.Snapshot, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down, session kept on disk")
			return nil
		case snap := <-lost:
			if !cfg.HasCredentials() {
				return fmt.Errorf("session ended (%s): %w", snap.Status, apierrors.ErrNoCredentials)
			}

			logger.Info("session ended, logging in again", slog.String("status", snap.Status.String()))

			err := mgr.Login(ctx, cfg.Credentials())
			if err == nil || errors.Is(err, session.ErrAlreadyAuthenticated) {
				continue
			}

			if errors.Is(err, context.Canceled) {
				return nil
			}

			return fmt.Errorf("logging in again: %w", err)
		}
	}
}
