package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultRenewalInterval is how often the scheduler checks the token.
	DefaultRenewalInterval = time.Minute

	// DefaultRenewalWindow is how close to expiry a token may get before
	// the scheduler renews it.
	DefaultRenewalWindow = 5 * time.Minute
)

// Renewable is what the scheduler drives. *Manager implements it.
type Renewable interface {
	Status() Status
	AccessToken() string
	Refresh(ctx context.Context) bool
}

// SchedulerConfig tunes a Scheduler. Zero values take the defaults.
type SchedulerConfig struct {
	Interval time.Duration
	Window   time.Duration
	// Now is the clock the renewal window is measured against.
	Now func() time.Time
}

// Scheduler periodically renews the access token of an authenticated
// session. It is a cancellable repeating task: Start launches it, Stop
// cancels it and Wait blocks until every launched run has returned.
type Scheduler struct {
	target   Renewable
	interval time.Duration
	window   time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a stopped scheduler for target.
func NewScheduler(target Renewable, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRenewalInterval
	}

	if cfg.Window <= 0 {
		cfg.Window = DefaultRenewalWindow
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		target:   target,
		interval: cfg.Interval,
		window:   cfg.Window,
		now:      cfg.Now,
		logger:   logger,
	}
}

// Start launches the renewal loop. Calling Start on a running scheduler
// does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()

	s.logger.Debug("token renewal started",
		slog.Duration("interval", s.interval),
		slog.Duration("window", s.window),
	)
}

// Stop cancels the loop without waiting for it. It may be called from
// inside a tick, e.g. when a failed refresh logs the session out.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}

	s.cancel()
	s.cancel = nil
	s.logger.Debug("token renewal stopped")
}

// Wait blocks until every loop started so far has exited. Call Stop
// first.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cancel != nil
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick renews the token when the session is authenticated and the token
// is inside the renewal window. The refresh runs on the loop goroutine, so
// ticks that fall due meanwhile are dropped by the ticker and never
// overlap a refresh in flight. It reports whether a refresh was attempted.
func (s *Scheduler) tick(ctx context.Context) bool {
	if status := s.target.Status(); status != StatusAuthenticated {
		s.logger.Debug("renewal tick skipped", slog.String("status", status.String()))
		return false
	}

	if !IsExpiringWithin(s.target.AccessToken(), s.window, s.now()) {
		return false
	}

	s.logger.Info("access token expiring, refreshing")

	if !s.target.Refresh(ctx) {
		s.logger.Warn("scheduled token refresh failed")
	}

	return true
}
