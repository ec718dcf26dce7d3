package session

import (
	"context"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

type fakeRenewable struct {
	mu      sync.Mutex
	status  Status
	token   string
	calls   int
	refresh func(ctx context.Context) bool
}

func (f *fakeRenewable) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeRenewable) AccessToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeRenewable) Refresh(ctx context.Context) bool {
	f.mu.Lock()
	f.calls++
	fn := f.refresh
	f.mu.Unlock()
	if fn == nil {
		return true
	}
	return fn(ctx)
}

func (f *fakeRenewable) setToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func (f *fakeRenewable) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// --- tick ---

func TestTick_SkipsWhenNotAuthenticated(t *testing.T) {
	for _, status := range []Status{StatusUninitialized, StatusUnauthenticated, StatusAuthenticating, StatusRefreshing, StatusExpired} {
		f := &fakeRenewable{status: status, token: "garbage"}
		s := NewScheduler(f, SchedulerConfig{}, testLogger())

		assert.False(t, s.tick(t.Context()), status.String())
		assert.Zero(t, f.callCount(), status.String())
	}
}

func TestTick_SkipsFreshToken(t *testing.T) {
	f := &fakeRenewable{status: StatusAuthenticated, token: mintToken(t, time.Now().Add(time.Hour))}
	s := NewScheduler(f, SchedulerConfig{}, testLogger())

	assert.False(t, s.tick(t.Context()))
	assert.Zero(t, f.callCount())
}

func TestTick_RefreshesInsideWindow(t *testing.T) {
	f := &fakeRenewable{status: StatusAuthenticated, token: mintToken(t, time.Now().Add(4*time.Minute))}
	s := NewScheduler(f, SchedulerConfig{}, testLogger())

	assert.True(t, s.tick(t.Context()))
	assert.Equal(t, 1, f.callCount())
}

func TestTick_RefreshesUndecodableToken(t *testing.T) {
	f := &fakeRenewable{status: StatusAuthenticated, token: "opaque"}
	s := NewScheduler(f, SchedulerConfig{}, testLogger())

	assert.True(t, s.tick(t.Context()))
}

func TestTick_UsesConfiguredClock(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	f := &fakeRenewable{status: StatusAuthenticated, token: mintToken(t, exp)}

	late := NewScheduler(f, SchedulerConfig{Now: func() time.Time { return exp.Add(-2 * time.Minute) }}, testLogger())
	assert.True(t, late.tick(t.Context()), "token is inside the window by the configured clock")

	early := NewScheduler(f, SchedulerConfig{Now: func() time.Time { return exp.Add(-2 * time.Hour) }}, testLogger())
	assert.False(t, early.tick(t.Context()))

	assert.Equal(t, 1, f.callCount())
}

func TestTick_FailedRefreshStillCounts(t *testing.T) {
	f := &fakeRenewable{
		status:  StatusAuthenticated,
		token:   "opaque",
		refresh: func(context.Context) bool { return false },
	}
	s := NewScheduler(f, SchedulerConfig{}, testLogger())

	assert.True(t, s.tick(t.Context()))
}

// --- loop ---

func TestNewScheduler_Defaults(t *testing.T) {
	s := NewScheduler(&fakeRenewable{}, SchedulerConfig{}, nil)
	assert.Equal(t, DefaultRenewalInterval, s.interval)
	assert.Equal(t, DefaultRenewalWindow, s.window)
	assert.NotNil(t, s.now)
}

func TestScheduler_StartStopIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewScheduler(&fakeRenewable{}, SchedulerConfig{Interval: time.Hour}, testLogger())
	s.Start()
	s.Start()
	assert.True(t, s.Running())

	s.Stop()
	s.Stop()
	s.Wait()
	assert.False(t, s.Running())
}

func TestScheduler_RefreshesOnInterval(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := &fakeRenewable{status: StatusAuthenticated, token: "opaque"}
	s := NewScheduler(f, SchedulerConfig{Interval: 5 * time.Millisecond}, testLogger())
	s.Start()

	assert.Eventually(t, func() bool { return f.callCount() >= 2 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Wait()
}

func TestScheduler_NoOverlappingRefresh(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		release := make(chan struct{})
		f := &fakeRenewable{status: StatusAuthenticated}
		f.setToken(mintToken(t, time.Now().Add(4*time.Minute)))
		f.refresh = func(context.Context) bool {
			<-release
			f.setToken(mintToken(t, time.Now().Add(time.Hour)))
			return true
		}

		s := NewScheduler(f, SchedulerConfig{}, testLogger())
		s.Start()

		// Three intervals pass while the first refresh is still blocked.
		time.Sleep(3*time.Minute + time.Second)
		assert.Equal(t, 1, f.callCount())

		close(release)
		synctest.Wait()

		time.Sleep(2 * time.Minute)
		assert.Equal(t, 1, f.callCount(), "renewed token should not be refreshed again")

		s.Stop()
		s.Wait()
	})
}

func TestScheduler_StopFromInsideRefresh(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := &fakeRenewable{status: StatusAuthenticated, token: "opaque"}
		s := NewScheduler(f, SchedulerConfig{}, testLogger())
		f.refresh = func(context.Context) bool {
			s.Stop()
			return false
		}

		s.Start()
		time.Sleep(time.Minute + time.Second)
		synctest.Wait()

		assert.False(t, s.Running())
		s.Wait()
		assert.Equal(t, 1, f.callCount())
	})
}
