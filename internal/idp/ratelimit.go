package idp

import (
	"sync"
	"time"
)

const (
	lockoutWindow   = 5 * time.Minute
	lockoutMaxFails = 10

	// lockoutPruneAt is the number of tracked attempts above which stale
	// entries are swept on the next check.
	lockoutPruneAt = 1000
)

// attempt identifies who is guessing: the client address and the account
// it is guessing at. Spreading guesses across usernames from one address
// does not share a budget, and neither does one username from many
// addresses.
type attempt struct {
	ip       string
	username string
}

// lockout rejects logins for an attempt after lockoutMaxFails failures
// inside lockoutWindow. The oldest failure leaving the window frees one
// retry.
type lockout struct {
	mu       sync.Mutex
	now      func() time.Time
	failures map[attempt][]time.Time
}

func newLockout(now func() time.Time) *lockout {
	if now == nil {
		now = time.Now
	}

	return &lockout{
		now:      now,
		failures: make(map[attempt][]time.Time),
	}
}

// retryAfter reports how long a is still locked out. Zero means the login
// may proceed.
func (l *lockout) retryAfter(a attempt) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-lockoutWindow)

	if len(l.failures) > lockoutPruneAt {
		for k, times := range l.failures {
			if times[len(times)-1].Before(cutoff) {
				delete(l.failures, k)
			}
		}
	}

	recent := trimBefore(l.failures[a], cutoff)
	if len(recent) == 0 {
		delete(l.failures, a)
		return 0
	}

	l.failures[a] = recent

	if len(recent) < lockoutMaxFails {
		return 0
	}

	// Failures are appended in order, so the one that unlocks next is the
	// oldest still counted.
	return recent[len(recent)-lockoutMaxFails].Add(lockoutWindow).Sub(now)
}

// fail records a failed login for a.
func (l *lockout) fail(a attempt) {
	l.mu.Lock()
	l.failures[a] = append(l.failures[a], l.now())
	l.mu.Unlock()
}

// clear forgets a's failures after a successful login.
func (l *lockout) clear(a attempt) {
	l.mu.Lock()
	delete(l.failures, a)
	l.mu.Unlock()
}

// trimBefore drops the leading entries of sorted times that are not after
// cutoff, reusing the backing array.
func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}

	return times[i:]
}
