package session

import (
	"fmt"
	"slices"
	"sync"
)

// transitions lists the status changes a commit may make. Resets to
// StatusUnauthenticated bypass the table since a logout is valid from
// anywhere.
var transitions = map[Status]map[Status]struct{}{
	StatusUninitialized: {
		StatusUnauthenticated: {},
		StatusAuthenticated:   {},
		StatusAuthenticating:  {},
	},
	StatusUnauthenticated: {
		StatusAuthenticating:  {},
		StatusUnauthenticated: {},
	},
	StatusAuthenticating: {
		StatusAuthenticated:   {},
		StatusUnauthenticated: {},
	},
	StatusAuthenticated: {
		StatusRefreshing:      {},
		StatusAuthenticated:   {},
		StatusUnauthenticated: {},
	},
	StatusRefreshing: {
		StatusAuthenticated:   {},
		StatusUnauthenticated: {},
		StatusExpired:         {},
	},
	StatusExpired: {
		StatusAuthenticating:  {},
		StatusUnauthenticated: {},
	},
}

func canTransition(from, to Status) bool {
	_, ok := transitions[from][to]
	return ok
}

// sessionData is the live session value. Slices are replaced wholesale,
// never modified in place, so readers holding an old slice stay safe.
type sessionData struct {
	user         *User
	accessToken  string
	refreshToken string
	permissions  []string
	roles        []string
	lastErr      string
}

type subscriber struct {
	id int
	fn func(Event)
}

// state is the authoritative in-memory session. Every begin and reset
// bumps generation; commits carry the generation they started under and
// are refused once it has moved on. identity moves only when the signed-in
// user can change (a login starting or a reset), so edits that outlive a
// refresh still land but never cross into another user's session.
type state struct {
	mu          sync.RWMutex
	status      Status
	data        sessionData
	initialized bool
	generation  uint64
	identity    uint64

	subsMu  sync.Mutex
	subs    []subscriber
	nextSub int
}

func newState() *state {
	return &state{status: StatusUninitialized, generation: 1}
}

// Status returns the current status.
func (s *state) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.status
}

// Snapshot returns a copy of the session.
func (s *state) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshotLocked()
}

func (s *state) snapshotLocked() Snapshot {
	return Snapshot{
		Status:          s.status,
		User:            s.data.user.Clone(),
		Permissions:     cloneStrings(s.data.permissions),
		Roles:           cloneStrings(s.data.roles),
		HasAccessToken:  s.data.accessToken != "",
		HasRefreshToken: s.data.refreshToken != "",
		Initialized:     s.initialized,
		LastError:       s.data.lastErr,
	}
}

func (s *state) tokens() (access, refresh string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.data.accessToken, s.data.refreshToken
}

// grants returns the live permission and role slices for read-only use.
func (s *state) grants() (permissions, roles []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.data.permissions, s.data.roles
}

func (s *state) user() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.data.user.Clone()
}

func (s *state) isInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.initialized
}

func (s *state) currentGeneration() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.generation
}

func (s *state) currentIdentity() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.identity
}

// begin enters an in-flight status (Authenticating or Refreshing) and
// returns the generation that owns it.
func (s *state) begin(to Status) (uint64, error) {
	s.mu.Lock()

	from := s.status
	switch {
	case from.inFlight():
		s.mu.Unlock()
		return 0, ErrBusy
	case from == StatusAuthenticated && to == StatusAuthenticating:
		s.mu.Unlock()
		return 0, ErrAlreadyAuthenticated
	case !canTransition(from, to):
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	s.status = to
	s.generation++
	if to == StatusAuthenticating {
		s.identity++
		s.data.lastErr = ""
	}

	gen := s.generation
	ev := Event{From: from, To: to, Session: s.snapshotLocked()}
	s.mu.Unlock()

	s.publish(ev)

	return gen, nil
}

// commit moves to status to after applying mutate, provided gen is still
// current. A nil mutate leaves the session data unchanged.
func (s *state) commit(gen uint64, to Status, mutate func(*sessionData)) error {
	return s.apply(gen, to, mutate, false)
}

// commitInitialized is commit that also marks the session initialized.
// The flag is set even when the transition itself is refused, because a
// refused transition means another operation already took ownership of
// the session.
func (s *state) commitInitialized(gen uint64, to Status, mutate func(*sessionData)) error {
	return s.apply(gen, to, mutate, true)
}

func (s *state) apply(gen uint64, to Status, mutate func(*sessionData), markInit bool) error {
	s.mu.Lock()

	if markInit {
		s.initialized = true
	}

	if gen != s.generation {
		s.mu.Unlock()
		return ErrSuperseded
	}

	from := s.status
	if !canTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	next := s.data
	if mutate != nil {
		mutate(&next)
	}

	if to == StatusAuthenticated && (next.user == nil || next.accessToken == "") {
		s.mu.Unlock()
		return fmt.Errorf("%w: authenticated session needs a user and an access token", ErrInvalidTransition)
	}

	s.data = next
	s.status = to
	ev := Event{From: from, To: to, Session: s.snapshotLocked()}
	s.mu.Unlock()

	s.publish(ev)

	return nil
}

// reset drops every credential and identity and lands in
// StatusUnauthenticated. It is valid from any status.
func (s *state) reset() {
	s.mu.Lock()

	from := s.status
	s.data = sessionData{}
	s.status = StatusUnauthenticated
	s.generation++
	s.identity++
	ev := Event{From: from, To: StatusUnauthenticated, Session: s.snapshotLocked()}
	s.mu.Unlock()

	s.publish(ev)
}

// amend edits the data of a live session without changing its status,
// provided identity is still current. During a refresh the edit survives
// the refresh commit.
func (s *state) amend(identity uint64, fn func(*sessionData)) error {
	s.mu.Lock()

	if identity != s.identity {
		s.mu.Unlock()
		return ErrSuperseded
	}

	if s.data.user == nil || (s.status != StatusAuthenticated && s.status != StatusRefreshing) {
		s.mu.Unlock()
		return ErrNotAuthenticated
	}

	next := s.data
	fn(&next)
	s.data = next
	ev := Event{From: s.status, To: s.status, Session: s.snapshotLocked()}
	s.mu.Unlock()

	s.publish(ev)

	return nil
}

func (s *state) markInitialized() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
}

// setError records a user-facing error message. An empty msg clears it.
func (s *state) setError(msg string) {
	s.mu.Lock()

	if s.data.lastErr == msg {
		s.mu.Unlock()
		return
	}

	s.data.lastErr = msg
	ev := Event{From: s.status, To: s.status, Session: s.snapshotLocked()}
	s.mu.Unlock()

	s.publish(ev)
}

// subscribe registers fn for every subsequent event. The returned function
// removes it and is safe to call more than once.
func (s *state) subscribe(fn func(Event)) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.subsMu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			s.subs = slices.DeleteFunc(s.subs, func(sub subscriber) bool { return sub.id == id })
			s.subsMu.Unlock()
		})
	}
}

// publish delivers ev outside the state locks so subscribers may read the
// session. Subscribers must not start a login, refresh or logout
// synchronously; the manager may still hold its commit lock.
func (s *state) publish(ev Event) {
	s.subsMu.Lock()
	subs := slices.Clone(s.subs)
	s.subsMu.Unlock()

	for _, sub := range subs {
		sub.fn(ev)
	}
}
