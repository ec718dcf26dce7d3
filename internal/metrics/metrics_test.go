package metrics

import (
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhailiang23/deep-search/session"
)

func event(from, to session.Status) session.Event {
	snap := session.Snapshot{Status: to}
	if to == session.StatusAuthenticated {
		snap.User = &session.User{ID: "u1"}
		snap.HasAccessToken = true
	}

	return session.Event{From: from, To: to, Session: snap}
}

func TestObserve_LoginSuccess(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, nil)

	c.Observe(event(session.StatusUnauthenticated, session.StatusAuthenticating))
	c.Observe(event(session.StatusAuthenticating, session.StatusAuthenticated))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.Logins.WithLabelValues("success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.Logins.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Authenticated))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Transitions.WithLabelValues("authenticating", "authenticated")))
}

func TestObserve_LoginFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, nil)

	c.Observe(event(session.StatusAuthenticating, session.StatusUnauthenticated))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.Logins.WithLabelValues("failure")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.Authenticated))
}

func TestObserve_RefreshOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, nil)

	c.Observe(event(session.StatusRefreshing, session.StatusAuthenticated))
	c.Observe(event(session.StatusRefreshing, session.StatusAuthenticated))
	c.Observe(event(session.StatusRefreshing, session.StatusExpired))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Refreshes.WithLabelValues("authenticated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Refreshes.WithLabelValues("expired")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.Authenticated), "expired session is not authenticated")
}

func TestObserve_IgnoresSameStatusEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, nil)

	c.Observe(event(session.StatusAuthenticated, session.StatusAuthenticated))

	assert.Equal(t, 0, testutil.CollectAndCount(c.Transitions))
}

func TestTokenExpiryGauge(t *testing.T) {
	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	payload := base64.RawURLEncoding.EncodeToString(fmt.Appendf(nil, `{"exp":%d}`, exp.Unix()))
	token := "eyJhbGciOiJIUzI1NiJ9." + payload + ".sig"

	current := token
	reg := prometheus.NewRegistry()
	NewCollector(reg, func() string { return current })

	families, err := reg.Gather()
	require.NoError(t, err)

	var got float64
	for _, mf := range families {
		if mf.GetName() == "deepsearch_session_access_token_expiry_timestamp_seconds" {
			got = mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, float64(exp.Unix()), got)

	current = ""
	families, err = reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() == "deepsearch_session_access_token_expiry_timestamp_seconds" {
			got = mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Zero(t, got)
}
