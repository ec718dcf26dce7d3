// Package metrics exports session lifecycle metrics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zhailiang23/deep-search/session"
)

const namespace = "deepsearch_session"

// Collector holds the session metrics. Feed it with Observe, usually by
// subscribing it to a session.Manager.
type Collector struct {
	Transitions   *prometheus.CounterVec
	Logins        *prometheus.CounterVec
	Refreshes     *prometheus.CounterVec
	Authenticated prometheus.Gauge
}

// NewCollector creates and registers all metrics with the given registry.
// token, when non-nil, reports the current access token; its expiry is
// exported as a gauge.
func NewCollector(reg prometheus.Registerer, token func() string) *Collector {
	c := &Collector{
		Transitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Session status transitions",
			},
			[]string{"from", "to"},
		),
		Logins: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "logins_total",
				Help:      "Completed login attempts",
			},
			[]string{"result"}, // result=success/failure
		),
		Refreshes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refreshes_total",
				Help:      "Completed token refresh attempts by resulting status",
			},
			[]string{"outcome"}, // outcome=authenticated/unauthenticated/expired
		),
		Authenticated: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "authenticated",
				Help:      "1 while the session is authenticated",
			},
		),
	}

	if token != nil {
		promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "access_token_expiry_timestamp_seconds",
				Help:      "Expiry of the current access token as a Unix timestamp, 0 when unknown",
			},
			func() float64 {
				exp, ok := session.ExpiresAt(token())
				if !ok {
					return 0
				}

				return float64(exp.Unix())
			},
		)
	}

	return c
}

// Observe records one session event.
func (c *Collector) Observe(ev session.Event) {
	if ev.From == ev.To {
		return
	}

	c.Transitions.WithLabelValues(ev.From.String(), ev.To.String()).Inc()

	switch ev.From {
	case session.StatusAuthenticating:
		result := "failure"
		if ev.To == session.StatusAuthenticated {
			result = "success"
		}

		c.Logins.WithLabelValues(result).Inc()
	case session.StatusRefreshing:
		c.Refreshes.WithLabelValues(ev.To.String()).Inc()
	}

	if ev.Session.Authenticated() {
		c.Authenticated.Set(1)
	} else {
		c.Authenticated.Set(0)
	}
}
