// Package server provides HTTP server construction for the deep-search
// session tooling.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zhailiang23/deep-search/authapi"
	"github.com/zhailiang23/deep-search/internal/idp"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Provider *idp.Provider

	// Gatherer, when set, is served on /metrics.
	Gatherer prometheus.Gatherer
}

// NewMux builds the HTTP mux with the user API login, refresh, logout and
// profile endpoints plus /healthz. Profile and logout endpoints are
// protected by Bearer token middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	if cfg.Provider != nil {
		p := cfg.Provider
		mux.HandleFunc("POST "+authapi.PathLogin, p.HandleLogin())
		mux.HandleFunc("POST "+authapi.PathRefresh, p.HandleRefresh())
		mux.Handle("POST "+authapi.PathLogout, p.Middleware(p.HandleLogout()))
		mux.Handle("GET "+authapi.PathProfile, p.Middleware(p.HandleGetProfile()))
		mux.Handle("PUT "+authapi.PathProfile, p.Middleware(p.HandleUpdateProfile()))
		mux.Handle("PUT "+authapi.PathChangePassword, p.Middleware(p.HandleChangePassword()))
	}

	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok\n"))
	})

	return mux
}
