package logging

import (
	"log/slog"
	"os"
	"strings"

	"github.com/zhailiang23/deep-search/session"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text.
// A non-empty level ("debug", "info", "warn", "error") overrides the
// environment's default; an unrecognised one is ignored.
func NewLogger(env, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env != "production" {
		opts.Level = slog.LevelDebug
	}

	if level != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err == nil {
			opts.Level = lvl
		}
	}

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// SessionObserver returns a session subscriber that logs every status
// change. Events that leave the status unchanged (profile edits, error
// messages) are logged at debug.
func SessionObserver(logger *slog.Logger) func(session.Event) {
	return func(ev session.Event) {
		attrs := []any{
			slog.String("from", ev.From.String()),
			slog.String("to", ev.To.String()),
		}

		if ev.Session.User != nil {
			attrs = append(attrs, slog.String("username", ev.Session.User.Username))
		}

		if ev.Session.LastError != "" {
			attrs = append(attrs, slog.String("error", ev.Session.LastError))
		}

		if ev.From == ev.To {
			logger.Debug("session updated", attrs...)
			return
		}

		logger.Info("session status changed", attrs...)
	}
}
