// Package log provides a minimal factory for structured slog loggers.
package log

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/time/rate"
)

// Level parses one of "debug", "info", "warn", "error" (defaults to info).
func Level(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// ResolveLevel applies the precedence env ROXY_LOG > --verbose > config.
func ResolveLevel(envLevel string, verbose bool, configLevel string) slog.Level {
	if envLevel != "" {
		return Level(envLevel)
	}
	if verbose {
		return slog.LevelDebug
	}
	return Level(configLevel)
}

// New creates a [slog.Logger] that writes key=value text lines to w at the
// given threshold. The returned LevelVar lets the daemon adjust the
// threshold at runtime (config reload, ROXY_LOG).
func New(w io.Writer, level slog.Level) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(level)
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: lvl,
	}))
	return logger, lvl
}

// NewStdout is the common case: structured text to stdout.
func NewStdout(level slog.Level) (*slog.Logger, *slog.LevelVar) {
	return New(os.Stdout, level)
}

// OpenLogFile opens (append-only, create) the daemon log file.
func OpenLogFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// Suppressor rate-limits noisy log sites (malformed DNS packets) so an
// abusive peer cannot flood the log. Allow reports
// whether the caller should emit this occurrence.
type Suppressor struct {
	limiter *rate.Limiter
}

// NewSuppressor permits burst lines immediately and then perSecond lines
// per second.
func NewSuppressor(perSecond float64, burst int) *Suppressor {
	return &Suppressor{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow reports whether this occurrence may be logged.
func (s *Suppressor) Allow() bool {
	return s.limiter.Allow()
}
