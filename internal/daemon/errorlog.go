package daemon

import (
	stdliblog "log"
	"strings"
)

// stdlog funnels the stdlib logger the http.Server requires into a
// callback per line.
type stdlog = stdliblog.Logger

type lineWriter struct {
	emit func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line != "" {
		w.emit(line)
	}
	return len(p), nil
}

func newStdlog(emit func(string)) *stdlog {
	return stdliblog.New(&lineWriter{emit: emit}, "", 0)
}

func isHandshakeLine(line string) bool {
	return strings.Contains(line, "TLS handshake error from ")
}
