// Package proxy implements the request engine shared by both listeners:
// host+path routing, HTTP forwarding to local backends, transparent
// WebSocket splicing, and static-file serving with autoindex.
package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/roxyhq/roxy/internal/config"
	"github.com/roxyhq/roxy/internal/metrics"
	"github.com/roxyhq/roxy/internal/netutil"
	"github.com/roxyhq/roxy/internal/router"
)

const (
	backendConnectTimeout = 5 * time.Second
	backendHeaderTimeout  = 30 * time.Second
	idleTimeout           = 60 * time.Second
)

// Engine dispatches requests against the current config snapshot. One
// engine serves both listeners; the scheme is bound per handler.
type Engine struct {
	snapshot func() *config.Snapshot
	log      *slog.Logger
	metrics  *metrics.Metrics

	transport *http.Transport

	wsMu       sync.Mutex
	wsSessions map[*wsSession]struct{}
}

// New creates an engine reading route state through snapshot.
func New(snapshot func() *config.Snapshot, logger *slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		snapshot: snapshot,
		log:      logger,
		metrics:  m,
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: backendConnectTimeout,
			}).DialContext,
			ResponseHeaderTimeout: backendHeaderTimeout,
			IdleConnTimeout:       idleTimeout,
			// Backends are plaintext HTTP on loopback/LAN; no TLS upstream.
			ForceAttemptHTTP2: false,
		},
		wsSessions: map[*wsSession]struct{}{},
	}
}

// Handler returns the http.Handler for one listener. scheme is "http" or
// "https" and drives the X-Forwarded-Proto header and the HTTP→HTTPS
// redirect.
func (e *Engine) Handler(scheme string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.serve(w, r, scheme)
	})
}

func (e *Engine) serve(w http.ResponseWriter, r *http.Request, scheme string) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	target := ""

	defer func() {
		if rec.hijacked {
			// WebSocket sessions log their own lifecycle lines.
			return
		}
		e.metrics.RequestsTotal.WithLabelValues(scheme, metrics.StatusClass(rec.status)).Inc()
		attrs := []any{
			"method", r.Method,
			"host", netutil.NormalizeHost(r.Host),
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"target", target,
		}
		switch {
		case rec.status >= 500:
			e.log.Error("request completed", attrs...)
		case rec.status >= 400:
			e.log.Warn("request completed", attrs...)
		default:
			e.log.Info("request completed", attrs...)
		}
	}()

	host := netutil.NormalizeHost(r.Host)
	if host == "" {
		http.Error(rec, "Missing Host header", http.StatusBadRequest)
		return
	}

	snap := e.snapshot()

	if scheme == "http" && snap.Daemon.RedirectHTTPToHTTPS {
		if recDomain, ok := router.ResolveHost(snap, host); ok && recDomain.HTTPSEnabled {
			redirectToHTTPS(rec, r, host, snap.Daemon.HTTPSPort)
			return
		}
	}

	res, err := router.Resolve(snap, host, r.URL.Path)
	if err != nil {
		switch {
		case errors.Is(err, router.ErrNoSuchHost):
			writeHostNotRegistered(rec, r, host)
		case errors.Is(err, router.ErrNoRoute):
			http.Error(rec, "no route for path", http.StatusNotFound)
		default:
			http.Error(rec, "internal error", http.StatusInternalServerError)
		}
		return
	}
	target = res.Route.Target.String()

	if res.Route.Target.IsStatic() {
		e.serveStatic(rec, r, res)
		return
	}
	if netutil.IsWebSocketUpgrade(r) {
		e.proxyWebSocket(rec, r, res, scheme)
		return
	}
	e.forward(rec, r, res, scheme)
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request, host string, httpsPort int) {
	authority := host
	if httpsPort != 443 {
		authority = net.JoinHostPort(host, strconv.Itoa(httpsPort))
	}
	url := "https://" + authority + r.URL.Path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, url, http.StatusMovedPermanently)
}

func writeHostNotRegistered(w http.ResponseWriter, r *http.Request, host string) {
	if !acceptsHTML(r) {
		http.Error(w, fmt.Sprintf("domain %s is not registered", host), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>Domain Not Registered</title></head>
<body>
<h1>Domain Not Registered</h1>
<p>The domain <code>%s</code> is not registered with roxy.</p>
<p>Register it with <code>roxy register %s --route "/=3000"</code> and reload the daemon.</p>
</body>
</html>
`, html.EscapeString(host), html.EscapeString(host))
}

func acceptsHTML(r *http.Request) bool {
	for _, accept := range r.Header.Values("Accept") {
		if containsToken(accept, "text/html") {
			return true
		}
	}
	return false
}

func containsToken(headerValue, token string) bool {
	for _, part := range splitComma(headerValue) {
		if part == token {
			return true
		}
	}
	return false
}

func splitComma(v string) []string {
	var out []string
	field := ""
	for _, r := range v {
		switch r {
		case ',', ';':
			if field != "" {
				out = append(out, field)
				field = ""
			}
		case ' ', '\t':
		default:
			field += string(r)
		}
	}
	if field != "" {
		out = append(out, field)
	}
	return out
}

// statusRecorder captures the response status for the request log line and
// passes hijacking through for WebSocket upgrades.
type statusRecorder struct {
	http.ResponseWriter
	status   int
	wrote    bool
	hijacked bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wrote {
		r.status = status
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		r.hijacked = true
	}
	return conn, rw, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

