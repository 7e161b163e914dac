// Package daemon is the supervisor: it binds the three listeners, wires
// the config store, certificate engine, DNS responder, and proxy engine
// together, and drives lifecycle transitions on signals.
package daemon

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/roxyhq/roxy/internal/certs"
	"github.com/roxyhq/roxy/internal/config"
	"github.com/roxyhq/roxy/internal/debughttp"
	"github.com/roxyhq/roxy/internal/dnsd"
	"github.com/roxyhq/roxy/internal/domain"
	"github.com/roxyhq/roxy/internal/metrics"
	"github.com/roxyhq/roxy/internal/pidfile"
	"github.com/roxyhq/roxy/internal/proxy"
)

// ErrBindFailed wraps listener bind failures (exit code 3).
var ErrBindFailed = errors.New("port bind failure")

// State is the daemon lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateStarting
	StateRunning
	StateReloading
	StateStopping
	StateStopped
	StateFailedToStart
)

const (
	maxHeaderBytes    = 64 << 10
	readHeaderTimeout = 10 * time.Second
	listenerIdle      = 60 * time.Second
)

// Daemon owns every subsystem. Construct with New, drive with Run; tests
// build instances on ephemeral ports with a temp home.
type Daemon struct {
	home    Home
	store   *config.Store
	log     *slog.Logger
	level   *slog.LevelVar
	metrics *metrics.Metrics

	ca     *certs.CAMaterial
	certs  *certs.Engine
	engine *proxy.Engine
	dns    *dnsd.Server
	pid    *pidfile.File

	snapshot atomic.Pointer[config.Snapshot]
	state    atomic.Int32

	httpLn  net.Listener
	httpsLn net.Listener

	httpSrv  *http.Server
	httpsSrv *http.Server
}

// New loads the config and CA material and prepares (but does not bind)
// all subsystems. Config errors and CA errors surface with their sentinel
// kinds so the caller can map exit codes.
func New(home Home, logger *slog.Logger, level *slog.LevelVar) (*Daemon, error) {
	d := &Daemon{
		home:    home,
		store:   config.NewStore(home.ConfigPath()),
		log:     logger,
		level:   level,
		metrics: metrics.New(),
		pid:     pidfile.New(home.PidPath()),
	}
	d.state.Store(int32(StateUninitialized))

	snap, err := d.store.Load()
	if err != nil {
		return nil, err
	}
	d.snapshot.Store(snap)

	ca, err := certs.LoadCA(home.CertsDir())
	if err != nil {
		return nil, err
	}
	d.ca = ca
	d.certs = certs.NewEngine(home.CertsDir(), ca, certs.SnapshotLookup(func(name string) (*domain.DomainRecord, bool) {
		return d.snapshot.Load().Find(name)
	}), logger)

	d.engine = proxy.New(d.Snapshot, logger, d.metrics)
	return d, nil
}

// Snapshot returns the currently published config snapshot.
func (d *Daemon) Snapshot() *config.Snapshot {
	return d.snapshot.Load()
}

// State reports the current lifecycle state.
func (d *Daemon) State() State {
	return State(d.state.Load())
}

// Store exposes the config store (used by the reload path and tests).
func (d *Daemon) Store() *config.Store { return d.store }

// Certs exposes the certificate engine.
func (d *Daemon) Certs() *certs.Engine { return d.certs }

// bind opens the three listeners in order dns, http, https, unwinding
// already-bound sockets on failure.
func (d *Daemon) bind(snap *config.Snapshot) error {
	d.dns = dnsd.New(dnsd.Config{Port: snap.Daemon.DNSPort}, d.log, d.metrics)
	if err := d.dns.Listen(); err != nil {
		return fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	httpLn, err := net.Listen("tcp", ":"+strconv.Itoa(snap.Daemon.HTTPPort))
	if err != nil {
		d.dns.Close()
		return fmt.Errorf("%w: http :%d: %v", ErrBindFailed, snap.Daemon.HTTPPort, err)
	}
	httpsLn, err := net.Listen("tcp", ":"+strconv.Itoa(snap.Daemon.HTTPSPort))
	if err != nil {
		httpLn.Close()
		d.dns.Close()
		return fmt.Errorf("%w: https :%d: %v", ErrBindFailed, snap.Daemon.HTTPSPort, err)
	}
	d.httpLn = httpLn
	d.httpsLn = httpsLn
	return nil
}

// tlsConfig builds the acceptor configuration: TLS 1.2+, http/1.1 ALPN
// only, certificates resolved per SNI by the cert engine. Hosts the engine
// cannot serve fail the handshake with an unrecognized_name alert.
func (d *Daemon) tlsConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert, err := d.certs.GetCertificate(hello)
			if errors.Is(err, certs.ErrNoCertificate) {
				// With no static certificates configured, a nil result makes
				// crypto/tls answer with unrecognized_name instead of
				// internal_error.
				return nil, nil
			}
			return cert, err
		},
	}
}

// Run executes the full lifecycle: bind, drop privileges, acquire the PID
// file, serve until ctx is cancelled or a fatal listener error occurs.
func (d *Daemon) Run(ctx context.Context) error {
	d.state.Store(int32(StateStarting))
	snap := d.Snapshot()

	if err := d.bind(snap); err != nil {
		d.state.Store(int32(StateFailedToStart))
		return err
	}

	if snap.Daemon.RunAs != "" {
		if err := dropPrivileges(snap.Daemon.RunAs); err != nil {
			d.closeListeners()
			d.state.Store(int32(StateFailedToStart))
			return err
		}
		d.log.Info("dropped privileges", "user", snap.Daemon.RunAs)
	}

	if err := d.pid.Acquire(); err != nil {
		d.closeListeners()
		d.state.Store(int32(StateFailedToStart))
		return err
	}
	defer func() {
		if err := d.pid.Release(); err != nil {
			d.log.Warn("failed to remove pid file", "err", err)
		}
	}()

	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()

	if snap.Daemon.DebugAddr != "" {
		if err := debughttp.Start(serveCtx, snap.Daemon.DebugAddr, d.metrics.Registry, d.log); err != nil {
			d.log.Warn("debug listener failed to start", "addr", snap.Daemon.DebugAddr, "err", err)
		}
	}

	d.httpSrv = &http.Server{
		Handler:           d.engine.Handler("http"),
		MaxHeaderBytes:    maxHeaderBytes,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       listenerIdle,
	}
	d.httpsSrv = &http.Server{
		Handler:           d.engine.Handler("https"),
		MaxHeaderBytes:    maxHeaderBytes,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       listenerIdle,
		TLSConfig:         d.tlsConfig(),
		ErrorLog:          newTLSErrorLogger(d.log, d.metrics),
	}

	errCh := make(chan error, 3)
	go func() {
		errCh <- d.dns.Serve(serveCtx)
	}()
	go func() {
		d.log.Info("http listener started", "addr", d.httpLn.Addr().String())
		if err := d.httpSrv.Serve(d.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		d.log.Info("https listener started", "addr", d.httpsLn.Addr().String())
		if err := d.httpsSrv.Serve(tls.NewListener(d.httpsLn, d.httpsSrv.TLSConfig)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("https server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	d.state.Store(int32(StateRunning))
	d.log.Info("daemon running",
		"dns_port", snap.Daemon.DNSPort,
		"http_port", snap.Daemon.HTTPPort,
		"https_port", snap.Daemon.HTTPSPort,
		"domains", len(snap.Domains),
		"ca_fingerprint", d.ca.Fingerprint()[:16])

	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				d.Reload()
			default:
				d.log.Info("signal received, shutting down", "signal", sig.String())
				return d.shutdown()
			}
		case err := <-errCh:
			if err != nil {
				d.log.Error("listener failed", "err", err)
				_ = d.shutdown()
				return err
			}
		}
	}
}

// shutdown stops accepting, drains in-flight requests for the configured
// window, then force-closes stragglers (WebSocket sessions get a 1001
// going-away frame).
func (d *Daemon) shutdown() error {
	d.state.Store(int32(StateStopping))
	drain := time.Duration(d.Snapshot().Daemon.DrainSeconds) * time.Second
	d.log.Info("draining connections", "drain_seconds", int(drain/time.Second))

	drainCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()

	var firstErr error
	for _, srv := range []*http.Server{d.httpSrv, d.httpsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(drainCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if firstErr == nil && !errors.Is(err, context.DeadlineExceeded) {
				firstErr = err
			}
		}
	}
	// Shutdown does not wait for hijacked connections, so WebSocket
	// sessions get the rest of the drain window here.
	for d.engine.ActiveWebSockets() > 0 && drainCtx.Err() == nil {
		select {
		case <-drainCtx.Done():
		case <-time.After(50 * time.Millisecond):
		}
	}
	d.engine.CloseWebSockets("server shutting down")
	for _, srv := range []*http.Server{d.httpSrv, d.httpsSrv} {
		if srv != nil {
			_ = srv.Close()
		}
	}

	d.state.Store(int32(StateStopped))
	d.log.Info("daemon stopped")
	return firstErr
}

func (d *Daemon) closeListeners() {
	if d.dns != nil {
		d.dns.Close()
	}
	if d.httpLn != nil {
		d.httpLn.Close()
	}
	if d.httpsLn != nil {
		d.httpsLn.Close()
	}
}

// newTLSErrorLogger adapts the http.Server error log so handshake noise is
// logged at info with remote address and never at error severity.
func newTLSErrorLogger(logger *slog.Logger, m *metrics.Metrics) *stdlog {
	return newStdlog(func(line string) {
		if isHandshakeLine(line) {
			m.TLSHandshakeErrors.Inc()
			logger.Info("tls handshake failed", "detail", line)
			return
		}
		logger.Warn("https server error", "err", line)
	})
}
