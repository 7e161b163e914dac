package proxy

import (
	"errors"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roxyhq/roxy/internal/netutil"
	"github.com/roxyhq/roxy/internal/router"
)

const wsCloseWriteTimeout = 5 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
	// The proxy terminates locally; origin policy is the backend's concern.
	CheckOrigin: func(r *http.Request) bool { return true },
}

var wsDialer = &websocket.Dialer{
	HandshakeTimeout: backendConnectTimeout,
	ReadBufferSize:   32 << 10,
	WriteBufferSize:  32 << 10,
}

// wsSession tracks one active splice so graceful shutdown can close it
// with a going-away frame.
type wsSession struct {
	client  *websocket.Conn
	backend *websocket.Conn
	done    chan struct{}
}

// proxyWebSocket dials the backend first, then upgrades the client with
// the negotiated subprotocol and splices frames in both directions until
// either side closes.
func (e *Engine) proxyWebSocket(w http.ResponseWriter, r *http.Request, res router.Resolution, scheme string) {
	backendAddr := res.Route.Target.Addr()
	backendURL := url.URL{
		Scheme:   "ws",
		Host:     backendAddr,
		Path:     res.ResidualPath,
		RawQuery: r.URL.RawQuery,
	}

	header := http.Header{}
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		header.Set("Sec-WebSocket-Protocol", proto)
	}
	for _, k := range []string{"Cookie", "Authorization", "Origin", "User-Agent"} {
		if v := r.Header.Get(k); v != "" {
			header.Set(k, v)
		}
	}
	netutil.AppendForwardedHeaders(header, r.RemoteAddr, scheme, netutil.NormalizeHost(r.Host))

	backend, resp, err := wsDialer.Dial(backendURL.String(), header)
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			// Backend answered the handshake with a plain HTTP status.
			status = resp.StatusCode
		}
		e.log.Warn("websocket backend dial failed", "target", backendAddr, "err", err)
		http.Error(w, "websocket upstream unavailable", status)
		return
	}

	var respHeader http.Header
	if proto := backend.Subprotocol(); proto != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": []string{proto}}
	}
	client, err := wsUpgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade already wrote an HTTP error to the client.
		backend.Close()
		e.log.Warn("websocket client upgrade failed", "target", backendAddr, "err", err)
		return
	}

	start := time.Now()
	e.metrics.WSSessionsTotal.Inc()
	e.log.Info("WebSocket connection established",
		"host", netutil.NormalizeHost(r.Host),
		"path", r.URL.Path,
		"target", backendAddr)

	sess := &wsSession{client: client, backend: backend, done: make(chan struct{})}
	e.trackSession(sess)

	var bytesSent, bytesReceived atomic.Int64

	clientDone := make(chan struct{})
	backendDone := make(chan struct{})
	go splice(client, backend, &bytesSent, clientDone)      // client -> backend
	go splice(backend, client, &bytesReceived, backendDone) // backend -> client

	select {
	case <-clientDone:
	case <-backendDone:
	case <-sess.done:
	}
	client.Close()
	backend.Close()
	<-clientDone
	<-backendDone
	e.untrackSession(sess)

	sent := bytesSent.Load()
	received := bytesReceived.Load()
	e.metrics.WSBytesTotal.WithLabelValues("sent").Add(float64(sent))
	e.metrics.WSBytesTotal.WithLabelValues("received").Add(float64(received))
	e.log.Info("WebSocket connection closed",
		"target", backendAddr,
		"duration_ms", time.Since(start).Milliseconds(),
		"bytes_sent", sent,
		"bytes_received", received)
}

// splice copies frames from src to dst, counting payload bytes, and
// propagates the close code when src closes.
func splice(src, dst *websocket.Conn, counter *atomic.Int64, done chan<- struct{}) {
	defer close(done)
	for {
		msgType, payload, err := src.ReadMessage()
		if err != nil {
			code, text := websocket.CloseAbnormalClosure, ""
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, text = ce.Code, ce.Text
			}
			if code != websocket.CloseAbnormalClosure {
				_ = dst.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(code, text),
					time.Now().Add(wsCloseWriteTimeout),
				)
			}
			return
		}
		counter.Add(int64(len(payload)))
		if err := dst.WriteMessage(msgType, payload); err != nil {
			return
		}
	}
}

func (e *Engine) trackSession(s *wsSession) {
	e.wsMu.Lock()
	e.wsSessions[s] = struct{}{}
	e.wsMu.Unlock()
}

func (e *Engine) untrackSession(s *wsSession) {
	e.wsMu.Lock()
	delete(e.wsSessions, s)
	e.wsMu.Unlock()
}

// ActiveWebSockets reports the number of live spliced sessions.
func (e *Engine) ActiveWebSockets() int {
	e.wsMu.Lock()
	defer e.wsMu.Unlock()
	return len(e.wsSessions)
}

// CloseWebSockets ends every active session after the drain window: a
// going-away close frame where possible, then both TCP connections are
// torn down.
func (e *Engine) CloseWebSockets(reason string) {
	e.wsMu.Lock()
	sessions := make([]*wsSession, 0, len(e.wsSessions))
	for s := range e.wsSessions {
		sessions = append(sessions, s)
	}
	e.wsMu.Unlock()

	deadline := time.Now().Add(wsCloseWriteTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	for _, s := range sessions {
		_ = s.client.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.backend.WriteControl(websocket.CloseMessage, msg, deadline)
		close(s.done)
	}
}
