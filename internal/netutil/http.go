// Package netutil provides shared HTTP/network normalization helpers for
// the proxy engine and listeners.
package netutil

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
)

// Hop-by-hop headers per RFC 7230 §6.1, plus the Proxy-* headers, which must
// not be forwarded across the proxy.
var hopByHopHeaderNames = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// NormalizeHost lower-cases and strips ports/trailing dots from host
// header values, unwrapping IPv6 brackets.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// RemoveHopByHopHeaders strips hop-by-hop headers that must not be proxied,
// including any connection options named by the Connection header itself.
func RemoveHopByHopHeaders(h http.Header) {
	if len(h) == 0 {
		return
	}
	for _, connectionValue := range h.Values("Connection") {
		for _, token := range strings.Split(connectionValue, ",") {
			if key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(token)); key != "" {
				h.Del(key)
			}
		}
	}
	for _, key := range hopByHopHeaderNames {
		h.Del(key)
	}
}

// IsWebSocketUpgrade reports whether the request carries a complete
// websocket upgrade handshake: Upgrade: websocket, Connection: Upgrade,
// and a Sec-WebSocket-Key.
func IsWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket") {
		return false
	}
	if strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key")) == "" {
		return false
	}
	for _, connectionValue := range r.Header.Values("Connection") {
		for _, token := range strings.Split(connectionValue, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// AppendForwardedHeaders adds the X-Forwarded-* trio the proxy stamps on
// outgoing requests: client IP, original scheme, and original host.
func AppendForwardedHeaders(h http.Header, remoteAddr, proto, originalHost string) {
	clientIP := remoteAddr
	if ip, _, err := net.SplitHostPort(remoteAddr); err == nil {
		clientIP = ip
	}
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		clientIP = prior + ", " + clientIP
	}
	h.Set("X-Forwarded-For", clientIP)
	h.Set("X-Forwarded-Proto", proto)
	h.Set("X-Forwarded-Host", originalHost)
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
