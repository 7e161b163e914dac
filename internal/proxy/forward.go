package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/roxyhq/roxy/internal/netutil"
	"github.com/roxyhq/roxy/internal/router"
)

// forward proxies a plain HTTP request to a port or host:port backend,
// streaming both bodies without buffering them whole.
func (e *Engine) forward(w http.ResponseWriter, r *http.Request, res router.Resolution, scheme string) {
	backendAddr := res.Route.Target.Addr()

	out := r.Clone(r.Context())
	out.URL = &url.URL{
		Scheme:   "http",
		Host:     backendAddr,
		Path:     res.ResidualPath,
		RawQuery: r.URL.RawQuery,
	}
	out.Host = backendAddr
	out.RequestURI = ""
	netutil.RemoveHopByHopHeaders(out.Header)
	netutil.AppendForwardedHeaders(out.Header, r.RemoteAddr, scheme, netutil.NormalizeHost(r.Host))

	resp, err := e.transport.RoundTrip(out)
	if err != nil {
		status := upstreamErrorStatus(err)
		e.log.Warn("upstream request failed",
			"target", backendAddr, "status", status, "err", err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	defer resp.Body.Close()

	netutil.RemoveHopByHopHeaders(resp.Header)
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	flushingCopy(w, resp.Body)
}

// upstreamErrorStatus maps transport failures to the 502/504 contract:
// connect failures (refused or dial timeout) are 502, waiting on response
// headers past the deadline is 504.
func upstreamErrorStatus(err error) int {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return http.StatusBadGateway
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func copyHeader(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

// flushingCopy streams src to dst with a bounded buffer, flushing after
// each chunk so SSE and long-polling backends work through the proxy.
func flushingCopy(dst http.ResponseWriter, src io.Reader) {
	flusher, canFlush := dst.(http.Flusher)
	buf := make([]byte, 32<<10)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
