// Package metrics defines the daemon's prometheus counters. The registry
// is exposed on the optional debug listener; counters are cheap enough to
// record unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every counter the daemon records, registered on a
// private registry so tests can construct isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	DNSQueriesTotal    *prometheus.CounterVec
	DNSMalformedTotal  prometheus.Counter
	WSSessionsTotal    prometheus.Counter
	WSBytesTotal       *prometheus.CounterVec
	TLSHandshakeErrors prometheus.Counter
	ReloadsTotal       *prometheus.CounterVec
}

// New creates and registers all counters.
func New() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}

	m.RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roxy_requests_total",
		Help: "Proxied HTTP requests by listener scheme and status class.",
	}, []string{"scheme", "class"})

	m.DNSQueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roxy_dns_queries_total",
		Help: "DNS queries answered by qtype and rcode.",
	}, []string{"qtype", "rcode"})

	m.DNSMalformedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roxy_dns_malformed_packets_total",
		Help: "DNS packets dropped because they failed to parse.",
	})

	m.WSSessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roxy_websocket_sessions_total",
		Help: "WebSocket sessions successfully established.",
	})

	m.WSBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roxy_websocket_bytes_total",
		Help: "WebSocket payload bytes spliced per direction.",
	}, []string{"direction"})

	m.TLSHandshakeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roxy_tls_handshake_errors_total",
		Help: "TLS handshakes that failed before a request was served.",
	})

	m.ReloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roxy_config_reloads_total",
		Help: "Config reload attempts by outcome.",
	}, []string{"outcome"})

	m.Registry.MustRegister(
		m.RequestsTotal,
		m.DNSQueriesTotal,
		m.DNSMalformedTotal,
		m.WSSessionsTotal,
		m.WSBytesTotal,
		m.TLSHandshakeErrors,
		m.ReloadsTotal,
	)
	return m
}

// StatusClass buckets an HTTP status code into its "2xx" style class label.
func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
