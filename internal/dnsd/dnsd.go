// Package dnsd implements the authoritative DNS responder for the roxy
// zone: every name under .roxy answers with the loopback address so local
// clients resolve project hostnames to the proxy listeners.
package dnsd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/roxyhq/roxy/internal/log"
	"github.com/roxyhq/roxy/internal/metrics"
)

const (
	zoneApex = "roxy."
	// DNS answers carry TTL 0 so route edits take effect immediately.
	answerTTL = 0

	soaRefresh = 3600
	soaRetry   = 600
	soaExpire  = 86400
	soaMinimum = 0

	tcpReadTimeout = 5 * time.Second
)

// Config selects the bind address and answer addresses of the responder.
type Config struct {
	// Addr is the bind host, normally 127.0.0.1. Use 0.0.0.0 to serve
	// LAN clients.
	Addr string
	Port int
	// AnswerA is the IPv4 returned for every .roxy A query.
	AnswerA net.IP
	// AnswerAAAA is the IPv6 returned for every .roxy AAAA query.
	AnswerAAAA net.IP
}

// Server answers A/AAAA/SOA/NS for the roxy zone over UDP and TCP.
type Server struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	// serial is the SOA serial: epoch seconds at daemon start.
	serial   uint32
	suppress *log.Suppressor

	udp *dns.Server
	tcp *dns.Server

	udpConn net.PacketConn
	tcpLn   net.Listener
}

// New creates an unbound server. Defaults: 127.0.0.1 bind, answers
// 127.0.0.1 and ::1.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1"
	}
	if cfg.AnswerA == nil {
		cfg.AnswerA = net.IPv4(127, 0, 0, 1)
	}
	if cfg.AnswerAAAA == nil {
		cfg.AnswerAAAA = net.IPv6loopback
	}
	return &Server{
		cfg:      cfg,
		log:      logger,
		metrics:  m,
		serial:   uint32(time.Now().Unix()),
		suppress: log.NewSuppressor(1, 5),
	}
}

// Listen binds the UDP socket and TCP listener without serving yet, so the
// supervisor can fail fast on port conflicts and unwind in order.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.cfg.Addr, fmt.Sprint(s.cfg.Port))
	udpConn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("bind dns udp %s: %w", addr, err)
	}
	// TCP follows the UDP port so a zero port (tests) lands both
	// transports on the same number.
	tcpAddr := net.JoinHostPort(s.cfg.Addr, fmt.Sprint(udpConn.LocalAddr().(*net.UDPAddr).Port))
	tcpLn, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("bind dns tcp %s: %w", tcpAddr, err)
	}
	s.udpConn = udpConn
	s.tcpLn = tcpLn

	handler := dns.HandlerFunc(s.handle)
	invalid := func(m []byte, err error) {
		s.metrics.DNSMalformedTotal.Inc()
		if s.suppress.Allow() {
			s.log.Debug("dropped malformed dns packet", "err", err, "bytes", len(m))
		}
	}
	s.udp = &dns.Server{PacketConn: udpConn, Handler: handler, MsgInvalidFunc: invalid}
	s.tcp = &dns.Server{Listener: tcpLn, Handler: handler, ReadTimeout: tcpReadTimeout, MsgInvalidFunc: invalid}
	return nil
}

// Addr returns the bound UDP address (useful with port 0 in tests).
func (s *Server) Addr() net.Addr {
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

// Serve runs both transports until Shutdown. Must follow Listen.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- s.udp.ActivateAndServe() }()
	go func() { errCh <- s.tcp.ActivateAndServe() }()
	s.log.Info("dns server listening", "addr", s.udpConn.LocalAddr().String(), "zone", zoneApex)

	select {
	case <-ctx.Done():
		s.shutdown()
		return nil
	case err := <-errCh:
		s.shutdown()
		return err
	}
}

// Close releases the sockets without serving (bind-unwind path).
func (s *Server) Close() {
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	if s.tcpLn != nil {
		s.tcpLn.Close()
	}
}

func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if s.udp != nil {
		_ = s.udp.ShutdownContext(ctx)
	}
	if s.tcp != nil {
		_ = s.tcp.ShutdownContext(ctx)
	}
}

func (s *Server) handle(w dns.ResponseWriter, req *dns.Msg) {
	resp := s.respond(req)

	// Stay within the classic 512-byte limit over UDP; the TC bit tells
	// clients to retry over TCP (RFC 1035 §4.2.1).
	if w.RemoteAddr().Network() == "udp" {
		resp.Truncate(dns.MinMsgSize)
	}
	if len(req.Question) == 1 {
		q := req.Question[0]
		s.metrics.DNSQueriesTotal.WithLabelValues(dns.TypeToString[q.Qtype], dns.RcodeToString[resp.Rcode]).Inc()
		s.log.Debug("dns query",
			"domain", strings.TrimSuffix(strings.ToLower(q.Name), "."),
			"qtype", dns.TypeToString[q.Qtype],
			"response", dns.RcodeToString[resp.Rcode])
	}
	_ = w.WriteMsg(resp)
}

func (s *Server) respond(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)

	if len(req.Question) != 1 {
		m.SetRcode(req, dns.RcodeFormatError)
		return m
	}
	q := req.Question[0]
	name := strings.ToLower(q.Name)

	if q.Qclass != dns.ClassINET {
		m.SetRcode(req, dns.RcodeNotImplemented)
		return m
	}
	if !inZone(name) {
		m.SetRcode(req, dns.RcodeRefused)
		return m
	}

	m.SetReply(req)
	m.Authoritative = true

	switch q.Qtype {
	case dns.TypeA:
		m.Answer = append(m.Answer, s.aRecord(q.Name))
	case dns.TypeAAAA:
		m.Answer = append(m.Answer, s.aaaaRecord(q.Name))
	case dns.TypeANY:
		m.Answer = append(m.Answer, s.aRecord(q.Name), s.aaaaRecord(q.Name))
	case dns.TypeSOA:
		if name == zoneApex {
			m.Answer = append(m.Answer, s.soaRecord())
		} else {
			m.Ns = append(m.Ns, s.soaRecord())
		}
	case dns.TypeNS:
		if name == zoneApex {
			m.Answer = append(m.Answer, s.nsRecord())
		} else {
			m.Ns = append(m.Ns, s.soaRecord())
		}
	default:
		m.SetRcode(req, dns.RcodeNotImplemented)
		m.Authoritative = false
	}
	return m
}

func inZone(name string) bool {
	return name == zoneApex || strings.HasSuffix(name, "."+zoneApex)
}

func (s *Server) aRecord(name string) dns.RR {
	return &dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: answerTTL},
		A:   s.cfg.AnswerA,
	}
}

func (s *Server) aaaaRecord(name string) dns.RR {
	return &dns.AAAA{
		Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: answerTTL},
		AAAA: s.cfg.AnswerAAAA,
	}
}

func (s *Server) soaRecord() dns.RR {
	return &dns.SOA{
		Hdr:     dns.RR_Header{Name: zoneApex, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: answerTTL},
		Ns:      "localhost.",
		Mbox:    "admin.roxy.",
		Serial:  s.serial,
		Refresh: soaRefresh,
		Retry:   soaRetry,
		Expire:  soaExpire,
		Minttl:  soaMinimum,
	}
}

func (s *Server) nsRecord() dns.RR {
	return &dns.NS{
		Hdr: dns.RR_Header{Name: zoneApex, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: answerTTL},
		Ns:  "localhost.",
	}
}
