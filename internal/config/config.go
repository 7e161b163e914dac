// Package config persists roxy's entire state as a single TOML file and
// exposes it to the daemon as immutable snapshots.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roxyhq/roxy/internal/domain"
)

// ErrConfigParse wraps TOML syntax and shape errors from the config file.
var ErrConfigParse = errors.New("config parse error")

// Defaults for the [daemon] table.
const (
	DefaultHTTPPort     = 80
	DefaultHTTPSPort    = 443
	DefaultDNSPort      = 1053
	DefaultLogLevel     = "info"
	DefaultDrainSeconds = 5
)

// DaemonConfig is the [daemon] table of the config file.
type DaemonConfig struct {
	HTTPPort            int    `toml:"http_port"`
	HTTPSPort           int    `toml:"https_port"`
	DNSPort             int    `toml:"dns_port"`
	LogLevel            string `toml:"log_level"`
	RedirectHTTPToHTTPS bool   `toml:"redirect_http_to_https"`
	DrainSeconds        uint32 `toml:"drain_seconds"`
	RunAs               string `toml:"run_as,omitempty"`
	DebugAddr           string `toml:"debug_addr,omitempty"`
}

// DefaultDaemonConfig returns the documented defaults.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		HTTPPort:            DefaultHTTPPort,
		HTTPSPort:           DefaultHTTPSPort,
		DNSPort:             DefaultDNSPort,
		LogLevel:            DefaultLogLevel,
		RedirectHTTPToHTTPS: true,
		DrainSeconds:        DefaultDrainSeconds,
	}
}

// Validate checks port ranges, pairwise distinct listener ports, and the
// log level vocabulary.
func (c DaemonConfig) Validate() error {
	for _, p := range []struct {
		name string
		port int
	}{
		{"http_port", c.HTTPPort},
		{"https_port", c.HTTPSPort},
		{"dns_port", c.DNSPort},
	} {
		if p.port < 1 || p.port > 65535 {
			return fmt.Errorf("%w: %s %d out of range", ErrConfigParse, p.name, p.port)
		}
	}
	if c.HTTPPort == c.HTTPSPort || c.HTTPPort == c.DNSPort || c.HTTPSPort == c.DNSPort {
		return domain.ErrPortsCollide
	}
	switch c.LogLevel {
	case "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("%w: log_level %q must be one of error|warn|info|debug", ErrConfigParse, c.LogLevel)
	}
	return nil
}

// Snapshot is an immutable view of the validated domain set plus the daemon
// settings at one config epoch. Readers must never mutate it; the reloader
// publishes a fresh snapshot instead.
type Snapshot struct {
	Daemon  DaemonConfig
	Domains map[string]*domain.DomainRecord
}

// NewSnapshot returns an empty snapshot with default daemon settings.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Daemon:  DefaultDaemonConfig(),
		Domains: map[string]*domain.DomainRecord{},
	}
}

// Find returns the record registered under the exact name, if any.
func (s *Snapshot) Find(name string) (*domain.DomainRecord, bool) {
	rec, ok := s.Domains[name]
	return rec, ok
}

// Names returns the registered domain names in sorted order.
func (s *Snapshot) Names() []string {
	out := make([]string, 0, len(s.Domains))
	for name := range s.Domains {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Clone deep-copies the snapshot so a writer can derive the next epoch
// without touching the published one.
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{
		Daemon:  s.Daemon,
		Domains: make(map[string]*domain.DomainRecord, len(s.Domains)),
	}
	for name, rec := range s.Domains {
		c.Domains[name] = rec.Clone()
	}
	return c
}

// Slug converts a domain name into its cosmetic config table key
// (dots become hyphens). The real identity stays in the record's
// inner domain field.
func Slug(name string) string {
	return strings.ReplaceAll(name, ".", "-")
}
