package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/roxyhq/roxy/internal/domain"
)

// Store owns the on-disk TOML file and the current in-memory snapshot.
// All mutations go through the store (single writer); readers take
// immutable snapshots via [Store.Snapshot].
type Store struct {
	path string

	mu   sync.Mutex
	snap *Snapshot
}

// fileConfig is the persistence DTO. It decouples the on-disk layout from
// the domain entities so deserialization cannot bypass invariants enforced
// by the domain package.
type fileConfig struct {
	Daemon  daemonTable            `toml:"daemon"`
	Domains map[string]domainTable `toml:"domains,omitempty"`
}

type daemonTable struct {
	HTTPPort            *int    `toml:"http_port"`
	HTTPSPort           *int    `toml:"https_port"`
	DNSPort             *int    `toml:"dns_port"`
	LogLevel            *string `toml:"log_level"`
	RedirectHTTPToHTTPS *bool   `toml:"redirect_http_to_https"`
	DrainSeconds        *uint32 `toml:"drain_seconds"`
	RunAs               *string `toml:"run_as,omitempty"`
	DebugAddr           *string `toml:"debug_addr,omitempty"`
}

type domainTable struct {
	Domain          string       `toml:"domain"`
	HTTPSEnabled    bool         `toml:"https_enabled"`
	Wildcard        bool         `toml:"wildcard"`
	CertFingerprint string       `toml:"cert_fingerprint,omitempty"`
	Routes          []routeTable `toml:"routes"`
}

type routeTable struct {
	Path   string `toml:"path"`
	Target string `toml:"target"`
}

// NewStore creates a store for the given config file path. Nothing is read
// until [Store.Load].
func NewStore(path string) *Store {
	return &Store{path: path, snap: NewSnapshot()}
}

// Path returns the config file location.
func (s *Store) Path() string { return s.path }

// Load parses, validates, and normalizes the config file, replacing the
// in-memory snapshot. A missing file yields the default empty snapshot.
func (s *Store) Load() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.snap = NewSnapshot()
			return s.snap.Clone(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	snap, err := parse(data)
	if err != nil {
		return nil, err
	}
	s.snap = snap
	return snap.Clone(), nil
}

func parse(data []byte) (*Snapshot, error) {
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigParse, err)
	}

	snap := NewSnapshot()
	d := &snap.Daemon
	if fc.Daemon.HTTPPort != nil {
		d.HTTPPort = *fc.Daemon.HTTPPort
	}
	if fc.Daemon.HTTPSPort != nil {
		d.HTTPSPort = *fc.Daemon.HTTPSPort
	}
	if fc.Daemon.DNSPort != nil {
		d.DNSPort = *fc.Daemon.DNSPort
	}
	if fc.Daemon.LogLevel != nil {
		d.LogLevel = *fc.Daemon.LogLevel
	}
	if fc.Daemon.RedirectHTTPToHTTPS != nil {
		d.RedirectHTTPToHTTPS = *fc.Daemon.RedirectHTTPToHTTPS
	}
	if fc.Daemon.DrainSeconds != nil {
		d.DrainSeconds = *fc.Daemon.DrainSeconds
	}
	if fc.Daemon.RunAs != nil {
		d.RunAs = *fc.Daemon.RunAs
	}
	if fc.Daemon.DebugAddr != nil {
		d.DebugAddr = *fc.Daemon.DebugAddr
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	for slug, dt := range fc.Domains {
		rec, err := recordFromTable(dt)
		if err != nil {
			return nil, &domain.DomainError{Name: dt.Domain, Op: "load " + slug, Err: err}
		}
		if _, dup := snap.Domains[rec.Name]; dup {
			return nil, &domain.DomainError{Name: rec.Name, Op: "load", Err: domain.ErrAlreadyExists}
		}
		snap.Domains[rec.Name] = rec
	}
	return snap, nil
}

func recordFromTable(dt domainTable) (*domain.DomainRecord, error) {
	name := domain.NormalizeName(dt.Domain)
	if err := domain.ValidateName(name); err != nil {
		return nil, err
	}
	if len(dt.Routes) == 0 {
		return nil, fmt.Errorf("%w: no routes", domain.ErrInvalidRoute)
	}
	rec := &domain.DomainRecord{
		Name:            name,
		HTTPSEnabled:    dt.HTTPSEnabled,
		Wildcard:        dt.Wildcard,
		CertFingerprint: dt.CertFingerprint,
	}
	for _, rt := range dt.Routes {
		path, err := domain.NormalizePath(rt.Path)
		if err != nil {
			return nil, err
		}
		target, err := domain.ParseTarget(rt.Target)
		if err != nil {
			return nil, err
		}
		if err := rec.AddRoute(domain.Route{Path: path, Target: target}); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// Save writes the given snapshot atomically: temp file in the same
// directory, fsync, rename over the old file. On success the snapshot
// becomes the store's current state.
func (s *Store) Save(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persist(snap); err != nil {
		return err
	}
	s.snap = snap.Clone()
	return nil
}

func (s *Store) persist(snap *Snapshot) error {
	fc := fileConfig{Daemon: daemonTableFrom(snap.Daemon)}
	if len(snap.Domains) > 0 {
		fc.Domains = make(map[string]domainTable, len(snap.Domains))
		for name, rec := range snap.Domains {
			routes := make([]routeTable, 0, len(rec.Routes))
			for _, r := range rec.SortedRoutes() {
				routes = append(routes, routeTable{Path: r.Path, Target: r.Target.String()})
			}
			fc.Domains[Slug(name)] = domainTable{
				Domain:          rec.Name,
				HTTPSEnabled:    rec.HTTPSEnabled,
				Wildcard:        rec.Wildcard,
				CertFingerprint: rec.CertFingerprint,
				Routes:          routes,
			}
		}
	}

	data, err := toml.Marshal(fc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

func daemonTableFrom(d DaemonConfig) daemonTable {
	t := daemonTable{
		HTTPPort:            &d.HTTPPort,
		HTTPSPort:           &d.HTTPSPort,
		DNSPort:             &d.DNSPort,
		LogLevel:            &d.LogLevel,
		RedirectHTTPToHTTPS: &d.RedirectHTTPToHTTPS,
		DrainSeconds:        &d.DrainSeconds,
	}
	if d.RunAs != "" {
		t.RunAs = &d.RunAs
	}
	if d.DebugAddr != "" {
		t.DebugAddr = &d.DebugAddr
	}
	return t
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone()
}

// Find returns the record registered under the exact name.
func (s *Store) Find(name string) (*domain.DomainRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.snap.Domains[domain.NormalizeName(name)]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Insert registers a new domain record and persists the result. One record
// per apex: inserting a name that already exists fails, with a dedicated
// error when only the wildcard flag differs so conflicting exact/wildcard
// registrations are never accepted silently.
func (s *Store) Insert(rec *domain.DomainRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := domain.ValidateName(rec.Name); err != nil {
		return err
	}
	if len(rec.Routes) == 0 {
		return fmt.Errorf("%w: no routes", domain.ErrInvalidRoute)
	}
	if existing, ok := s.snap.Domains[rec.Name]; ok {
		if existing.Wildcard != rec.Wildcard {
			return &domain.DomainError{Name: rec.Name, Op: "insert", Err: domain.ErrWildcardConflict}
		}
		return &domain.DomainError{Name: rec.Name, Op: "insert", Err: domain.ErrAlreadyExists}
	}

	next := s.snap.Clone()
	next.Domains[rec.Name] = rec.Clone()
	if err := s.persist(next); err != nil {
		return err
	}
	s.snap = next
	return nil
}

// Remove unregisters a domain and persists the result, returning the
// removed record.
func (s *Store) Remove(name string) (*domain.DomainRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name = domain.NormalizeName(name)
	rec, ok := s.snap.Domains[name]
	if !ok {
		return nil, &domain.DomainError{Name: name, Op: "remove", Err: domain.ErrNotFound}
	}
	removed := rec.Clone()

	next := s.snap.Clone()
	delete(next.Domains, name)
	if err := s.persist(next); err != nil {
		return nil, err
	}
	s.snap = next
	return removed, nil
}

// AddRoute adds a route to an existing domain and persists the result.
func (s *Store) AddRoute(name string, r domain.Route) error {
	return s.edit(name, "add route", func(rec *domain.DomainRecord) error {
		return rec.AddRoute(r)
	})
}

// RemoveRoute removes a route from an existing domain and persists the
// result.
func (s *Store) RemoveRoute(name, path string) error {
	return s.edit(name, "remove route", func(rec *domain.DomainRecord) error {
		return rec.RemoveRoute(path)
	})
}

// SetCertFingerprint records the fingerprint assigned by the cert engine.
func (s *Store) SetCertFingerprint(name, fingerprint string) error {
	return s.edit(name, "set cert fingerprint", func(rec *domain.DomainRecord) error {
		rec.CertFingerprint = fingerprint
		rec.HTTPSEnabled = true
		return nil
	})
}

func (s *Store) edit(name, op string, edit func(*domain.DomainRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name = domain.NormalizeName(name)
	if _, ok := s.snap.Domains[name]; !ok {
		return &domain.DomainError{Name: name, Op: op, Err: domain.ErrNotFound}
	}
	next := s.snap.Clone()
	if err := edit(next.Domains[name]); err != nil {
		return &domain.DomainError{Name: name, Op: op, Err: err}
	}
	if err := s.persist(next); err != nil {
		return err
	}
	s.snap = next
	return nil
}
