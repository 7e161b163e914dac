package certs

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/roxyhq/roxy/internal/domain"
)

// Lookup resolves a normalized host name to its owning record: the exact
// registration, or the one-level wildcard ancestor. The supervisor wires
// this to the current config snapshot.
type Lookup func(host string) (*domain.DomainRecord, bool)

// Engine owns issued leaf certificates: an on-disk store plus an in-memory
// cache keyed by lowercased record name, loaded lazily on first SNI hit.
type Engine struct {
	dir    string
	ca     *CAMaterial
	lookup Lookup
	log    *slog.Logger

	mu       sync.Mutex
	cache    map[string]*Leaf
	inflight map[string]chan struct{}
}

// NewEngine creates an engine serving certificates from dir, signing with
// ca, and resolving SNI hosts to records via lookup.
func NewEngine(dir string, ca *CAMaterial, lookup Lookup, logger *slog.Logger) *Engine {
	return &Engine{
		dir:      dir,
		ca:       ca,
		lookup:   lookup,
		log:      logger,
		cache:    map[string]*Leaf{},
		inflight: map[string]chan struct{}{},
	}
}

// CA exposes the root material (for fingerprint logging and tests).
func (e *Engine) CA() *CAMaterial { return e.ca }

// Ensure mints and persists a leaf for the record when none exists on disk,
// then caches it. Called at register time and when reload introduces a new
// domain. Returns the leaf fingerprint.
func (e *Engine) Ensure(rec *domain.DomainRecord) (string, error) {
	leaf, err := e.obtain(rec)
	if err != nil {
		return "", err
	}
	return leaf.Fingerprint, nil
}

// Evict removes the record's on-disk key/cert pair and drops the cache
// entry. Called at unregister time.
func (e *Engine) Evict(name string) error {
	name = domain.NormalizeName(name)
	e.mu.Lock()
	delete(e.cache, name)
	e.mu.Unlock()
	return RemoveLeaf(e.dir, name)
}

// GetCertificate is the tls.Config.GetCertificate callback. Resolution:
// exact record match on the SNI host, then one stripped label against
// wildcard-enabled records. No SNI or no match fails the handshake, which
// the listener surfaces as an unrecognized_name class alert.
func (e *Engine) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := domain.NormalizeName(hello.ServerName)
	if host == "" {
		return nil, fmt.Errorf("%w: missing SNI", ErrNoCertificate)
	}
	rec, ok := e.lookup(host)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCertificate, host)
	}
	leaf, err := e.obtain(rec)
	if err != nil {
		return nil, err
	}
	return &leaf.Certificate, nil
}

// obtain returns the cached leaf for the record, loading from disk on first
// hit and minting when absent. Concurrent calls for the same name are
// deduplicated: one mints, the rest await its result.
func (e *Engine) obtain(rec *domain.DomainRecord) (*Leaf, error) {
	name := rec.Name
	for {
		e.mu.Lock()
		if leaf, ok := e.cache[name]; ok {
			e.mu.Unlock()
			return leaf, nil
		}
		if wait, busy := e.inflight[name]; busy {
			e.mu.Unlock()
			<-wait
			continue
		}
		done := make(chan struct{})
		e.inflight[name] = done
		e.mu.Unlock()

		leaf, err := e.loadOrMint(rec)

		e.mu.Lock()
		delete(e.inflight, name)
		if err == nil {
			e.cache[name] = leaf
		}
		e.mu.Unlock()
		close(done)
		return leaf, err
	}
}

func (e *Engine) loadOrMint(rec *domain.DomainRecord) (*Leaf, error) {
	if LeafExists(e.dir, rec.Name) {
		leaf, err := LoadLeaf(e.dir, rec.Name)
		if err == nil && sansCover(leaf, rec) {
			return leaf, nil
		}
		if err != nil {
			e.log.Warn("reissuing unreadable leaf certificate", "domain", rec.Name, "err", err)
		} else {
			e.log.Info("reissuing leaf certificate with updated SANs", "domain", rec.Name)
		}
	}

	leaf, err := IssueLeaf(e.ca, rec.Name, rec.SANs())
	if err != nil {
		return nil, err
	}
	if err := SaveLeaf(e.dir, rec.Name, leaf); err != nil {
		return nil, err
	}
	e.log.Info("issued leaf certificate",
		"domain", rec.Name,
		"sans", strings.Join(rec.SANs(), ","),
		"fingerprint", leaf.Fingerprint[:16])
	return leaf, nil
}

func sansCover(leaf *Leaf, rec *domain.DomainRecord) bool {
	have := map[string]bool{}
	for _, san := range leaf.Certificate.Leaf.DNSNames {
		have[san] = true
	}
	for _, want := range rec.SANs() {
		if !have[want] {
			return false
		}
	}
	return true
}

// SnapshotLookup adapts a snapshot-style domain map into a Lookup with the
// exact-then-wildcard-parent resolution used for SNI.
func SnapshotLookup(find func(name string) (*domain.DomainRecord, bool)) Lookup {
	return func(host string) (*domain.DomainRecord, bool) {
		if rec, ok := find(host); ok {
			return rec, true
		}
		if _, rest, ok := strings.Cut(host, "."); ok {
			if rec, ok := find(rest); ok && rec.Wildcard {
				return rec, true
			}
		}
		return nil, false
	}
}
