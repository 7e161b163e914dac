// Package router resolves (host, path) pairs against a config snapshot:
// exact domain match with wildcard-ancestor fallback, then longest-prefix
// route matching on segment boundaries.
package router

import (
	"errors"
	"strings"

	"github.com/roxyhq/roxy/internal/config"
	"github.com/roxyhq/roxy/internal/domain"
)

var (
	// ErrNoSuchHost means no registered domain serves the host. Mapped to
	// HTTP 404.
	ErrNoSuchHost = errors.New("host not registered")

	// ErrNoRoute means the domain is registered but no route prefix
	// matches the path. Mapped to HTTP 404.
	ErrNoRoute = errors.New("no route for path")
)

// Resolution is the outcome of a successful route lookup.
type Resolution struct {
	Record        *domain.DomainRecord
	Route         domain.Route
	MatchedPrefix string
	// ResidualPath is the request path with the matched prefix removed,
	// always beginning with "/".
	ResidualPath string
}

// ResolveHost finds the record serving host: the exact registration wins;
// otherwise leading labels are stripped one at a time and the remaining
// suffix is accepted only when registered with wildcard=true. The first
// such ancestor wins.
func ResolveHost(snap *config.Snapshot, host string) (*domain.DomainRecord, bool) {
	host = domain.NormalizeName(host)
	if host == "" {
		return nil, false
	}
	if rec, ok := snap.Find(host); ok {
		return rec, true
	}
	rest := host
	for {
		_, suffix, ok := strings.Cut(rest, ".")
		if !ok {
			return nil, false
		}
		if rec, found := snap.Find(suffix); found {
			if rec.Wildcard {
				return rec, true
			}
			// An exact-only ancestor does not serve deeper names; keep
			// stripping in case a higher wildcard exists.
		}
		rest = suffix
	}
}

// Resolve maps a request to its route. The returned error is ErrNoSuchHost
// or ErrNoRoute; both surface to clients as 404.
func Resolve(snap *config.Snapshot, host, path string) (Resolution, error) {
	rec, ok := ResolveHost(snap, host)
	if !ok {
		return Resolution{}, ErrNoSuchHost
	}
	if path == "" {
		path = "/"
	}
	route, ok := rec.MatchRoute(path)
	if !ok {
		return Resolution{}, ErrNoRoute
	}
	return Resolution{
		Record:        rec,
		Route:         route,
		MatchedPrefix: route.Path,
		ResidualPath:  domain.ResidualPath(route.Path, path),
	}, nil
}
