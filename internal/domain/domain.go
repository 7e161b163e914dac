// Package domain defines the core data types shared across the roxy
// config store, router, certificate engine, and proxy layers.
package domain

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Zone is the reserved top-level label served by roxy.
const Zone = "roxy"

// ZoneSuffix is the dot-prefixed zone every registered name must end with.
const ZoneSuffix = "." + Zone

var nameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)*\.roxy$`)

// DomainRecord is a registered domain plus its ordered route set. The
// canonical lowercase FQDN (ending in ".roxy") is the record's identity.
type DomainRecord struct {
	Name            string
	HTTPSEnabled    bool
	Wildcard        bool
	Routes          []Route
	CertFingerprint string
}

// Route binds a URL path prefix to a target.
type Route struct {
	Path   string
	Target Target
}

// NormalizeName canonicalizes a host or domain name: lowercase, trimmed,
// port and trailing dot stripped.
func NormalizeName(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host, "]") {
		if isDigits(host[i+1:]) {
			host = host[:i]
		}
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// ValidateName checks that name is a canonical roxy domain name: lowercase
// letters, digits, and hyphens in dot-separated labels, each label at most
// 63 bytes, the whole name at most 253 bytes, ending in ".roxy".
func ValidateName(name string) error {
	if len(name) > 253 {
		return fmt.Errorf("%w: %q exceeds 253 bytes", ErrInvalidDomain, name)
	}
	if !strings.HasSuffix(name, ZoneSuffix) {
		return fmt.Errorf("%w: %q must end with %s", ErrInvalidDomain, name, ZoneSuffix)
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidDomain, name)
	}
	for _, label := range strings.Split(name, ".") {
		if len(label) > 63 {
			return fmt.Errorf("%w: label %q exceeds 63 bytes", ErrInvalidDomain, label)
		}
	}
	return nil
}

// NormalizePath validates and canonicalizes a route path prefix. The result
// begins with "/", contains no "." or ".." segments and no repeated slashes,
// and carries no trailing slash except for the root prefix itself.
func NormalizePath(p string) (string, error) {
	if p == "" || p[0] != '/' {
		return "", fmt.Errorf("%w: path prefix %q must begin with /", ErrInvalidRoute, p)
	}
	if p == "/" {
		return p, nil
	}
	trimmed := strings.TrimSuffix(p, "/")
	for _, seg := range strings.Split(trimmed[1:], "/") {
		switch seg {
		case "":
			return "", fmt.Errorf("%w: path prefix %q has repeated slashes", ErrInvalidRoute, p)
		case ".", "..":
			return "", fmt.Errorf("%w: path prefix %q has dot segments", ErrInvalidRoute, p)
		}
	}
	return trimmed, nil
}

// FindRoute returns the route with the given path prefix, if any.
func (d *DomainRecord) FindRoute(path string) (Route, bool) {
	for _, r := range d.Routes {
		if r.Path == path {
			return r, true
		}
	}
	return Route{}, false
}

// AddRoute appends a route, enforcing path uniqueness within the record.
func (d *DomainRecord) AddRoute(r Route) error {
	if _, ok := d.FindRoute(r.Path); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRoute, r.Path)
	}
	d.Routes = append(d.Routes, r)
	return nil
}

// RemoveRoute removes the route with the given path prefix. Removing the
// last remaining route is refused; the domain should be unregistered
// instead.
func (d *DomainRecord) RemoveRoute(path string) error {
	if len(d.Routes) == 1 && d.Routes[0].Path == path {
		return ErrLastRoute
	}
	for i, r := range d.Routes {
		if r.Path == path {
			d.Routes = append(d.Routes[:i], d.Routes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRouteNotFound, path)
}

// MatchRoute selects the route whose path prefix is the longest match for
// the request path under segment boundaries: the path equals the prefix or
// continues with "/" right after it. The root prefix matches everything.
func (d *DomainRecord) MatchRoute(reqPath string) (Route, bool) {
	best := -1
	for i, r := range d.Routes {
		if !prefixMatches(r.Path, reqPath) {
			continue
		}
		if best < 0 || len(r.Path) > len(d.Routes[best].Path) {
			best = i
		}
	}
	if best < 0 {
		return Route{}, false
	}
	return d.Routes[best], true
}

// SANs returns the subject alternative names a leaf certificate for this
// record must carry.
func (d *DomainRecord) SANs() []string {
	if d.Wildcard {
		return []string{d.Name, "*." + d.Name}
	}
	return []string{d.Name}
}

// Clone returns a deep copy so snapshots stay immutable across reloads.
func (d *DomainRecord) Clone() *DomainRecord {
	c := *d
	c.Routes = make([]Route, len(d.Routes))
	copy(c.Routes, d.Routes)
	return &c
}

// SortedRoutes returns the routes ordered by path for deterministic
// persistence.
func (d *DomainRecord) SortedRoutes() []Route {
	out := make([]Route, len(d.Routes))
	copy(out, d.Routes)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func prefixMatches(prefix, path string) bool {
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// ResidualPath strips the matched prefix from the request path, preserving
// the leading slash. An empty remainder becomes "/".
func ResidualPath(matchedPrefix, path string) string {
	if matchedPrefix == "/" {
		return path
	}
	rest := path[len(matchedPrefix):]
	if rest == "" {
		return "/"
	}
	return rest
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
