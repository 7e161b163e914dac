package daemon

import (
	"os"
	"reflect"

	"github.com/roxyhq/roxy/internal/config"
	roxylog "github.com/roxyhq/roxy/internal/log"
)

// Reload re-reads the config file and atomically swaps the published
// snapshot. The operation is transactional: any parse or validation error
// leaves the old snapshot in force. Port changes are refused; they require
// a restart.
func (d *Daemon) Reload() {
	d.state.Store(int32(StateReloading))
	defer d.state.Store(int32(StateRunning))

	old := d.Snapshot()
	next, err := d.store.Load()
	if err != nil {
		d.metrics.ReloadsTotal.WithLabelValues("error").Inc()
		d.log.Error("config reload failed, keeping previous snapshot", "err", err)
		return
	}

	if next.Daemon.HTTPPort != old.Daemon.HTTPPort ||
		next.Daemon.HTTPSPort != old.Daemon.HTTPSPort ||
		next.Daemon.DNSPort != old.Daemon.DNSPort {
		d.metrics.ReloadsTotal.WithLabelValues("refused").Inc()
		d.log.Error("config reload refused: listener ports changed, restart required",
			"old_http", old.Daemon.HTTPPort, "new_http", next.Daemon.HTTPPort,
			"old_https", old.Daemon.HTTPSPort, "new_https", next.Daemon.HTTPSPort,
			"old_dns", old.Daemon.DNSPort, "new_dns", next.Daemon.DNSPort)
		return
	}

	added, removed, changed := diffDomains(old, next)

	// Mint certificates for new domains before they go live so the first
	// SNI hit never pays keygen latency.
	for _, name := range added {
		rec := next.Domains[name]
		fingerprint, err := d.certs.Ensure(rec)
		if err != nil {
			d.log.Error("failed to mint certificate for new domain", "domain", name, "err", err)
			continue
		}
		rec.CertFingerprint = fingerprint
	}

	d.snapshot.Store(next)

	for _, name := range removed {
		if err := d.certs.Evict(name); err != nil {
			d.log.Warn("failed to evict certificate", "domain", name, "err", err)
		}
	}

	// ROXY_LOG still wins over the config level after a reload.
	if os.Getenv("ROXY_LOG") == "" {
		d.level.Set(roxylog.Level(next.Daemon.LogLevel))
	}

	d.metrics.ReloadsTotal.WithLabelValues("ok").Inc()
	d.log.Info("config reloaded",
		"added", len(added),
		"removed", len(removed),
		"changed", len(changed),
		"domains", len(next.Domains))
}

// diffDomains computes the names added, removed, and changed between two
// snapshots. Route or flag edits on a surviving domain count as changed;
// they need no certificate action.
func diffDomains(old, next *config.Snapshot) (added, removed, changed []string) {
	for _, name := range next.Names() {
		prev, ok := old.Domains[name]
		if !ok {
			added = append(added, name)
			continue
		}
		if !reflect.DeepEqual(prev, next.Domains[name]) {
			changed = append(changed, name)
		}
	}
	for _, name := range old.Names() {
		if _, ok := next.Domains[name]; !ok {
			removed = append(removed, name)
		}
	}
	return added, removed, changed
}
