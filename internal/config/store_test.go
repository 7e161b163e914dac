package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/roxyhq/roxy/internal/domain"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "config.toml"))
}

func mustRecord(t *testing.T, name string, wildcard bool, routes ...domain.Route) *domain.DomainRecord {
	t.Helper()
	if len(routes) == 0 {
		routes = []domain.Route{{Path: "/", Target: domain.Target{Kind: domain.TargetPort, Port: 3000}}}
	}
	return &domain.DomainRecord{Name: name, Wildcard: wildcard, Routes: routes}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	snap, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Daemon != DefaultDaemonConfig() {
		t.Fatalf("got daemon %+v, want defaults", snap.Daemon)
	}
	if len(snap.Domains) != 0 {
		t.Fatalf("expected no domains, got %d", len(snap.Domains))
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	snap := NewSnapshot()
	snap.Daemon.HTTPPort = 8080
	snap.Daemon.HTTPSPort = 8443
	snap.Daemon.DNSPort = 1053
	snap.Daemon.LogLevel = "debug"
	snap.Domains["myapp.roxy"] = &domain.DomainRecord{
		Name:         "myapp.roxy",
		HTTPSEnabled: true,
		Wildcard:     true,
		Routes: []domain.Route{
			{Path: "/", Target: domain.Target{Kind: domain.TargetPort, Port: 3000}},
			{Path: "/api", Target: domain.Target{Kind: domain.TargetHostPort, Host: "backend.lan", Port: 9000}},
			{Path: "/docs", Target: domain.Target{Kind: domain.TargetStaticDir, Dir: "/tmp/www"}},
		},
	}

	if err := s.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Daemon != snap.Daemon {
		t.Fatalf("daemon mismatch: %+v vs %+v", got.Daemon, snap.Daemon)
	}
	if !reflect.DeepEqual(got.Domains, snap.Domains) {
		t.Fatalf("domains mismatch:\n got %+v\nwant %+v", got.Domains["myapp.roxy"], snap.Domains["myapp.roxy"])
	}
}

func TestRegisterUnregisterLeavesFileByteEqual(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	if err := s.Insert(mustRecord(t, "keep.roxy", false)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	before, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if err := s.Insert(mustRecord(t, "temp.roxy", false)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := s.Remove("temp.roxy"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	after, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(before) != string(after) {
		t.Fatalf("config not byte-equal after register+unregister:\nbefore:\n%s\nafter:\n%s", before, after)
	}
}

func TestInsertDuplicateAndWildcardConflict(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	if err := s.Insert(mustRecord(t, "myapp.roxy", false)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(mustRecord(t, "myapp.roxy", false)); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := s.Insert(mustRecord(t, "myapp.roxy", true)); !errors.Is(err, domain.ErrWildcardConflict) {
		t.Fatalf("expected ErrWildcardConflict, got %v", err)
	}
}

func TestInsertRejectsInvalidName(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	if err := s.Insert(mustRecord(t, "bad_name.roxy", false)); !errors.Is(err, domain.ErrInvalidDomain) {
		t.Fatalf("expected ErrInvalidDomain, got %v", err)
	}
}

func TestRouteEdits(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	if err := s.Insert(mustRecord(t, "app.roxy", false)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	api := domain.Route{Path: "/api", Target: domain.Target{Kind: domain.TargetPort, Port: 3001}}
	if err := s.AddRoute("app.roxy", api); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}
	if err := s.AddRoute("app.roxy", api); !errors.Is(err, domain.ErrDuplicateRoute) {
		t.Fatalf("expected ErrDuplicateRoute, got %v", err)
	}
	if err := s.RemoveRoute("app.roxy", "/api"); err != nil {
		t.Fatalf("RemoveRoute: %v", err)
	}
	if err := s.RemoveRoute("app.roxy", "/"); !errors.Is(err, domain.ErrLastRoute) {
		t.Fatalf("expected ErrLastRoute, got %v", err)
	}
	if err := s.AddRoute("ghost.roxy", api); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadRejectsPortCollision(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	data := "[daemon]\nhttp_port = 8080\nhttps_port = 8080\ndns_port = 1053\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(path).Load(); !errors.Is(err, domain.ErrPortsCollide) {
		t.Fatalf("expected ErrPortsCollide, got %v", err)
	}
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[daemon\nhttp_port="), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(path).Load(); !errors.Is(err, ErrConfigParse) {
		t.Fatalf("expected ErrConfigParse, got %v", err)
	}
}

func TestLoadRejectsDuplicateRouteInFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[domains.app-roxy]
domain = "app.roxy"
routes = [{ path = "/", target = "3000" }, { path = "/", target = "3001" }]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(path).Load(); !errors.Is(err, domain.ErrDuplicateRoute) {
		t.Fatalf("expected ErrDuplicateRoute, got %v", err)
	}
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[daemon]\nlog_level = \"verbose\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(path).Load(); !errors.Is(err, ErrConfigParse) {
		t.Fatalf("expected ErrConfigParse, got %v", err)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	if err := s.Insert(mustRecord(t, "app.roxy", false)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	snap := s.Snapshot()
	snap.Domains["app.roxy"].Routes[0].Target.Port = 9
	again := s.Snapshot()
	if again.Domains["app.roxy"].Routes[0].Target.Port != 3000 {
		t.Fatal("snapshot mutation leaked into store")
	}
}

func TestSetCertFingerprint(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	if err := s.Insert(mustRecord(t, "app.roxy", false)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.SetCertFingerprint("app.roxy", "ab:cd"); err != nil {
		t.Fatalf("SetCertFingerprint: %v", err)
	}
	rec, ok := s.Find("app.roxy")
	if !ok {
		t.Fatal("record lost")
	}
	if rec.CertFingerprint != "ab:cd" || !rec.HTTPSEnabled {
		t.Fatalf("got %+v", rec)
	}
}

func TestSlug(t *testing.T) {
	t.Parallel()

	if got := Slug("api.myapp.roxy"); got != "api-myapp-roxy" {
		t.Fatalf("Slug = %q", got)
	}
}
