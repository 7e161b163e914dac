package certs

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roxyhq/roxy/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func TestInstallCAIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := InstallCA(dir)
	if err != nil {
		t.Fatalf("InstallCA: %v", err)
	}
	second, err := InstallCA(dir)
	if err != nil {
		t.Fatalf("InstallCA (second): %v", err)
	}
	if first.Fingerprint() != second.Fingerprint() {
		t.Fatalf("fingerprints differ: %s vs %s", first.Fingerprint(), second.Fingerprint())
	}
}

func TestInstallCAProperties(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ca, err := InstallCA(dir)
	if err != nil {
		t.Fatalf("InstallCA: %v", err)
	}
	cert := ca.Cert
	if !cert.IsCA {
		t.Error("CA:TRUE not set")
	}
	if !cert.MaxPathLenZero {
		t.Error("pathlen:0 not set")
	}
	if cert.KeyUsage&x509.KeyUsageCertSign == 0 || cert.KeyUsage&x509.KeyUsageCRLSign == 0 {
		t.Errorf("key usage = %v, want keyCertSign+cRLSign", cert.KeyUsage)
	}
	if cert.Subject.CommonName != "Roxy Local Root CA" {
		t.Errorf("CN = %q", cert.Subject.CommonName)
	}
	if cert.NotAfter.Before(time.Now().Add(9 * 365 * 24 * time.Hour)) {
		t.Errorf("validity too short: %s", cert.NotAfter)
	}

	info, err := os.Stat(filepath.Join(dir, "ca.key"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != fs.FileMode(0o600) {
		t.Errorf("ca.key mode = %v, want 0600", info.Mode().Perm())
	}
	info, err = os.Stat(filepath.Join(dir, "ca.crt"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != fs.FileMode(0o644) {
		t.Errorf("ca.crt mode = %v, want 0644", info.Mode().Perm())
	}
}

func TestLoadCARejectsGarbage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ca.key"), []byte("not pem"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ca.crt"), []byte("not pem"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCA(dir); !errors.Is(err, ErrCorruptMaterial) {
		t.Fatalf("expected ErrCorruptMaterial, got %v", err)
	}
}

func TestLoadCAMissing(t *testing.T) {
	t.Parallel()

	if _, err := LoadCA(t.TempDir()); !errors.Is(err, ErrCorruptMaterial) {
		t.Fatalf("expected ErrCorruptMaterial for missing material, got %v", err)
	}
}

func TestIssueLeafSANs(t *testing.T) {
	t.Parallel()

	ca, err := InstallCA(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := IssueLeaf(ca, "myapp.roxy", []string{"myapp.roxy", "*.myapp.roxy"})
	if err != nil {
		t.Fatalf("IssueLeaf: %v", err)
	}
	cert := leaf.Certificate.Leaf
	if cert.Subject.CommonName != "myapp.roxy" {
		t.Errorf("CN = %q", cert.Subject.CommonName)
	}
	if len(cert.DNSNames) != 2 || cert.DNSNames[0] != "myapp.roxy" || cert.DNSNames[1] != "*.myapp.roxy" {
		t.Errorf("SANs = %v", cert.DNSNames)
	}
	if cert.KeyUsage != x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment {
		t.Errorf("key usage = %v", cert.KeyUsage)
	}
	if len(cert.ExtKeyUsage) != 1 || cert.ExtKeyUsage[0] != x509.ExtKeyUsageServerAuth {
		t.Errorf("EKU = %v", cert.ExtKeyUsage)
	}
	if cert.NotAfter.After(ca.Cert.NotAfter) {
		t.Error("leaf outlives root")
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)
	if _, err := cert.Verify(x509.VerifyOptions{Roots: pool, DNSName: "sub.myapp.roxy"}); err != nil {
		t.Errorf("wildcard verification failed: %v", err)
	}
}

func TestSaveLoadRemoveLeaf(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ca, err := InstallCA(dir)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := IssueLeaf(ca, "docs.roxy", []string{"docs.roxy"})
	if err != nil {
		t.Fatal(err)
	}
	if err := SaveLeaf(dir, "docs.roxy", leaf); err != nil {
		t.Fatalf("SaveLeaf: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "docs.roxy.key"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != fs.FileMode(0o600) {
		t.Errorf("leaf key mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := LoadLeaf(dir, "docs.roxy")
	if err != nil {
		t.Fatalf("LoadLeaf: %v", err)
	}
	if loaded.Fingerprint != leaf.Fingerprint {
		t.Error("fingerprint changed across save/load")
	}

	if err := RemoveLeaf(dir, "docs.roxy"); err != nil {
		t.Fatalf("RemoveLeaf: %v", err)
	}
	if LeafExists(dir, "docs.roxy") {
		t.Error("leaf files survive RemoveLeaf")
	}
	if err := RemoveLeaf(dir, "docs.roxy"); err != nil {
		t.Errorf("RemoveLeaf on missing files: %v", err)
	}
}

func testEngine(t *testing.T, domains map[string]*domain.DomainRecord) *Engine {
	t.Helper()
	dir := t.TempDir()
	ca, err := InstallCA(dir)
	if err != nil {
		t.Fatal(err)
	}
	lookup := SnapshotLookup(func(name string) (*domain.DomainRecord, bool) {
		rec, ok := domains[name]
		return rec, ok
	})
	return NewEngine(dir, ca, lookup, discardLogger())
}

func TestEngineSNIExactMatch(t *testing.T) {
	t.Parallel()

	e := testEngine(t, map[string]*domain.DomainRecord{
		"myapp.roxy": {Name: "myapp.roxy"},
	})
	cert, err := e.GetCertificate(&tls.ClientHelloInfo{ServerName: "myapp.roxy"})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if cert.Leaf.DNSNames[0] != "myapp.roxy" {
		t.Errorf("SANs = %v", cert.Leaf.DNSNames)
	}
}

func TestEngineSNIWildcardFallback(t *testing.T) {
	t.Parallel()

	e := testEngine(t, map[string]*domain.DomainRecord{
		"myapp.roxy": {Name: "myapp.roxy", Wildcard: true},
	})
	cert, err := e.GetCertificate(&tls.ClientHelloInfo{ServerName: "tenant-a.myapp.roxy"})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	want := []string{"myapp.roxy", "*.myapp.roxy"}
	if len(cert.Leaf.DNSNames) != 2 || cert.Leaf.DNSNames[0] != want[0] || cert.Leaf.DNSNames[1] != want[1] {
		t.Errorf("SANs = %v, want %v", cert.Leaf.DNSNames, want)
	}
}

func TestEngineSNIRejections(t *testing.T) {
	t.Parallel()

	e := testEngine(t, map[string]*domain.DomainRecord{
		"exact.roxy": {Name: "exact.roxy"}, // not wildcard
	})
	if _, err := e.GetCertificate(&tls.ClientHelloInfo{}); !errors.Is(err, ErrNoCertificate) {
		t.Errorf("missing SNI: %v", err)
	}
	if _, err := e.GetCertificate(&tls.ClientHelloInfo{ServerName: "ghost.roxy"}); !errors.Is(err, ErrNoCertificate) {
		t.Errorf("unknown host: %v", err)
	}
	if _, err := e.GetCertificate(&tls.ClientHelloInfo{ServerName: "sub.exact.roxy"}); !errors.Is(err, ErrNoCertificate) {
		t.Errorf("non-wildcard subdomain: %v", err)
	}
	// Wildcard fallback strips one label only.
	e2 := testEngine(t, map[string]*domain.DomainRecord{
		"w.roxy": {Name: "w.roxy", Wildcard: true},
	})
	if _, err := e2.GetCertificate(&tls.ClientHelloInfo{ServerName: "a.b.w.roxy"}); !errors.Is(err, ErrNoCertificate) {
		t.Errorf("two-label wildcard fallback should fail: %v", err)
	}
}

func TestEngineEnsureAndEvict(t *testing.T) {
	t.Parallel()

	rec := &domain.DomainRecord{Name: "app.roxy"}
	e := testEngine(t, map[string]*domain.DomainRecord{"app.roxy": rec})

	fp, err := e.Ensure(rec)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if fp == "" {
		t.Fatal("empty fingerprint")
	}
	if !LeafExists(e.dir, "app.roxy") {
		t.Fatal("leaf not persisted")
	}
	// Second Ensure reuses the cached leaf.
	fp2, err := e.Ensure(rec)
	if err != nil {
		t.Fatalf("Ensure (second): %v", err)
	}
	if fp2 != fp {
		t.Error("Ensure minted a new certificate for a cached record")
	}

	if err := e.Evict("app.roxy"); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if LeafExists(e.dir, "app.roxy") {
		t.Error("leaf files survive Evict")
	}
}

func TestEngineConcurrentSNISingleMint(t *testing.T) {
	t.Parallel()

	rec := &domain.DomainRecord{Name: "race.roxy"}
	e := testEngine(t, map[string]*domain.DomainRecord{"race.roxy": rec})

	const n = 16
	fps := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cert, err := e.GetCertificate(&tls.ClientHelloInfo{ServerName: "race.roxy"})
			if err != nil {
				t.Errorf("GetCertificate: %v", err)
				return
			}
			fps[i] = certFingerprint(cert)
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if fps[i] != fps[0] {
			t.Fatalf("racing handshakes got different certificates: %s vs %s", fps[i], fps[0])
		}
	}
}

func certFingerprint(cert *tls.Certificate) string {
	leaf, _ := x509.ParseCertificate(cert.Certificate[0])
	return leaf.SerialNumber.String()
}

func TestEngineReissuesWhenSANsWiden(t *testing.T) {
	t.Parallel()

	rec := &domain.DomainRecord{Name: "grow.roxy"}
	e := testEngine(t, map[string]*domain.DomainRecord{"grow.roxy": rec})
	if _, err := e.Ensure(rec); err != nil {
		t.Fatal(err)
	}

	// Simulate the record turning wildcard across a restart: fresh engine,
	// widened SAN requirement.
	wild := &domain.DomainRecord{Name: "grow.roxy", Wildcard: true}
	e2 := NewEngine(e.dir, e.ca, SnapshotLookup(func(name string) (*domain.DomainRecord, bool) {
		if name == "grow.roxy" {
			return wild, true
		}
		return nil, false
	}), discardLogger())

	cert, err := e2.GetCertificate(&tls.ClientHelloInfo{ServerName: "grow.roxy"})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	found := false
	for _, san := range cert.Leaf.DNSNames {
		if san == "*.grow.roxy" {
			found = true
		}
	}
	if !found {
		t.Errorf("reissued cert lacks wildcard SAN: %v", cert.Leaf.DNSNames)
	}
}
