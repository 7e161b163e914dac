// Package certs implements roxy's local certificate authority: root CA
// bootstrap, per-domain leaf issuance, and the SNI-keyed certificate cache
// consumed by the TLS listener.
package certs

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// Sentinel errors for certificate failures. Callers match with [errors.Is].
var (
	// ErrCryptoGen indicates key generation or signing failed.
	ErrCryptoGen = errors.New("certificate generation failed")

	// ErrIoPersist indicates certificate material could not be written or
	// removed on disk.
	ErrIoPersist = errors.New("certificate persistence failed")

	// ErrCorruptMaterial indicates on-disk PEM material did not parse or
	// fails basic CA checks.
	ErrCorruptMaterial = errors.New("corrupt certificate material")

	// ErrExpired indicates the root CA certificate is past its validity.
	ErrExpired = errors.New("certificate expired")

	// ErrNoCertificate means no certificate could be resolved for the SNI
	// host; the listener answers with an unrecognized_name class alert.
	ErrNoCertificate = errors.New("no certificate for host")
)

const (
	caCommonName   = "Roxy Local Root CA"
	caOrganization = "Roxy Local Development"

	caValidity      = 10 * 365 * 24 * time.Hour
	leafMaxValidity = 825 * 24 * time.Hour

	caKeyFile  = "ca.key"
	caCertFile = "ca.crt"
)

// CAMaterial is the root key/certificate pair persisted once per
// installation.
type CAMaterial struct {
	Key  ed25519.PrivateKey
	Cert *x509.Certificate
}

// Fingerprint returns the hex SHA-256 of the CA certificate DER.
func (ca *CAMaterial) Fingerprint() string {
	sum := sha256.Sum256(ca.Cert.Raw)
	return hex.EncodeToString(sum[:])
}

// InstallCA loads the root CA from dir, generating and persisting a fresh
// one when absent. The operation is idempotent: a second run returns the
// same material. Present-but-unusable material is reported, never silently
// replaced.
func InstallCA(dir string) (*CAMaterial, error) {
	keyPath := filepath.Join(dir, caKeyFile)
	certPath := filepath.Join(dir, caCertFile)

	if fileExists(keyPath) && fileExists(certPath) {
		return loadCA(keyPath, certPath)
	}
	return generateCA(dir, keyPath, certPath)
}

// LoadCA loads and verifies existing root material without generating.
func LoadCA(dir string) (*CAMaterial, error) {
	keyPath := filepath.Join(dir, caKeyFile)
	certPath := filepath.Join(dir, caCertFile)
	if !fileExists(keyPath) || !fileExists(certPath) {
		return nil, fmt.Errorf("%w: root CA material missing in %s", ErrCorruptMaterial, dir)
	}
	return loadCA(keyPath, certPath)
}

func generateCA(dir, keyPath, certPath string) (*CAMaterial, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoGen, err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoGen, err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   caCommonName,
			Organization: []string{caOrganization},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoGen, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoGen, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIoPersist, err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoGen, err)
	}
	if err := writePEM(keyPath, "PRIVATE KEY", keyDER, 0o600); err != nil {
		return nil, err
	}
	if err := writePEM(certPath, "CERTIFICATE", der, 0o644); err != nil {
		return nil, err
	}
	return &CAMaterial{Key: priv, Cert: cert}, nil
}

func loadCA(keyPath, certPath string) (*CAMaterial, error) {
	keyDER, err := readPEM(keyPath, "PRIVATE KEY")
	if err != nil {
		return nil, err
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(keyDER)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptMaterial, keyPath, err)
	}
	key, ok := keyAny.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s: unexpected key type %T", ErrCorruptMaterial, keyPath, keyAny)
	}

	certDER, err := readPEM(certPath, "CERTIFICATE")
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptMaterial, certPath, err)
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("%w: %s is not a CA certificate", ErrCorruptMaterial, certPath)
	}
	if time.Now().After(cert.NotAfter) {
		return nil, fmt.Errorf("%w: root CA expired %s", ErrExpired, cert.NotAfter.Format(time.RFC3339))
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok || !pub.Equal(key.Public()) {
		return nil, fmt.Errorf("%w: CA key does not match certificate", ErrCorruptMaterial)
	}
	return &CAMaterial{Key: key, Cert: cert}, nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIoPersist, path, err)
	}
	// WriteFile does not change the mode of an existing file.
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIoPersist, path, err)
	}
	return nil
}

func pemEncode(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}

func readPEM(path, blockType string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptMaterial, path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != blockType {
		return nil, fmt.Errorf("%w: %s: no %s block", ErrCorruptMaterial, path, blockType)
	}
	return block.Bytes, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
