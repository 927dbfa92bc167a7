package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// generateTestCert writes a self-signed certificate for domain, expiring
// in validFor, under dir/domain/{fullchain,privkey}.pem.
func generateTestCert(t *testing.T, dir, domain string, validFor time.Duration) {
	t.Helper()

	certPEM, keyPEM := selfSignedPEMPair(t, domain, validFor)

	domainDir := filepath.Join(dir, domain)
	if err := os.MkdirAll(domainDir, 0o755); err != nil {
		t.Fatalf("creating domain dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(domainDir, "fullchain.pem"), certPEM, 0o644); err != nil {
		t.Fatalf("writing fullchain: %v", err)
	}
	if err := os.WriteFile(filepath.Join(domainDir, "privkey.pem"), keyPEM, 0o600); err != nil {
		t.Fatalf("writing privkey: %v", err)
	}
}

func TestCertInfoIsExpired(t *testing.T) {
	info := Info{Domain: "example.com", NotAfter: time.Now().Add(-24 * time.Hour)}
	if !info.IsExpired() {
		t.Error("expected an already-past NotAfter to be expired")
	}
}

func TestCertInfoNotExpired(t *testing.T) {
	info := Info{Domain: "example.com", NotAfter: time.Now().Add(60 * 24 * time.Hour)}
	if info.IsExpired() {
		t.Error("expected a future NotAfter to not be expired")
	}
}

func TestCertInfoNeedsRenewal(t *testing.T) {
	info := Info{Domain: "example.com", NotAfter: time.Now().Add(20 * 24 * time.Hour)}
	if !info.NeedsRenewal() {
		t.Error("expected a cert expiring in 20 days to need renewal")
	}
}

func TestCertInfoSelfSignedNeverNeedsRenewal(t *testing.T) {
	info := Info{Domain: "dev.local", NotAfter: time.Now().Add(time.Hour), IsSelfSigned: true}
	if info.NeedsRenewal() {
		t.Error("expected a self-signed cert to never need ACME renewal")
	}
}

func TestCertManagerInit(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	if err := m.Init(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAddAndGetCert(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	m.Add(Info{Domain: "example.com", NotAfter: time.Now().Add(90 * 24 * time.Hour)})

	info, ok := m.Get("example.com")
	if !ok {
		t.Fatal("expected to find the added cert")
	}
	if info.Domain != "example.com" {
		t.Errorf("unexpected domain: %s", info.Domain)
	}
}

func TestWildcardFallback(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	m.Add(Info{Domain: "*.example.com", IsWildcard: true, NotAfter: time.Now().Add(90 * 24 * time.Hour)})

	info, ok := m.GetForHost("api.example.com")
	if !ok {
		t.Fatal("expected wildcard fallback to match")
	}
	if info.Domain != "*.example.com" {
		t.Errorf("unexpected domain: %s", info.Domain)
	}

	if _, ok := m.GetForHost("other.com"); ok {
		t.Error("expected no match for an unrelated domain")
	}
}

func TestLoadAllFromDisk(t *testing.T) {
	dir := t.TempDir()
	generateTestCert(t, dir, "example.com", 90*24*time.Hour)

	m := NewManager(dir)
	if err := m.Init(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	info, ok := m.Get("example.com")
	if !ok {
		t.Fatal("expected the on-disk cert to be loaded")
	}
	if !info.IsSelfSigned {
		t.Error("expected a self-signed certificate (same issuer/subject)")
	}
	if info.NotAfter.IsZero() {
		t.Error("expected NotAfter to be parsed from the certificate")
	}
}

func TestWriteCertificate(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	certPEM, keyPEM := selfSignedPEMPair(t, "api.example.com", 90*24*time.Hour)

	info, err := m.WriteCertificate("api.example.com", certPEM, keyPEM, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.IsSelfSigned {
		t.Error("expected IsSelfSigned to reflect the passed flag, not cert introspection")
	}

	got, ok := m.Get("api.example.com")
	if !ok {
		t.Fatal("expected WriteCertificate to register the cert")
	}
	if got.CertPath == "" || got.KeyPath == "" {
		t.Error("expected cert/key paths to be populated")
	}
}

func selfSignedPEMPair(t *testing.T, domain string, validFor time.Duration) ([]byte, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: domain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validFor),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	return certPEM, keyPEM
}
