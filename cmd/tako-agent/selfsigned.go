package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/tako-run/tako/internal/certs"
)

// selfSignedFallbackDomain is the SNI name a TLS handshake for an
// unrecognized host falls back to, so the HTTPS listener always has
// something to present instead of refusing the handshake outright.
const selfSignedFallbackDomain = "tako-fallback.local"

// bootstrapSelfSignedCert writes a self-signed cert/key pair for
// selfSignedFallbackDomain into certMgr if one isn't already registered,
// so the HTTPS listener can start before any real certificate (ACME or
// otherwise) has been issued.
func bootstrapSelfSignedCert(certMgr *certs.Manager) (certs.Info, error) {
	if info, ok := certMgr.Get(selfSignedFallbackDomain); ok {
		return info, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return certs.Info{}, fmt.Errorf("generating fallback key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return certs.Info{}, fmt.Errorf("generating serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: selfSignedFallbackDomain},
		DNSNames:              []string{selfSignedFallbackDomain},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return certs.Info{}, fmt.Errorf("creating fallback certificate: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return certs.Info{}, fmt.Errorf("marshaling fallback key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return certMgr.WriteCertificate(selfSignedFallbackDomain, certPEM, keyPEM, true)
}
