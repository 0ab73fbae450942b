package testutil

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"software.sslmate.com/src/go-pkcs12"

	"fazendabrasil/gonfpe/internal/core/secret"
)

// CertificateOptions shape a generated test certificate.
type CertificateOptions struct {
	NotBefore time.Time
	NotAfter  time.Time
	KeyBits   int
}

// NewPFX generates a self-signed e-CNPJ-like certificate and packs it in a
// PKCS#12 container protected by password.
func NewPFX(t testing.TB, password string, opts CertificateOptions) []byte {
	t.Helper()
	if opts.KeyBits == 0 {
		opts.KeyBits = 2048
	}
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = time.Now().Add(365 * 24 * time.Hour)
	}

	key, err := rsa.GenerateKey(rand.Reader, opts.KeyBits)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:   "FAZENDA BOA ESPERANCA LTDA:12345678000195",
			Organization: []string{"ICP-Brasil"},
			Country:      []string{"BR"},
		},
		NotBefore:   opts.NotBefore,
		NotAfter:    opts.NotAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	pfx, err := pkcs12.Modern.Encode(key, cert, nil, password)
	if err != nil {
		t.Fatalf("encode pfx: %v", err)
	}
	return pfx
}

// WritePFX writes a generated container to a temp dir and returns its path.
func WritePFX(t testing.TB, password string, opts CertificateOptions) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "certificado.pfx")
	if err := os.WriteFile(path, NewPFX(t, password, opts), 0o600); err != nil {
		t.Fatalf("write pfx: %v", err)
	}
	return path
}

// StaticSecrets is an in-memory secret.Store.
type StaticSecrets map[string]string

// Get returns the named value or an error wrapping secret.ErrNotFound.
func (s StaticSecrets) Get(_ context.Context, name string) (string, error) {
	if v, ok := s[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", secret.ErrNotFound, name)
}
