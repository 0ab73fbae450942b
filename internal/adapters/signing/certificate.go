package signing

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"software.sslmate.com/src/go-pkcs12"

	core "fazendabrasil/gonfpe/internal/core/signing"
)

// Certificate is an A1 certificate decoded from a PFX container.
type Certificate struct {
	Leaf  *x509.Certificate
	Key   *rsa.PrivateKey
	Chain []*x509.Certificate
}

// LoadPFX decodes a password-protected PKCS#12 container.
func LoadPFX(data []byte, password string) (*Certificate, error) {
	key, leaf, chain, err := pkcs12.DecodeChain(data, password)
	if errors.Is(err, pkcs12.ErrIncorrectPassword) {
		return nil, core.ErrCertificatePassword
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCertificateInvalid, err)
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is %T, want RSA", core.ErrCertificateInvalid, key)
	}
	return &Certificate{Leaf: leaf, Key: rsaKey, Chain: chain}, nil
}

// LoadFile reads and decodes the PFX at path.
func LoadFile(path, password string) (*Certificate, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", core.ErrCertificateMissing, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read certificate %s: %w", path, err)
	}
	return LoadPFX(data, password)
}

// CheckValidity fails when now falls outside the validity window.
func (c *Certificate) CheckValidity(now time.Time) error {
	if now.Before(c.Leaf.NotBefore) {
		return fmt.Errorf("%w: valid from %s", core.ErrCertificateNotYetValid, c.Leaf.NotBefore.Format(time.RFC3339))
	}
	if now.After(c.Leaf.NotAfter) {
		return fmt.Errorf("%w: expired at %s", core.ErrCertificateExpired, c.Leaf.NotAfter.Format(time.RFC3339))
	}
	return nil
}

// TLS returns the certificate as a client certificate for mutual TLS.
func (c *Certificate) TLS() *tls.Certificate {
	raw := [][]byte{c.Leaf.Raw}
	for _, ca := range c.Chain {
		raw = append(raw, ca.Raw)
	}
	return &tls.Certificate{Certificate: raw, PrivateKey: c.Key, Leaf: c.Leaf}
}

var deprecatedAlgorithms = map[x509.SignatureAlgorithm]bool{
	x509.MD2WithRSA:    true,
	x509.MD5WithRSA:    true,
	x509.SHA1WithRSA:   true,
	x509.DSAWithSHA1:   true,
	x509.ECDSAWithSHA1: true,
}

// Inspect summarises the certificate and lists the conditions an operator
// should act on before signing stops working.
func (c *Certificate) Inspect(now time.Time, warnWithin time.Duration) core.Report {
	leaf := c.Leaf
	report := core.Report{
		Subject:            leaf.Subject.String(),
		Issuer:             leaf.Issuer.String(),
		SerialNumber:       leaf.SerialNumber.String(),
		NotBefore:          leaf.NotBefore,
		NotAfter:           leaf.NotAfter,
		DaysToExpiry:       int(leaf.NotAfter.Sub(now).Hours() / 24),
		KeySize:            c.Key.N.BitLen(),
		SignatureAlgorithm: leaf.SignatureAlgorithm.String(),
		Valid:              c.CheckValidity(now) == nil,
		Warnings:           []string{},
	}

	switch {
	case now.After(leaf.NotAfter):
		report.Warnings = append(report.Warnings, "certificado expirado")
	case now.Before(leaf.NotBefore):
		report.Warnings = append(report.Warnings, "certificado ainda não é válido")
	case leaf.NotAfter.Sub(now) <= warnWithin:
		report.Warnings = append(report.Warnings, fmt.Sprintf("certificado expira em %d dias", report.DaysToExpiry))
	}
	if report.KeySize < 2048 {
		report.Warnings = append(report.Warnings, fmt.Sprintf("chave RSA de %d bits, mínimo recomendado 2048", report.KeySize))
	}
	if deprecatedAlgorithms[leaf.SignatureAlgorithm] {
		report.Warnings = append(report.Warnings, "algoritmo de assinatura obsoleto: "+report.SignatureAlgorithm)
	}
	return report
}
