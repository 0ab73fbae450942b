// Package signing describes XML digital signatures over NFP-e documents and
// the A1 certificates that produce them.
package signing

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"fazendabrasil/gonfpe/internal/core/nfpe"
)

var (
	ErrCertificateExpired     = errors.New("signing: certificate expired")
	ErrCertificateNotYetValid = errors.New("signing: certificate not yet valid")
	ErrCertificatePassword    = errors.New("signing: wrong certificate password")
	ErrCertificateMissing     = errors.New("signing: certificate not found")
	ErrCertificateInvalid     = errors.New("signing: unusable certificate")
	ErrSignatureInvalid       = errors.New("signing: signature does not verify")
)

// IsCertificateError reports whether err is one of the certificate
// failures. They are fatal for signing and never retried.
func IsCertificateError(err error) bool {
	return errors.Is(err, ErrCertificateExpired) ||
		errors.Is(err, ErrCertificateNotYetValid) ||
		errors.Is(err, ErrCertificatePassword) ||
		errors.Is(err, ErrCertificateMissing) ||
		errors.Is(err, ErrCertificateInvalid)
}

// Report is the inspection summary of a certificate.
type Report struct {
	Subject            string    `json:"titular"`
	Issuer             string    `json:"emissor"`
	SerialNumber       string    `json:"numero_serie"`
	NotBefore          time.Time `json:"valido_de"`
	NotAfter           time.Time `json:"valido_ate"`
	DaysToExpiry       int       `json:"dias_para_expirar"`
	KeySize            int       `json:"tamanho_chave"`
	SignatureAlgorithm string    `json:"algoritmo_assinatura"`
	Valid              bool      `json:"valido"`
	Warnings           []string  `json:"alertas"`
}

// Signer signs documents on behalf of a farm, resolving its certificate.
type Signer interface {
	// SignDocument signs the infNFe element of an NFe document.
	SignDocument(ctx context.Context, farm nfpe.Farm, xml []byte) ([]byte, error)
	// SignBatch signs the enviNFe wrapper as a whole.
	SignBatch(ctx context.Context, farm nfpe.Farm, xml []byte) ([]byte, error)
	// SignEvent signs the infEvento element of an evento document.
	SignEvent(ctx context.Context, farm nfpe.Farm, xml []byte) ([]byte, error)
	// ClientCertificate returns the farm's certificate for mutual TLS.
	ClientCertificate(ctx context.Context, farm nfpe.Farm) (*tls.Certificate, error)
	// Inspect reports validity details and warnings for the farm certificate.
	Inspect(ctx context.Context, farm nfpe.Farm) (Report, error)
}
