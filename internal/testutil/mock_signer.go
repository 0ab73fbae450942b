package testutil

import (
	"context"
	"crypto/tls"

	"fazendabrasil/gonfpe/internal/core/nfpe"
	"fazendabrasil/gonfpe/internal/core/signing"
)

// MockSigner is a function-field implementation of signing.Signer. Unset
// functions return the input unchanged.
type MockSigner struct {
	SignDocumentFunc      func(ctx context.Context, farm nfpe.Farm, xml []byte) ([]byte, error)
	SignBatchFunc         func(ctx context.Context, farm nfpe.Farm, xml []byte) ([]byte, error)
	SignEventFunc         func(ctx context.Context, farm nfpe.Farm, xml []byte) ([]byte, error)
	ClientCertificateFunc func(ctx context.Context, farm nfpe.Farm) (*tls.Certificate, error)
	InspectFunc           func(ctx context.Context, farm nfpe.Farm) (signing.Report, error)
}

func (m *MockSigner) SignDocument(ctx context.Context, farm nfpe.Farm, xml []byte) ([]byte, error) {
	if m.SignDocumentFunc != nil {
		return m.SignDocumentFunc(ctx, farm, xml)
	}
	return xml, nil
}

func (m *MockSigner) SignBatch(ctx context.Context, farm nfpe.Farm, xml []byte) ([]byte, error) {
	if m.SignBatchFunc != nil {
		return m.SignBatchFunc(ctx, farm, xml)
	}
	return xml, nil
}

func (m *MockSigner) SignEvent(ctx context.Context, farm nfpe.Farm, xml []byte) ([]byte, error) {
	if m.SignEventFunc != nil {
		return m.SignEventFunc(ctx, farm, xml)
	}
	return xml, nil
}

func (m *MockSigner) ClientCertificate(ctx context.Context, farm nfpe.Farm) (*tls.Certificate, error) {
	if m.ClientCertificateFunc != nil {
		return m.ClientCertificateFunc(ctx, farm)
	}
	return nil, nil
}

func (m *MockSigner) Inspect(ctx context.Context, farm nfpe.Farm) (signing.Report, error) {
	if m.InspectFunc != nil {
		return m.InspectFunc(ctx, farm)
	}
	return signing.Report{Valid: true}, nil
}
