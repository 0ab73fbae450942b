package testutil

import (
	"context"
	"crypto/tls"
	"sync"

	"fazendabrasil/gonfpe/internal/core/authority"
)

// MockAuthority is a function-field implementation of authority.Authority.
// It records the payloads it receives.
type MockAuthority struct {
	ServiceStatusFunc func(ctx context.Context) (authority.Response, error)
	SubmitBatchFunc   func(ctx context.Context, batch []byte) (authority.Response, error)
	PollReceiptFunc   func(ctx context.Context, receipt string) (authority.Response, error)
	QueryDocumentFunc func(ctx context.Context, accessKey string) (authority.Response, error)
	SubmitEventFunc   func(ctx context.Context, event []byte) (authority.Response, error)

	mu      sync.Mutex
	Batches [][]byte
	Polls   []string
	Events  [][]byte
	Queries []string
}

// ServiceStatus returns 107 unless overridden.
func (m *MockAuthority) ServiceStatus(ctx context.Context, _ *tls.Certificate) (authority.Response, error) {
	if m.ServiceStatusFunc != nil {
		return m.ServiceStatusFunc(ctx)
	}
	return authority.Response{Code: authority.CodeServiceAvailable, Message: "Servico em Operacao"}, nil
}

// SubmitBatch records the batch and calls the mock function if set.
func (m *MockAuthority) SubmitBatch(ctx context.Context, _ *tls.Certificate, batch []byte) (authority.Response, error) {
	m.mu.Lock()
	m.Batches = append(m.Batches, batch)
	m.mu.Unlock()
	if m.SubmitBatchFunc != nil {
		return m.SubmitBatchFunc(ctx, batch)
	}
	return authority.Response{Code: authority.CodeBatchReceived, Receipt: "510000000000001"}, nil
}

// PollReceipt records the receipt and calls the mock function if set.
func (m *MockAuthority) PollReceipt(ctx context.Context, _ *tls.Certificate, receipt string) (authority.Response, error) {
	m.mu.Lock()
	m.Polls = append(m.Polls, receipt)
	m.mu.Unlock()
	if m.PollReceiptFunc != nil {
		return m.PollReceiptFunc(ctx, receipt)
	}
	return authority.Response{Code: authority.CodeBatchInProcess}, nil
}

// QueryDocument records the key and calls the mock function if set.
func (m *MockAuthority) QueryDocument(ctx context.Context, _ *tls.Certificate, accessKey string) (authority.Response, error) {
	m.mu.Lock()
	m.Queries = append(m.Queries, accessKey)
	m.mu.Unlock()
	if m.QueryDocumentFunc != nil {
		return m.QueryDocumentFunc(ctx, accessKey)
	}
	return authority.Response{}, nil
}

// SubmitEvent records the event and calls the mock function if set.
func (m *MockAuthority) SubmitEvent(ctx context.Context, _ *tls.Certificate, event []byte) (authority.Response, error) {
	m.mu.Lock()
	m.Events = append(m.Events, event)
	m.mu.Unlock()
	if m.SubmitEventFunc != nil {
		return m.SubmitEventFunc(ctx, event)
	}
	return authority.Response{}, nil
}

// BatchCount returns how many batches were submitted.
func (m *MockAuthority) BatchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Batches)
}

// EventCount returns how many events were submitted.
func (m *MockAuthority) EventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Events)
}
