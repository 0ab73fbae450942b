package testutil

import (
	"context"
	"sync"
	"time"

	"fazendabrasil/gonfpe/internal/core/erp"
)

// StatusCall records one UpdateMovementStatus invocation.
type StatusCall struct {
	MovementID string
	Update     erp.StatusUpdate
}

// MockERPSource is a function-field implementation of erp.Source.
type MockERPSource struct {
	ListPendingMovementsFunc func(ctx context.Context, start, end time.Time, operations []string) ([]erp.Movement, error)
	GetMovementFunc          func(ctx context.Context, id string) (*erp.Movement, error)
	UpdateMovementStatusFunc func(ctx context.Context, id string, update erp.StatusUpdate) error

	mu      sync.Mutex
	Updates []StatusCall
}

func (m *MockERPSource) ListPendingMovements(ctx context.Context, start, end time.Time, operations []string) ([]erp.Movement, error) {
	if m.ListPendingMovementsFunc != nil {
		return m.ListPendingMovementsFunc(ctx, start, end, operations)
	}
	return []erp.Movement{}, nil
}

func (m *MockERPSource) GetMovement(ctx context.Context, id string) (*erp.Movement, error) {
	if m.GetMovementFunc != nil {
		return m.GetMovementFunc(ctx, id)
	}
	return nil, nil
}

func (m *MockERPSource) UpdateMovementStatus(ctx context.Context, id string, update erp.StatusUpdate) error {
	m.mu.Lock()
	m.Updates = append(m.Updates, StatusCall{MovementID: id, Update: update})
	m.mu.Unlock()
	if m.UpdateMovementStatusFunc != nil {
		return m.UpdateMovementStatusFunc(ctx, id, update)
	}
	return nil
}

// StatusUpdates returns a copy of the recorded updates.
func (m *MockERPSource) StatusUpdates() []StatusCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StatusCall(nil), m.Updates...)
}
