package nfpe

import (
	"context"
	"time"
)

// ListFilter narrows document listings.
type ListFilter struct {
	FarmID string
	Status Status
	Limit  int
	Offset int
}

// DocumentRepository persists documents together with their items.
type DocumentRepository interface {
	// Create allocates the farm's next number and inserts the document and
	// its items in one atomic step. The returned document carries the
	// assigned id, number and series.
	Create(ctx context.Context, doc Document) (Document, error)
	Get(ctx context.Context, id string) (*Document, error)
	FindByERPMovement(ctx context.Context, movementID string) (*Document, error)
	List(ctx context.Context, filter ListFilter) ([]Document, int, error)
	// Claim atomically moves the document to PROCESSING if its current
	// status is one of from, incrementing its attempt counter. It reports
	// false when another worker got there first.
	Claim(ctx context.Context, id string, from ...Status) (bool, error)
	// Save writes the lifecycle fields (key, status, protocol, artifacts)
	// of doc provided the stored row is still in status held with
	// doc.Attempts attempts. Otherwise it returns ErrOwnershipLost and
	// writes nothing.
	Save(ctx context.Context, doc *Document, held Status) error
	// Touch refreshes the update time of a PROCESSING document still at
	// attempts, so the sweeper does not release a live attempt. It returns
	// ErrOwnershipLost when the attempt no longer holds the document.
	Touch(ctx context.Context, id string, attempts int) error
	// Transition is a compare-and-set on status alone.
	Transition(ctx context.Context, id string, from, to Status) (bool, error)
	// Delete removes the document, its items and its events.
	Delete(ctx context.Context, id string) error
	// ListRetryable returns ids of PENDING documents and of ERROR documents
	// with fewer than maxAttempts attempts, oldest first.
	ListRetryable(ctx context.Context, maxAttempts, limit int) ([]string, error)
	// ReleaseStale moves documents left in PROCESSING for longer than
	// olderThan to ERROR with message and returns their ids.
	ReleaseStale(ctx context.Context, olderThan time.Duration, message string) ([]string, error)
}

// EventRepository stores the event history of documents.
type EventRepository interface {
	CreateEvent(ctx context.Context, evt Event) (Event, error)
	// UpdateEvent may only change status, protocol, response and timestamps.
	UpdateEvent(ctx context.Context, evt Event) error
	ListEvents(ctx context.Context, documentID string) ([]Event, error)
}

// FarmRepository stores issuing entities.
type FarmRepository interface {
	CreateFarm(ctx context.Context, farm Farm) (Farm, error)
	GetFarm(ctx context.Context, id string) (*Farm, error)
	FindFarmByCNPJ(ctx context.Context, cnpj string) (*Farm, error)
	ListFarms(ctx context.Context) ([]Farm, error)
	// NextNumber increments and returns the farm's last issued number.
	NextNumber(ctx context.Context, farmID string) (int64, error)
}
