package audit

import (
	"context"
	"time"
)

// TransmissionLog records one outbound call to SEFAZ or the ERP with its
// sanitised payloads, for fiscal traceability and debugging.
type TransmissionLog struct {
	ID              int64
	CorrelationID   string
	DocumentID      string
	Provider        string
	Operation       string
	RequestMethod   string
	RequestURL      string
	RequestHeaders  map[string]string
	RequestBody     string
	ResponseStatus  *int
	ResponseHeaders map[string]string
	ResponseBody    string
	DurationMs      int64
	ErrorMessage    string
	CreatedAt       time.Time
}

// Repository persists transmission logs.
type Repository interface {
	Save(ctx context.Context, log TransmissionLog) error
	// FindByCorrelationID returns every call made on behalf of one request
	// or worker job, newest first.
	FindByCorrelationID(ctx context.Context, correlationID string) ([]TransmissionLog, error)
	// FindByDocumentID returns the calls made for one document, newest first.
	FindByDocumentID(ctx context.Context, documentID string) ([]TransmissionLog, error)
}
