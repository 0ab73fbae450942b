package context

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	// CorrelationIDKey is the context key for correlation IDs.
	CorrelationIDKey contextKey = "correlation_id"
	// DocumentIDKey is the context key for the NFP-e document being worked on.
	DocumentIDKey contextKey = "document_id"
)

// WithCorrelationID adds a correlation ID to the context. The id follows a
// request, or a worker job, through every SEFAZ and ERP call it triggers.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// GetCorrelationID retrieves the correlation ID from the context.
// Returns an empty string if no correlation ID is present.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// EnsureCorrelationID returns ctx unchanged when it already carries a
// correlation ID, otherwise it attaches a new random one.
func EnsureCorrelationID(ctx context.Context) context.Context {
	if GetCorrelationID(ctx) != "" {
		return ctx
	}
	return WithCorrelationID(ctx, uuid.NewString())
}

// WithDocumentID tags the context with the document being processed.
func WithDocumentID(ctx context.Context, documentID string) context.Context {
	return context.WithValue(ctx, DocumentIDKey, documentID)
}

// GetDocumentID returns the document id stored in ctx, or "".
func GetDocumentID(ctx context.Context) string {
	if id, ok := ctx.Value(DocumentIDKey).(string); ok {
		return id
	}
	return ""
}
