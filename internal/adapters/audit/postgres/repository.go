package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fazendabrasil/gonfpe/internal/core/audit"
)

// Repository stores transmission logs in transmission_audit_log.
type Repository struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewRepository creates a PostgreSQL audit repository. log may be nil.
func NewRepository(pool *pgxpool.Pool, log *slog.Logger) *Repository {
	return &Repository{pool: pool, log: log}
}

const selectColumns = `
	SELECT id, correlation_id, COALESCE(document_id::text, ''), provider, operation,
	       request_method, request_url, request_headers, COALESCE(request_body, ''),
	       response_status, response_headers, COALESCE(response_body, ''),
	       duration_ms, COALESCE(error_message, ''), created_at
	FROM transmission_audit_log`

// Save inserts one log entry.
func (r *Repository) Save(ctx context.Context, entry audit.TransmissionLog) error {
	requestHeaders, err := json.Marshal(entry.RequestHeaders)
	if err != nil {
		return fmt.Errorf("marshal request headers: %w", err)
	}
	responseHeaders, err := json.Marshal(entry.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("marshal response headers: %w", err)
	}

	var documentID any
	if entry.DocumentID != "" {
		documentID = entry.DocumentID
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO transmission_audit_log (
			correlation_id, document_id, provider, operation, request_method, request_url,
			request_headers, request_body, response_status, response_headers,
			response_body, duration_ms, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		entry.CorrelationID,
		documentID,
		entry.Provider,
		entry.Operation,
		entry.RequestMethod,
		entry.RequestURL,
		requestHeaders,
		nullIfEmpty(entry.RequestBody),
		entry.ResponseStatus,
		responseHeaders,
		nullIfEmpty(entry.ResponseBody),
		entry.DurationMs,
		nullIfEmpty(entry.ErrorMessage),
	)
	if err != nil {
		if r.log != nil {
			r.log.Error("failed to insert transmission audit log",
				"correlation_id", entry.CorrelationID,
				"provider", entry.Provider,
				"operation", entry.Operation,
				"error", err,
			)
		}
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// FindByCorrelationID returns the logs of one correlation id.
func (r *Repository) FindByCorrelationID(ctx context.Context, correlationID string) ([]audit.TransmissionLog, error) {
	rows, err := r.pool.Query(ctx, selectColumns+` WHERE correlation_id = $1 ORDER BY created_at DESC`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	return scanLogs(rows)
}

// FindByDocumentID returns the logs of one document.
func (r *Repository) FindByDocumentID(ctx context.Context, documentID string) ([]audit.TransmissionLog, error) {
	rows, err := r.pool.Query(ctx, selectColumns+` WHERE document_id = $1 ORDER BY created_at DESC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	return scanLogs(rows)
}

func scanLogs(rows pgx.Rows) ([]audit.TransmissionLog, error) {
	defer rows.Close()

	var logs []audit.TransmissionLog
	for rows.Next() {
		var entry audit.TransmissionLog
		var requestHeaders, responseHeaders []byte
		if err := rows.Scan(
			&entry.ID,
			&entry.CorrelationID,
			&entry.DocumentID,
			&entry.Provider,
			&entry.Operation,
			&entry.RequestMethod,
			&entry.RequestURL,
			&requestHeaders,
			&entry.RequestBody,
			&entry.ResponseStatus,
			&responseHeaders,
			&entry.ResponseBody,
			&entry.DurationMs,
			&entry.ErrorMessage,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		if err := unmarshalHeaders(requestHeaders, &entry.RequestHeaders); err != nil {
			return nil, fmt.Errorf("unmarshal request headers: %w", err)
		}
		if err := unmarshalHeaders(responseHeaders, &entry.ResponseHeaders); err != nil {
			return nil, fmt.Errorf("unmarshal response headers: %w", err)
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return logs, nil
}

func unmarshalHeaders(raw []byte, dst *map[string]string) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
