package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"fazendabrasil/gonfpe/internal/core/nfpe"
)

// CreateEvent appends an event to a document's history.
func (r *Repository) CreateEvent(ctx context.Context, evt nfpe.Event) (nfpe.Event, error) {
	if err := r.ensureExists(ctx, evt.DocumentID); err != nil {
		return nfpe.Event{}, err
	}
	evt.ID = uuid.NewString()

	query := `
		INSERT INTO nfpe_events (
			id, nfpe_id, tipo_evento, sequencia, justificativa, status,
			protocolo, codigo_status, mensagem_status, xml_requisicao, xml_resposta, data_registro
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING criado_em
	`
	err := r.pool.QueryRow(ctx, query,
		evt.ID,
		evt.DocumentID,
		string(evt.Type),
		evt.Sequence,
		evt.Justification,
		string(evt.Status),
		nullIfEmpty(evt.Protocol),
		nullIfEmpty(evt.StatusCode),
		nullIfEmpty(evt.StatusMessage),
		nullIfNoBytes(evt.RequestXML),
		nullIfNoBytes(evt.ResponseXML),
		evt.RegisteredAt,
	).Scan(&evt.CreatedAt)
	if err != nil {
		return nfpe.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return evt, nil
}

// UpdateEvent records the outcome of a transmission. Type, sequence,
// justification and request are never rewritten.
func (r *Repository) UpdateEvent(ctx context.Context, evt nfpe.Event) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE nfpe_events
		SET status = $2, protocolo = $3, codigo_status = $4, mensagem_status = $5,
		    xml_resposta = $6, data_registro = $7
		WHERE id = $1`,
		evt.ID,
		string(evt.Status),
		nullIfEmpty(evt.Protocol),
		nullIfEmpty(evt.StatusCode),
		nullIfEmpty(evt.StatusMessage),
		nullIfNoBytes(evt.ResponseXML),
		evt.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nfpe.ErrNotFound
	}
	return nil
}

// ListEvents returns the history of a document in creation order.
func (r *Repository) ListEvents(ctx context.Context, documentID string) ([]nfpe.Event, error) {
	if err := r.ensureExists(ctx, documentID); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, nfpe_id::text, tipo_evento, sequencia, justificativa, status,
		       COALESCE(protocolo, ''), COALESCE(codigo_status, ''), COALESCE(mensagem_status, ''),
		       COALESCE(xml_requisicao, ''), COALESCE(xml_resposta, ''), criado_em, data_registro
		FROM nfpe_events
		WHERE nfpe_id = $1
		ORDER BY criado_em, sequencia`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []nfpe.Event{}
	for rows.Next() {
		var e nfpe.Event
		var request, response string
		if err := rows.Scan(
			&e.ID, &e.DocumentID, &e.Type, &e.Sequence, &e.Justification, &e.Status,
			&e.Protocol, &e.StatusCode, &e.StatusMessage,
			&request, &response, &e.CreatedAt, &e.RegisteredAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if request != "" {
			e.RequestXML = []byte(request)
		}
		if response != "" {
			e.ResponseXML = []byte(response)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
