package nfpe

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// EventType is the SEFAZ tpEvento code.
type EventType string

const (
	EventCancellation EventType = "110111"
	EventCorrection   EventType = "110110"
)

// Description is the descEvento text SEFAZ expects for the type.
func (t EventType) Description() string {
	switch t {
	case EventCancellation:
		return "Cancelamento"
	case EventCorrection:
		return "Carta de Correcao"
	}
	return ""
}

// EventStatus tracks the transmission of an event. It is the only mutable
// field of an Event.
type EventStatus string

const (
	EventPending    EventStatus = "PENDING"
	EventRegistered EventStatus = "REGISTERED"
	EventRejected   EventStatus = "REJECTED"
	EventError      EventStatus = "ERROR"
)

const (
	MinJustificationLength = 15
	MaxJustificationLength = 255
	MaxCorrectionLength    = 1000
	MaxCorrectionSequence  = 20
)

// Event is an append-only record of an action over an authorized document.
type Event struct {
	ID            string      `json:"id"`
	DocumentID    string      `json:"nfpe_id"`
	Type          EventType   `json:"tipo_evento"`
	Sequence      int         `json:"sequencia"`
	Justification string      `json:"justificativa"`
	Status        EventStatus `json:"status"`
	Protocol      string      `json:"protocolo,omitempty"`
	StatusCode    string      `json:"codigo_status,omitempty"`
	StatusMessage string      `json:"mensagem_status,omitempty"`
	RequestXML    []byte      `json:"-"`
	ResponseXML   []byte      `json:"-"`
	CreatedAt     time.Time   `json:"criado_em"`
	RegisteredAt  *time.Time  `json:"data_registro,omitempty"`
}

// EventID renders the infEvento Id: "ID" + tpEvento + chave + nSeqEvento(2).
func EventID(t EventType, accessKey string, sequence int) string {
	return fmt.Sprintf("ID%s%s%02d", t, accessKey, sequence)
}

// ValidateJustification enforces the xJust bounds of a cancellation,
// counted in characters after trimming.
func ValidateJustification(text string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(text))
	if n < MinJustificationLength || n > MaxJustificationLength {
		return ErrJustificationLength
	}
	return nil
}

// ValidateCorrection enforces the CC-e text bounds.
func ValidateCorrection(text string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(text))
	if n < MinJustificationLength || n > MaxCorrectionLength {
		return ErrCorrectionLength
	}
	return nil
}

// NextCorrectionSequence returns the nSeqEvento for a new correction letter
// given the events already recorded for the document.
func NextCorrectionSequence(events []Event) (int, error) {
	seq := 0
	for _, e := range events {
		if e.Type == EventCorrection && e.Status == EventRegistered && e.Sequence > seq {
			seq = e.Sequence
		}
	}
	if seq >= MaxCorrectionSequence {
		return 0, ErrCorrectionLimit
	}
	return seq + 1, nil
}
