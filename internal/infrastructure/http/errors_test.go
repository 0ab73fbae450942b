package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"fazendabrasil/gonfpe/internal/testutil"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		message    string
		errors     []string
		wantErrors []string
	}{
		{
			name:       "validation error",
			statusCode: http.StatusBadRequest,
			message:    "Erro de validação",
			errors:     []string{"justificativa deve ter no mínimo 15 caracteres"},
			wantErrors: []string{"justificativa deve ter no mínimo 15 caracteres"},
		},
		{
			name:       "nil errors render as empty list",
			statusCode: http.StatusNotFound,
			message:    "NFP-e não encontrada",
			errors:     nil,
			wantErrors: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tt.statusCode, tt.message, tt.errors, testutil.NewNullLogger())

			if rec.Code != tt.statusCode {
				t.Errorf("expected status %d, got %d", tt.statusCode, rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected JSON content type, got %q", ct)
			}

			var body ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Message != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, body.Message)
			}
			if len(body.Errors) != len(tt.wantErrors) {
				t.Errorf("expected %d errors, got %d", len(tt.wantErrors), len(body.Errors))
			}
		})
	}
}

func TestWriteJSON_UnencodablePayload(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusOK, map[string]any{"ch": make(chan int)}, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected status to be written before encoding, got %d", rec.Code)
	}
}
