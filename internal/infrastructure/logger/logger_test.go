package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	ctxutil "fazendabrasil/gonfpe/internal/infrastructure/context"
)

func TestNewWithWriter_JSONCarriesContextIDs(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "gonfpe", "info", "production")

	ctx := ctxutil.WithCorrelationID(context.Background(), "corr-1")
	ctx = ctxutil.WithDocumentID(ctx, "doc-9")
	log.InfoContext(ctx, "document claimed")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if entry["app"] != "gonfpe" {
		t.Errorf("expected app attribute, got %v", entry["app"])
	}
	if entry["correlation_id"] != "corr-1" || entry["document_id"] != "doc-9" {
		t.Errorf("expected context ids on record, got %v", entry)
	}
}

func TestNewWithWriter_TextForDevelopment(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "gonfpe", "debug", "local")
	log.Debug("hello")

	out := buf.String()
	if !strings.Contains(out, "level=DEBUG") || !strings.Contains(out, "msg=hello") {
		t.Errorf("expected text output, got %q", out)
	}
	if strings.Contains(out, colorCyan) {
		t.Error("colors must be disabled for non-terminal writers")
	}
}

func TestColorWriter(t *testing.T) {
	var buf bytes.Buffer
	n, err := colorWriter{w: &buf}.Write([]byte("level=WARN msg=x\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len("level=WARN msg=x\n") {
		t.Errorf("expected original length reported, got %d", n)
	}
	if !strings.HasPrefix(buf.String(), colorYellow+"level=WARN"+colorReset) {
		t.Errorf("expected yellow level token, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in).Level(); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
