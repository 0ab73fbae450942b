package testutil

import (
	"log/slog"
	"os"
)

// NewTestLogger logs everything to stderr; useful with go test -v.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// NewNullLogger drops every record.
func NewNullLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
