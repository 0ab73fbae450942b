package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	ctxutil "fazendabrasil/gonfpe/internal/infrastructure/context"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

var levelColors = []struct {
	token string
	color string
}{
	{"level=DEBUG", colorCyan},
	{"level=INFO", colorGreen},
	{"level=WARN", colorYellow},
	{"level=ERROR", colorRed},
}

// contextHandler copies request-scoped identifiers from the context onto
// every record, so call sites only need InfoContext/ErrorContext.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, record slog.Record) error {
	if id := ctxutil.GetCorrelationID(ctx); id != "" {
		record.AddAttrs(slog.String("correlation_id", id))
	}
	if id := ctxutil.GetDocumentID(ctx); id != "" {
		record.AddAttrs(slog.String("document_id", id))
	}
	return h.Handler.Handle(ctx, record)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

// colorWriter paints the level token of text-handler lines.
type colorWriter struct {
	w io.Writer
}

func (cw colorWriter) Write(p []byte) (int, error) {
	line := string(p)
	for _, lc := range levelColors {
		if strings.Contains(line, lc.token) {
			line = strings.Replace(line, lc.token, lc.color+lc.token+colorReset, 1)
			break
		}
	}
	if _, err := io.WriteString(cw.w, line); err != nil {
		return 0, err
	}
	return len(p), nil
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := file.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// New builds the service logger on stdout. Development environments
// (local, dev, development) get text output, coloured on a terminal; every
// other environment gets JSON.
func New(appName, level, environment string) *slog.Logger {
	return NewWithWriter(os.Stdout, appName, level, environment)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, appName, level, environment string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(level),
		AddSource: true,
	}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(environment)) {
	case "local", "dev", "development":
		out := w
		if isTerminal(w) {
			out = colorWriter{w: w}
		}
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(contextHandler{handler}).With("app", appName)
}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
