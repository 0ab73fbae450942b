package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"fazendabrasil/gonfpe/internal/core/audit"
	ctxutil "fazendabrasil/gonfpe/internal/infrastructure/context"
	"fazendabrasil/gonfpe/internal/infrastructure/security"
)

// TracedClient is an http.Client that logs each exchange with sanitised
// bodies and stores a transmission audit record.
type TracedClient struct {
	client       *http.Client
	log          *slog.Logger
	auditRepo    audit.Repository
	provider     string
	auditEnabled bool
	logReqBody   bool
	logRespBody  bool
	maxBodySize  int
}

// TracedClientConfig holds configuration for the traced HTTP client.
type TracedClientConfig struct {
	Timeout         time.Duration
	AuditEnabled    bool
	LogRequestBody  bool
	LogResponseBody bool
	MaxBodySize     int
	MaxConnsPerHost int
	TLS             *tls.Config
}

// NewTracedClient creates a traced client for provider. auditRepo may be nil.
func NewTracedClient(cfg TracedClientConfig, log *slog.Logger, auditRepo audit.Repository, provider string) *TracedClient {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = 102400
	}

	return &TracedClient{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: NewTransport(TransportConfig{
				Timeout:         cfg.Timeout,
				MaxConnsPerHost: cfg.MaxConnsPerHost,
				TLS:             cfg.TLS,
			}),
		},
		log:          log.With("component", "traced_client", "provider", provider),
		auditRepo:    auditRepo,
		provider:     provider,
		auditEnabled: cfg.AuditEnabled,
		logReqBody:   cfg.LogRequestBody,
		logRespBody:  cfg.LogResponseBody,
		maxBodySize:  cfg.MaxBodySize,
	}
}

// Do executes req, restoring both bodies for the caller.
func (c *TracedClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	correlationID := ctxutil.GetCorrelationID(ctx)
	operation := Operation(req)
	start := time.Now()

	if correlationID != "" {
		req.Header.Set("X-Correlation-ID", correlationID)
	}

	var requestBody []byte
	if req.Body != nil {
		var err error
		requestBody, err = io.ReadAll(req.Body)
		if err != nil {
			c.log.ErrorContext(ctx, "failed to read request body for tracing", "error", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(requestBody))
	}

	c.logRequest(ctx, operation, req, requestBody)

	resp, err := c.client.Do(req)
	duration := time.Since(start)

	var responseBody []byte
	if resp != nil && resp.Body != nil {
		responseBody, _ = io.ReadAll(resp.Body)
		resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(responseBody))
	}

	c.logResponse(ctx, operation, req, resp, err, duration, responseBody)

	if c.auditEnabled && c.auditRepo != nil {
		entry := c.buildAuditLog(ctx, operation, req, resp, err, duration, requestBody, responseBody)
		// The request context ends with the caller; the audit write must not.
		go func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("panic in audit log persistence", "panic", r, "operation", operation)
				}
			}()
			saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if saveErr := c.auditRepo.Save(saveCtx, entry); saveErr != nil {
				c.log.Error("failed to persist audit log",
					"error", saveErr,
					"correlation_id", entry.CorrelationID,
					"operation", operation,
				)
			}
		}()
	}

	return resp, err
}

func (c *TracedClient) logRequest(ctx context.Context, operation string, req *http.Request, body []byte) {
	attrs := []any{
		"operation", operation,
		"method", req.Method,
		"url", security.SanitizeURL(req.URL.String()),
	}
	if c.logReqBody && len(body) > 0 {
		attrs = append(attrs, "request_body", security.SanitizeBody(body, c.maxBodySize))
	}
	c.log.InfoContext(ctx, "provider_request", attrs...)
}

func (c *TracedClient) logResponse(ctx context.Context, operation string, req *http.Request, resp *http.Response, err error, duration time.Duration, body []byte) {
	attrs := []any{
		"operation", operation,
		"method", req.Method,
		"url", security.SanitizeURL(req.URL.String()),
		"duration_ms", duration.Milliseconds(),
	}

	if err != nil {
		attrs = append(attrs, "error", err.Error())
		c.log.ErrorContext(ctx, "provider_request_failed", attrs...)
		return
	}

	attrs = append(attrs, "status", resp.StatusCode, "response_size_bytes", len(body))
	if c.logRespBody && len(body) > 0 {
		attrs = append(attrs, "response_body", security.SanitizeBody(body, c.maxBodySize))
	}

	switch {
	case resp.StatusCode >= 500:
		c.log.ErrorContext(ctx, "provider_response", attrs...)
	case resp.StatusCode >= 400:
		c.log.WarnContext(ctx, "provider_response", attrs...)
	default:
		c.log.InfoContext(ctx, "provider_response", attrs...)
	}
}

func (c *TracedClient) buildAuditLog(ctx context.Context, operation string, req *http.Request, resp *http.Response, err error, duration time.Duration, requestBody, responseBody []byte) audit.TransmissionLog {
	entry := audit.TransmissionLog{
		CorrelationID:  ctxutil.GetCorrelationID(ctx),
		DocumentID:     ctxutil.GetDocumentID(ctx),
		Provider:       c.provider,
		Operation:      operation,
		RequestMethod:  req.Method,
		RequestURL:     security.SanitizeURL(req.URL.String()),
		RequestHeaders: security.SanitizeHeaders(req.Header),
		DurationMs:     duration.Milliseconds(),
	}
	if entry.CorrelationID == "" {
		entry.CorrelationID = "audit-" + time.Now().UTC().Format("20060102T150405.000000000")
	}
	if len(requestBody) > 0 {
		entry.RequestBody = security.SanitizeBody(requestBody, c.maxBodySize)
	}
	if resp != nil {
		status := resp.StatusCode
		entry.ResponseStatus = &status
		entry.ResponseHeaders = security.SanitizeHeaders(resp.Header)
		if len(responseBody) > 0 {
			entry.ResponseBody = security.SanitizeBody(responseBody, c.maxBodySize)
		}
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	}
	return entry
}

// Operation names an outbound call: the SOAP action when present, else the
// last path segment, else the method.
func Operation(req *http.Request) string {
	if _, params, err := mime.ParseMediaType(req.Header.Get("Content-Type")); err == nil {
		if action := params["action"]; action != "" {
			return action[strings.LastIndex(action, "/")+1:]
		}
	}
	if action := strings.Trim(req.Header.Get("SOAPAction"), `"`); action != "" {
		return action[strings.LastIndex(action, "/")+1:]
	}

	parts := strings.Split(strings.Trim(req.URL.Path, "/"), "/")
	if last := parts[len(parts)-1]; last != "" {
		return last
	}
	return req.Method
}
