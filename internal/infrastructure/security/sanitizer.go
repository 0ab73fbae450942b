package security

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"x-api-secret":        true,
	"x-auth-token":        true,
	"proxy-authorization": true,
}

// Field names, matched by substring, whose JSON values are redacted.
var sensitiveFields = []string{
	"password",
	"senha",
	"secret",
	"token",
	"api_key",
	"apikey",
	"authorization",
	"private_key",
	"credential",
}

// XML elements whose text is certificate or signature material.
var sensitiveXML = regexp.MustCompile(`(?s)(<(?:[\w-]+:)?(X509Certificate|SignatureValue)[^>]*>).*?(</(?:[\w-]+:)?(?:X509Certificate|SignatureValue)>)`)

const redactedValue = "[REDACTED]"

// SanitizeHeaders returns a flat copy of headers with credentials redacted.
func SanitizeHeaders(headers http.Header) map[string]string {
	sanitized := make(map[string]string, len(headers))
	for key, values := range headers {
		if sensitiveHeaders[strings.ToLower(key)] {
			sanitized[key] = redactedValue
			continue
		}
		sanitized[key] = strings.Join(values, ", ")
	}
	return sanitized
}

// SanitizeBody renders a request or response body for logs and audit.
// JSON loses its sensitive fields, XML loses certificate and signature
// values, gzip is inflated and anything else that is not UTF-8 is
// summarised. Bodies over maxSize bytes are cut.
func SanitizeBody(body []byte, maxSize int) string {
	if len(body) == 0 {
		return ""
	}

	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		inflated, err := decompressGzip(body)
		if err != nil {
			return fmt.Sprintf("[gzip body, %d bytes, not decompressible]", len(body))
		}
		body = inflated
	}

	if !utf8.Valid(body) {
		return fmt.Sprintf("[binary body, %d bytes]", len(body))
	}

	var out string
	trimmed := bytes.TrimSpace(body)
	switch {
	case len(trimmed) > 0 && trimmed[0] == '<':
		out = sensitiveXML.ReplaceAllString(string(body), "${1}"+redactedValue+"${3}")
	case json.Valid(trimmed):
		var data any
		_ = json.Unmarshal(trimmed, &data)
		encoded, err := json.Marshal(sanitizeValue(data))
		if err != nil {
			out = string(body)
		} else {
			out = string(encoded)
		}
	default:
		out = string(body)
	}

	if maxSize > 0 && len(out) > maxSize {
		return out[:maxSize] + fmt.Sprintf("...[truncated, %d bytes]", len(out))
	}
	return out
}

func decompressGzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		sanitized := make(map[string]any, len(val))
		for key, value := range val {
			if isSensitiveField(key) {
				sanitized[key] = redactedValue
				continue
			}
			sanitized[key] = sanitizeValue(value)
		}
		return sanitized
	case []any:
		sanitized := make([]any, len(val))
		for i, value := range val {
			sanitized[i] = sanitizeValue(value)
		}
		return sanitized
	default:
		return val
	}
}

func isSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, field := range sensitiveFields {
		if strings.Contains(lower, field) {
			return true
		}
	}
	return false
}

// SanitizeURL redacts sensitive query parameter values.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	query := u.Query()
	changed := false
	for key := range query {
		if isSensitiveField(key) {
			query.Set(key, redactedValue)
			changed = true
		}
	}
	if !changed {
		return raw
	}
	u.RawQuery = query.Encode()
	return u.String()
}
