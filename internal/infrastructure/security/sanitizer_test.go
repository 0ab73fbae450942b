package security

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"strings"
	"testing"
)

func TestSanitizeHeaders(t *testing.T) {
	headers := http.Header{
		"Authorization": []string{"Bearer abc"},
		"X-Api-Secret":  []string{"s3cr3t"},
		"Content-Type":  []string{"application/json"},
		"Accept":        []string{"text/xml", "application/json"},
	}

	got := SanitizeHeaders(headers)

	if got["Authorization"] != redactedValue || got["X-Api-Secret"] != redactedValue {
		t.Errorf("expected credentials redacted, got %v", got)
	}
	if got["Content-Type"] != "application/json" {
		t.Errorf("unexpected content type %q", got["Content-Type"])
	}
	if got["Accept"] != "text/xml, application/json" {
		t.Errorf("expected joined values, got %q", got["Accept"])
	}
}

func TestSanitizeBody(t *testing.T) {
	tests := []struct {
		name        string
		body        []byte
		maxSize     int
		contains    []string
		notContains []string
	}{
		{
			name:        "json secrets",
			body:        []byte(`{"status":"NFE_AUTORIZADA","api_secret":"xyz","nested":{"password":"p"}}`),
			contains:    []string{`"status":"NFE_AUTORIZADA"`, redactedValue},
			notContains: []string{"xyz", `"p"`},
		},
		{
			name: "xml signature material",
			body: []byte(`<NFe><Signature xmlns="http://www.w3.org/2000/09/xmldsig#"><SignatureValue>c2lnbmF0dXJl</SignatureValue>` +
				`<KeyInfo><X509Data><X509Certificate>TUlJQ2VydA==</X509Certificate></X509Data></KeyInfo></Signature></NFe>`),
			contains:    []string{"<SignatureValue>" + redactedValue + "</SignatureValue>", "<X509Certificate>" + redactedValue + "</X509Certificate>"},
			notContains: []string{"c2lnbmF0dXJl", "TUlJQ2VydA=="},
		},
		{
			name:     "plain text",
			body:     []byte("service unavailable"),
			contains: []string{"service unavailable"},
		},
		{
			name:     "truncated",
			body:     []byte(strings.Repeat("a", 50)),
			maxSize:  10,
			contains: []string{"aaaaaaaaaa...[truncated, 50 bytes]"},
		},
		{
			name:     "binary",
			body:     []byte{0xff, 0xfe, 0x00},
			contains: []string{"[binary body, 3 bytes]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeBody(tt.body, tt.maxSize)
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("expected %q in %q", want, got)
				}
			}
			for _, bad := range tt.notContains {
				if strings.Contains(got, bad) {
					t.Errorf("did not expect %q in %q", bad, got)
				}
			}
		})
	}
}

func TestSanitizeBody_Gzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(`{"token":"abc","ok":true}`))
	_ = zw.Close()

	got := SanitizeBody(buf.Bytes(), 0)
	if strings.Contains(got, "abc") || !strings.Contains(got, `"ok":true`) {
		t.Errorf("unexpected sanitized gzip body %q", got)
	}
}

func TestSanitizeURL(t *testing.T) {
	got := SanitizeURL("https://erp.example/movimentacoes?dataInicio=2024-10-01&api_key=abc")
	if strings.Contains(got, "abc") || !strings.Contains(got, "dataInicio=2024-10-01") {
		t.Errorf("unexpected sanitized url %q", got)
	}

	plain := "https://nfe.sefaz.mt.gov.br/nfews/v2/services/NfeConsulta4"
	if SanitizeURL(plain) != plain {
		t.Error("URL without query must be unchanged")
	}
}
