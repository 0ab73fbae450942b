package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
)

// T is the subset of testing.TB the helpers need.
type T interface {
	Helper()
	Errorf(format string, args ...any)
	FailNow()
}

// ReadJSONResponse checks the status code and decodes the body into v.
func ReadJSONResponse(t T, w *httptest.ResponseRecorder, status int, v any) {
	t.Helper()
	if w.Code != status {
		t.Errorf("expected status %d, got %d: %s", status, w.Code, w.Body.String())
		t.FailNow()
	}
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Errorf("failed to decode JSON response: %v", err)
		t.FailNow()
	}
}

// ReadErrorResponse decodes an error body written by WriteError.
func ReadErrorResponse(t T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Errorf("failed to decode error response: %v", err)
		t.FailNow()
	}
	return response
}

// CreateRequest creates an HTTP request with an optional JSON body and headers.
func CreateRequest(method, path string, body any, headers map[string]string) *http.Request {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}
