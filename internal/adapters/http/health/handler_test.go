package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	apphealth "fazendabrasil/gonfpe/internal/application/health"
	corehealth "fazendabrasil/gonfpe/internal/core/health"
	"fazendabrasil/gonfpe/internal/testutil"
)

func newService() *apphealth.Service {
	return apphealth.NewService(apphealth.Metadata{
		Service:     "gonfpe",
		Version:     "1.0.0",
		Environment: "test",
	})
}

func TestHandler_StatusUp(t *testing.T) {
	svc := newService()
	svc.Register("postgres", func(context.Context) error { return nil })
	handler := NewHandler(svc, testutil.NewNullLogger())

	w := httptest.NewRecorder()
	handler.Status(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	var status corehealth.Status
	testutil.ReadJSONResponse(t, w, http.StatusOK, &status)
	assert.Equal(t, corehealth.StateUp, status.Status)
	assert.Equal(t, "gonfpe", status.Service)
	assert.Len(t, status.Dependencies, 1)
}

func TestHandler_StatusDegraded(t *testing.T) {
	svc := newService()
	svc.Register("redis", func(context.Context) error { return errors.New("connection refused") })
	handler := NewHandler(svc, testutil.NewNullLogger())

	w := httptest.NewRecorder()
	handler.Status(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	var status corehealth.Status
	testutil.ReadJSONResponse(t, w, http.StatusServiceUnavailable, &status)
	assert.Equal(t, corehealth.StateDegraded, status.Status)
	assert.Equal(t, "connection refused", status.Dependencies[0].Error)
}
