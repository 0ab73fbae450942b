package health

import (
	"log/slog"
	"net/http"

	apphealth "fazendabrasil/gonfpe/internal/application/health"
	corehealth "fazendabrasil/gonfpe/internal/core/health"
	httperrors "fazendabrasil/gonfpe/internal/infrastructure/http"
)

// Handler bridges HTTP traffic with the health application service.
type Handler struct {
	service *apphealth.Service
	log     *slog.Logger
}

func NewHandler(service *apphealth.Service, log *slog.Logger) *Handler {
	return &Handler{service: service, log: log}
}

// Status answers 503 while any dependency is down so load balancers stop
// routing to the instance.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	status := h.service.Status(r.Context())

	code := http.StatusOK
	if status.Status != corehealth.StateUp {
		code = http.StatusServiceUnavailable
	}
	httperrors.WriteJSON(w, code, status, h.log)
}
