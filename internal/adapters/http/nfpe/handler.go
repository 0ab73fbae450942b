// Package nfpe exposes farms, documents and the SEFAZ and ERP operations
// over HTTP.
package nfpe

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"fazendabrasil/gonfpe/internal/adapters/danfe"
	"fazendabrasil/gonfpe/internal/application/compliance"
	"fazendabrasil/gonfpe/internal/application/erpimport"
	appfarm "fazendabrasil/gonfpe/internal/application/farm"
	"fazendabrasil/gonfpe/internal/application/lifecycle"
	"fazendabrasil/gonfpe/internal/core/authority"
	"fazendabrasil/gonfpe/internal/core/nfpe"
	httperrors "fazendabrasil/gonfpe/internal/infrastructure/http"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Handler bridges HTTP traffic with the application services. Imports is
// nil when the ERP integration is disabled.
type Handler struct {
	documents  *lifecycle.Service
	farms      *appfarm.Service
	compliance *compliance.Service
	imports    *erpimport.Service
	danfe      *danfe.Renderer
	log        *slog.Logger
}

// Services groups the collaborators of NewHandler.
type Services struct {
	Documents  *lifecycle.Service
	Farms      *appfarm.Service
	Compliance *compliance.Service
	Imports    *erpimport.Service
	DANFE      *danfe.Renderer
}

func NewHandler(s Services, log *slog.Logger) *Handler {
	return &Handler{
		documents:  s.Documents,
		farms:      s.Farms,
		compliance: s.Compliance,
		imports:    s.Imports,
		danfe:      s.DANFE,
		log:        log,
	}
}

// Routes mounts every endpoint below /api/v1. importRoute wraps the ERP
// import, which needs a longer deadline than the rest.
func (h *Handler) Routes(r chi.Router, importRoute func(http.Handler) http.Handler) {
	r.Route("/farms", func(r chi.Router) {
		r.Get("/", h.ListFarms)
		r.Post("/", h.CreateFarm)
		r.Get("/{id}", h.GetFarm)
		r.Get("/{id}/certificate", h.Certificate)
	})
	r.Route("/nfpe", func(r chi.Router) {
		r.Get("/", h.ListDocuments)
		r.Post("/", h.CreateDocument)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetDocument)
			r.Delete("/", h.DeleteDocument)
			r.Post("/transmit", h.Transmit)
			r.Post("/cancel", h.Cancel)
			r.Post("/correction", h.Correct)
			r.Post("/refresh", h.Refresh)
			r.Get("/events", h.Events)
			r.Get("/xml", h.XML)
			r.Get("/danfe", h.DANFE)
			r.Get("/compliance", h.Compliance)
		})
	})
	r.Get("/sefaz/status", h.SefazStatus)
	if importRoute == nil {
		importRoute = func(next http.Handler) http.Handler { return next }
	}
	r.With(importRoute).Post("/erp/import", h.Import)
}

// ListDocuments handles GET /api/v1/nfpe?fazenda_id=&status=&limit=&offset=.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, errLimit := queryInt(q.Get("limit"), defaultLimit)
	offset, errOffset := queryInt(q.Get("offset"), 0)
	if errLimit != nil || errOffset != nil || limit < 1 || offset < 0 {
		httperrors.WriteError(w, http.StatusBadRequest, "Parâmetros inválidos", []string{"limit e offset devem ser inteiros não negativos"}, h.log)
		return
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	filter := nfpe.ListFilter{
		FarmID: q.Get("fazenda_id"),
		Status: nfpe.Status(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	}
	docs, total, err := h.documents.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err, h.log)
		return
	}
	if docs == nil {
		docs = []nfpe.Document{}
	}
	httperrors.WriteJSON(w, http.StatusOK, ListResponse{Total: total, Limit: limit, Offset: offset, Data: docs}, h.log)
}

// CreateDocument handles POST /api/v1/nfpe.
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if problems := httperrors.DecodeJSON(r, &req); len(problems) > 0 {
		httperrors.WriteError(w, http.StatusBadRequest, "Requisição inválida", problems, h.log)
		return
	}
	doc, err := h.documents.Create(r.Context(), req.domain())
	if err != nil {
		writeError(w, r, err, h.log)
		return
	}
	httperrors.WriteJSON(w, http.StatusCreated, doc, h.log)
}

func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.documents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, h.log)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, doc, h.log)
}

func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.documents.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err, h.log)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Transmit queues the document and answers 202; processing is
// asynchronous.
func (h *Handler) Transmit(w http.ResponseWriter, r *http.Request) {
	doc, err := h.documents.Transmit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, h.log)
		return
	}
	httperrors.WriteJSON(w, http.StatusAccepted, doc, h.log)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if problems := httperrors.DecodeJSON(r, &req); len(problems) > 0 {
		httperrors.WriteError(w, http.StatusBadRequest, "Requisição inválida", problems, h.log)
		return
	}
	evt, err := h.documents.Cancel(r.Context(), chi.URLParam(r, "id"), req.Justification)
	h.writeEvent(w, r, evt, err)
}

func (h *Handler) Correct(w http.ResponseWriter, r *http.Request) {
	var req CorrectionRequest
	if problems := httperrors.DecodeJSON(r, &req); len(problems) > 0 {
		httperrors.WriteError(w, http.StatusBadRequest, "Requisição inválida", problems, h.log)
		return
	}
	evt, err := h.documents.Correct(r.Context(), chi.URLParam(r, "id"), req.Text)
	h.writeEvent(w, r, evt, err)
}

// writeEvent answers 200 for a registered event and 422 for one SEFAZ
// rejected. A transport failure after the event was stored still reports
// the stored event.
func (h *Handler) writeEvent(w http.ResponseWriter, r *http.Request, evt *nfpe.Event, err error) {
	if err != nil {
		writeError(w, r, err, h.log)
		return
	}
	resp := EventResponse{Event: evt}
	if doc, gerr := h.documents.Get(r.Context(), evt.DocumentID); gerr == nil {
		resp.DocumentStatus = doc.Status
	}
	status := http.StatusOK
	if evt.Status != nfpe.EventRegistered {
		status = http.StatusUnprocessableEntity
	}
	httperrors.WriteJSON(w, status, resp, h.log)
}

// Refresh handles POST /api/v1/nfpe/{id}/refresh (consSitNFe).
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	doc, resp, err := h.documents.Refresh(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, h.log)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, RefreshResponse{Document: doc, Code: resp.Code, Message: resp.Message}, h.log)
}

func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	events, err := h.documents.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, h.log)
		return
	}
	if events == nil {
		events = []nfpe.Event{}
	}
	httperrors.WriteJSON(w, http.StatusOK, events, h.log)
}

// XML serves the signed document, or the nfeProc once authorized.
func (h *Handler) XML(w http.ResponseWriter, r *http.Request) {
	doc, body, err := h.documents.DistributionXML(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, h.log)
		return
	}
	name := doc.ID
	if doc.AccessKey != "" {
		name = doc.AccessKey
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`-nfpe.xml"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) DANFE(w http.ResponseWriter, r *http.Request) {
	doc, err := h.documents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, h.log)
		return
	}
	farm, err := h.farms.Get(r.Context(), doc.FarmID)
	if err != nil {
		writeError(w, r, err, h.log)
		return
	}
	pdf, err := h.danfe.Render(*doc, *farm)
	if err != nil {
		writeError(w, r, err, h.log)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `inline; filename="danfe-`+strconv.FormatInt(doc.Number, 10)+`.pdf"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

func (h *Handler) Compliance(w http.ResponseWriter, r *http.Request) {
	report, err := h.compliance.Report(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, h.log)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, report, h.log)
}

// SefazStatus handles GET /api/v1/sefaz/status?fazenda_id=.
func (h *Handler) SefazStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := h.documents.ServiceStatus(r.Context(), r.URL.Query().Get("fazenda_id"))
	if err != nil {
		writeError(w, r, err, h.log)
		return
	}
	out := SefazStatusResponse{
		Code:      resp.Code,
		Message:   resp.Message,
		Available: resp.Outcome() == authority.OutcomeServiceAvailable,
	}
	if !resp.ReceivedAt.IsZero() {
		out.ReceivedAt = &resp.ReceivedAt
	}
	httperrors.WriteJSON(w, http.StatusOK, out, h.log)
}

// Import handles POST /api/v1/erp/import.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	if h.imports == nil {
		httperrors.WriteError(w, http.StatusServiceUnavailable, "Integração ERP desabilitada", nil, h.log)
		return
	}
	stats, err := h.imports.Import(r.Context())
	if err != nil {
		writeError(w, r, err, h.log)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, stats, h.log)
}

func (h *Handler) ListFarms(w http.ResponseWriter, r *http.Request) {
	farms, err := h.farms.List(r.Context())
	if err != nil {
		writeError(w, r, err, h.log)
		return
	}
	if farms == nil {
		farms = []nfpe.Farm{}
	}
	httperrors.WriteJSON(w, http.StatusOK, farms, h.log)
}

func (h *Handler) CreateFarm(w http.ResponseWriter, r *http.Request) {
	var req CreateFarmRequest
	if problems := httperrors.DecodeJSON(r, &req); len(problems) > 0 {
		httperrors.WriteError(w, http.StatusBadRequest, "Requisição inválida", problems, h.log)
		return
	}
	farm, err := h.farms.Create(r.Context(), req.domain())
	if err != nil {
		writeError(w, r, err, h.log)
		return
	}
	httperrors.WriteJSON(w, http.StatusCreated, farm, h.log)
}

func (h *Handler) GetFarm(w http.ResponseWriter, r *http.Request) {
	farm, err := h.farms.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, h.log)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, farm, h.log)
}

// Certificate handles GET /api/v1/farms/{id}/certificate.
func (h *Handler) Certificate(w http.ResponseWriter, r *http.Request) {
	report, err := h.farms.Certificate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, h.log)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, report, h.log)
}

func queryInt(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
