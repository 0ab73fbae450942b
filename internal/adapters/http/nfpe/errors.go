package nfpe

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"fazendabrasil/gonfpe/internal/adapters/sefaz"
	"fazendabrasil/gonfpe/internal/application/erpimport"
	"fazendabrasil/gonfpe/internal/application/lifecycle"
	"fazendabrasil/gonfpe/internal/core/authority"
	"fazendabrasil/gonfpe/internal/core/nfpe"
	"fazendabrasil/gonfpe/internal/core/queue"
	"fazendabrasil/gonfpe/internal/core/signing"
	httperrors "fazendabrasil/gonfpe/internal/infrastructure/http"
)

type errorMapping struct {
	target  error
	status  int
	message string
}

var errorMappings = []errorMapping{
	{nfpe.ErrNotFound, http.StatusNotFound, "Recurso não encontrado"},
	{lifecycle.ErrXMLUnavailable, http.StatusNotFound, "XML ainda não gerado"},
	{nfpe.ErrNotClaimable, http.StatusConflict, "Documento não pode ser transmitido no status atual"},
	{nfpe.ErrNotCancellable, http.StatusConflict, "Somente documentos autorizados podem ser cancelados"},
	{nfpe.ErrNotCorrectable, http.StatusConflict, "Somente documentos autorizados aceitam carta de correção"},
	{nfpe.ErrNotDeletable, http.StatusConflict, "Documentos autorizados ou cancelados não podem ser excluídos"},
	{nfpe.ErrMissingAccessKey, http.StatusConflict, "Documento ainda sem chave de acesso"},
	{nfpe.ErrCorrectionLimit, http.StatusConflict, "Limite de cartas de correção atingido"},
	{nfpe.ErrDuplicateFarm, http.StatusConflict, "Fazenda já cadastrada"},
	{nfpe.ErrDuplicateMovement, http.StatusConflict, "Movimentação já possui documento"},
	{lifecycle.ErrConcurrentChange, http.StatusConflict, "Documento alterado concorrentemente"},
	{erpimport.ErrRunning, http.StatusConflict, "Importação já em andamento"},
	{nfpe.ErrJustificationLength, http.StatusUnprocessableEntity, "Justificativa inválida"},
	{nfpe.ErrCorrectionLength, http.StatusUnprocessableEntity, "Texto da correção inválido"},
	{sefaz.ErrCircuitOpen, http.StatusServiceUnavailable, "SEFAZ temporariamente indisponível"},
	{queue.ErrFull, http.StatusServiceUnavailable, "Fila de processamento cheia; o documento será retomado automaticamente"},
	{authority.ErrTransport, http.StatusBadGateway, "Falha de comunicação com a SEFAZ"},
	{authority.ErrMalformedResponse, http.StatusBadGateway, "Resposta inválida da SEFAZ"},
}

// writeError translates a service error into the API error shape.
func writeError(w http.ResponseWriter, r *http.Request, err error, log *slog.Logger) {
	var verr *nfpe.ValidationError
	if errors.As(err, &verr) {
		httperrors.WriteError(w, http.StatusUnprocessableEntity, "Documento inválido", verr.Problems, log)
		return
	}
	if signing.IsCertificateError(err) {
		httperrors.WriteError(w, http.StatusUnprocessableEntity, "Certificado digital inutilizável", []string{err.Error()}, log)
		return
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			httperrors.WriteError(w, m.status, m.message, []string{err.Error()}, log)
			return
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		httperrors.WriteError(w, http.StatusGatewayTimeout, "Tempo de processamento esgotado", nil, log)
		return
	}

	log.ErrorContext(r.Context(), "unhandled error", "path", r.URL.Path, "error", err)
	httperrors.WriteError(w, http.StatusInternalServerError, "Erro interno do servidor", []string{"ocorreu um erro inesperado"}, log)
}
