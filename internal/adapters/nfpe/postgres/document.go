package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"fazendabrasil/gonfpe/internal/core/accesskey"
	"fazendabrasil/gonfpe/internal/core/nfpe"
)

const (
	constraintAccessKey   = "nfpe_documents_chave_acesso_key"
	constraintERPMovement = "idx_nfpe_documents_erp_movement"
)

const selectDocument = `
	SELECT id::text, farm_id::text, COALESCE(erp_movimento_id, ''), numero, serie,
	       COALESCE(chave_acesso, ''), COALESCE(codigo_numerico, ''),
	       tipo_emissao, tipo_operacao, finalidade, indicador_presenca, natureza_operacao,
	       data_emissao, data_saida, data_autorizacao,
	       status, COALESCE(protocolo, ''), COALESCE(recibo, ''),
	       COALESCE(codigo_status, ''), COALESCE(mensagem_status, ''), tentativas,
	       valor_produtos, valor_frete, valor_seguro, valor_desconto, valor_outros, valor_total,
	       base_icms, valor_icms, valor_pis, valor_cofins, valor_ipi,
	       dest_documento, dest_nome, COALESCE(dest_inscricao_estadual, ''), COALESCE(dest_email, ''),
	       dest_logradouro, dest_numero, COALESCE(dest_complemento, ''), dest_bairro,
	       dest_codigo_municipio, dest_municipio, dest_uf, dest_cep,
	       modalidade_frete, COALESCE(transportadora_documento, ''), COALESCE(transportadora_nome, ''),
	       COALESCE(veiculo_placa, ''), COALESCE(veiculo_uf, ''),
	       COALESCE(informacoes_complementares, ''), COALESCE(informacoes_fisco, ''),
	       COALESCE(xml, ''), COALESCE(xml_protocolo, ''), criado_em, atualizado_em
	FROM nfpe_documents`

const selectItems = `
	SELECT id::text, nfpe_id::text, numero_item, codigo_produto, descricao, ncm, cfop, unidade,
	       quantidade, valor_unitario, valor_total, valor_frete, valor_seguro, valor_desconto, valor_outros,
	       COALESCE(icms_cst, ''), icms_base, icms_aliquota, icms_valor,
	       COALESCE(pis_cst, ''), pis_base, pis_aliquota, pis_valor,
	       COALESCE(cofins_cst, ''), cofins_base, cofins_aliquota, cofins_valor,
	       COALESCE(lote, ''), lote_validade, COALESCE(safra, ''), COALESCE(talhao, ''),
	       COALESCE(informacoes_adicionais, '')
	FROM nfpe_items
	WHERE nfpe_id = $1
	ORDER BY numero_item`

// Create allocates the farm's next number and inserts the document and its
// items in one transaction. The farm row stays locked until commit, so two
// concurrent creations for the same farm get consecutive numbers.
func (r *Repository) Create(ctx context.Context, doc nfpe.Document) (nfpe.Document, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nfpe.Document{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var series int
	if err := tx.QueryRow(ctx, nextNumberQuery, doc.FarmID).Scan(&doc.Number, &series); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nfpe.Document{}, fmt.Errorf("farm %s: %w", doc.FarmID, nfpe.ErrNotFound)
		}
		return nfpe.Document{}, fmt.Errorf("allocate number: %w", err)
	}
	if doc.Series == 0 {
		doc.Series = series
	}
	doc.ID = uuid.NewString()
	doc.Status = nfpe.StatusPending
	doc.Attempts = 0

	query := `
		INSERT INTO nfpe_documents (
			id, farm_id, erp_movimento_id, numero, serie, chave_acesso, codigo_numerico,
			tipo_emissao, tipo_operacao, finalidade, indicador_presenca, natureza_operacao,
			data_emissao, data_saida, status,
			valor_produtos, valor_frete, valor_seguro, valor_desconto, valor_outros, valor_total,
			base_icms, valor_icms, valor_pis, valor_cofins, valor_ipi,
			dest_documento, dest_nome, dest_inscricao_estadual, dest_email,
			dest_logradouro, dest_numero, dest_complemento, dest_bairro,
			dest_codigo_municipio, dest_municipio, dest_uf, dest_cep,
			modalidade_frete, transportadora_documento, transportadora_nome, veiculo_placa, veiculo_uf,
			informacoes_complementares, informacoes_fisco
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15,
			$16, $17, $18, $19, $20, $21,
			$22, $23, $24, $25, $26,
			$27, $28, $29, $30,
			$31, $32, $33, $34,
			$35, $36, $37, $38,
			$39, $40, $41, $42, $43,
			$44, $45
		) RETURNING criado_em, atualizado_em
	`

	err = tx.QueryRow(ctx, query,
		doc.ID,
		doc.FarmID,
		nullIfEmpty(doc.ERPMovementID),
		doc.Number,
		doc.Series,
		nullIfEmpty(doc.AccessKey),
		nullIfEmpty(doc.Nonce),
		doc.EmissionType,
		doc.OperationType,
		doc.Purpose,
		doc.PresenceIndicator,
		doc.NatureOfOperation,
		doc.IssuedAt,
		doc.ExitAt,
		string(doc.Status),
		numeric(doc.Totals.Products),
		numeric(doc.Totals.Freight),
		numeric(doc.Totals.Insurance),
		numeric(doc.Totals.Discount),
		numeric(doc.Totals.Other),
		numeric(doc.Totals.Total),
		numeric(doc.Totals.ICMSBase),
		numeric(doc.Totals.ICMS),
		numeric(doc.Totals.PIS),
		numeric(doc.Totals.COFINS),
		numeric(doc.Totals.IPI),
		accesskey.Digits(doc.Recipient.Document),
		doc.Recipient.Name,
		nullIfEmpty(doc.Recipient.StateRegistration),
		nullIfEmpty(doc.Recipient.Email),
		doc.Recipient.Address.Street,
		doc.Recipient.Address.Number,
		nullIfEmpty(doc.Recipient.Address.Complement),
		doc.Recipient.Address.District,
		doc.Recipient.Address.MunicipalityCode,
		doc.Recipient.Address.Municipality,
		doc.Recipient.Address.State,
		accesskey.Digits(doc.Recipient.Address.PostalCode),
		doc.Transport.FreightMode,
		nullIfEmpty(accesskey.Digits(doc.Transport.CarrierDocument)),
		nullIfEmpty(doc.Transport.CarrierName),
		nullIfEmpty(doc.Transport.VehiclePlate),
		nullIfEmpty(doc.Transport.VehicleState),
		nullIfEmpty(doc.AdditionalInfo),
		nullIfEmpty(doc.FiscoInfo),
	).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok && constraint == constraintERPMovement {
			return nfpe.Document{}, nfpe.ErrDuplicateMovement
		}
		return nfpe.Document{}, fmt.Errorf("insert document: %w", err)
	}

	doc.Items = append([]nfpe.Item(nil), doc.Items...)
	batch := &pgx.Batch{}
	for i := range doc.Items {
		item := &doc.Items[i]
		item.ID = uuid.NewString()
		item.DocumentID = doc.ID
		queueItem(batch, *item)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return nfpe.Document{}, fmt.Errorf("insert items: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nfpe.Document{}, fmt.Errorf("commit transaction: %w", err)
	}

	r.log.InfoContext(ctx, "document created",
		"document_id", doc.ID,
		"farm_id", doc.FarmID,
		"number", doc.Number,
		"series", doc.Series,
	)
	return doc, nil
}

func queueItem(batch *pgx.Batch, item nfpe.Item) {
	batch.Queue(`
		INSERT INTO nfpe_items (
			id, nfpe_id, numero_item, codigo_produto, descricao, ncm, cfop, unidade,
			quantidade, valor_unitario, valor_total, valor_frete, valor_seguro, valor_desconto, valor_outros,
			icms_cst, icms_base, icms_aliquota, icms_valor,
			pis_cst, pis_base, pis_aliquota, pis_valor,
			cofins_cst, cofins_base, cofins_aliquota, cofins_valor,
			lote, lote_validade, safra, talhao, informacoes_adicionais
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19,
			$20, $21, $22, $23,
			$24, $25, $26, $27,
			$28, $29, $30, $31, $32
		)`,
		item.ID,
		item.DocumentID,
		item.Number,
		item.ProductCode,
		item.Description,
		item.NCM,
		item.CFOP,
		item.Unit,
		numeric(item.Quantity),
		numeric(item.UnitPrice),
		numeric(item.Total),
		numeric(item.Freight),
		numeric(item.Insurance),
		numeric(item.Discount),
		numeric(item.Other),
		nullIfEmpty(item.ICMS.CST),
		numeric(item.ICMS.Base),
		numeric(item.ICMS.Rate),
		numeric(item.ICMS.Value),
		nullIfEmpty(item.PIS.CST),
		numeric(item.PIS.Base),
		numeric(item.PIS.Rate),
		numeric(item.PIS.Value),
		nullIfEmpty(item.COFINS.CST),
		numeric(item.COFINS.Base),
		numeric(item.COFINS.Rate),
		numeric(item.COFINS.Value),
		nullIfEmpty(item.Batch),
		item.BatchExpiresAt,
		nullIfEmpty(item.HarvestSeason),
		nullIfEmpty(item.FieldPlot),
		nullIfEmpty(item.AdditionalInfo),
	)
}

// Get returns the document with its items.
func (r *Repository) Get(ctx context.Context, id string) (*nfpe.Document, error) {
	return r.findDocument(ctx, selectDocument+` WHERE id = $1`, id)
}

// FindByERPMovement returns the document created for an ERP movement.
func (r *Repository) FindByERPMovement(ctx context.Context, movementID string) (*nfpe.Document, error) {
	return r.findDocument(ctx, selectDocument+` WHERE erp_movimento_id = $1`, movementID)
}

func (r *Repository) findDocument(ctx context.Context, query string, arg any) (*nfpe.Document, error) {
	doc, err := scanDocument(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nfpe.ErrNotFound
		}
		return nil, err
	}
	if doc.Items, err = r.items(ctx, doc.ID); err != nil {
		return nil, err
	}
	return &doc, nil
}

// List returns documents newest first along with the unpaged total. Items
// are not loaded.
func (r *Repository) List(ctx context.Context, filter nfpe.ListFilter) ([]nfpe.Document, int, error) {
	var where []string
	var args []any
	if filter.FarmID != "" {
		args = append(args, filter.FarmID)
		where = append(where, fmt.Sprintf("farm_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM nfpe_documents`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count documents: %w", err)
	}

	query := selectDocument + clause + ` ORDER BY criado_em DESC, numero DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	docs := []nfpe.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, total, nil
}

// Claim moves the document to PROCESSING when its status is one of from.
// The WHERE clause is the compare-and-set; zero affected rows means another
// worker holds it or the status moved on.
func (r *Repository) Claim(ctx context.Context, id string, from ...nfpe.Status) (bool, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE nfpe_documents
		SET status = $3, tentativas = tentativas + 1, atualizado_em = NOW()
		WHERE id = $1 AND status = ANY($2)`,
		id, states, string(nfpe.StatusProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("claim document: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, r.ensureExists(ctx, id)
}

// Save writes the lifecycle fields of doc. The status and attempt guard
// make it a compare-and-set against the attempt that holds the document.
func (r *Repository) Save(ctx context.Context, doc *nfpe.Document, held nfpe.Status) error {
	err := r.pool.QueryRow(ctx, `
		UPDATE nfpe_documents
		SET chave_acesso = $2, codigo_numerico = $3, status = $4, protocolo = $5, recibo = $6,
		    codigo_status = $7, mensagem_status = $8, data_autorizacao = $9,
		    xml = $10, xml_protocolo = $11, atualizado_em = NOW()
		WHERE id = $1 AND status = $12 AND tentativas = $13
		RETURNING atualizado_em`,
		doc.ID,
		nullIfEmpty(doc.AccessKey),
		nullIfEmpty(doc.Nonce),
		string(doc.Status),
		nullIfEmpty(doc.Protocol),
		nullIfEmpty(doc.Receipt),
		nullIfEmpty(doc.StatusCode),
		nullIfEmpty(doc.StatusMessage),
		doc.AuthorizedAt,
		nullIfNoBytes(doc.XML),
		nullIfNoBytes(doc.ProtocolXML),
		string(held),
		doc.Attempts,
	).Scan(&doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.lostOrMissing(ctx, doc.ID)
		}
		if constraint, ok := uniqueViolation(err); ok && constraint == constraintAccessKey {
			return nfpe.ErrDuplicateAccessKey
		}
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

// Touch refreshes atualizado_em of a PROCESSING document still at attempts.
func (r *Repository) Touch(ctx context.Context, id string, attempts int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE nfpe_documents SET atualizado_em = NOW()
		WHERE id = $1 AND status = $2 AND tentativas = $3`,
		id, string(nfpe.StatusProcessing), attempts,
	)
	if err != nil {
		return fmt.Errorf("touch document: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return r.lostOrMissing(ctx, id)
}

func (r *Repository) lostOrMissing(ctx context.Context, id string) error {
	if err := r.ensureExists(ctx, id); err != nil {
		return err
	}
	return nfpe.ErrOwnershipLost
}

// Transition is a compare-and-set on status alone.
func (r *Repository) Transition(ctx context.Context, id string, from, to nfpe.Status) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE nfpe_documents SET status = $3, atualizado_em = NOW()
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return false, fmt.Errorf("transition document: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, r.ensureExists(ctx, id)
}

// Delete removes events, items and the document, in that order, in one
// transaction.
func (r *Repository) Delete(ctx context.Context, id string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM nfpe_events WHERE nfpe_id = $1`, id); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM nfpe_items WHERE nfpe_id = $1`, id); err != nil {
		return fmt.Errorf("delete items: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM nfpe_documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nfpe.ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListRetryable returns PENDING documents and ERROR documents below
// maxAttempts, least recently touched first.
func (r *Repository) ListRetryable(ctx context.Context, maxAttempts, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text FROM nfpe_documents
		WHERE status = $1 OR (status = $2 AND tentativas < $3)
		ORDER BY atualizado_em
		LIMIT NULLIF($4, 0)`,
		string(nfpe.StatusPending), string(nfpe.StatusError), maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query retryable documents: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect retryable documents: %w", err)
	}
	return ids, nil
}

// ReleaseStale fails documents whose worker stopped touching them.
func (r *Repository) ReleaseStale(ctx context.Context, olderThan time.Duration, message string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE nfpe_documents
		SET status = $1, codigo_status = NULL, mensagem_status = $2, atualizado_em = NOW()
		WHERE status = $3 AND atualizado_em < NOW() - make_interval(secs => $4)
		RETURNING id::text`,
		string(nfpe.StatusError), message, string(nfpe.StatusProcessing), olderThan.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("release stale documents: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect stale documents: %w", err)
	}
	if len(ids) > 0 {
		r.log.Warn("released stale documents", "count", len(ids))
	}
	return ids, nil
}

func (r *Repository) ensureExists(ctx context.Context, id string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM nfpe_documents WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check document: %w", err)
	}
	if !exists {
		return nfpe.ErrNotFound
	}
	return nil
}

func (r *Repository) items(ctx context.Context, documentID string) ([]nfpe.Item, error) {
	rows, err := r.pool.Query(ctx, selectItems, documentID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []nfpe.Item
	for rows.Next() {
		var it nfpe.Item
		if err := rows.Scan(
			&it.ID, &it.DocumentID, &it.Number, &it.ProductCode, &it.Description, &it.NCM, &it.CFOP, &it.Unit,
			&it.Quantity, &it.UnitPrice, &it.Total, &it.Freight, &it.Insurance, &it.Discount, &it.Other,
			&it.ICMS.CST, &it.ICMS.Base, &it.ICMS.Rate, &it.ICMS.Value,
			&it.PIS.CST, &it.PIS.Base, &it.PIS.Rate, &it.PIS.Value,
			&it.COFINS.CST, &it.COFINS.Base, &it.COFINS.Rate, &it.COFINS.Value,
			&it.Batch, &it.BatchExpiresAt, &it.HarvestSeason, &it.FieldPlot,
			&it.AdditionalInfo,
		); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

func scanDocument(row pgx.Row) (nfpe.Document, error) {
	var d nfpe.Document
	var xml, protocolXML string
	err := row.Scan(
		&d.ID, &d.FarmID, &d.ERPMovementID, &d.Number, &d.Series,
		&d.AccessKey, &d.Nonce,
		&d.EmissionType, &d.OperationType, &d.Purpose, &d.PresenceIndicator, &d.NatureOfOperation,
		&d.IssuedAt, &d.ExitAt, &d.AuthorizedAt,
		&d.Status, &d.Protocol, &d.Receipt,
		&d.StatusCode, &d.StatusMessage, &d.Attempts,
		&d.Totals.Products, &d.Totals.Freight, &d.Totals.Insurance, &d.Totals.Discount, &d.Totals.Other, &d.Totals.Total,
		&d.Totals.ICMSBase, &d.Totals.ICMS, &d.Totals.PIS, &d.Totals.COFINS, &d.Totals.IPI,
		&d.Recipient.Document, &d.Recipient.Name, &d.Recipient.StateRegistration, &d.Recipient.Email,
		&d.Recipient.Address.Street, &d.Recipient.Address.Number, &d.Recipient.Address.Complement, &d.Recipient.Address.District,
		&d.Recipient.Address.MunicipalityCode, &d.Recipient.Address.Municipality, &d.Recipient.Address.State, &d.Recipient.Address.PostalCode,
		&d.Transport.FreightMode, &d.Transport.CarrierDocument, &d.Transport.CarrierName,
		&d.Transport.VehiclePlate, &d.Transport.VehicleState,
		&d.AdditionalInfo, &d.FiscoInfo,
		&xml, &protocolXML, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nfpe.Document{}, fmt.Errorf("scan document: %w", err)
	}
	if xml != "" {
		d.XML = []byte(xml)
	}
	if protocolXML != "" {
		d.ProtocolXML = []byte(protocolXML)
	}
	return d, nil
}
