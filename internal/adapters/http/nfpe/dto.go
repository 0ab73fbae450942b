package nfpe

import (
	"time"

	"github.com/shopspring/decimal"

	"fazendabrasil/gonfpe/internal/core/nfpe"
)

// AddressRequest is a structured address in a request body.
type AddressRequest struct {
	Street           string `json:"logradouro" validate:"required,max=60"`
	Number           string `json:"numero" validate:"required,max=60"`
	Complement       string `json:"complemento" validate:"max=60"`
	District         string `json:"bairro" validate:"required,max=60"`
	MunicipalityCode string `json:"codigo_municipio" validate:"required,len=7,numeric"`
	Municipality     string `json:"municipio" validate:"required,max=60"`
	State            string `json:"uf" validate:"required,len=2"`
	PostalCode       string `json:"cep" validate:"required"`
}

func (a AddressRequest) domain() nfpe.Address {
	return nfpe.Address{
		Street:           a.Street,
		Number:           a.Number,
		Complement:       a.Complement,
		District:         a.District,
		MunicipalityCode: a.MunicipalityCode,
		Municipality:     a.Municipality,
		State:            a.State,
		PostalCode:       a.PostalCode,
	}
}

// TaxRequest carries the CST, base and rate of one tax; the value is
// always computed.
type TaxRequest struct {
	CST  string          `json:"cst" validate:"omitempty,max=3"`
	Base decimal.Decimal `json:"base"`
	Rate decimal.Decimal `json:"aliquota"`
}

func (t TaxRequest) domain() nfpe.TaxLine {
	return nfpe.TaxLine{CST: t.CST, Base: t.Base, Rate: t.Rate}
}

// ItemRequest is one product line.
type ItemRequest struct {
	ProductCode   string          `json:"codigo_produto" validate:"required,max=60"`
	Description   string          `json:"descricao" validate:"required,max=120"`
	NCM           string          `json:"ncm" validate:"required,len=8,numeric"`
	CFOP          string          `json:"cfop" validate:"required,len=4,numeric"`
	Unit          string          `json:"unidade" validate:"required,max=6"`
	Quantity      decimal.Decimal `json:"quantidade"`
	UnitPrice     decimal.Decimal `json:"valor_unitario"`
	Total         decimal.Decimal `json:"valor_total"`
	Discount      decimal.Decimal `json:"valor_desconto"`
	ICMS          TaxRequest      `json:"icms"`
	PIS           TaxRequest      `json:"pis"`
	COFINS        TaxRequest      `json:"cofins"`
	Batch         string          `json:"lote" validate:"max=20"`
	HarvestSeason string          `json:"safra" validate:"max=20"`
	FieldPlot     string          `json:"talhao" validate:"max=20"`
	Info          string          `json:"informacoes_adicionais" validate:"max=500"`
}

// CreateDocumentRequest is the body of POST /api/v1/nfpe.
type CreateDocumentRequest struct {
	FarmID            string     `json:"fazenda_id" validate:"required"`
	ERPMovementID     string     `json:"erp_movimento_id"`
	Series            int        `json:"serie" validate:"gte=0,lte=999"`
	NatureOfOperation string     `json:"natureza_operacao" validate:"required,max=60"`
	OperationType     *int       `json:"tipo_operacao" validate:"omitempty,oneof=0 1"`
	Purpose           int        `json:"finalidade" validate:"omitempty,oneof=1 2 3 4"`
	IssuedAt          *time.Time `json:"data_emissao"`
	ExitAt            *time.Time `json:"data_saida"`

	Recipient struct {
		Document          string         `json:"documento" validate:"required"`
		Name              string         `json:"nome" validate:"required,max=60"`
		StateRegistration string         `json:"inscricao_estadual" validate:"max=14"`
		Email             string         `json:"email" validate:"omitempty,email"`
		Address           AddressRequest `json:"endereco"`
	} `json:"destinatario"`

	Transport struct {
		FreightMode     *int   `json:"modalidade_frete" validate:"omitempty,oneof=0 1 2 3 4 9"`
		CarrierDocument string `json:"transportadora_documento"`
		CarrierName     string `json:"transportadora_nome" validate:"max=60"`
		VehiclePlate    string `json:"veiculo_placa" validate:"max=8"`
		VehicleState    string `json:"veiculo_uf" validate:"omitempty,len=2"`
	} `json:"transporte"`

	Freight   decimal.Decimal `json:"valor_frete"`
	Insurance decimal.Decimal `json:"valor_seguro"`
	Discount  decimal.Decimal `json:"valor_desconto"`
	Other     decimal.Decimal `json:"valor_outros"`

	AdditionalInfo string `json:"informacoes_complementares" validate:"max=5000"`

	Items []ItemRequest `json:"itens" validate:"required,min=1,max=990,dive"`
}

func (req CreateDocumentRequest) domain() nfpe.Document {
	doc := nfpe.Document{
		FarmID:            req.FarmID,
		ERPMovementID:     req.ERPMovementID,
		Series:            req.Series,
		EmissionType:      1,
		OperationType:     1,
		Purpose:           1,
		PresenceIndicator: 9,
		NatureOfOperation: req.NatureOfOperation,
		ExitAt:            req.ExitAt,
		Totals: nfpe.Totals{
			Freight:   req.Freight,
			Insurance: req.Insurance,
			Discount:  req.Discount,
			Other:     req.Other,
		},
		Recipient: nfpe.Recipient{
			Document:          req.Recipient.Document,
			Name:              req.Recipient.Name,
			StateRegistration: req.Recipient.StateRegistration,
			Email:             req.Recipient.Email,
			Address:           req.Recipient.Address.domain(),
		},
		Transport: nfpe.Transport{
			FreightMode:     nfpe.FreightNone,
			CarrierDocument: req.Transport.CarrierDocument,
			CarrierName:     req.Transport.CarrierName,
			VehiclePlate:    req.Transport.VehiclePlate,
			VehicleState:    req.Transport.VehicleState,
		},
		AdditionalInfo: req.AdditionalInfo,
	}
	if req.OperationType != nil {
		doc.OperationType = *req.OperationType
	}
	if req.Purpose != 0 {
		doc.Purpose = req.Purpose
	}
	if req.IssuedAt != nil {
		doc.IssuedAt = *req.IssuedAt
	}
	if req.Transport.FreightMode != nil {
		doc.Transport.FreightMode = *req.Transport.FreightMode
	}

	for i, it := range req.Items {
		total := it.Total
		if total.IsZero() {
			total = it.Quantity.Mul(it.UnitPrice).Round(2)
		}
		doc.Items = append(doc.Items, nfpe.Item{
			Number:         i + 1,
			ProductCode:    it.ProductCode,
			Description:    it.Description,
			NCM:            it.NCM,
			CFOP:           it.CFOP,
			Unit:           it.Unit,
			Quantity:       it.Quantity,
			UnitPrice:      it.UnitPrice,
			Total:          total,
			Discount:       it.Discount,
			ICMS:           it.ICMS.domain(),
			PIS:            it.PIS.domain(),
			COFINS:         it.COFINS.domain(),
			Batch:          it.Batch,
			HarvestSeason:  it.HarvestSeason,
			FieldPlot:      it.FieldPlot,
			AdditionalInfo: it.Info,
		})
	}
	return doc
}

// CreateFarmRequest is the body of POST /api/v1/farms. The certificate
// password is never accepted here; CertificateSecret names it in the
// secret store.
type CreateFarmRequest struct {
	CNPJ                  string         `json:"cnpj" validate:"required"`
	StateRegistration     string         `json:"inscricao_estadual" validate:"required,max=14"`
	MunicipalRegistration string         `json:"inscricao_municipal" validate:"max=15"`
	LegalName             string         `json:"razao_social" validate:"required,max=60"`
	TradeName             string         `json:"nome_fantasia" validate:"max=60"`
	TaxRegime             int            `json:"regime_tributario" validate:"omitempty,oneof=1 2 3"`
	Address               AddressRequest `json:"endereco"`
	Phone                 string         `json:"telefone" validate:"max=14"`
	CertificatePath       string         `json:"certificado_caminho"`
	CertificateSecret     string         `json:"certificado_segredo"`
	DefaultSeries         int            `json:"serie_padrao" validate:"gte=0,lte=999"`
}

func (req CreateFarmRequest) domain() nfpe.Farm {
	regime := req.TaxRegime
	if regime == 0 {
		regime = 1
	}
	return nfpe.Farm{
		CNPJ:                  req.CNPJ,
		StateRegistration:     req.StateRegistration,
		MunicipalRegistration: req.MunicipalRegistration,
		LegalName:             req.LegalName,
		TradeName:             req.TradeName,
		TaxRegime:             regime,
		Address:               req.Address.domain(),
		Phone:                 req.Phone,
		CertificatePath:       req.CertificatePath,
		CertificateSecret:     req.CertificateSecret,
		DefaultSeries:         req.DefaultSeries,
	}
}

// CancelRequest is the body of POST /api/v1/nfpe/{id}/cancel.
type CancelRequest struct {
	Justification string `json:"justificativa" validate:"required,min=15,max=255"`
}

// CorrectionRequest is the body of POST /api/v1/nfpe/{id}/correction.
type CorrectionRequest struct {
	Text string `json:"correcao" validate:"required,min=15,max=1000"`
}

// ListResponse wraps a page of documents.
type ListResponse struct {
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
	Data   []nfpe.Document `json:"data"`
}

// EventResponse reports the outcome of a cancellation or correction.
type EventResponse struct {
	Event          *nfpe.Event `json:"evento"`
	DocumentStatus nfpe.Status `json:"status_documento,omitempty"`
}

// SefazStatusResponse is the answer of consStatServ.
type SefazStatusResponse struct {
	Code       string     `json:"codigo_status"`
	Message    string     `json:"mensagem"`
	Available  bool       `json:"disponivel"`
	ReceivedAt *time.Time `json:"data_recebimento,omitempty"`
}

// RefreshResponse is the result of a situation query.
type RefreshResponse struct {
	Document *nfpe.Document `json:"documento"`
	Code     string         `json:"codigo_status"`
	Message  string         `json:"mensagem"`
}
