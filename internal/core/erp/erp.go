// Package erp models the inventory movements read from the farm ERP
// (TOTVS Protheus Agro).
package erp

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Movement statuses exchanged with the ERP.
const (
	StatusPendingInvoice = "PENDENTE_NFE"
	StatusIssued         = "NFE_EMITIDA"
	StatusAuthorized     = "NFE_AUTORIZADA"
	StatusRejected       = "NFE_REJEITADA"
)

// DefaultOperations are the operation types imported by default.
var DefaultOperations = []string{"VENDA", "TRANSFERENCIA"}

// Movement is a stock movement waiting for an invoice. The farm is
// identified by ClientSupplier, the counterpart by TaxID.
type Movement struct {
	ID                string          `json:"id"`
	Branch            string          `json:"filial"`
	Document          string          `json:"documento"`
	Series            string          `json:"serie"`
	IssuedAt          string          `json:"data_emissao"`
	ExitAt            string          `json:"data_saida,omitempty"`
	ClientSupplier    string          `json:"cliente_fornecedor"`
	Store             string          `json:"loja"`
	Name              string          `json:"nome"`
	TaxID             string          `json:"cnpj_cpf"`
	StateRegistration string          `json:"inscricao_estadual,omitempty"`
	Address           Address         `json:"endereco"`
	Items             []MovementItem  `json:"itens"`
	Total             decimal.Decimal `json:"valor_total"`
	Products          decimal.Decimal `json:"valor_produtos"`
	Freight           decimal.Decimal `json:"valor_frete"`
	Discount          decimal.Decimal `json:"valor_desconto"`
	FreightMode       int             `json:"modalidade_frete"`
	Carrier           *Carrier        `json:"transportador,omitempty"`
	TES               string          `json:"tes"`
	CFOP              string          `json:"cfop"`
	NatureOfOperation string          `json:"natureza_operacao"`
	Status            string          `json:"status"`
}

// Address is the counterpart address as the ERP sends it.
type Address struct {
	Street           string `json:"logradouro"`
	Number           string `json:"numero"`
	Complement       string `json:"complemento,omitempty"`
	District         string `json:"bairro"`
	MunicipalityCode string `json:"codigo_municipio"`
	Municipality     string `json:"municipio"`
	State            string `json:"uf"`
	PostalCode       string `json:"cep"`
}

// Carrier is the optional transporter block.
type Carrier struct {
	Document string `json:"cnpj_cpf"`
	Name     string `json:"nome"`
	Plate    string `json:"placa,omitempty"`
	State    string `json:"uf,omitempty"`
}

// MovementItem is one product line of a movement.
type MovementItem struct {
	Item          string          `json:"item"`
	Product       string          `json:"produto"`
	Description   string          `json:"descricao"`
	NCM           string          `json:"ncm"`
	CFOP          string          `json:"cfop"`
	Unit          string          `json:"unidade"`
	Quantity      decimal.Decimal `json:"quantidade"`
	UnitPrice     decimal.Decimal `json:"preco_unitario"`
	Total         decimal.Decimal `json:"valor_total"`
	Discount      decimal.Decimal `json:"valor_desconto"`
	ICMSCST       string          `json:"cst_icms,omitempty"`
	ICMSRate      decimal.Decimal `json:"aliquota_icms"`
	ICMSValue     decimal.Decimal `json:"valor_icms"`
	ICMSBase      decimal.Decimal `json:"base_icms"`
	PISCST        string          `json:"cst_pis,omitempty"`
	PISRate       decimal.Decimal `json:"aliquota_pis"`
	PISValue      decimal.Decimal `json:"valor_pis"`
	COFINSCST     string          `json:"cst_cofins,omitempty"`
	COFINSRate    decimal.Decimal `json:"aliquota_cofins"`
	COFINSValue   decimal.Decimal `json:"valor_cofins"`
	Batch         string          `json:"lote,omitempty"`
	FieldPlot     string          `json:"talhao,omitempty"`
	HarvestSeason string          `json:"safra,omitempty"`
}

// StatusUpdate is written back to a movement after invoicing.
type StatusUpdate struct {
	Status    string
	UpdatedAt time.Time
	AccessKey string
	Number    int64
	Series    int
}

// Source is the ERP seen as a producer of pending movements.
type Source interface {
	ListPendingMovements(ctx context.Context, start, end time.Time, operations []string) ([]Movement, error)
	GetMovement(ctx context.Context, id string) (*Movement, error)
	UpdateMovementStatus(ctx context.Context, id string, update StatusUpdate) error
}
