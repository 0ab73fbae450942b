package nfpe

import (
	"time"

	"github.com/shopspring/decimal"

	"fazendabrasil/gonfpe/internal/core/accesskey"
)

// Model is the fiscal model code of an NF-e/NFP-e.
const Model = "55"

// Tolerance is the largest accepted difference between a stored amount and
// the amount recomputed from its parts.
var Tolerance = decimal.New(1, -2)

// Document is one fiscal document issued by a farm.
type Document struct {
	ID            string `json:"id"`
	FarmID        string `json:"fazenda_id"`
	ERPMovementID string `json:"erp_movimento_id,omitempty"`

	Number    int64  `json:"numero"`
	Series    int    `json:"serie"`
	AccessKey string `json:"chave_acesso,omitempty"`
	Nonce     string `json:"codigo_numerico,omitempty"`

	EmissionType      int    `json:"tipo_emissao"`
	OperationType     int    `json:"tipo_operacao"`
	Purpose           int    `json:"finalidade"`
	PresenceIndicator int    `json:"indicador_presenca"`
	NatureOfOperation string `json:"natureza_operacao"`

	IssuedAt     time.Time  `json:"data_emissao"`
	ExitAt       *time.Time `json:"data_saida,omitempty"`
	AuthorizedAt *time.Time `json:"data_autorizacao,omitempty"`

	Status        Status `json:"status"`
	Protocol      string `json:"protocolo,omitempty"`
	Receipt       string `json:"recibo,omitempty"`
	StatusCode    string `json:"codigo_status,omitempty"`
	StatusMessage string `json:"mensagem_status,omitempty"`
	Attempts      int    `json:"tentativas"`

	Totals    Totals    `json:"totais"`
	Recipient Recipient `json:"destinatario"`
	Transport Transport `json:"transporte"`

	AdditionalInfo string `json:"informacoes_complementares,omitempty"`
	FiscoInfo      string `json:"informacoes_fisco,omitempty"`

	XML         []byte `json:"-"`
	ProtocolXML []byte `json:"-"`

	Items []Item `json:"itens"`

	CreatedAt time.Time `json:"criado_em"`
	UpdatedAt time.Time `json:"atualizado_em"`
}

// Totals are the document-level monetary aggregates.
type Totals struct {
	Products  decimal.Decimal `json:"valor_produtos"`
	Freight   decimal.Decimal `json:"valor_frete"`
	Insurance decimal.Decimal `json:"valor_seguro"`
	Discount  decimal.Decimal `json:"valor_desconto"`
	Other     decimal.Decimal `json:"valor_outros"`
	Total     decimal.Decimal `json:"valor_total"`
	ICMSBase  decimal.Decimal `json:"base_icms"`
	ICMS      decimal.Decimal `json:"valor_icms"`
	PIS       decimal.Decimal `json:"valor_pis"`
	COFINS    decimal.Decimal `json:"valor_cofins"`
	IPI       decimal.Decimal `json:"valor_ipi"`
}

// ExpectedTotal is products + freight + insurance + other - discount.
func (t Totals) ExpectedTotal() decimal.Decimal {
	return t.Products.Add(t.Freight).Add(t.Insurance).Add(t.Other).Sub(t.Discount)
}

// TaxTotal is the approximate tax burden reported in vTotTrib.
func (t Totals) TaxTotal() decimal.Decimal {
	return t.ICMS.Add(t.PIS).Add(t.COFINS)
}

// Address is a structured Brazilian postal address.
type Address struct {
	Street           string `json:"logradouro"`
	Number           string `json:"numero"`
	Complement       string `json:"complemento,omitempty"`
	District         string `json:"bairro"`
	MunicipalityCode string `json:"codigo_municipio"`
	Municipality     string `json:"municipio"`
	State            string `json:"uf"`
	PostalCode       string `json:"cep"`
	CountryCode      string `json:"codigo_pais,omitempty"`
	Country          string `json:"pais,omitempty"`
}

// Missing returns the names of the required fields left empty.
func (a Address) Missing() []string {
	var missing []string
	required := []struct {
		name  string
		value string
	}{
		{"logradouro", a.Street},
		{"numero", a.Number},
		{"bairro", a.District},
		{"codigo_municipio", a.MunicipalityCode},
		{"municipio", a.Municipality},
		{"uf", a.State},
		{"cep", a.PostalCode},
	}
	for _, f := range required {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// Recipient is the buyer or consignee of the goods.
type Recipient struct {
	Document          string  `json:"documento"`
	Name              string  `json:"nome"`
	StateRegistration string  `json:"inscricao_estadual,omitempty"`
	Email             string  `json:"email,omitempty"`
	Address           Address `json:"endereco"`
}

// IsCompany reports whether the recipient is identified by a CNPJ.
func (r Recipient) IsCompany() bool {
	return len(accesskey.Digits(r.Document)) == 14
}

// Transport describes the freight arrangement.
type Transport struct {
	FreightMode     int    `json:"modalidade_frete"`
	CarrierDocument string `json:"transportadora_documento,omitempty"`
	CarrierName     string `json:"transportadora_nome,omitempty"`
	VehiclePlate    string `json:"veiculo_placa,omitempty"`
	VehicleState    string `json:"veiculo_uf,omitempty"`
}

// FreightNone is modFrete 9 (sem ocorrência de transporte).
const FreightNone = 9

// TaxLine holds one tax category of a line item.
type TaxLine struct {
	CST   string          `json:"cst"`
	Base  decimal.Decimal `json:"base"`
	Rate  decimal.Decimal `json:"aliquota"`
	Value decimal.Decimal `json:"valor"`
}

// Item is one product line of a document.
type Item struct {
	ID          string `json:"id"`
	DocumentID  string `json:"nfpe_id"`
	Number      int    `json:"numero_item"`
	ProductCode string `json:"codigo_produto"`
	Description string `json:"descricao"`
	NCM         string `json:"ncm"`
	CFOP        string `json:"cfop"`
	Unit        string `json:"unidade"`

	Quantity  decimal.Decimal `json:"quantidade"`
	UnitPrice decimal.Decimal `json:"valor_unitario"`
	Total     decimal.Decimal `json:"valor_total"`
	Freight   decimal.Decimal `json:"valor_frete"`
	Insurance decimal.Decimal `json:"valor_seguro"`
	Discount  decimal.Decimal `json:"valor_desconto"`
	Other     decimal.Decimal `json:"valor_outros"`

	ICMS   TaxLine `json:"icms"`
	PIS    TaxLine `json:"pis"`
	COFINS TaxLine `json:"cofins"`

	Batch          string     `json:"lote,omitempty"`
	BatchExpiresAt *time.Time `json:"lote_validade,omitempty"`
	HarvestSeason  string     `json:"safra,omitempty"`
	FieldPlot      string     `json:"talhao,omitempty"`
	AdditionalInfo string     `json:"informacoes_adicionais,omitempty"`
}

// ExpectedTotal is quantity x unit price at 2 places.
func (i Item) ExpectedTotal() decimal.Decimal {
	return i.Quantity.Mul(i.UnitPrice).Round(2)
}

// WithinTolerance reports |a-b| <= 0.01.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

// Validate checks the structural invariants of a document that can be
// verified without talking to any remote service.
func (d *Document) Validate() error {
	v := &ValidationError{}

	if d.FarmID == "" {
		v.add("fazenda_id obrigatório")
	}
	if len(d.Items) == 0 {
		v.add("documento sem itens")
	}
	if d.NatureOfOperation == "" {
		v.add("natureza_operacao obrigatória")
	}

	doc := accesskey.Digits(d.Recipient.Document)
	if len(doc) != 11 && len(doc) != 14 {
		v.add("destinatario.documento deve ser CPF (11) ou CNPJ (14 dígitos)")
	}
	if d.Recipient.Name == "" {
		v.add("destinatario.nome obrigatório")
	}
	for _, field := range d.Recipient.Address.Missing() {
		v.add("destinatario.endereco.%s obrigatório", field)
	}

	seen := make(map[int]bool, len(d.Items))
	for idx, item := range d.Items {
		if seen[item.Number] {
			v.add("item %d: numero_item duplicado", item.Number)
		}
		seen[item.Number] = true
		validateItem(v, idx, item)
	}

	if !WithinTolerance(d.Totals.Total, d.Totals.ExpectedTotal()) {
		v.add("valor_total %s difere de produtos+frete+seguro+outros-desconto (%s)",
			d.Totals.Total.StringFixed(2), d.Totals.ExpectedTotal().StringFixed(2))
	}

	if d.AccessKey != "" {
		if err := accesskey.Validate(d.AccessKey); err != nil {
			v.add("chave_acesso inválida: %v", err)
		}
	}

	return v.orNil()
}

func validateItem(v *ValidationError, idx int, item Item) {
	label := item.Number
	if label == 0 {
		label = idx + 1
		v.add("item %d: numero_item obrigatório", label)
	}
	if item.Description == "" {
		v.add("item %d: descricao obrigatória", label)
	}
	if len(item.NCM) != 8 || !accesskey.IsNumeric(item.NCM) {
		v.add("item %d: ncm deve ter 8 dígitos", label)
	}
	if len(item.CFOP) != 4 || !accesskey.IsNumeric(item.CFOP) {
		v.add("item %d: cfop deve ter 4 dígitos", label)
	}
	if item.Unit == "" {
		v.add("item %d: unidade obrigatória", label)
	}
	if !item.Quantity.IsPositive() {
		v.add("item %d: quantidade deve ser positiva", label)
	}
	if item.UnitPrice.IsNegative() {
		v.add("item %d: valor_unitario não pode ser negativo", label)
	}
	if !WithinTolerance(item.Total, item.ExpectedTotal()) {
		v.add("item %d: valor_total %s difere de quantidade x valor_unitario (%s)",
			label, item.Total.StringFixed(2), item.ExpectedTotal().StringFixed(2))
	}
}
