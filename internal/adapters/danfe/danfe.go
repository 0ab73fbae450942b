// Package danfe renders a simplified DANFE (Documento Auxiliar da NF-e) as a
// PDF for printing and for attaching to e-mails.
package danfe

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/shopspring/decimal"

	"fazendabrasil/gonfpe/internal/core/nfpe"
)

// Renderer builds DANFE PDFs.
type Renderer struct {
	// Compress toggles PDF stream compression; tests turn it off to look at
	// the text.
	Compress bool
	Location *time.Location
}

// NewRenderer returns a renderer that prints times in loc.
func NewRenderer(loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	return &Renderer{Compress: true, Location: loc}
}

// Render draws doc issued by farm. Documents that are not AUTHORIZED are
// stamped "SEM VALOR FISCAL".
func (r *Renderer) Render(doc nfpe.Document, farm nfpe.Farm) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(r.Compress)
	pdf.SetTitle(fmt.Sprintf("DANFE %d/%d", doc.Number, doc.Series), true)
	pdf.SetAutoPageBreak(true, 15)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	if doc.Status != nfpe.StatusAuthorized {
		pdf.SetFont("Arial", "B", 40)
		pdf.SetTextColor(220, 220, 220)
		pdf.TransformBegin()
		pdf.TransformRotate(35, 105, 150)
		pdf.Text(35, 170, "SEM VALOR FISCAL")
		pdf.TransformEnd()
	}
	pdf.SetTextColor(0, 0, 0)
	pdf.SetDrawColor(0, 0, 0)

	// Issuer and document identification.
	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(120, 7, tr(farm.LegalName), "LTR", 0, "L", false, 0, "")
	pdf.SetFont("Arial", "B", 14)
	pdf.CellFormat(70, 7, "DANFE", "LTR", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "", 8)
	addr := farm.Address
	pdf.CellFormat(120, 5, tr(fmt.Sprintf("%s, %s - %s", addr.Street, addr.Number, addr.District)), "LR", 0, "L", false, 0, "")
	pdf.CellFormat(70, 5, tr("Documento Auxiliar da Nota Fiscal Eletrônica"), "LR", 1, "C", false, 0, "")
	pdf.CellFormat(120, 5, tr(fmt.Sprintf("%s/%s - CEP %s", addr.Municipality, addr.State, addr.PostalCode)), "LR", 0, "L", false, 0, "")
	pdf.CellFormat(70, 5, fmt.Sprintf("%d - SAIDA", doc.OperationType), "LR", 1, "C", false, 0, "")
	pdf.CellFormat(120, 5, fmt.Sprintf("CNPJ %s   IE %s", formatCNPJ(farm.CNPJ), farm.StateRegistration), "LBR", 0, "L", false, 0, "")
	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(70, 5, fmt.Sprintf("No %09d  Serie %03d", doc.Number, doc.Series), "LBR", 1, "C", false, 0, "")

	r.field(pdf, 190, "CHAVE DE ACESSO", groupKey(doc.AccessKey), 1)
	protocol := "-"
	if doc.Protocol != "" {
		protocol = doc.Protocol
		if doc.AuthorizedAt != nil {
			protocol += "  " + doc.AuthorizedAt.In(r.Location).Format("02/01/2006 15:04:05")
		}
	}
	r.field(pdf, 120, "NATUREZA DA OPERACAO", tr(doc.NatureOfOperation), 0)
	r.field(pdf, 70, "PROTOCOLO DE AUTORIZACAO DE USO", protocol, 1)

	// Recipient.
	section(pdf, "DESTINATARIO / REMETENTE")
	rcp := doc.Recipient
	r.field(pdf, 120, "NOME / RAZAO SOCIAL", tr(rcp.Name), 0)
	r.field(pdf, 40, "CNPJ / CPF", formatDocument(rcp.Document), 0)
	r.field(pdf, 30, "DATA DA EMISSAO", doc.IssuedAt.In(r.Location).Format("02/01/2006"), 1)
	r.field(pdf, 120, "ENDERECO", tr(fmt.Sprintf("%s, %s - %s", rcp.Address.Street, rcp.Address.Number, rcp.Address.District)), 0)
	r.field(pdf, 40, "MUNICIPIO", tr(rcp.Address.Municipality), 0)
	r.field(pdf, 30, "UF / IE", rcp.Address.State+" "+rcp.StateRegistration, 1)

	// Totals.
	section(pdf, "CALCULO DO IMPOSTO")
	t := doc.Totals
	r.field(pdf, 38, "BASE DE CALCULO ICMS", money(t.ICMSBase), 0)
	r.field(pdf, 38, "VALOR DO ICMS", money(t.ICMS), 0)
	r.field(pdf, 38, "VALOR DO PIS", money(t.PIS), 0)
	r.field(pdf, 38, "VALOR DA COFINS", money(t.COFINS), 0)
	r.field(pdf, 38, "VALOR DOS PRODUTOS", money(t.Products), 1)
	r.field(pdf, 38, "VALOR DO FRETE", money(t.Freight), 0)
	r.field(pdf, 38, "VALOR DO SEGURO", money(t.Insurance), 0)
	r.field(pdf, 38, "DESCONTO", money(t.Discount), 0)
	r.field(pdf, 38, "OUTRAS DESPESAS", money(t.Other), 0)
	r.field(pdf, 38, "VALOR TOTAL DA NOTA", money(t.Total), 1)

	// Items.
	section(pdf, "DADOS DOS PRODUTOS / SERVICOS")
	widths := []float64{18, 62, 18, 12, 10, 18, 22, 22, 8}
	headers := []string{"CODIGO", "DESCRICAO", "NCM", "CFOP", "UN", "QTD", "V. UNIT", "V. TOTAL", "CST"}
	pdf.SetFont("Arial", "B", 6)
	pdf.SetFillColor(235, 235, 235)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 5, h, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(5)

	pdf.SetFont("Arial", "", 6)
	for _, item := range doc.Items {
		row := []string{
			item.ProductCode,
			tr(truncate(item.Description, 48)),
			item.NCM,
			item.CFOP,
			item.Unit,
			item.Quantity.StringFixed(4),
			item.UnitPrice.StringFixed(4),
			money(item.Total),
			item.ICMS.CST,
		}
		for i, v := range row {
			align := "L"
			if i >= 5 && i <= 7 {
				align = "R"
			}
			pdf.CellFormat(widths[i], 5, v, "1", 0, align, false, 0, "")
		}
		pdf.Ln(5)
	}

	if doc.AdditionalInfo != "" {
		section(pdf, "DADOS ADICIONAIS")
		pdf.SetFont("Arial", "", 7)
		pdf.MultiCell(190, 4, tr(doc.AdditionalInfo), "1", "L", false)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render danfe: %w", err)
	}
	return buf.Bytes(), nil
}

// field draws a labelled box: small caption on top, value below.
func (r *Renderer) field(pdf *gofpdf.Fpdf, w float64, label, value string, ln int) {
	x, y := pdf.GetXY()
	pdf.Rect(x, y, w, 9, "D")
	pdf.SetFont("Arial", "", 5)
	pdf.SetXY(x+1, y+0.5)
	pdf.CellFormat(w-2, 3, label, "", 0, "L", false, 0, "")
	pdf.SetFont("Arial", "B", 8)
	pdf.SetXY(x+1, y+3.5)
	pdf.CellFormat(w-2, 5, value, "", 0, "L", false, 0, "")
	if ln == 1 {
		left, _, _, _ := pdf.GetMargins()
		pdf.SetXY(left, y+9)
		return
	}
	pdf.SetXY(x+w, y)
}

func section(pdf *gofpdf.Fpdf, title string) {
	pdf.Ln(2)
	pdf.SetFont("Arial", "B", 7)
	pdf.CellFormat(190, 4, title, "", 1, "L", false, 0, "")
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// groupKey prints the access key in blocks of four digits.
func groupKey(key string) string {
	if key == "" {
		return "-"
	}
	var b strings.Builder
	for i, r := range key {
		if i > 0 && i%4 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatCNPJ(cnpj string) string {
	if len(cnpj) != 14 {
		return cnpj
	}
	return fmt.Sprintf("%s.%s.%s/%s-%s", cnpj[:2], cnpj[2:5], cnpj[5:8], cnpj[8:12], cnpj[12:])
}

func formatDocument(doc string) string {
	if len(doc) == 11 {
		return fmt.Sprintf("%s.%s.%s-%s", doc[:3], doc[3:6], doc[6:9], doc[9:])
	}
	return formatCNPJ(doc)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
