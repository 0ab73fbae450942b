// Package compliance audits stored documents against the fiscal
// arithmetic rules without contacting SEFAZ.
package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fazendabrasil/gonfpe/internal/core/accesskey"
	"fazendabrasil/gonfpe/internal/core/nfpe"
	"fazendabrasil/gonfpe/internal/core/tax"
)

// Check names.
const (
	CheckTotals     = "totais"
	CheckLineTotals = "itens_valor_total"
	CheckItemTaxes  = "tributos_itens"
	CheckTaxTotals  = "tributos_totais"
	CheckAccessKey  = "chave_acesso"
)

// Finding is one failed check.
type Finding struct {
	Check   string `json:"verificacao"`
	Item    int    `json:"numero_item,omitempty"`
	Message string `json:"mensagem"`
}

// Report is the outcome of auditing one document.
type Report struct {
	DocumentID string    `json:"nfpe_id"`
	Status     string    `json:"status"`
	Compliant  bool      `json:"conforme"`
	Checks     []string  `json:"verificacoes"`
	Findings   []Finding `json:"inconsistencias"`
	CheckedAt  time.Time `json:"verificado_em"`
}

// Service loads documents and audits them.
type Service struct {
	docs nfpe.DocumentRepository
	now  func() time.Time
}

func NewService(docs nfpe.DocumentRepository) *Service {
	return &Service{docs: docs, now: time.Now}
}

// Report audits the stored document id.
func (s *Service) Report(ctx context.Context, id string) (*Report, error) {
	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r := Check(doc)
	r.CheckedAt = s.now()
	return &r, nil
}

// Check runs every rule against doc. The access-key rule only applies once
// a key has been assigned.
func Check(doc *nfpe.Document) Report {
	r := Report{
		DocumentID: doc.ID,
		Status:     string(doc.Status),
		Checks:     []string{CheckTotals, CheckLineTotals, CheckItemTaxes, CheckTaxTotals},
		Findings:   []Finding{},
	}

	if expected := doc.Totals.ExpectedTotal(); !nfpe.WithinTolerance(doc.Totals.Total, expected) {
		r.add(CheckTotals, 0, "valor_total %s, esperado %s", doc.Totals.Total.StringFixed(2), expected.StringFixed(2))
	}

	for _, it := range doc.Items {
		if expected := it.ExpectedTotal(); !nfpe.WithinTolerance(it.Total, expected) {
			r.add(CheckLineTotals, it.Number, "valor_total %s, esperado %s", it.Total.StringFixed(2), expected.StringFixed(2))
		}
	}

	for _, m := range tax.VerifyItems(doc.Items) {
		r.add(CheckItemTaxes, m.Item, "%s informado %s, esperado %s", m.Tax, m.Stored.StringFixed(2), m.Expected.StringFixed(2))
	}

	agg := tax.Sum(doc.Items)
	for _, tt := range []struct {
		name   string
		stored decimal.Decimal
		summed decimal.Decimal
	}{
		{"base_icms", doc.Totals.ICMSBase, agg.ICMSBase},
		{"valor_icms", doc.Totals.ICMS, agg.ICMS},
		{"valor_pis", doc.Totals.PIS, agg.PIS},
		{"valor_cofins", doc.Totals.COFINS, agg.COFINS},
	} {
		if !nfpe.WithinTolerance(tt.stored, tt.summed) {
			r.add(CheckTaxTotals, 0, "%s %s difere da soma dos itens %s", tt.name, tt.stored.StringFixed(2), tt.summed.StringFixed(2))
		}
	}

	if doc.AccessKey != "" {
		r.Checks = append(r.Checks, CheckAccessKey)
		if err := accesskey.Validate(doc.AccessKey); err != nil {
			r.add(CheckAccessKey, 0, "%v", err)
		}
	}

	r.Compliant = len(r.Findings) == 0
	return r
}

func (r *Report) add(check string, item int, format string, args ...any) {
	r.Findings = append(r.Findings, Finding{Check: check, Item: item, Message: fmt.Sprintf(format, args...)})
}
