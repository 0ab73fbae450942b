// Package tax computes ICMS, PIS and COFINS amounts for NFP-e items.
package tax

import (
	"github.com/shopspring/decimal"

	"fazendabrasil/gonfpe/internal/core/nfpe"
)

var hundred = decimal.NewFromInt(100)

// Compute returns round(base x rate / 100, 2), half away from zero.
func Compute(base, rate decimal.Decimal) decimal.Decimal {
	return base.Mul(rate).Div(hundred).Round(2)
}

// ApplyItem fills the computed value of each tax line of item. PIS and
// COFINS default their base to the item total when none is given.
func ApplyItem(item *nfpe.Item) {
	item.ICMS.Value = Compute(item.ICMS.Base, item.ICMS.Rate)

	if item.PIS.Base.IsZero() {
		item.PIS.Base = item.Total
	}
	item.PIS.Value = Compute(item.PIS.Base, item.PIS.Rate)

	if item.COFINS.Base.IsZero() {
		item.COFINS.Base = item.Total
	}
	item.COFINS.Value = Compute(item.COFINS.Base, item.COFINS.Rate)
}

// Aggregate sums the item taxes into document totals.
type Aggregate struct {
	ICMSBase decimal.Decimal
	ICMS     decimal.Decimal
	PIS      decimal.Decimal
	COFINS   decimal.Decimal
}

// Sum aggregates the stored tax values of items.
func Sum(items []nfpe.Item) Aggregate {
	var agg Aggregate
	for _, it := range items {
		agg.ICMSBase = agg.ICMSBase.Add(it.ICMS.Base)
		agg.ICMS = agg.ICMS.Add(it.ICMS.Value)
		agg.PIS = agg.PIS.Add(it.PIS.Value)
		agg.COFINS = agg.COFINS.Add(it.COFINS.Value)
	}
	return agg
}

// ApplyDocument computes every item and rolls the results up into the
// document totals. Product total and grand total are derived from the
// items when the caller left them zero.
func ApplyDocument(doc *nfpe.Document) {
	products := decimal.Zero
	for i := range doc.Items {
		ApplyItem(&doc.Items[i])
		products = products.Add(doc.Items[i].Total)
	}

	agg := Sum(doc.Items)
	doc.Totals.ICMSBase = agg.ICMSBase
	doc.Totals.ICMS = agg.ICMS
	doc.Totals.PIS = agg.PIS
	doc.Totals.COFINS = agg.COFINS

	if doc.Totals.Products.IsZero() {
		doc.Totals.Products = products
	}
	if doc.Totals.Total.IsZero() {
		doc.Totals.Total = doc.Totals.ExpectedTotal()
	}
}

// Mismatch describes a stored tax value that disagrees with its base and rate.
type Mismatch struct {
	Item     int             `json:"numero_item"`
	Tax      string          `json:"tributo"`
	Stored   decimal.Decimal `json:"valor_informado"`
	Expected decimal.Decimal `json:"valor_esperado"`
}

// Verify recomputes a tax line and reports whether the stored value is
// off by more than 0.01.
func Verify(line nfpe.TaxLine) (decimal.Decimal, bool) {
	expected := Compute(line.Base, line.Rate)
	return expected, !nfpe.WithinTolerance(expected, line.Value)
}

// VerifyItems checks every tax line of every item.
func VerifyItems(items []nfpe.Item) []Mismatch {
	var out []Mismatch
	for _, it := range items {
		for _, tl := range []struct {
			name string
			line nfpe.TaxLine
		}{{"ICMS", it.ICMS}, {"PIS", it.PIS}, {"COFINS", it.COFINS}} {
			if expected, bad := Verify(tl.line); bad {
				out = append(out, Mismatch{Item: it.Number, Tax: tl.name, Stored: tl.line.Value, Expected: expected})
			}
		}
	}
	return out
}
