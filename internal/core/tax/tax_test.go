package tax

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"fazendabrasil/gonfpe/internal/core/nfpe"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCompute(t *testing.T) {
	tests := []struct {
		base, rate, want string
	}{
		{"1000.00", "12", "120"},
		{"1234.56", "1.65", "20.37"},
		{"1234.56", "7.6", "93.83"},
		{"0.50", "1", "0.01"},
		{"0.49", "1", "0"},
		{"100", "0", "0"},
	}
	for _, tt := range tests {
		got := Compute(d(tt.base), d(tt.rate))
		assert.True(t, got.Equal(d(tt.want)), "Compute(%s, %s) = %s, want %s", tt.base, tt.rate, got, tt.want)
	}
}

func TestApplyDocument(t *testing.T) {
	doc := &nfpe.Document{
		Totals: nfpe.Totals{Freight: d("50")},
		Items: []nfpe.Item{
			{
				Number: 1, Quantity: d("100"), UnitPrice: d("10"), Total: d("1000"),
				ICMS:   nfpe.TaxLine{CST: "00", Base: d("1000"), Rate: d("12")},
				PIS:    nfpe.TaxLine{CST: "01", Rate: d("1.65")},
				COFINS: nfpe.TaxLine{CST: "01", Rate: d("7.6")},
			},
			{
				Number: 2, Quantity: d("3"), UnitPrice: d("33.3333"), Total: d("100"),
				ICMS:   nfpe.TaxLine{CST: "41"},
				PIS:    nfpe.TaxLine{CST: "07"},
				COFINS: nfpe.TaxLine{CST: "07"},
			},
		},
	}

	ApplyDocument(doc)

	assert.True(t, doc.Items[0].ICMS.Value.Equal(d("120")))
	assert.True(t, doc.Items[0].PIS.Base.Equal(d("1000")), "PIS base defaults to item total")
	assert.True(t, doc.Items[0].PIS.Value.Equal(d("16.50")))
	assert.True(t, doc.Items[0].COFINS.Value.Equal(d("76")))
	assert.True(t, doc.Items[1].ICMS.Value.IsZero())

	assert.True(t, doc.Totals.ICMS.Equal(d("120")))
	assert.True(t, doc.Totals.ICMSBase.Equal(d("1000")))
	assert.True(t, doc.Totals.PIS.Equal(d("16.5")))
	assert.True(t, doc.Totals.COFINS.Equal(d("76")))
	assert.True(t, doc.Totals.Products.Equal(d("1100")))
	assert.True(t, doc.Totals.Total.Equal(d("1150")))
}

func TestVerifyItems(t *testing.T) {
	items := []nfpe.Item{
		{Number: 1, ICMS: nfpe.TaxLine{Base: d("1000"), Rate: d("12"), Value: d("120.01")}},
		{Number: 2, ICMS: nfpe.TaxLine{Base: d("1000"), Rate: d("12"), Value: d("119.90")}},
		{Number: 3, PIS: nfpe.TaxLine{Base: d("200"), Rate: d("1.65"), Value: d("5")}},
	}

	got := VerifyItems(items)

	assert.Len(t, got, 2)
	assert.Equal(t, 2, got[0].Item)
	assert.Equal(t, "ICMS", got[0].Tax)
	assert.True(t, got[0].Expected.Equal(d("120")))
	assert.Equal(t, 3, got[1].Item)
	assert.Equal(t, "PIS", got[1].Tax)
}
