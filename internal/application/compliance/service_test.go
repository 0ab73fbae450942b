package compliance

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fazendabrasil/gonfpe/internal/adapters/nfpe/memory"
	"fazendabrasil/gonfpe/internal/core/nfpe"
	"fazendabrasil/gonfpe/internal/core/tax"
	"fazendabrasil/gonfpe/internal/testutil"
)

const validKey = "51241012345678000195550010000000421123456784"

func computed() nfpe.Document {
	doc := testutil.Document("farm-1")
	tax.ApplyDocument(&doc)
	return doc
}

func checks(r Report) []string {
	var out []string
	for _, f := range r.Findings {
		out = append(out, f.Check)
	}
	return out
}

func TestCheck_CompliantDocument(t *testing.T) {
	doc := computed()
	doc.AccessKey = validKey

	r := Check(&doc)
	assert.True(t, r.Compliant)
	assert.Empty(t, r.Findings)
	assert.Contains(t, r.Checks, CheckAccessKey)
}

func TestCheck_AccessKeyOnlyWhenAssigned(t *testing.T) {
	doc := computed()
	r := Check(&doc)
	assert.NotContains(t, r.Checks, CheckAccessKey)
}

func TestCheck_Findings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*nfpe.Document)
		want   []string
	}{
		{
			name:   "grand total",
			mutate: func(d *nfpe.Document) { d.Totals.Total = decimal.RequireFromString("2600") },
			want:   []string{CheckTotals},
		},
		{
			name: "line total",
			mutate: func(d *nfpe.Document) {
				d.Items[0].Total = decimal.RequireFromString("2400")
			},
			want: []string{CheckLineTotals},
		},
		{
			name: "item icms",
			mutate: func(d *nfpe.Document) {
				d.Items[0].ICMS.Value = decimal.RequireFromString("299.98")
				d.Totals.ICMS = decimal.RequireFromString("299.98")
			},
			want: []string{CheckItemTaxes},
		},
		{
			name:   "aggregate pis",
			mutate: func(d *nfpe.Document) { d.Totals.PIS = decimal.RequireFromString("50") },
			want:   []string{CheckTaxTotals},
		},
		{
			name:   "access key check digit",
			mutate: func(d *nfpe.Document) { d.AccessKey = validKey[:43] + "5" },
			want:   []string{CheckAccessKey},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := computed()
			tt.mutate(&doc)

			r := Check(&doc)
			assert.False(t, r.Compliant)
			assert.Equal(t, tt.want, checks(r))
		})
	}
}

func TestCheck_WithinToleranceIsAccepted(t *testing.T) {
	doc := computed()
	doc.Items[0].ICMS.Value = doc.Items[0].ICMS.Value.Add(decimal.RequireFromString("0.01"))
	doc.Totals.ICMS = doc.Items[0].ICMS.Value

	assert.True(t, Check(&doc).Compliant)
}

func TestService_Report(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	farm, err := store.CreateFarm(ctx, testutil.Farm())
	require.NoError(t, err)

	doc := testutil.Document(farm.ID)
	tax.ApplyDocument(&doc)
	created, err := store.Create(ctx, doc)
	require.NoError(t, err)

	svc := NewService(store)
	r, err := svc.Report(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, r.DocumentID)
	assert.Equal(t, string(nfpe.StatusPending), r.Status)
	assert.True(t, r.Compliant)
	assert.False(t, r.CheckedAt.IsZero())

	_, err = svc.Report(ctx, "missing")
	assert.ErrorIs(t, err, nfpe.ErrNotFound)
}
