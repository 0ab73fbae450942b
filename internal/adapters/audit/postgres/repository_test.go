package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"fazendabrasil/gonfpe/internal/core/audit"
)

var _ audit.Repository = (*Repository)(nil)

// These tests need a migrated database; set NFPE_TEST_DATABASE_URL to run them.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("NFPE_TEST_DATABASE_URL")
	if dsn == "" || testing.Short() {
		t.Skip("NFPE_TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestRepository_SaveAndFind(t *testing.T) {
	pool := testPool(t)
	repo := NewRepository(pool, nil)
	ctx := context.Background()

	correlationID := uuid.NewString()
	status := 200
	entry := audit.TransmissionLog{
		CorrelationID:   correlationID,
		Provider:        "sefaz-mt",
		Operation:       "nfeStatusServicoNF",
		RequestMethod:   "POST",
		RequestURL:      "https://homologacao.sefaz.mt.gov.br/nfews/v2/services/NfeStatusServico4",
		RequestHeaders:  map[string]string{"Content-Type": "application/soap+xml"},
		RequestBody:     "<consStatServ/>",
		ResponseStatus:  &status,
		ResponseHeaders: map[string]string{"Content-Type": "application/soap+xml"},
		ResponseBody:    "<retConsStatServ><cStat>107</cStat></retConsStatServ>",
		DurationMs:      120,
	}
	if err := repo.Save(ctx, entry); err != nil {
		t.Fatalf("save: %v", err)
	}

	logs, err := repo.FindByCorrelationID(ctx, correlationID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(logs))
	}
	got := logs[0]
	if got.Operation != entry.Operation || got.ResponseBody != entry.ResponseBody {
		t.Errorf("unexpected log %+v", got)
	}
	if got.ResponseStatus == nil || *got.ResponseStatus != 200 {
		t.Errorf("expected status 200, got %v", got.ResponseStatus)
	}
	if time.Since(got.CreatedAt) > time.Hour {
		t.Errorf("unexpected created_at %v", got.CreatedAt)
	}
}
