// Package postgres stores farms, documents, items and events in
// PostgreSQL. Items and events have no ON DELETE CASCADE; Delete removes
// them explicitly inside the same transaction as their document.
package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository implements nfpe.DocumentRepository, nfpe.EventRepository and
// nfpe.FarmRepository.
type Repository struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewRepository creates a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool, log *slog.Logger) *Repository {
	return &Repository{pool: pool, log: log.With("component", "nfpe_repository")}
}

const codeUniqueViolation = "23505"

// uniqueViolation returns the violated constraint name.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfNoBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// numeric sends amounts in text form so no precision is lost.
func numeric(d decimal.Decimal) string {
	return d.String()
}

// Ping checks the connection pool for the health endpoint.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
