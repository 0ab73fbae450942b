package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"fazendabrasil/gonfpe/internal/core/nfpe"
)

const selectFarm = `
	SELECT id::text, cnpj, inscricao_estadual, COALESCE(inscricao_municipal, ''),
	       razao_social, COALESCE(nome_fantasia, ''), regime_tributario,
	       logradouro, numero, COALESCE(complemento, ''), bairro,
	       codigo_municipio, municipio, uf, cep, COALESCE(telefone, ''),
	       COALESCE(certificado_caminho, ''), COALESCE(certificado_segredo, ''),
	       serie_padrao, ultimo_numero, criado_em, atualizado_em
	FROM farms`

// CreateFarm inserts farm. An empty id is assigned.
func (r *Repository) CreateFarm(ctx context.Context, farm nfpe.Farm) (nfpe.Farm, error) {
	if farm.ID == "" {
		farm.ID = uuid.NewString()
	}

	query := `
		INSERT INTO farms (
			id, cnpj, inscricao_estadual, inscricao_municipal, razao_social, nome_fantasia,
			regime_tributario, logradouro, numero, complemento, bairro, codigo_municipio,
			municipio, uf, cep, telefone, certificado_caminho, certificado_segredo,
			serie_padrao, ultimo_numero
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		) RETURNING criado_em, atualizado_em
	`

	err := r.pool.QueryRow(ctx, query,
		farm.ID,
		farm.CNPJ,
		farm.StateRegistration,
		nullIfEmpty(farm.MunicipalRegistration),
		farm.LegalName,
		nullIfEmpty(farm.TradeName),
		farm.TaxRegime,
		farm.Address.Street,
		farm.Address.Number,
		nullIfEmpty(farm.Address.Complement),
		farm.Address.District,
		farm.Address.MunicipalityCode,
		farm.Address.Municipality,
		farm.Address.State,
		farm.Address.PostalCode,
		nullIfEmpty(farm.Phone),
		nullIfEmpty(farm.CertificatePath),
		nullIfEmpty(farm.CertificateSecret),
		farm.DefaultSeries,
		farm.LastNumber,
	).Scan(&farm.CreatedAt, &farm.UpdatedAt)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok && constraint == "farms_cnpj_key" {
			return nfpe.Farm{}, nfpe.ErrDuplicateFarm
		}
		return nfpe.Farm{}, fmt.Errorf("insert farm: %w", err)
	}
	return farm, nil
}

// GetFarm returns one farm by id.
func (r *Repository) GetFarm(ctx context.Context, id string) (*nfpe.Farm, error) {
	return r.findFarm(ctx, selectFarm+` WHERE id = $1`, id)
}

// FindFarmByCNPJ returns the farm registered under cnpj (digits only).
func (r *Repository) FindFarmByCNPJ(ctx context.Context, cnpj string) (*nfpe.Farm, error) {
	return r.findFarm(ctx, selectFarm+` WHERE cnpj = $1`, cnpj)
}

// ListFarms returns every farm ordered by legal name.
func (r *Repository) ListFarms(ctx context.Context) ([]nfpe.Farm, error) {
	rows, err := r.pool.Query(ctx, selectFarm+` ORDER BY razao_social`)
	if err != nil {
		return nil, fmt.Errorf("query farms: %w", err)
	}
	defer rows.Close()

	var farms []nfpe.Farm
	for rows.Next() {
		farm, err := scanFarm(rows)
		if err != nil {
			return nil, err
		}
		farms = append(farms, farm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate farms: %w", err)
	}
	return farms, nil
}

// NextNumber increments ultimo_numero under the row lock and returns it.
func (r *Repository) NextNumber(ctx context.Context, farmID string) (int64, error) {
	var next int64
	err := r.pool.QueryRow(ctx, nextNumberQuery, farmID).Scan(&next, new(int))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nfpe.ErrNotFound
		}
		return 0, fmt.Errorf("allocate number: %w", err)
	}
	return next, nil
}

const nextNumberQuery = `
	UPDATE farms
	SET ultimo_numero = ultimo_numero + 1, atualizado_em = NOW()
	WHERE id = $1
	RETURNING ultimo_numero, serie_padrao`

func (r *Repository) findFarm(ctx context.Context, query string, arg any) (*nfpe.Farm, error) {
	farm, err := scanFarm(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nfpe.ErrNotFound
		}
		return nil, err
	}
	return &farm, nil
}

func scanFarm(row pgx.Row) (nfpe.Farm, error) {
	var f nfpe.Farm
	err := row.Scan(
		&f.ID,
		&f.CNPJ,
		&f.StateRegistration,
		&f.MunicipalRegistration,
		&f.LegalName,
		&f.TradeName,
		&f.TaxRegime,
		&f.Address.Street,
		&f.Address.Number,
		&f.Address.Complement,
		&f.Address.District,
		&f.Address.MunicipalityCode,
		&f.Address.Municipality,
		&f.Address.State,
		&f.Address.PostalCode,
		&f.Phone,
		&f.CertificatePath,
		&f.CertificateSecret,
		&f.DefaultSeries,
		&f.LastNumber,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return nfpe.Farm{}, fmt.Errorf("scan farm: %w", err)
	}
	return f, nil
}
