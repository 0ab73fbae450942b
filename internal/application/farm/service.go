// Package farm manages the issuing entities and their certificates.
package farm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"fazendabrasil/gonfpe/internal/core/accesskey"
	"fazendabrasil/gonfpe/internal/core/nfpe"
	"fazendabrasil/gonfpe/internal/core/signing"
)

// Country defaults applied to farm addresses.
const (
	CountryCode = "1058"
	CountryName = "BRASIL"
)

// Service creates and reads farms.
type Service struct {
	farms  nfpe.FarmRepository
	signer signing.Signer
	log    *slog.Logger
}

func NewService(farms nfpe.FarmRepository, signer signing.Signer, log *slog.Logger) *Service {
	return &Service{farms: farms, signer: signer, log: log.With("component", "farm")}
}

// Create normalises and validates farm before storing it.
func (s *Service) Create(ctx context.Context, farm nfpe.Farm) (nfpe.Farm, error) {
	farm.CNPJ = accesskey.Digits(farm.CNPJ)
	farm.StateRegistration = accesskey.Digits(farm.StateRegistration)
	farm.Address.PostalCode = accesskey.Digits(farm.Address.PostalCode)
	farm.Address.State = strings.ToUpper(farm.Address.State)
	if farm.Address.CountryCode == "" {
		farm.Address.CountryCode = CountryCode
		farm.Address.Country = CountryName
	}
	if farm.DefaultSeries == 0 {
		farm.DefaultSeries = 1
	}
	if err := farm.Validate(); err != nil {
		return nfpe.Farm{}, err
	}

	created, err := s.farms.CreateFarm(ctx, farm)
	if err != nil {
		return nfpe.Farm{}, fmt.Errorf("create farm: %w", err)
	}
	s.log.InfoContext(ctx, "farm created", "farm_id", created.ID, "cnpj", created.CNPJ)
	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (*nfpe.Farm, error) {
	return s.farms.GetFarm(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]nfpe.Farm, error) {
	return s.farms.ListFarms(ctx)
}

// Certificate inspects the farm's A1 certificate. Expired or unreadable
// certificates are reported through the error, matching the signer.
func (s *Service) Certificate(ctx context.Context, id string) (signing.Report, error) {
	farm, err := s.farms.GetFarm(ctx, id)
	if err != nil {
		return signing.Report{}, err
	}
	report, err := s.signer.Inspect(ctx, *farm)
	if err != nil {
		return signing.Report{}, err
	}
	if len(report.Warnings) > 0 {
		s.log.WarnContext(ctx, "certificate warnings", "farm_id", id, "warnings", report.Warnings)
	}
	return report, nil
}
