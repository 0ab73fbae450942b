// Package erpimport turns pending ERP movements into NFP-e documents.
package erpimport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fazendabrasil/gonfpe/internal/core/accesskey"
	"fazendabrasil/gonfpe/internal/core/erp"
	"fazendabrasil/gonfpe/internal/core/nfpe"
	"fazendabrasil/gonfpe/internal/infrastructure/config"
)

// DefaultNature is used when the movement carries no natureza de operação.
const DefaultNature = "VENDA DE PRODUCAO DO ESTABELECIMENTO"

// ErrRunning is returned when an import is requested while one is active.
var ErrRunning = errors.New("erpimport: import already running")

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// DocumentCreator stores a new document with the farm's next number.
type DocumentCreator interface {
	Create(ctx context.Context, doc nfpe.Document) (nfpe.Document, error)
}

// Recorder receives import counters.
type Recorder interface {
	ImportResult(result string, n int)
}

// Stats summarise one import run.
type Stats struct {
	Found   int `json:"encontradas"`
	Created int `json:"criadas"`
	Skipped int `json:"ignoradas"`
	Errors  int `json:"erros"`
}

// Service imports movements from the ERP.
type Service struct {
	source   erp.Source
	farms    nfpe.FarmRepository
	docs     nfpe.DocumentRepository
	creator  DocumentCreator
	recorder Recorder
	cfg      config.ERPSettings
	location *time.Location
	log      *slog.Logger
	now      func() time.Time

	running sync.Mutex
}

// NewService creates the import service. recorder may be nil.
func NewService(source erp.Source, farms nfpe.FarmRepository, docs nfpe.DocumentRepository, creator DocumentCreator, recorder Recorder, cfg config.ERPSettings, location *time.Location, log *slog.Logger) *Service {
	if cfg.ImportWindow <= 0 {
		cfg.ImportWindow = 7 * 24 * time.Hour
	}
	if location == nil {
		location = time.UTC
	}
	return &Service{
		source:   source,
		farms:    farms,
		docs:     docs,
		creator:  creator,
		recorder: recorder,
		cfg:      cfg,
		location: location,
		log:      log.With("component", "erp_import"),
		now:      time.Now,
	}
}

// Run imports once per ImportInterval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.ImportInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.cfg.ImportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Import(ctx); err != nil && !errors.Is(err, ErrRunning) && ctx.Err() == nil {
				s.log.ErrorContext(ctx, "scheduled import failed", "error", err)
			}
		}
	}
}

// Import reads the pending movements of the configured window and creates
// one document per movement that has none yet. Each created movement is
// marked NFE_EMITIDA in the ERP. A movement that fails is counted and the
// run continues.
func (s *Service) Import(ctx context.Context) (Stats, error) {
	if !s.running.TryLock() {
		return Stats{}, ErrRunning
	}
	defer s.running.Unlock()

	var stats Stats
	end := s.now()
	start := end.Add(-s.cfg.ImportWindow)

	movements, err := s.source.ListPendingMovements(ctx, start, end, erp.DefaultOperations)
	if err != nil {
		return stats, fmt.Errorf("list pending movements: %w", err)
	}
	stats.Found = len(movements)

	for _, m := range movements {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		created, err := s.importMovement(ctx, m)
		switch {
		case err != nil:
			stats.Errors++
			s.log.ErrorContext(ctx, "movement import failed", "movement_id", m.ID, "error", err)
		case created:
			stats.Created++
		default:
			stats.Skipped++
		}
	}

	s.record(stats)
	s.log.InfoContext(ctx, "erp import finished",
		"found", stats.Found,
		"created", stats.Created,
		"skipped", stats.Skipped,
		"errors", stats.Errors,
	)
	return stats, nil
}

func (s *Service) importMovement(ctx context.Context, m erp.Movement) (bool, error) {
	log := s.log.With("movement_id", m.ID)

	if _, err := s.docs.FindByERPMovement(ctx, m.ID); err == nil {
		log.DebugContext(ctx, "movement already has a document")
		return false, nil
	} else if !errors.Is(err, nfpe.ErrNotFound) {
		return false, fmt.Errorf("find document: %w", err)
	}

	cnpj := accesskey.Digits(m.ClientSupplier)
	farm, err := s.farms.FindFarmByCNPJ(ctx, cnpj)
	if errors.Is(err, nfpe.ErrNotFound) {
		log.WarnContext(ctx, "no farm registered for movement", "cnpj", cnpj)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find farm: %w", err)
	}

	doc, err := s.toDocument(m, *farm)
	if err != nil {
		return false, err
	}
	created, err := s.creator.Create(ctx, doc)
	if errors.Is(err, nfpe.ErrDuplicateMovement) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create document: %w", err)
	}

	update := erp.StatusUpdate{
		Status:    erp.StatusIssued,
		UpdatedAt: s.now(),
		Number:    created.Number,
		Series:    created.Series,
	}
	if err := s.source.UpdateMovementStatus(ctx, m.ID, update); err != nil {
		log.WarnContext(ctx, "could not mark movement as issued", "document_id", created.ID, "error", err)
	}
	log.InfoContext(ctx, "document created from movement",
		"document_id", created.ID,
		"farm_id", farm.ID,
		"number", created.Number,
		"series", created.Series,
	)
	return true, nil
}

func (s *Service) toDocument(m erp.Movement, farm nfpe.Farm) (nfpe.Document, error) {
	issuedAt := s.now()
	if m.IssuedAt != "" {
		t, err := s.parseDate(m.IssuedAt)
		if err != nil {
			return nfpe.Document{}, fmt.Errorf("data_emissao: %w", err)
		}
		issuedAt = t
	}

	doc := nfpe.Document{
		FarmID:            farm.ID,
		ERPMovementID:     m.ID,
		EmissionType:      1,
		OperationType:     1,
		Purpose:           1,
		PresenceIndicator: 9,
		NatureOfOperation: strings.TrimSpace(m.NatureOfOperation),
		IssuedAt:          issuedAt,
		Totals: nfpe.Totals{
			Products: m.Products,
			Freight:  m.Freight,
			Discount: m.Discount,
			Total:    m.Total,
		},
		Recipient: nfpe.Recipient{
			Document:          accesskey.Digits(m.TaxID),
			Name:              m.Name,
			StateRegistration: m.StateRegistration,
			Address: nfpe.Address{
				Street:           m.Address.Street,
				Number:           m.Address.Number,
				Complement:       m.Address.Complement,
				District:         m.Address.District,
				MunicipalityCode: m.Address.MunicipalityCode,
				Municipality:     m.Address.Municipality,
				State:            m.Address.State,
				PostalCode:       accesskey.Digits(m.Address.PostalCode),
			},
		},
		Transport: nfpe.Transport{FreightMode: m.FreightMode},
	}
	if doc.NatureOfOperation == "" {
		doc.NatureOfOperation = DefaultNature
	}
	if m.ExitAt != "" {
		t, err := s.parseDate(m.ExitAt)
		if err != nil {
			return nfpe.Document{}, fmt.Errorf("data_saida: %w", err)
		}
		doc.ExitAt = &t
	}
	if c := m.Carrier; c != nil {
		doc.Transport.CarrierDocument = accesskey.Digits(c.Document)
		doc.Transport.CarrierName = c.Name
		doc.Transport.VehiclePlate = c.Plate
		doc.Transport.VehicleState = c.State
	}

	for idx, it := range m.Items {
		cfop := it.CFOP
		if cfop == "" {
			cfop = m.CFOP
		}
		doc.Items = append(doc.Items, nfpe.Item{
			Number:        idx + 1,
			ProductCode:   it.Product,
			Description:   it.Description,
			NCM:           accesskey.Digits(it.NCM),
			CFOP:          cfop,
			Unit:          it.Unit,
			Quantity:      it.Quantity,
			UnitPrice:     it.UnitPrice,
			Total:         orProduct(it.Total, it.Quantity, it.UnitPrice),
			Discount:      it.Discount,
			ICMS:          nfpe.TaxLine{CST: it.ICMSCST, Base: it.ICMSBase, Rate: it.ICMSRate, Value: it.ICMSValue},
			PIS:           nfpe.TaxLine{CST: it.PISCST, Rate: it.PISRate, Value: it.PISValue},
			COFINS:        nfpe.TaxLine{CST: it.COFINSCST, Rate: it.COFINSRate, Value: it.COFINSValue},
			Batch:         it.Batch,
			FieldPlot:     it.FieldPlot,
			HarvestSeason: it.HarvestSeason,
		})
	}
	return doc, nil
}

func orProduct(total, quantity, price decimal.Decimal) decimal.Decimal {
	if !total.IsZero() {
		return total
	}
	return quantity.Mul(price).Round(2)
}

func (s *Service) parseDate(value string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, strings.TrimSpace(value), s.location); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", value)
}

func (s *Service) record(stats Stats) {
	if s.recorder == nil {
		return
	}
	s.recorder.ImportResult("created", stats.Created)
	s.recorder.ImportResult("skipped", stats.Skipped)
	s.recorder.ImportResult("error", stats.Errors)
}
