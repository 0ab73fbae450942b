package testutil

import (
	"time"

	"github.com/shopspring/decimal"

	"fazendabrasil/gonfpe/internal/core/nfpe"
)

// Farm returns a complete issuing entity registered in Mato Grosso.
func Farm() nfpe.Farm {
	return nfpe.Farm{
		ID:                "farm-1",
		CNPJ:              "12345678000195",
		StateRegistration: "131234567",
		LegalName:         "Fazenda Boa Esperanca Ltda",
		TradeName:         "Fazenda Boa Esperanca",
		TaxRegime:         3,
		Address: nfpe.Address{
			Street:           "Rodovia MT-130",
			Number:           "KM 42",
			District:         "Zona Rural",
			MunicipalityCode: "5107602",
			Municipality:     "Rondonopolis",
			State:            "MT",
			PostalCode:       "78700000",
		},
		CertificatePath:   "/certs/farm-1.pfx",
		CertificateSecret: "farm_1_cert_password",
		DefaultSeries:     1,
	}
}

// Document returns a valid one-item soybean sale of 1000 kg at 2.50.
func Document(farmID string) nfpe.Document {
	issued := time.Date(2024, 10, 15, 9, 30, 0, 0, time.FixedZone("AMT", -4*3600))
	return nfpe.Document{
		FarmID:            farmID,
		EmissionType:      1,
		OperationType:     1,
		Purpose:           1,
		PresenceIndicator: 9,
		NatureOfOperation: "VENDA DE PRODUCAO DO ESTABELECIMENTO",
		IssuedAt:          issued,
		Status:            nfpe.StatusPending,
		Totals: nfpe.Totals{
			Products: decimal.RequireFromString("2500.00"),
			Total:    decimal.RequireFromString("2500.00"),
		},
		Recipient: nfpe.Recipient{
			Document:          "98765432000198",
			Name:              "Cerealista Centro-Oeste SA",
			StateRegistration: "132345678",
			Address: nfpe.Address{
				Street:           "Avenida Fernando Correa da Costa",
				Number:           "1000",
				District:         "Centro",
				MunicipalityCode: "5103403",
				Municipality:     "Cuiaba",
				State:            "MT",
				PostalCode:       "78000000",
			},
		},
		Transport: nfpe.Transport{FreightMode: nfpe.FreightNone},
		Items: []nfpe.Item{{
			Number:      1,
			ProductCode: "SOJA01",
			Description: "SOJA EM GRAOS",
			NCM:         "12019000",
			CFOP:        "5101",
			Unit:        "KG",
			Quantity:    decimal.RequireFromString("1000"),
			UnitPrice:   decimal.RequireFromString("2.50"),
			Total:       decimal.RequireFromString("2500.00"),
			ICMS: nfpe.TaxLine{
				CST:  "00",
				Base: decimal.RequireFromString("2500.00"),
				Rate: decimal.RequireFromString("12"),
			},
			PIS:           nfpe.TaxLine{CST: "01", Rate: decimal.RequireFromString("1.65")},
			COFINS:        nfpe.TaxLine{CST: "01", Rate: decimal.RequireFromString("7.6")},
			HarvestSeason: "2024/2025",
			FieldPlot:     "T-07",
		}},
	}
}
