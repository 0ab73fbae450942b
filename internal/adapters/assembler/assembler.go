// Package assembler renders documents as NF-e 4.00 XML (infNFe), ready to
// be signed.
package assembler

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fazendabrasil/gonfpe/internal/core/accesskey"
	"fazendabrasil/gonfpe/internal/core/nfpe"
)

const (
	dateTimeLayout = "2006-01-02T15:04:05-07:00"
	dateLayout     = "2006-01-02"
	withoutGTIN    = "SEM GTIN"
	countryBrazil  = "1058"
	countryName    = "BRASIL"
)

// Options carry the environment-dependent fields of ide.
type Options struct {
	// Ambient is tpAmb: "1" production, "2" homologation.
	Ambient string
	// StateCode is cUF of the issuing state.
	StateCode string
	// Location renders dhEmi/dhSaiEnt with the local offset.
	Location *time.Location
	// AppVersion is written to verProc.
	AppVersion string
}

func (o Options) withDefaults() Options {
	if o.Ambient == "" {
		o.Ambient = "2"
	}
	if o.StateCode == "" {
		o.StateCode = "51"
	}
	if o.Location == nil {
		o.Location = time.FixedZone("-04", -4*60*60)
	}
	if o.AppVersion == "" {
		o.AppVersion = "gonfpe"
	}
	return o
}

// Assemble renders doc, issued by farm, as an unsigned NFe document.
// The document must have items, an access key and a complete recipient
// address.
func Assemble(doc nfpe.Document, farm nfpe.Farm, opts Options) ([]byte, error) {
	if len(doc.Items) == 0 {
		return nil, nfpe.ErrNoItems
	}
	if doc.AccessKey == "" {
		return nil, nfpe.ErrMissingAccessKey
	}
	if err := accesskey.Validate(doc.AccessKey); err != nil {
		return nil, fmt.Errorf("assemble: %w", err)
	}
	if missing := doc.Recipient.Address.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", nfpe.ErrIncompleteAddress, strings.Join(missing, ", "))
	}
	opts = opts.withDefaults()

	tree := nfe{
		InfNFe: infNFe{
			ID:     "NFe" + doc.AccessKey,
			Versao: LayoutVersion,
			Ide:    buildIde(doc, farm, opts),
			Emit:   buildEmit(farm),
			Dest:   buildDest(doc.Recipient),
			Total:  buildTotal(doc.Totals),
			Transp: buildTransp(doc.Transport),
		},
	}
	for _, item := range doc.Items {
		tree.InfNFe.Det = append(tree.InfNFe.Det, buildDet(item, doc.IssuedAt))
	}
	if doc.AdditionalInfo != "" || doc.FiscoInfo != "" {
		tree.InfNFe.InfAdic = &infAdic{InfAdFisco: doc.FiscoInfo, InfCpl: doc.AdditionalInfo}
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(tree); err != nil {
		return nil, fmt.Errorf("assemble: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func buildIde(doc nfpe.Document, farm nfpe.Farm, opts Options) ide {
	out := ide{
		CUF:      opts.StateCode,
		CNF:      doc.AccessKey[35:43],
		NatOp:    doc.NatureOfOperation,
		Mod:      nfpe.Model,
		Serie:    doc.Series,
		NNF:      doc.Number,
		DhEmi:    doc.IssuedAt.In(opts.Location).Format(dateTimeLayout),
		TpNF:     doc.OperationType,
		IDDest:   1,
		CMunFG:   farm.Address.MunicipalityCode,
		TpImp:    1,
		TpEmis:   doc.EmissionType,
		CDV:      doc.AccessKey[43:],
		TpAmb:    opts.Ambient,
		FinNFe:   doc.Purpose,
		IndFinal: 1,
		IndPres:  doc.PresenceIndicator,
		VerProc:  opts.AppVersion,
	}
	if doc.ExitAt != nil {
		out.DhSaiEnt = doc.ExitAt.In(opts.Location).Format(dateTimeLayout)
	}
	if doc.Recipient.Address.State != "" && doc.Recipient.Address.State != farm.Address.State {
		out.IDDest = 2
	}
	if doc.Recipient.StateRegistration != "" {
		out.IndFinal = 0
	}
	return out
}

func buildAddress(a nfpe.Address, phone string) endereco {
	out := endereco{
		XLgr:    a.Street,
		Nro:     a.Number,
		XCpl:    a.Complement,
		XBairro: a.District,
		CMun:    a.MunicipalityCode,
		XMun:    a.Municipality,
		UF:      a.State,
		CEP:     accesskey.Digits(a.PostalCode),
		CPais:   a.CountryCode,
		XPais:   a.Country,
		Fone:    accesskey.Digits(phone),
	}
	if out.CPais == "" {
		out.CPais, out.XPais = countryBrazil, countryName
	}
	return out
}

func buildEmit(farm nfpe.Farm) emit {
	return emit{
		CNPJ:      accesskey.Digits(farm.CNPJ),
		XNome:     farm.LegalName,
		XFant:     farm.TradeName,
		EnderEmit: buildAddress(farm.Address, farm.Phone),
		IE:        farm.StateRegistration,
		IM:        farm.MunicipalRegistration,
		CRT:       farm.TaxRegime,
	}
}

func buildDest(r nfpe.Recipient) dest {
	out := dest{
		XNome:     r.Name,
		EnderDest: buildAddress(r.Address, ""),
		IndIEDest: 9,
		Email:     r.Email,
	}
	if r.IsCompany() {
		out.CNPJ = accesskey.Digits(r.Document)
	} else {
		out.CPF = accesskey.Digits(r.Document)
	}
	if r.StateRegistration != "" {
		out.IndIEDest = 1
		out.IE = r.StateRegistration
	}
	return out
}

func buildDet(item nfpe.Item, issuedAt time.Time) det {
	out := det{
		NItem: item.Number,
		Prod: prod{
			CProd:    item.ProductCode,
			CEAN:     withoutGTIN,
			XProd:    item.Description,
			NCM:      item.NCM,
			CFOP:     item.CFOP,
			UCom:     item.Unit,
			QCom:     quantity(item.Quantity),
			VUnCom:   unitPrice(item.UnitPrice),
			VProd:    money(item.Total),
			CEANTrib: withoutGTIN,
			UTrib:    item.Unit,
			QTrib:    quantity(item.Quantity),
			VUnTrib:  unitPrice(item.UnitPrice),
			VFrete:   optionalMoney(item.Freight),
			VSeg:     optionalMoney(item.Insurance),
			VDesc:    optionalMoney(item.Discount),
			VOutro:   optionalMoney(item.Other),
			IndTot:   1,
		},
		Imposto:   buildImposto(item),
		InfAdProd: productInfo(item),
	}
	if item.Batch != "" && item.BatchExpiresAt != nil {
		out.Prod.Rastro = &rastro{
			NLote: item.Batch,
			QLote: item.Quantity.StringFixed(3),
			DFab:  issuedAt.Format(dateLayout),
			DVal:  item.BatchExpiresAt.Format(dateLayout),
		}
	}
	return out
}

// productInfo merges the agricultural traceability fields into infAdProd.
func productInfo(item nfpe.Item) string {
	var parts []string
	if item.HarvestSeason != "" {
		parts = append(parts, "Safra: "+item.HarvestSeason)
	}
	if item.FieldPlot != "" {
		parts = append(parts, "Talhao: "+item.FieldPlot)
	}
	if item.Batch != "" && item.BatchExpiresAt == nil {
		parts = append(parts, "Lote: "+item.Batch)
	}
	if item.AdditionalInfo != "" {
		parts = append(parts, item.AdditionalInfo)
	}
	return strings.Join(parts, "; ")
}

func buildImposto(item nfpe.Item) imposto {
	out := imposto{}
	if burden := item.ICMS.Value.Add(item.PIS.Value).Add(item.COFINS.Value); burden.IsPositive() {
		out.VTotTrib = money(burden)
	}

	if item.ICMS.CST != "" {
		group := icmsGroup{
			XMLName: xml.Name{Local: "ICMS" + icmsGroupSuffix(item.ICMS.CST)},
			CST:     item.ICMS.CST,
		}
		if item.ICMS.Base.IsPositive() {
			group.ModBC = "3"
			group.VBC = money(item.ICMS.Base)
			group.PICMS = rate(item.ICMS.Rate)
			group.VICMS = money(item.ICMS.Value)
		}
		out.ICMS = &icms{Group: group}
	}

	if item.PIS.CST != "" {
		group := pisGroup{XMLName: xml.Name{Local: "PISNT"}, CST: item.PIS.CST}
		if item.PIS.Rate.IsPositive() {
			group.XMLName.Local = "PISAliq"
			group.VBC = money(item.PIS.Base)
			group.PPIS = rate(item.PIS.Rate)
			group.VPIS = money(item.PIS.Value)
		}
		out.PIS = &pis{Group: group}
	}

	if item.COFINS.CST != "" {
		group := cofinsGroup{XMLName: xml.Name{Local: "COFINSNT"}, CST: item.COFINS.CST}
		if item.COFINS.Rate.IsPositive() {
			group.XMLName.Local = "COFINSAliq"
			group.VBC = money(item.COFINS.Base)
			group.PCOFINS = rate(item.COFINS.Rate)
			group.VCOFINS = money(item.COFINS.Value)
		}
		out.COFINS = &cofins{Group: group}
	}
	return out
}

// icmsGroupSuffix maps a CST to its schema group: 41 and 50 share ICMS40.
func icmsGroupSuffix(cst string) string {
	switch cst {
	case "41", "50":
		return "40"
	}
	return cst
}

func buildTotal(t nfpe.Totals) total {
	zero := money(decimal.Zero)
	return total{ICMSTot: icmsTot{
		VBC:        money(t.ICMSBase),
		VICMS:      money(t.ICMS),
		VICMSDeson: zero,
		VFCP:       zero,
		VBCST:      zero,
		VST:        zero,
		VFCPST:     zero,
		VFCPSTRet:  zero,
		VProd:      money(t.Products),
		VFrete:     money(t.Freight),
		VSeg:       money(t.Insurance),
		VDesc:      money(t.Discount),
		VII:        zero,
		VIPI:       money(t.IPI),
		VIPIDevol:  zero,
		VPIS:       money(t.PIS),
		VCOFINS:    money(t.COFINS),
		VOutro:     money(t.Other),
		VNF:        money(t.Total),
		VTotTrib:   money(t.TaxTotal()),
	}}
}

func buildTransp(t nfpe.Transport) transp {
	out := transp{ModFrete: t.FreightMode}
	if doc := accesskey.Digits(t.CarrierDocument); doc != "" {
		carrier := &transporta{XNome: t.CarrierName}
		if len(doc) == 14 {
			carrier.CNPJ = doc
		} else {
			carrier.CPF = doc
		}
		out.Transporta = carrier
	}
	if t.VehiclePlate != "" {
		state := t.VehicleState
		if state == "" {
			state = "MT"
		}
		out.VeicTransp = &veicTransp{Placa: strings.ToUpper(t.VehiclePlate), UF: state}
	}
	return out
}

// Decimal places fixed by the layout.
func quantity(d decimal.Decimal) string  { return d.StringFixed(4) }
func unitPrice(d decimal.Decimal) string { return d.StringFixed(10) }
func money(d decimal.Decimal) string     { return d.StringFixed(2) }
func rate(d decimal.Decimal) string      { return d.StringFixed(2) }

func optionalMoney(d decimal.Decimal) string {
	if !d.IsPositive() {
		return ""
	}
	return money(d)
}
