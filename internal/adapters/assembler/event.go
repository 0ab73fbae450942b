package assembler

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"time"

	"fazendabrasil/gonfpe/internal/core/accesskey"
	"fazendabrasil/gonfpe/internal/core/nfpe"
)

// EventVersion is the versao of evento, detEvento and envEvento.
const EventVersion = "1.00"

// CorrectionTerms is the xCondUso text SEFAZ requires verbatim on every
// correction letter.
const CorrectionTerms = "A Carta de Correcao e disciplinada pelo paragrafo 1o-A do art. 7o do Convenio S/N, " +
	"de 15 de dezembro de 1970 e pode ser utilizada para regularizacao de erro ocorrido na emissao de " +
	"documento fiscal, desde que o erro nao esteja relacionado com: I - as variaveis que determinam o " +
	"valor do imposto tais como: base de calculo, aliquota, diferenca de preco, quantidade, valor da " +
	"operacao ou da prestacao; II - a correcao de dados cadastrais que implique mudanca do remetente ou " +
	"do destinatario; III - a data de emissao ou de saida."

var ErrUnknownEvent = errors.New("assembler: unknown event type")

// EventRequest carries what an evento needs beyond the environment.
type EventRequest struct {
	Type      nfpe.EventType
	AccessKey string
	CNPJ      string
	Sequence  int
	// Protocol is the authorization nProt; cancellation only.
	Protocol string
	// Text is xJust for a cancellation and xCorrecao for a correction.
	Text string
	At   time.Time
}

type evento struct {
	XMLName   xml.Name  `xml:"http://www.portalfiscal.inf.br/nfe evento"`
	Versao    string    `xml:"versao,attr"`
	InfEvento infEvento `xml:"infEvento"`
}

type infEvento struct {
	ID         string    `xml:"Id,attr"`
	COrgao     string    `xml:"cOrgao"`
	TpAmb      string    `xml:"tpAmb"`
	CNPJ       string    `xml:"CNPJ"`
	ChNFe      string    `xml:"chNFe"`
	DhEvento   string    `xml:"dhEvento"`
	TpEvento   string    `xml:"tpEvento"`
	NSeqEvento int       `xml:"nSeqEvento"`
	VerEvento  string    `xml:"verEvento"`
	DetEvento  detEvento `xml:"detEvento"`
}

type detEvento struct {
	Versao     string `xml:"versao,attr"`
	DescEvento string `xml:"descEvento"`
	NProt      string `xml:"nProt,omitempty"`
	XJust      string `xml:"xJust,omitempty"`
	XCorrecao  string `xml:"xCorrecao,omitempty"`
	XCondUso   string `xml:"xCondUso,omitempty"`
}

// Event renders an unsigned evento. The signature target is the infEvento
// Id, nfpe.EventID(Type, AccessKey, Sequence).
func Event(req EventRequest, opts Options) ([]byte, error) {
	if err := accesskey.Validate(req.AccessKey); err != nil {
		return nil, fmt.Errorf("event: %w", err)
	}
	opts = opts.withDefaults()

	det := detEvento{Versao: EventVersion, DescEvento: req.Type.Description()}
	switch req.Type {
	case nfpe.EventCancellation:
		det.NProt = req.Protocol
		det.XJust = req.Text
	case nfpe.EventCorrection:
		det.XCorrecao = req.Text
		det.XCondUso = CorrectionTerms
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, req.Type)
	}

	tree := evento{
		Versao: EventVersion,
		InfEvento: infEvento{
			ID:         nfpe.EventID(req.Type, req.AccessKey, req.Sequence),
			COrgao:     opts.StateCode,
			TpAmb:      opts.Ambient,
			CNPJ:       accesskey.Digits(req.CNPJ),
			ChNFe:      req.AccessKey,
			DhEvento:   req.At.In(opts.Location).Format(dateTimeLayout),
			TpEvento:   string(req.Type),
			NSeqEvento: req.Sequence,
			VerEvento:  EventVersion,
			DetEvento:  det,
		},
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(tree); err != nil {
		return nil, fmt.Errorf("event: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Batch wraps one signed NFe in an enviNFe. indSinc=1 asks SEFAZ for the
// synchronous answer.
func Batch(lotID string, signed []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `<enviNFe xmlns="%s" versao="%s">`, Namespace, LayoutVersion)
	fmt.Fprintf(&buf, `<idLote>%s</idLote><indSinc>1</indSinc>`, lotID)
	buf.Write(StripDeclaration(signed))
	buf.WriteString(`</enviNFe>`)
	return buf.Bytes()
}

// EventBatch wraps one signed evento in an envEvento.
func EventBatch(lotID string, signed []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `<envEvento xmlns="%s" versao="%s">`, Namespace, EventVersion)
	fmt.Fprintf(&buf, `<idLote>%s</idLote>`, lotID)
	buf.Write(StripDeclaration(signed))
	buf.WriteString(`</envEvento>`)
	return buf.Bytes()
}

// LotID derives a 15-digit idLote from t.
func LotID(t time.Time) string {
	return fmt.Sprintf("%015d", t.UnixMilli()%1_000_000_000_000_000)
}
