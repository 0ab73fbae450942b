package sefaz

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"fazendabrasil/gonfpe/internal/adapters/assembler"
	"fazendabrasil/gonfpe/internal/infrastructure/config"
)

const (
	soapNamespace = "http://www.w3.org/2003/05/soap-envelope"
	wsdlNamespace = "http://www.portalfiscal.inf.br/nfe/wsdl/"
)

// service is one SEFAZ web service: its WSDL name, SOAP method and URL.
type service struct {
	name   string
	method string
	url    func(config.SefazEndpoints) string
}

var (
	serviceStatus = service{"NFeStatusServico4", "nfeStatusServicoNF",
		func(e config.SefazEndpoints) string { return e.Status }}
	serviceAuthorization = service{"NFeAutorizacao4", "nfeAutorizacaoLote",
		func(e config.SefazEndpoints) string { return e.Authorization }}
	serviceReturnAuth = service{"NFeRetAutorizacao4", "nfeRetAutorizacaoLote",
		func(e config.SefazEndpoints) string { return e.ReturnAuth }}
	serviceQuery = service{"NFeConsultaProtocolo4", "nfeConsultaNF",
		func(e config.SefazEndpoints) string { return e.Query }}
	serviceEvent = service{"NFeRecepcaoEvento4", "nfeRecepcaoEvento",
		func(e config.SefazEndpoints) string { return e.Event }}
)

func (s service) action() string {
	return wsdlNamespace + s.name + "/" + s.method
}

// contentType is the SOAP 1.2 media type. The action parameter also names
// the operation in the transmission audit log.
func (s service) contentType() string {
	return fmt.Sprintf(`application/soap+xml; charset=utf-8; action="%s"`, s.action())
}

// envelope places msg inside nfeDadosMsg. msg is copied byte for byte so
// signatures inside it stay valid.
func envelope(s service, msg []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	fmt.Fprintf(&buf, `<soap12:Envelope xmlns:soap12="%s"><soap12:Body>`, soapNamespace)
	fmt.Fprintf(&buf, `<nfeDadosMsg xmlns="%s%s">`, wsdlNamespace, s.name)
	buf.Write(assembler.StripDeclaration(msg))
	buf.WriteString(`</nfeDadosMsg></soap12:Body></soap12:Envelope>`)
	return buf.Bytes()
}

type consStatServ struct {
	XMLName xml.Name `xml:"http://www.portalfiscal.inf.br/nfe consStatServ"`
	Versao  string   `xml:"versao,attr"`
	TpAmb   string   `xml:"tpAmb"`
	CUF     string   `xml:"cUF"`
	XServ   string   `xml:"xServ"`
}

type consReciNFe struct {
	XMLName xml.Name `xml:"http://www.portalfiscal.inf.br/nfe consReciNFe"`
	Versao  string   `xml:"versao,attr"`
	TpAmb   string   `xml:"tpAmb"`
	NRec    string   `xml:"nRec"`
}

type consSitNFe struct {
	XMLName xml.Name `xml:"http://www.portalfiscal.inf.br/nfe consSitNFe"`
	Versao  string   `xml:"versao,attr"`
	TpAmb   string   `xml:"tpAmb"`
	XServ   string   `xml:"xServ"`
	ChNFe   string   `xml:"chNFe"`
}

func statusRequest(ambient, stateCode string) ([]byte, error) {
	return xml.Marshal(consStatServ{Versao: assembler.LayoutVersion, TpAmb: ambient, CUF: stateCode, XServ: "STATUS"})
}

func receiptRequest(ambient, receipt string) ([]byte, error) {
	return xml.Marshal(consReciNFe{Versao: assembler.LayoutVersion, TpAmb: ambient, NRec: receipt})
}

func queryRequest(ambient, accessKey string) ([]byte, error) {
	return xml.Marshal(consSitNFe{Versao: assembler.LayoutVersion, TpAmb: ambient, XServ: "CONSULTAR", ChNFe: accessKey})
}
