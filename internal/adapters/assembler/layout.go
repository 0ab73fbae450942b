package assembler

import "encoding/xml"

// Namespace is the NF-e 4.00 schema namespace.
const Namespace = "http://www.portalfiscal.inf.br/nfe"

// LayoutVersion is the versao attribute of infNFe.
const LayoutVersion = "4.00"

type nfe struct {
	XMLName xml.Name `xml:"http://www.portalfiscal.inf.br/nfe NFe"`
	InfNFe  infNFe   `xml:"infNFe"`
}

type infNFe struct {
	ID      string   `xml:"Id,attr"`
	Versao  string   `xml:"versao,attr"`
	Ide     ide      `xml:"ide"`
	Emit    emit     `xml:"emit"`
	Dest    dest     `xml:"dest"`
	Det     []det    `xml:"det"`
	Total   total    `xml:"total"`
	Transp  transp   `xml:"transp"`
	InfAdic *infAdic `xml:"infAdic,omitempty"`
}

type ide struct {
	CUF      string `xml:"cUF"`
	CNF      string `xml:"cNF"`
	NatOp    string `xml:"natOp"`
	Mod      string `xml:"mod"`
	Serie    int    `xml:"serie"`
	NNF      int64  `xml:"nNF"`
	DhEmi    string `xml:"dhEmi"`
	DhSaiEnt string `xml:"dhSaiEnt,omitempty"`
	TpNF     int    `xml:"tpNF"`
	IDDest   int    `xml:"idDest"`
	CMunFG   string `xml:"cMunFG"`
	TpImp    int    `xml:"tpImp"`
	TpEmis   int    `xml:"tpEmis"`
	CDV      string `xml:"cDV"`
	TpAmb    string `xml:"tpAmb"`
	FinNFe   int    `xml:"finNFe"`
	IndFinal int    `xml:"indFinal"`
	IndPres  int    `xml:"indPres"`
	ProcEmi  int    `xml:"procEmi"`
	VerProc  string `xml:"verProc"`
}

type endereco struct {
	XLgr    string `xml:"xLgr"`
	Nro     string `xml:"nro"`
	XCpl    string `xml:"xCpl,omitempty"`
	XBairro string `xml:"xBairro"`
	CMun    string `xml:"cMun"`
	XMun    string `xml:"xMun"`
	UF      string `xml:"UF"`
	CEP     string `xml:"CEP"`
	CPais   string `xml:"cPais"`
	XPais   string `xml:"xPais"`
	Fone    string `xml:"fone,omitempty"`
}

type emit struct {
	CNPJ      string   `xml:"CNPJ"`
	XNome     string   `xml:"xNome"`
	XFant     string   `xml:"xFant,omitempty"`
	EnderEmit endereco `xml:"enderEmit"`
	IE        string   `xml:"IE"`
	IM        string   `xml:"IM,omitempty"`
	CRT       int      `xml:"CRT"`
}

type dest struct {
	CNPJ      string   `xml:"CNPJ,omitempty"`
	CPF       string   `xml:"CPF,omitempty"`
	XNome     string   `xml:"xNome"`
	EnderDest endereco `xml:"enderDest"`
	IndIEDest int      `xml:"indIEDest"`
	IE        string   `xml:"IE,omitempty"`
	Email     string   `xml:"email,omitempty"`
}

type det struct {
	NItem     int     `xml:"nItem,attr"`
	Prod      prod    `xml:"prod"`
	Imposto   imposto `xml:"imposto"`
	InfAdProd string  `xml:"infAdProd,omitempty"`
}

type prod struct {
	CProd    string  `xml:"cProd"`
	CEAN     string  `xml:"cEAN"`
	XProd    string  `xml:"xProd"`
	NCM      string  `xml:"NCM"`
	CFOP     string  `xml:"CFOP"`
	UCom     string  `xml:"uCom"`
	QCom     string  `xml:"qCom"`
	VUnCom   string  `xml:"vUnCom"`
	VProd    string  `xml:"vProd"`
	CEANTrib string  `xml:"cEANTrib"`
	UTrib    string  `xml:"uTrib"`
	QTrib    string  `xml:"qTrib"`
	VUnTrib  string  `xml:"vUnTrib"`
	VFrete   string  `xml:"vFrete,omitempty"`
	VSeg     string  `xml:"vSeg,omitempty"`
	VDesc    string  `xml:"vDesc,omitempty"`
	VOutro   string  `xml:"vOutro,omitempty"`
	IndTot   int     `xml:"indTot"`
	Rastro   *rastro `xml:"rastro,omitempty"`
}

type rastro struct {
	NLote string `xml:"nLote"`
	QLote string `xml:"qLote"`
	DFab  string `xml:"dFab"`
	DVal  string `xml:"dVal"`
}

type imposto struct {
	VTotTrib string  `xml:"vTotTrib,omitempty"`
	ICMS     *icms   `xml:"ICMS,omitempty"`
	PIS      *pis    `xml:"PIS,omitempty"`
	COFINS   *cofins `xml:"COFINS,omitempty"`
}

type icms struct {
	Group icmsGroup
}

// icmsGroup is rendered as ICMS<CST> (ICMS00, ICMS40, ...).
type icmsGroup struct {
	XMLName xml.Name
	Orig    int    `xml:"orig"`
	CST     string `xml:"CST"`
	ModBC   string `xml:"modBC,omitempty"`
	VBC     string `xml:"vBC,omitempty"`
	PICMS   string `xml:"pICMS,omitempty"`
	VICMS   string `xml:"vICMS,omitempty"`
}

type pis struct {
	Group pisGroup
}

// pisGroup is rendered as PISAliq or PISNT.
type pisGroup struct {
	XMLName xml.Name
	CST     string `xml:"CST"`
	VBC     string `xml:"vBC,omitempty"`
	PPIS    string `xml:"pPIS,omitempty"`
	VPIS    string `xml:"vPIS,omitempty"`
}

type cofins struct {
	Group cofinsGroup
}

// cofinsGroup is rendered as COFINSAliq or COFINSNT.
type cofinsGroup struct {
	XMLName xml.Name
	CST     string `xml:"CST"`
	VBC     string `xml:"vBC,omitempty"`
	PCOFINS string `xml:"pCOFINS,omitempty"`
	VCOFINS string `xml:"vCOFINS,omitempty"`
}

type total struct {
	ICMSTot icmsTot `xml:"ICMSTot"`
}

type icmsTot struct {
	VBC        string `xml:"vBC"`
	VICMS      string `xml:"vICMS"`
	VICMSDeson string `xml:"vICMSDeson"`
	VFCP       string `xml:"vFCP"`
	VBCST      string `xml:"vBCST"`
	VST        string `xml:"vST"`
	VFCPST     string `xml:"vFCPST"`
	VFCPSTRet  string `xml:"vFCPSTRet"`
	VProd      string `xml:"vProd"`
	VFrete     string `xml:"vFrete"`
	VSeg       string `xml:"vSeg"`
	VDesc      string `xml:"vDesc"`
	VII        string `xml:"vII"`
	VIPI       string `xml:"vIPI"`
	VIPIDevol  string `xml:"vIPIDevol"`
	VPIS       string `xml:"vPIS"`
	VCOFINS    string `xml:"vCOFINS"`
	VOutro     string `xml:"vOutro"`
	VNF        string `xml:"vNF"`
	VTotTrib   string `xml:"vTotTrib"`
}

type transp struct {
	ModFrete   int         `xml:"modFrete"`
	Transporta *transporta `xml:"transporta,omitempty"`
	VeicTransp *veicTransp `xml:"veicTransp,omitempty"`
}

type transporta struct {
	CNPJ  string `xml:"CNPJ,omitempty"`
	CPF   string `xml:"CPF,omitempty"`
	XNome string `xml:"xNome,omitempty"`
}

type veicTransp struct {
	Placa string `xml:"placa"`
	UF    string `xml:"UF"`
}

type infAdic struct {
	InfAdFisco string `xml:"infAdFisco,omitempty"`
	InfCpl     string `xml:"infCpl,omitempty"`
}
