package nfpe

import "time"

// Farm is the issuing entity: a rural producer registered with SEFAZ-MT.
type Farm struct {
	ID                    string  `json:"id"`
	CNPJ                  string  `json:"cnpj"`
	StateRegistration     string  `json:"inscricao_estadual"`
	MunicipalRegistration string  `json:"inscricao_municipal,omitempty"`
	LegalName             string  `json:"razao_social"`
	TradeName             string  `json:"nome_fantasia,omitempty"`
	TaxRegime             int     `json:"regime_tributario"`
	Address               Address `json:"endereco"`
	Phone                 string  `json:"telefone,omitempty"`

	// CertificatePath locates the A1 PFX container. The password is never
	// stored; CertificateSecret names it in the secret store.
	CertificatePath   string `json:"certificado_caminho,omitempty"`
	CertificateSecret string `json:"certificado_segredo,omitempty"`

	DefaultSeries int   `json:"serie_padrao"`
	LastNumber    int64 `json:"ultimo_numero"`

	CreatedAt time.Time `json:"criado_em"`
	UpdatedAt time.Time `json:"atualizado_em"`
}

// Validate checks the fields the assembler and the signer depend on.
func (f *Farm) Validate() error {
	v := &ValidationError{}
	if len(f.CNPJ) != 14 {
		v.add("cnpj deve ter 14 dígitos")
	}
	if f.StateRegistration == "" {
		v.add("inscricao_estadual obrigatória")
	}
	if f.LegalName == "" {
		v.add("razao_social obrigatória")
	}
	for _, field := range f.Address.Missing() {
		v.add("endereco.%s obrigatório", field)
	}
	if f.DefaultSeries < 0 || f.DefaultSeries > 999 {
		v.add("serie_padrao fora do intervalo 0..999")
	}
	return v.orNil()
}
