package signing

import (
	"context"
	"crypto/x509"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fazendabrasil/gonfpe/internal/adapters/assembler"
	"fazendabrasil/gonfpe/internal/core/nfpe"
	core "fazendabrasil/gonfpe/internal/core/signing"
	"fazendabrasil/gonfpe/internal/testutil"
)

const (
	testPassword = "senha-de-teste"
	unsignedNFe  = `<?xml version="1.0" encoding="UTF-8"?>` + "\n" +
		`<NFe xmlns="http://www.portalfiscal.inf.br/nfe"><infNFe Id="NFe51241012345678000195550010000000421123456784" versao="4.00">` +
		`<ide><cUF>51</cUF><natOp>VENDA</natOp></ide><total><ICMSTot><vNF>2500.00</vNF></ICMSTot></total></infNFe></NFe>`
	unsignedEvent = `<evento xmlns="http://www.portalfiscal.inf.br/nfe" versao="1.00">` +
		`<infEvento Id="ID1101115124101234567800019555001000000042112345678401"><tpEvento>110111</tpEvento></infEvento></evento>`
)

func loadTestCertificate(t *testing.T, opts testutil.CertificateOptions) *Certificate {
	t.Helper()
	cert, err := LoadPFX(testutil.NewPFX(t, testPassword, opts), testPassword)
	require.NoError(t, err)
	return cert
}

func TestLoadPFX(t *testing.T) {
	pfx := testutil.NewPFX(t, testPassword, testutil.CertificateOptions{})

	cert, err := LoadPFX(pfx, testPassword)
	require.NoError(t, err)
	assert.Contains(t, cert.Leaf.Subject.CommonName, "12345678000195")
	assert.Equal(t, 2048, cert.Key.N.BitLen())

	_, err = LoadPFX(pfx, "wrong")
	assert.ErrorIs(t, err, core.ErrCertificatePassword)

	_, err = LoadPFX([]byte("not a pfx"), testPassword)
	assert.ErrorIs(t, err, core.ErrCertificateInvalid)

	_, err = LoadFile("/nonexistent/cert.pfx", testPassword)
	assert.ErrorIs(t, err, core.ErrCertificateMissing)
}

func TestCheckValidity(t *testing.T) {
	now := time.Now()

	expired := loadTestCertificate(t, testutil.CertificateOptions{
		NotBefore: now.Add(-48 * time.Hour),
		NotAfter:  now.Add(-24 * time.Hour),
	})
	assert.ErrorIs(t, expired.CheckValidity(now), core.ErrCertificateExpired)

	future := loadTestCertificate(t, testutil.CertificateOptions{
		NotBefore: now.Add(24 * time.Hour),
		NotAfter:  now.Add(48 * time.Hour),
	})
	assert.ErrorIs(t, future.CheckValidity(now), core.ErrCertificateNotYetValid)

	valid := loadTestCertificate(t, testutil.CertificateOptions{})
	assert.NoError(t, valid.CheckValidity(now))
	assert.True(t, core.IsCertificateError(expired.CheckValidity(now)))
}

func TestInspect_Warnings(t *testing.T) {
	now := time.Now()
	window := 30 * 24 * time.Hour

	healthy := loadTestCertificate(t, testutil.CertificateOptions{NotAfter: now.Add(200 * 24 * time.Hour)})
	report := healthy.Inspect(now, window)
	assert.True(t, report.Valid)
	assert.Empty(t, report.Warnings)
	assert.Equal(t, 2048, report.KeySize)
	assert.Equal(t, "SHA256-RSA", report.SignatureAlgorithm)

	expiring := loadTestCertificate(t, testutil.CertificateOptions{NotAfter: now.Add(10*24*time.Hour + time.Hour)})
	report = expiring.Inspect(now, window)
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, "certificado expira em 10 dias", report.Warnings[0])

	weak := loadTestCertificate(t, testutil.CertificateOptions{KeyBits: 1024})
	weak.Leaf.SignatureAlgorithm = x509.SHA1WithRSA
	report = weak.Inspect(now, window)
	assert.Len(t, report.Warnings, 2)
	assert.Contains(t, report.Warnings[0], "1024 bits")
	assert.Contains(t, report.Warnings[1], "SHA1-RSA")
}

func TestSignAndVerify_Document(t *testing.T) {
	cert := loadTestCertificate(t, testutil.CertificateOptions{})

	signed, err := Sign([]byte(unsignedNFe), "infNFe", cert)
	require.NoError(t, err)
	require.NoError(t, Verify(signed))
	assert.True(t, HasSignature(signed))

	tree := etree.NewDocument()
	require.NoError(t, tree.ReadFromBytes(signed))
	root := tree.Root()
	sig := root.SelectElement("Signature")
	require.NotNil(t, sig, "signature is a child of NFe, sibling of infNFe")
	assert.Equal(t, "http://www.w3.org/2000/09/xmldsig#", sig.SelectAttrValue("xmlns", ""))

	ref := sig.FindElement("./SignedInfo/Reference")
	require.NotNil(t, ref)
	assert.Equal(t, "#NFe51241012345678000195550010000000421123456784", ref.SelectAttrValue("URI", ""))
	assert.Equal(t, "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256",
		sig.FindElement("./SignedInfo/SignatureMethod").SelectAttrValue("Algorithm", ""))
	assert.Equal(t, "http://www.w3.org/TR/2001/REC-xml-c14n-20010315",
		sig.FindElement("./SignedInfo/CanonicalizationMethod").SelectAttrValue("Algorithm", ""))
	assert.Len(t, sig.FindElements("./SignedInfo/Reference/Transforms/Transform"), 2)
}

func TestVerify_DetectsTampering(t *testing.T) {
	cert := loadTestCertificate(t, testutil.CertificateOptions{})
	signed, err := Sign([]byte(unsignedNFe), "infNFe", cert)
	require.NoError(t, err)

	tampered := strings.Replace(string(signed), "2500.00", "25.00", 1)
	assert.ErrorIs(t, Verify([]byte(tampered)), core.ErrSignatureInvalid)

	assert.ErrorIs(t, Verify([]byte(unsignedNFe)), core.ErrSignatureInvalid)
}

func TestSign_EventAndBatch(t *testing.T) {
	cert := loadTestCertificate(t, testutil.CertificateOptions{})

	event, err := Sign([]byte(unsignedEvent), "infEvento", cert)
	require.NoError(t, err)
	require.NoError(t, Verify(event))

	signedNFe, err := Sign([]byte(unsignedNFe), "infNFe", cert)
	require.NoError(t, err)
	batch := `<enviNFe xmlns="http://www.portalfiscal.inf.br/nfe" versao="4.00"><idLote>1</idLote><indSinc>1</indSinc>` +
		string(assembler.StripDeclaration(signedNFe)) + `</enviNFe>`

	signedBatch, err := Sign([]byte(batch), "enviNFe", cert)
	require.NoError(t, err)
	require.NoError(t, Verify(signedBatch))

	tree := etree.NewDocument()
	require.NoError(t, tree.ReadFromBytes(signedBatch))
	outer := tree.Root().SelectElement("Signature")
	require.NotNil(t, outer, "batch signature is the last child of enviNFe")
	assert.Equal(t, "", outer.FindElement("./SignedInfo/Reference").SelectAttrValue("URI", "x"))

	_, err = Sign([]byte(unsignedNFe), "infEvento", cert)
	assert.Error(t, err)
}

func TestProvider(t *testing.T) {
	now := time.Now()
	farm := testutil.Farm()
	farm.CertificatePath = testutil.WritePFX(t, testPassword, testutil.CertificateOptions{})
	secrets := testutil.StaticSecrets{farm.CertificateSecret: testPassword}

	p := NewProvider(secrets, time.Hour, 30*24*time.Hour, testutil.NewNullLogger())

	signed, err := p.SignDocument(context.Background(), farm, []byte(unsignedNFe))
	require.NoError(t, err)
	require.NoError(t, Verify(signed))

	tlsCert, err := p.ClientCertificate(context.Background(), farm)
	require.NoError(t, err)
	require.NotNil(t, tlsCert.Leaf)

	report, err := p.Inspect(context.Background(), farm)
	require.NoError(t, err)
	assert.True(t, report.Valid)

	t.Run("cached until invalidated", func(t *testing.T) {
		require.NoError(t, os.Remove(farm.CertificatePath))
		_, err := p.SignEvent(context.Background(), farm, []byte(unsignedEvent))
		require.NoError(t, err, "served from cache")

		p.InvalidatePath(farm.CertificatePath)
		_, err = p.SignEvent(context.Background(), farm, []byte(unsignedEvent))
		assert.ErrorIs(t, err, core.ErrCertificateMissing)
	})

	t.Run("expired certificate", func(t *testing.T) {
		expiredFarm := farm
		expiredFarm.ID = "farm-expired"
		expiredFarm.CertificatePath = testutil.WritePFX(t, testPassword, testutil.CertificateOptions{
			NotBefore: now.Add(-400 * 24 * time.Hour),
			NotAfter:  now.Add(-time.Hour),
		})

		_, err := p.SignDocument(context.Background(), expiredFarm, []byte(unsignedNFe))
		assert.ErrorIs(t, err, core.ErrCertificateExpired)

		report, err := p.Inspect(context.Background(), expiredFarm)
		require.NoError(t, err, "inspection works on expired certificates")
		assert.False(t, report.Valid)
		assert.Contains(t, report.Warnings, "certificado expirado")
	})

	t.Run("missing password", func(t *testing.T) {
		other := farm
		other.ID = "farm-no-secret"
		other.CertificatePath = testutil.WritePFX(t, testPassword, testutil.CertificateOptions{})
		other.CertificateSecret = "not-configured"

		_, err := p.SignDocument(context.Background(), other, []byte(unsignedNFe))
		assert.ErrorIs(t, err, core.ErrCertificatePassword)
	})

	t.Run("no certificate configured", func(t *testing.T) {
		_, err := p.SignDocument(context.Background(), nfpe.Farm{ID: "bare"}, []byte(unsignedNFe))
		assert.ErrorIs(t, err, core.ErrCertificateMissing)
	})
}
