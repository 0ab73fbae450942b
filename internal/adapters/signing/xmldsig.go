package signing

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	core "fazendabrasil/gonfpe/internal/core/signing"
)

// Signatures follow the NF-e manual: inclusive C14N 1.0, RSA-SHA256 over
// a SHA-256 digest, and the signer's certificate in KeyInfo.
const digestSHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"

var canonicalizer = dsig.MakeC14N10RecCanonicalizer()

// Sign appends a Signature over the element with tag target. When the
// element has an Id the reference points at it and the signature becomes
// its next sibling; otherwise the reference is the whole document and the
// signature is the last child of the root.
func Sign(doc []byte, target string, cert *Certificate) ([]byte, error) {
	tree := etree.NewDocument()
	if err := tree.ReadFromBytes(doc); err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	root := tree.Root()
	if root == nil {
		return nil, errors.New("parse xml: empty document")
	}

	el := root
	if root.Tag != target {
		el = root.FindElement("//" + target)
	}
	if el == nil {
		return nil, fmt.Errorf("element %s not found", target)
	}

	uri := ""
	parent := root
	if id := el.SelectAttrValue("Id", ""); id != "" {
		uri = "#" + id
		if el != root {
			parent = el.Parent()
		}
	}

	digest, err := digestOf(el)
	if err != nil {
		return nil, err
	}

	signature := parent.CreateElement(dsig.SignatureTag)
	signature.CreateAttr("xmlns", dsig.Namespace)
	signedInfo := buildSignedInfo(signature, uri, digest)

	canonical, err := canonicalizer.Canonicalize(signedInfo)
	if err != nil {
		return nil, fmt.Errorf("canonicalize SignedInfo: %w", err)
	}
	hashed := sha256.Sum256(canonical)
	value, err := rsa.SignPKCS1v15(rand.Reader, cert.Key, crypto.SHA256, hashed[:])
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	signature.CreateElement(dsig.SignatureValueTag).SetText(base64.StdEncoding.EncodeToString(value))
	signature.CreateElement(dsig.KeyInfoTag).
		CreateElement(dsig.X509DataTag).
		CreateElement(dsig.X509CertificateTag).
		SetText(base64.StdEncoding.EncodeToString(cert.Leaf.Raw))

	tree.WriteSettings.CanonicalEndTags = true
	out, err := tree.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize signed xml: %w", err)
	}
	return out, nil
}

func buildSignedInfo(signature *etree.Element, uri, digest string) *etree.Element {
	signedInfo := signature.CreateElement(dsig.SignedInfoTag)
	signedInfo.CreateElement(dsig.CanonicalizationMethodTag).
		CreateAttr(dsig.AlgorithmAttr, string(dsig.CanonicalXML10RecAlgorithmId))
	signedInfo.CreateElement(dsig.SignatureMethodTag).
		CreateAttr(dsig.AlgorithmAttr, dsig.RSASHA256SignatureMethod)

	reference := signedInfo.CreateElement(dsig.ReferenceTag)
	reference.CreateAttr(dsig.URIAttr, uri)
	transforms := reference.CreateElement(dsig.TransformsTag)
	transforms.CreateElement(dsig.TransformTag).
		CreateAttr(dsig.AlgorithmAttr, string(dsig.EnvelopedSignatureAltorithmId))
	transforms.CreateElement(dsig.TransformTag).
		CreateAttr(dsig.AlgorithmAttr, string(dsig.CanonicalXML10RecAlgorithmId))
	reference.CreateElement(dsig.DigestMethodTag).CreateAttr(dsig.AlgorithmAttr, digestSHA256)
	reference.CreateElement(dsig.DigestValueTag).SetText(digest)
	return signedInfo
}

func digestOf(el *etree.Element) (string, error) {
	canonical, err := canonicalizer.Canonicalize(el)
	if err != nil {
		return "", fmt.Errorf("canonicalize %s: %w", el.Tag, err)
	}
	sum := sha256.Sum256(canonical)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// Verify checks every Signature in doc against the certificate embedded in
// its KeyInfo. It returns core.ErrSignatureInvalid when a digest or
// signature value does not match.
func Verify(doc []byte) error {
	tree := etree.NewDocument()
	if err := tree.ReadFromBytes(doc); err != nil {
		return fmt.Errorf("parse xml: %w", err)
	}
	root := tree.Root()
	if root == nil {
		return errors.New("parse xml: empty document")
	}

	signatures := root.FindElements("//" + dsig.SignatureTag)
	if root.Tag == dsig.SignatureTag {
		signatures = append(signatures, root)
	}
	if len(signatures) == 0 {
		return fmt.Errorf("%w: no signature", core.ErrSignatureInvalid)
	}
	for _, signature := range signatures {
		if err := verifySignature(root, signature); err != nil {
			return err
		}
	}
	return nil
}

func verifySignature(root, signature *etree.Element) error {
	signedInfo := signature.SelectElement(dsig.SignedInfoTag)
	if signedInfo == nil {
		return fmt.Errorf("%w: missing SignedInfo", core.ErrSignatureInvalid)
	}
	reference := signedInfo.SelectElement(dsig.ReferenceTag)
	if reference == nil {
		return fmt.Errorf("%w: missing Reference", core.ErrSignatureInvalid)
	}
	if method := signedInfo.SelectElement(dsig.SignatureMethodTag); method == nil ||
		method.SelectAttrValue(dsig.AlgorithmAttr, "") != dsig.RSASHA256SignatureMethod {
		return fmt.Errorf("%w: unsupported signature method", core.ErrSignatureInvalid)
	}

	canonicalSignedInfo, err := canonicalizer.Canonicalize(signedInfo)
	if err != nil {
		return fmt.Errorf("canonicalize SignedInfo: %w", err)
	}

	cert, err := embeddedCertificate(signature)
	if err != nil {
		return err
	}
	value, err := base64.StdEncoding.DecodeString(strings.TrimSpace(childText(signature, dsig.SignatureValueTag)))
	if err != nil {
		return fmt.Errorf("%w: SignatureValue is not base64", core.ErrSignatureInvalid)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: certificate key is not RSA", core.ErrSignatureInvalid)
	}
	hashed := sha256.Sum256(canonicalSignedInfo)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, hashed[:], value); err != nil {
		return fmt.Errorf("%w: signature value mismatch", core.ErrSignatureInvalid)
	}

	// Enveloped-signature transform: the referenced content is digested
	// without the signature itself.
	uri := reference.SelectAttrValue(dsig.URIAttr, "")
	expected := childText(reference, dsig.DigestValueTag)
	parent := signature.Parent()
	index := signature.Index()
	if parent != nil {
		parent.RemoveChildAt(index)
		defer parent.InsertChildAt(index, signature)
	}

	target := root
	if uri != "" {
		target = findByID(root, strings.TrimPrefix(uri, "#"))
		if target == nil {
			return fmt.Errorf("%w: reference %s not found", core.ErrSignatureInvalid, uri)
		}
	}
	digest, err := digestOf(target)
	if err != nil {
		return err
	}
	if digest != strings.TrimSpace(expected) {
		return fmt.Errorf("%w: digest mismatch for %q", core.ErrSignatureInvalid, uri)
	}
	return nil
}

func embeddedCertificate(signature *etree.Element) (*x509.Certificate, error) {
	el := signature.FindElement("./" + dsig.KeyInfoTag + "/" + dsig.X509DataTag + "/" + dsig.X509CertificateTag)
	if el == nil {
		return nil, fmt.Errorf("%w: missing X509Certificate", core.ErrSignatureInvalid)
	}
	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(el.Text()), ""))
	if err != nil {
		return nil, fmt.Errorf("%w: X509Certificate is not base64", core.ErrSignatureInvalid)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrSignatureInvalid, err)
	}
	return cert, nil
}

func findByID(root *etree.Element, id string) *etree.Element {
	if root.SelectAttrValue("Id", "") == id {
		return root
	}
	return root.FindElement(fmt.Sprintf("//*[@Id='%s']", id))
}

func childText(el *etree.Element, tag string) string {
	if child := el.SelectElement(tag); child != nil {
		return child.Text()
	}
	return ""
}

// HasSignature reports whether doc carries at least one Signature element.
func HasSignature(doc []byte) bool {
	return bytes.Contains(doc, []byte("<"+dsig.SignatureTag))
}
