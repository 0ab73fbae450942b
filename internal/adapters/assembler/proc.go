package assembler

import (
	"bytes"
	"fmt"
)

// StripDeclaration removes a leading <?xml ...?> declaration and
// surrounding whitespace, so the document can be embedded verbatim.
func StripDeclaration(doc []byte) []byte {
	doc = bytes.TrimSpace(doc)
	if bytes.HasPrefix(doc, []byte("<?xml")) {
		if end := bytes.Index(doc, []byte("?>")); end >= 0 {
			doc = bytes.TrimSpace(doc[end+2:])
		}
	}
	return doc
}

// WrapProc builds the nfeProc distribution file from the signed NFe and
// its protNFe element. Both are embedded byte for byte so the signature
// still verifies.
func WrapProc(signed, protocol []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	fmt.Fprintf(&buf, `<nfeProc xmlns="%s" versao="%s">`, Namespace, LayoutVersion)
	buf.Write(StripDeclaration(signed))
	buf.Write(StripDeclaration(protocol))
	buf.WriteString(`</nfeProc>`)
	return buf.Bytes()
}
