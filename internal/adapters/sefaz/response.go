package sefaz

import (
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"

	"fazendabrasil/gonfpe/internal/adapters/assembler"
	"fazendabrasil/gonfpe/internal/core/authority"
)

// FaultError is a SOAP Fault returned instead of a ret* message.
type FaultError struct {
	Code   string
	Reason string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("sefaz: soap fault %s: %s", e.Code, e.Reason)
}

// ParseResponse reads a SOAP reply (or a bare ret* document) into an
// authority.Response. Replies without a cStat fail with
// authority.ErrMalformedResponse.
func ParseResponse(raw []byte) (authority.Response, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return authority.Response{}, fmt.Errorf("%w: %v", authority.ErrMalformedResponse, err)
	}
	if fault := doc.FindElement("//Fault"); fault != nil {
		return authority.Response{}, &FaultError{
			Code:   elementText(fault, ".//Code/Value", ".//faultcode"),
			Reason: elementText(fault, ".//Reason/Text", ".//faultstring"),
		}
	}

	ret := findRet(doc.Root())
	if ret == nil {
		return authority.Response{}, fmt.Errorf("%w: no ret element", authority.ErrMalformedResponse)
	}
	resp := authority.Response{
		Code:       childText(ret, "cStat"),
		Message:    childText(ret, "xMotivo"),
		Receipt:    elementText(ret, "infRec/nRec", "nRec"),
		ReceivedAt: parseTime(childText(ret, "dhRecbto")),
		Raw:        raw,
	}
	if resp.Code == "" {
		return authority.Response{}, fmt.Errorf("%w: %s without cStat", authority.ErrMalformedResponse, ret.Tag)
	}

	if prot := ret.FindElement(".//protNFe"); prot != nil {
		resp.Protocol = documentProtocol(prot)
	} else if evt := ret.FindElement(".//retEvento"); evt != nil {
		resp.Protocol = eventProtocol(evt)
	}
	return resp, nil
}

// findRet returns the first element whose tag starts with "ret", searching
// depth first from root.
func findRet(root *etree.Element) *etree.Element {
	if root == nil {
		return nil
	}
	if strings.HasPrefix(root.Tag, "ret") {
		return root
	}
	for _, child := range root.ChildElements() {
		if found := findRet(child); found != nil {
			return found
		}
	}
	return nil
}

func documentProtocol(prot *etree.Element) *authority.Protocol {
	inf := prot.FindElement("infProt")
	if inf == nil {
		return nil
	}
	return &authority.Protocol{
		AccessKey:  childText(inf, "chNFe"),
		Code:       childText(inf, "cStat"),
		Message:    childText(inf, "xMotivo"),
		Number:     childText(inf, "nProt"),
		ReceivedAt: parseTime(childText(inf, "dhRecbto")),
		XML:        standalone(prot),
	}
}

func eventProtocol(evt *etree.Element) *authority.Protocol {
	inf := evt.FindElement("infEvento")
	if inf == nil {
		return nil
	}
	return &authority.Protocol{
		AccessKey:  childText(inf, "chNFe"),
		Code:       childText(inf, "cStat"),
		Message:    childText(inf, "xMotivo"),
		Number:     childText(inf, "nProt"),
		ReceivedAt: parseTime(childText(inf, "dhRegEvento")),
		XML:        standalone(evt),
	}
}

// standalone serialises el on its own, declaring the NF-e namespace it
// inherited from its ancestors.
func standalone(el *etree.Element) []byte {
	cp := el.Copy()
	if cp.SelectAttr("xmlns") == nil {
		cp.CreateAttr("xmlns", assembler.Namespace)
	}
	doc := etree.NewDocument()
	doc.SetRoot(cp)
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil
	}
	return out
}

func childText(el *etree.Element, tag string) string {
	if c := el.SelectElement(tag); c != nil {
		return strings.TrimSpace(c.Text())
	}
	return ""
}

func elementText(el *etree.Element, paths ...string) string {
	for _, p := range paths {
		if found := el.FindElement(p); found != nil {
			return strings.TrimSpace(found.Text())
		}
	}
	return ""
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
