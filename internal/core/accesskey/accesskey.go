// Package accesskey builds and checks the 44-digit chave de acesso of an
// NF-e/NFP-e.
//
// Layout: cUF(2) AAMM(4) CNPJ(14) mod(2) serie(3) nNF(9) tpEmis(1) cNF(8) cDV(1).
package accesskey

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	Length     = 44
	bodyLength = 43
)

// weights is the mod-11 weight for each of the 43 body digits, 2..9 cycling
// from the right.
const weights = "4329876543298765432987654329876543298765432"

var (
	ErrLength      = errors.New("access key must have 44 digits")
	ErrNotNumeric  = errors.New("access key must be numeric")
	ErrCheckDigit  = errors.New("access key check digit mismatch")
	ErrFieldLength = errors.New("access key field out of range")
)

// Params are the fields encoded in a key.
type Params struct {
	StateCode    string
	IssuedAt     time.Time
	CNPJ         string
	Model        string
	Series       int
	Number       int64
	EmissionType int
	Nonce        string
}

// Build concatenates the fields and appends the check digit.
func Build(p Params) (string, error) {
	cnpj := Digits(p.CNPJ)
	if len(cnpj) > 14 {
		return "", fmt.Errorf("%w: cnpj %q", ErrFieldLength, p.CNPJ)
	}
	if len(p.StateCode) != 2 || !IsNumeric(p.StateCode) {
		return "", fmt.Errorf("%w: state code %q", ErrFieldLength, p.StateCode)
	}
	if len(p.Model) != 2 || !IsNumeric(p.Model) {
		return "", fmt.Errorf("%w: model %q", ErrFieldLength, p.Model)
	}
	if p.Series < 0 || p.Series > 999 {
		return "", fmt.Errorf("%w: series %d", ErrFieldLength, p.Series)
	}
	if p.Number < 1 || p.Number > 999_999_999 {
		return "", fmt.Errorf("%w: number %d", ErrFieldLength, p.Number)
	}
	if p.EmissionType < 1 || p.EmissionType > 9 {
		return "", fmt.Errorf("%w: emission type %d", ErrFieldLength, p.EmissionType)
	}
	if len(p.Nonce) != 8 || !IsNumeric(p.Nonce) {
		return "", fmt.Errorf("%w: nonce %q", ErrFieldLength, p.Nonce)
	}

	var b strings.Builder
	b.Grow(Length)
	b.WriteString(p.StateCode)
	b.WriteString(p.IssuedAt.Format("0601"))
	b.WriteString(fmt.Sprintf("%014s", cnpj))
	b.WriteString(p.Model)
	b.WriteString(fmt.Sprintf("%03d", p.Series))
	b.WriteString(fmt.Sprintf("%09d", p.Number))
	b.WriteString(strconv.Itoa(p.EmissionType))
	b.WriteString(p.Nonce)

	body := b.String()
	return body + CheckDigit(body), nil
}

// CheckDigit computes the mod-11 digit for a 43-digit body. A remainder of
// 0 or 1 yields "0".
func CheckDigit(body string) string {
	sum := 0
	for i := 0; i < len(body) && i < bodyLength; i++ {
		sum += int(body[i]-'0') * int(weights[i]-'0')
	}
	rem := sum % 11
	if rem < 2 {
		return "0"
	}
	return strconv.Itoa(11 - rem)
}

// Validate checks length, charset and check digit.
func Validate(key string) error {
	if len(key) != Length {
		return ErrLength
	}
	if !IsNumeric(key) {
		return ErrNotNumeric
	}
	if CheckDigit(key[:bodyLength]) != key[bodyLength:] {
		return ErrCheckDigit
	}
	return nil
}

// Parts splits a valid key into its fields.
type Parts struct {
	StateCode    string
	YearMonth    string
	CNPJ         string
	Model        string
	Series       string
	Number       string
	EmissionType string
	Nonce        string
	CheckDigit   string
}

// Parse validates key and returns its fields.
func Parse(key string) (Parts, error) {
	if err := Validate(key); err != nil {
		return Parts{}, err
	}
	return Parts{
		StateCode:    key[0:2],
		YearMonth:    key[2:6],
		CNPJ:         key[6:20],
		Model:        key[20:22],
		Series:       key[22:25],
		Number:       key[25:34],
		EmissionType: key[34:35],
		Nonce:        key[35:43],
		CheckDigit:   key[43:44],
	}, nil
}

// Digits strips every non-digit rune from s.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsNumeric reports whether s is a non-empty string of ASCII digits.
func IsNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
