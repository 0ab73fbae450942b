package accesskey

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Nonce derives the 8-digit cNF for a document.
//
// The value is SHA-256(cnpj|series|number|seed) reduced modulo 10^8, where
// seed is the document's random UUID. Re-assembling the same document
// yields the same nonce; two documents never share a seed. SEFAZ refuses a
// cNF equal to nNF, so that case is bumped by one.
func Nonce(cnpj string, series int, number int64, seed string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%s", Digits(cnpj), series, number, seed)))
	n := binary.BigEndian.Uint64(sum[:8]) % 100_000_000
	if n == uint64(number%100_000_000) {
		n = (n + 1) % 100_000_000
	}
	return fmt.Sprintf("%08d", n)
}
