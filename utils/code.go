package utils

import (
	"crypto/rand"
	"strings"
)

const codeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GroupCodeLength is the length of shareable group codes.
const GroupCodeLength = 6

// GenerateGroupCode returns a random 6-character uppercase alphanumeric
// code. Uniqueness is the registry's job; a collision shows up there as
// ErrDuplicateCode and the caller regenerates.
func GenerateGroupCode() string {
	buf := make([]byte, GroupCodeLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is broken; there is no
		// useful recovery for a 6-char invite code.
		panic(err)
	}
	var b strings.Builder
	for _, c := range buf {
		b.WriteByte(codeCharset[int(c)%len(codeCharset)])
	}
	return b.String()
}

// NormalizeGroupCode upper-cases and strips anything outside the code
// charset, matching how codes are compared on lookup.
func NormalizeGroupCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(code)) {
		if strings.ContainsRune(codeCharset, r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
