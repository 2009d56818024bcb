package common

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sha256Hex returns the SHA-256 digest of the input encoded as lowercase hex.
func Sha256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// ShortDigest returns the first 12 hex characters of the SHA-256 digest. It is used
// to reference bearer tokens in logs without writing the token itself.
func ShortDigest(input string) string {
	if input == "" {
		return ""
	}
	return Sha256Hex(input)[:12]
}
