package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// CheckoutKeyPrefix namespaces the checkout index in the credential store.
const CheckoutKeyPrefix = "checkout:"

const tokenBytes = 32

// Record is the value stored under a session token. Timestamps are Unix epoch milliseconds.
type Record struct {
	CheckoutID    string `json:"checkoutId"`
	CustomerEmail string `json:"customerEmail,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
	LastUsed      int64  `json:"lastUsed,omitempty"`
	Used          bool   `json:"used"`
}

// NewToken draws 32 bytes from src (crypto/rand when nil) and hex encodes them.
func NewToken(src io.Reader) (string, error) {
	if src == nil {
		src = rand.Reader
	}
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(src, buf); err != nil {
		return "", fmt.Errorf("read token entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ValidToken reports whether token has the shape of a minted credential.
func ValidToken(token string) bool {
	if len(token) != tokenBytes*2 {
		return false
	}
	_, err := hex.DecodeString(token)
	return err == nil
}

// CheckoutKey returns the index key for a checkout id.
func CheckoutKey(checkoutID string) string {
	return CheckoutKeyPrefix + checkoutID
}

// DevToken is the placeholder credential handed out when no store is configured.
func DevToken(checkoutID string) string {
	return "dev_" + checkoutID
}
