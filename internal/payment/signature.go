package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// Signature headers, in lookup order.
const (
	HeaderWebhookSignature = "webhook-signature"
	HeaderPolarSignature   = "x-polar-signature"
)

// SignatureFromRequest returns the first non-empty signature header.
func SignatureFromRequest(r *http.Request) string {
	if sig := strings.TrimSpace(r.Header.Get(HeaderWebhookSignature)); sig != "" {
		return sig
	}
	return strings.TrimSpace(r.Header.Get(HeaderPolarSignature))
}

// Sign computes the lowercase hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex encoded HMAC-SHA256 signature over the exact body
// bytes. Malformed hex never verifies.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}
