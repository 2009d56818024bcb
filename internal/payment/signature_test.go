package payment_test

import (
	"encoding/hex"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lookscan-api/internal/payment"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"type":"checkout.completed","data":{"id":"chk_1"}}`)
	sig := payment.Sign("whsec", body)

	require.True(t, payment.VerifySignature("whsec", body, sig))
	require.False(t, payment.VerifySignature("other", body, sig))
	require.False(t, payment.VerifySignature("whsec", append(body, ' '), sig))
	require.False(t, payment.VerifySignature("whsec", body, ""))
	require.False(t, payment.VerifySignature("whsec", body, "zz"+sig[2:]))
	require.False(t, payment.VerifySignature("whsec", body, sig[:len(sig)-1]))
	require.False(t, payment.VerifySignature("", body, sig))
}

func TestVerifySignatureRejectsEverySingleBitFlip(t *testing.T) {
	body := []byte(`{"type":"checkout.completed","data":{"id":"chk_1","status":"confirmed","customer_email":"a@example.com"}}`)
	sig := payment.Sign("whsec", body)
	require.True(t, payment.VerifySignature("whsec", body, sig))

	for i := 0; i < len(body)*8; i++ {
		mutated := append([]byte(nil), body...)
		mutated[i/8] ^= 1 << (i % 8)
		require.False(t, payment.VerifySignature("whsec", mutated, sig), "body bit %d", i)
	}

	raw, err := hex.DecodeString(sig)
	require.NoError(t, err)
	for i := 0; i < len(raw)*8; i++ {
		mutated := append([]byte(nil), raw...)
		mutated[i/8] ^= 1 << (i % 8)
		require.False(t, payment.VerifySignature("whsec", body, hex.EncodeToString(mutated)), "signature bit %d", i)
	}
}

func TestSignatureFromRequestPrefersWebhookSignature(t *testing.T) {
	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("x-polar-signature", "b")
	require.Equal(t, "b", payment.SignatureFromRequest(req))
	req.Header.Set("webhook-signature", "a")
	require.Equal(t, "a", payment.SignatureFromRequest(req))
}
