package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lookscan-api/internal/payment"
)

func TestSignFromStdin(t *testing.T) {
	payload := `{"type":"checkout.completed","data":{"id":"chk_1"}}`
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetIn(strings.NewReader(payload))
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"sign", "--secret", "whsec"})
	require.NoError(t, cmd.Execute())

	sig := strings.TrimSpace(strings.TrimPrefix(out.String(), payment.HeaderWebhookSignature+":"))
	require.True(t, payment.VerifySignature("whsec", []byte(payload), sig))
}

func TestSignFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"sign", "--secret", "whsec", path})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), payment.Sign("whsec", []byte(`{}`)))
}

func TestSignRequiresSecret(t *testing.T) {
	t.Setenv("POLAR_WEBHOOK_SECRET", "")
	cmd := rootCmd()
	cmd.SetIn(strings.NewReader(`{}`))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"sign"})
	require.Error(t, cmd.Execute())
}
