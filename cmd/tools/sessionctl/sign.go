package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/noah-isme/lookscan-api/internal/payment"
)

func signCmd() *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "sign [file]",
		Short: "Print the webhook signature for a payload",
		Long: `Compute the hex HMAC-SHA256 signature the webhook endpoint expects.

The payload is read from the file argument, or from stdin when omitted.

Examples:
  sessionctl sign event.json
  cat event.json | sessionctl sign --secret whsec_xxx`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("POLAR_WEBHOOK_SECRET")
			}
			if secret == "" {
				return errors.New("a secret is required (--secret or POLAR_WEBHOOK_SECRET)")
			}
			var (
				body []byte
				err  error
			)
			if len(args) == 1 {
				body, err = os.ReadFile(args[0])
			} else {
				body, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", payment.HeaderWebhookSignature, payment.Sign(secret, body))
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "webhook secret (defaults to POLAR_WEBHOOK_SECRET)")
	return cmd
}
