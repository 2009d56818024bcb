// Command sessionctl is an operator tool for the credential store: it signs
// webhook payloads for manual replays, inspects sessions and runs migrations.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sessionctl",
		Short:         "Operate lookscan session credentials",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(signCmd())
	root.AddCommand(sessionCmd())
	root.AddCommand(migrateCmd())
	return root
}
