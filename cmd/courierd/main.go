// courierd runs the courier delivery client as a daemon: it consumes the
// recovery signal stream, performs queued sends, and exposes metrics.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:   "courierd",
		Short: "Courier message delivery daemon",
		Long: `Courier message delivery daemon.

Connects to the messaging server, handles queued outgoing sends, and
answers peers' resend requests and decryption-error reports.

Examples:
  courierd start --api-url https://chat.example.org --account acct --password-file /run/secrets/pw
  courierd start --config /etc/courier/courierd.yaml`,
	}

	rootCmd.AddCommand(newStartCmd())

	return rootCmd.ExecuteContext(context.Background())
}
