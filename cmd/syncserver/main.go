// Command syncserver runs the authoritative document sync server and
// manages its API credentials, grounded on the teacher's cmd/bd cobra
// layout: one rootCmd, one file per subcommand, flags read in Run
// closures.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/docsync/docsync/internal/cliui"
)

var rootCmd = &cobra.Command{
	Use:   "syncserver",
	Short: "Authoritative document sync server",
	Long: `syncserver runs the server half of an offline-first document sync
system: a websocket reconciler backed by Postgres, plus the HMAC
credential management its clients authenticate with.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		cliui.Error(err.Error())
		fmt.Fprintln(os.Stderr)
		os.Exit(1)
	}
}
