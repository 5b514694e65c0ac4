// Command stowage serves the storage registry over HTTP and inspects the
// built-in backends.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "stowage",
		Short: "Pluggable storage backends behind one HTTP API",
		Long: `stowage maps backend names to storage engines, reports what each
engine supports, and can run an engine in a separate worker process
reached over a framed message protocol.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newBackendsCmd())
	return root
}
