// Command orchestrator wires the orchestration core's packages into a
// runnable process: an HTTP ingress realizing the turn contract, and an
// operator subcommand for bulk patient-context archival.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "Multi-agent conversational orchestration core",
	}

	root.AddCommand(newServeCmd(), newMigrateArchiveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
