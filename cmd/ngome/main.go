// Ngome — a policy-enforced sandbox for running untrusted guest code.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ngome",
	Short: "Ngome — a security sandbox for untrusted guest code.",
	Long: `Ngome validates and executes untrusted Starlark snippets inside a
restricted interpreter. Every submission is statically screened against
a security policy before it runs, and every outcome is recorded in an
append-only audit trail and a queryable execution history.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, validateCmd, mcpCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
