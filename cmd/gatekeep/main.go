// Command gatekeep is a credential lifecycle and access policy service.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gatekeep",
	Short: "gatekeep: credential validation and web resource access decisions.",
	Long: `gatekeep validates caller credentials against configured identity stores,
answers web resource access questions from declarative constraints, and
clears every credential it handles as soon as it is no longer needed.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, accessCmd, callersCmd, auditCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
