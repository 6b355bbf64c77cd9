// Boxkit — run untrusted code inside lightweight VM-backed containers.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "boxkit",
	Short: "Boxkit — micro-VM sandboxes for untrusted code.",
	Long: `Boxkit runs commands inside lightweight VM-backed containers ("boxes").
Each box is one hardware-isolated VM running a single OCI container,
addressable by id or name, with streamed stdio and per-box metrics.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd, listCmd, rmCmd, stopCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
