// Package main provides the entry point for the docstream CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/docstream/cmd/docstream/commands"
)

func main() {
	global := &commands.GlobalOptions{}
	rootCmd := &cobra.Command{
		Use:   "docstream",
		Short: "Bounded-memory extraction for large documents",
		Long: `docstream extracts text from large PDFs under a fixed memory budget.

Commands:
  run       Process one document end to end
  stream    Print each unit as a JSON line as it is extracted
  assess    Print the profile and processing plan of a document
  batch     Process several documents concurrently`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return commands.SetupLogging(global.LogLevel)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&global.ConfigPath, "config", "c", "", "path to a YAML config file (default .docstream.yaml)")
	rootCmd.PersistentFlags().StringVar(&global.LogLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(commands.NewRunCommand(global))
	rootCmd.AddCommand(commands.NewStreamCommand(global))
	rootCmd.AddCommand(commands.NewAssessCommand(global))
	rootCmd.AddCommand(commands.NewBatchCommand(global))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
