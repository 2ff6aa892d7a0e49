// Package main provides importctl, the command-line front end of the import
// pipeline: run and analyze files, read audit trails and maintain tables.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/bulkimport/cmd/importctl/commands"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	g := &commands.Globals{}

	rootCmd := &cobra.Command{
		Use:   "importctl",
		Short: "Bulk CSV import tool",
		Long: `importctl streams delimited card files into PostgreSQL.

Commands:
  run       Import a file
  analyze   Validate a file header and count its rows
  audit     Show the batch audit trail of an import
  purge     Delete the rows written by one import
  reset     Truncate the import tables
  migrate   Apply the database schema`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	g.Bind(rootCmd)

	rootCmd.AddCommand(commands.NewRunCommand(g))
	rootCmd.AddCommand(commands.NewAnalyzeCommand(g))
	rootCmd.AddCommand(commands.NewAuditCommand(g))
	rootCmd.AddCommand(commands.NewPurgeCommand(g))
	rootCmd.AddCommand(commands.NewResetCommand(g))
	rootCmd.AddCommand(commands.NewMigrateCommand(g))
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		if !errors.Is(err, commands.ErrReported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "importctl %s (commit: %s)\n", version, commit)
		},
	}
}
