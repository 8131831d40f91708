// Package cli implements scriptoriumctl, the operator tool for catalogs,
// quality checks, fingerprints, locks, and tokens. Every command works on
// local files and never talks to a running server.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "scriptoriumctl",
		Short: "Operate a Scriptorium data directory",
		Long:  "Offline tooling for Scriptorium: validate catalogs, gate text, inspect runs, and maintain locks and the uniqueness registry.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewQualityCommand(opts))
	cmd.AddCommand(NewSimhashCommand(opts))
	cmd.AddCommand(NewShowRunCommand(opts))
	cmd.AddCommand(NewSweepLocksCommand(opts))
	cmd.AddCommand(NewCompactRegistryCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}
