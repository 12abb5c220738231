// Package cli implements the upgrade-guard command.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds the command flags.
type RootOptions struct {
	Verbose     bool
	Format      string // "json" | "text"
	Config      string // path of the YAML configuration file
	Parallelism int    // overrides the configured parallelism when positive
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the upgrade-guard command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "upgrade-guard <v1-manifest.xml> <v2-manifest.xml>",
		Short: "Check that a Service Fabric upgrade keeps persisted types readable",
		Long: "upgrade-guard compares the code packages of two versions of a stateful Service Fabric service.\n" +
			"Every type V2 stores in a reliable collection must still be defined, under the same full name,\n" +
			"by the V1 module expected to declare it.",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}

			if opts.Parallelism < 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid parallelism %d", opts.Parallelism))
			}

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), opts, args, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output and debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().IntVarP(&opts.Parallelism, "parallelism", "p", 0, "modules and types checked at once (default from config)")

	return cmd
}

// Execute runs the command with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)

	var exitErr *ExitError
	if err != nil && (!errors.As(err, &exitErr) || exitErr.Message != "") {
		fmt.Fprintln(stderr, "Error:", err)
	}

	return GetExitCode(err)
}
