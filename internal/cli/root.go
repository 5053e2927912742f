package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/registry"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // YAML configuration file, optional
	EnvDir  string // directory searched for .env

	// Modules are the document models served by this binary.
	Modules []registry.Module
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command. modules are registered with
// every reactor the commands build.
func NewRootCommand(modules ...registry.Module) *cobra.Command {
	opts := &RootOptions{Modules: modules}

	cmd := &cobra.Command{
		Use:   "reactor",
		Short: "Document reactor",
		Long: `Executes actions against versioned documents, reconciles operation
histories and replicates them with remote reactors.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to a YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.EnvDir, "env-dir", ".", "directory containing the .env file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}
