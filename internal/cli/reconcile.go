package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/reconcile"
)

// ReconcileOptions holds flags for the reconcile command.
type ReconcileOptions struct {
	*RootOptions
	Reshuffle bool
}

// ReconcileResult is the output of the reconcile command.
type ReconcileResult struct {
	Trunk      []model.Operation `json:"trunk"`
	Tail       []model.Operation `json:"tail"`
	Reshuffled []model.Operation `json:"reshuffled,omitempty"`
}

// String renders the result as indented "index:skip type" lines.
func (r ReconcileResult) String() string {
	var b strings.Builder
	section := func(name string, ops []model.Operation) {
		b.WriteString(name + ":")
		for _, op := range ops {
			fmt.Fprintf(&b, "\n  %s", op)
		}
	}
	section("trunk", r.Trunk)
	b.WriteString("\n")
	section("tail", r.Tail)
	if r.Reshuffled != nil {
		b.WriteString("\n")
		section("reshuffled", r.Reshuffled)
	}
	return b.String()
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReconcileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reconcile <trunk.yaml> <branch.yaml>",
		Short: "Attach a branch history to a trunk history",
		Long: `Reconcile two operation histories of one stream.

Each file is a YAML list of operations:

  - index: 0
    skip: 0
    action: {type: INCREMENT}

The branch is grafted onto the trunk. Trunk operations displaced by the
branch are reported as the tail; --reshuffle re-indexes them after the new
trunk. An integrity violation exits with status 1.

Example:
  reactor reconcile trunk.yaml branch.yaml
  reactor reconcile --format json --reshuffle trunk.yaml branch.yaml`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Reshuffle, "reshuffle", false, "re-index the tail after the new trunk")

	return cmd
}

func runReconcile(opts *ReconcileOptions, trunkPath, branchPath string, cmd *cobra.Command) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	trunk, err := readOperations(trunkPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read trunk", err)
	}
	branch, err := readOperations(branchPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read branch", err)
	}

	newTrunk, tail, err := reconcile.AttachBranch(trunk, branch)
	if err != nil {
		if outErr := out.Failure(err); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "reconciliation failed", err)
	}

	result := ReconcileResult{Trunk: newTrunk, Tail: tail}
	if opts.Reshuffle {
		result.Reshuffled = reconcile.Reshuffle(reconcile.NextIndex(newTrunk), tail)
	}
	return out.Success(result)
}

func readOperations(path string) ([]model.Operation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ops []model.Operation
	if err := yaml.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, op := range ops {
		if op.Action.Type == "" {
			return nil, fmt.Errorf("%s: operation %d has no action type", path, i)
		}
	}
	return ops, nil
}
