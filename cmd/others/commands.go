package others

import (
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"
)

// Actions defines the housekeeping operations.
type Actions interface {
	GC(cmd *cobra.Command, args []string) error
	Version(cmd *cobra.Command, args []string) error
}

// Commands builds the housekeeping command set (gc, version, completion).
func Commands(h Actions) []*cobra.Command {
	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove runtime leftovers of stopped or unconfigured targets",
		Args:  cobra.NoArgs,
		RunE:  h.GC,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version, git revision, and build timestamp",
		Args:  cobra.NoArgs,
		RunE:  h.Version,
	}
	versionCmd.Flags().Bool("short", false, "print the version number only")

	return []*cobra.Command{gcCmd, versionCmd, completionCommand()}
}

var completions = map[string]func(root *cobra.Command, w io.Writer) error{
	"bash":       func(root *cobra.Command, w io.Writer) error { return root.GenBashCompletionV2(w, true) },
	"zsh":        func(root *cobra.Command, w io.Writer) error { return root.GenZshCompletion(w) },
	"fish":       func(root *cobra.Command, w io.Writer) error { return root.GenFishCompletion(w, true) },
	"powershell": func(root *cobra.Command, w io.Writer) error { return root.GenPowerShellCompletionWithDesc(w) },
}

func completionCommand() *cobra.Command {
	shells := slices.Sorted(maps.Keys(completions))
	return &cobra.Command{
		Use:       "completion SHELL",
		Short:     "Generate a shell completion script",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: shells,
		RunE: func(cmd *cobra.Command, args []string) error {
			return completions[args[0]](cmd.Root(), cmd.OutOrStdout())
		},
	}
}
