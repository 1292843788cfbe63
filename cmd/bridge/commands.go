package bridge

import "github.com/spf13/cobra"

// Actions defines the bridge service operations.
type Actions interface {
	Run(cmd *cobra.Command, args []string) error
	Status(cmd *cobra.Command, args []string) error
	Emit(cmd *cobra.Command, args []string) error
	CursorShow(cmd *cobra.Command, args []string) error
	CursorReset(cmd *cobra.Command, args []string) error
}

// Commands builds the bridge command set (run, status, emit, cursor).
func Commands(h Actions) []*cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Watch the event log and manage VMs until interrupted",
		Args:  cobra.NoArgs,
		RunE:  h.Run,
	}
	runCmd.Flags().Bool("from-start", false, "read the event log from offset 0 instead of the saved cursor")

	statusCmd := &cobra.Command{
		Use:     "status [TARGET]",
		Aliases: []string{"ps"},
		Short:   "Show persisted session state per target",
		Args:    cobra.MaximumNArgs(1),
		RunE:    h.Status,
	}
	statusCmd.Flags().Bool("json", false, "print raw session records as JSON")

	emitCmd := &cobra.Command{
		Use:   "emit KIND TARGET [ARG...]",
		Short: "Append a host event line to the event log",
		Long: "Append a host event line to the event log, as a guest would.\n" +
			"KIND is one of SHOW, HIDE, SENDTEXT, SENDKEY, MOUSE_ABS, CLICK, SHUTDOWN.",
		Args: cobra.MinimumNArgs(2), //nolint:mnd
		RunE: h.Emit,
	}

	cursorCmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect or reset the event log cursor",
	}
	cursorCmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the saved cursor",
			Args:  cobra.NoArgs,
			RunE:  h.CursorShow,
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Make the next run replay the event log from the start",
			Args:  cobra.NoArgs,
			RunE:  h.CursorReset,
		},
	)

	return []*cobra.Command{runCmd, statusCmd, emitCmd, cursorCmd}
}
