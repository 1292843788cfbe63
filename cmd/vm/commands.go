package vm

import "github.com/spf13/cobra"

// Actions defines per-target VM tooling.
type Actions interface {
	Debug(cmd *cobra.Command, args []string) error
	DiskCheck(cmd *cobra.Command, args []string) error
	Monitor(cmd *cobra.Command, args []string) error
}

// Commands builds the per-target command set (debug, disk, monitor).
func Commands(h Actions) []*cobra.Command {
	debugCmd := &cobra.Command{
		Use:   "debug [flags] TARGET",
		Short: "Print the QEMU command line for TARGET (dry run)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Debug,
	}
	debugCmd.Flags().Bool("visible", false, "build the directly visible variant")
	debugCmd.Flags().Bool("resume", false, "include the profile's resume snapshot")
	debugCmd.Flags().Bool("network", false, "force networking on, as for a fresh disk")

	diskCmd := &cobra.Command{
		Use:   "disk",
		Short: "Manage guest disks",
	}
	diskCmd.AddCommand(&cobra.Command{
		Use:   "check TARGET",
		Short: "Create, check or repair TARGET's disk image",
		Args:  cobra.ExactArgs(1),
		RunE:  h.DiskCheck,
	})

	monitorCmd := &cobra.Command{
		Use:   "monitor TARGET",
		Short: "Attach an interactive HMP console to a running VM",
		Long: "Attach an interactive HMP console to a running VM. QEMU serves one\n" +
			"monitor client at a time, so the bridge's input relay stalls while attached.",
		Args: cobra.ExactArgs(1),
		RunE: h.Monitor,
	}
	monitorCmd.Flags().String("escape-char", "^]", "escape character (single char or ^X caret notation)")

	return []*cobra.Command{debugCmd, diskCmd, monitorCmd}
}
