package cmd

import (
	"fmt"

	"github.com/dvelle/scanout/internal/ipc"
	"github.com/dvelle/scanout/internal/ui"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := ipc.NewClient(controlSocketPath())
		if err != nil {
			return fmt.Errorf("daemon not running: %w", err)
		}
		defer client.Close()

		status, err := client.Status()
		if err != nil {
			return err
		}

		mode := "legacy"
		if status.Atomic {
			mode = "atomic"
		}
		fmt.Println(ui.FormatHeader("scanout", status.DevicePath))
		fmt.Printf("  Commit mode:    %s\n", mode)
		fmt.Printf("  Outputs:        %d\n", status.Outputs)
		fmt.Printf("  Lease outputs:  %d\n", status.LeaseOutputs)
		fmt.Printf("  Active leases:  %d\n", status.ActiveLeases)
		return nil
	},
}
