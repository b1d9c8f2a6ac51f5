package cmd

import (
	"fmt"

	"github.com/dvelle/scanout/internal/ipc"

	"github.com/spf13/cobra"
)

var rescanCmd = &cobra.Command{
	Use:   "rescan",
	Short: "Re-scan connectors and reconcile outputs",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := ipc.NewClient(controlSocketPath())
		if err != nil {
			return fmt.Errorf("daemon not running: %w", err)
		}
		defer client.Close()

		if err := client.Rescan(); err != nil {
			return err
		}
		fmt.Println("Rescan complete")
		return nil
	},
}
