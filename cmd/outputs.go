package cmd

import (
	"fmt"

	"github.com/dvelle/scanout/internal/ipc"
	"github.com/dvelle/scanout/internal/ui"

	"github.com/spf13/cobra"
)

var outputsCmd = &cobra.Command{
	Use:   "outputs",
	Short: "List managed outputs",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := ipc.NewClient(controlSocketPath())
		if err != nil {
			return fmt.Errorf("daemon not running: %w", err)
		}
		defer client.Close()

		reply, err := client.Outputs()
		if err != nil {
			return err
		}
		if len(reply.Outputs) == 0 {
			fmt.Println(ui.SubtleStyle.Render("No outputs connected"))
			return nil
		}

		rows := make([][]string, 0, len(reply.Outputs))
		for _, o := range reply.Outputs {
			rows = append(rows, []string{
				o.Name,
				outputKind(o),
				outputMode(o),
				outputState(o),
			})
		}
		fmt.Println(ui.FormatTable([]string{"NAME", "KIND", "MODE", "STATE"}, rows))
		return nil
	},
}

func outputKind(o ipc.OutputInfo) string {
	if o.NonDesktop {
		return "non-desktop"
	}
	return "desktop"
}

func outputMode(o ipc.OutputInfo) string {
	if o.Width == 0 || o.Height == 0 {
		return "-"
	}
	return fmt.Sprintf("%dx%d@%d.%03d", o.Width, o.Height, o.RefreshMHz/1000, o.RefreshMHz%1000)
}

func outputState(o ipc.OutputInfo) string {
	switch {
	case o.Leased:
		return ui.WarningStyle.Render("leased")
	case o.NonDesktop:
		return "available"
	case o.Enabled:
		return ui.SuccessStyle.Render("enabled")
	default:
		return ui.SubtleStyle.Render("disabled")
	}
}
