package cmd

import (
	"github.com/dvelle/scanout/internal/config"
	"github.com/dvelle/scanout/internal/logger"

	"github.com/spf13/cobra"
)

var (
	// Version is set during build
	Version = "0.1.0-dev"

	configPath string
	socketPath string

	rootCmd = &cobra.Command{
		Use:   "scanout",
		Short: "Scanout - display output management daemon",
		Long: `Scanout manages a GPU's display outputs: it discovers connectors,
CRTCs and planes, resolves a working assignment of displays to scan-out
hardware, commits it atomically, follows hot-plug changes and leases
non-desktop displays (VR headsets) to external clients.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				config.SetConfigPath(configPath)
			}
			if err := config.Init(); err != nil {
				return err
			}
			if level := config.Get().Logging.LogLevel; level != "" {
				logger.SetLevel(level)
			}
			return nil
		},
	}
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s\n" .Version}}`)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "control socket path")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(outputsCmd)
	rootCmd.AddCommand(leaseCmd)
	rootCmd.AddCommand(rescanCmd)
	rootCmd.AddCommand(configCmd)
}

// controlSocketPath resolves the socket path from flag or config.
func controlSocketPath() string {
	if socketPath != "" {
		return socketPath
	}
	return config.Get().IPC.SocketPath
}
