package cmd

import (
	"fmt"

	"github.com/dvelle/scanout/internal/config"
	"github.com/dvelle/scanout/internal/logger"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage scanout configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()

		logger.Infof("Config file: %s\n", config.GetConfigPath())

		logger.Info("[Device]")
		logger.Infof("  Path: %s", cfg.Device.Path)
		logger.Infof("  Disable Atomic: %v", cfg.Device.DisableAtomic)
		logger.Infof("  Drain Timeout: %d seconds", cfg.Device.DrainTimeout)

		logger.Info("\n[IPC]")
		socket := cfg.IPC.SocketPath
		if socket == "" {
			socket = "(per-user default)"
		}
		logger.Infof("  Socket Path: %s", socket)

		logger.Info("\n[Logging]")
		level := cfg.Logging.LogLevel
		if level == "" {
			level = "(LOG_LEVEL env or info)"
		}
		logger.Infof("  Log Level: %s", level)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the current configuration to file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Save(); err != nil {
			return err
		}
		fmt.Printf("Configuration written to %s\n", config.GetConfigPath())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}
