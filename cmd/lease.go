package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dvelle/scanout/internal/ipc"
	"github.com/dvelle/scanout/internal/logger"

	"github.com/spf13/cobra"
)

var leaseCmd = &cobra.Command{
	Use:   "lease",
	Short: "Manage hardware leases over non-desktop outputs",
}

var leaseRequestCmd = &cobra.Command{
	Use:   "request <output>...",
	Short: "Request a lease over the named non-desktop outputs",
	Long: `Request a lease over the named non-desktop outputs. The leased device
fd is held until this command exits, which releases the lease.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := ipc.NewClient(controlSocketPath())
		if err != nil {
			return fmt.Errorf("daemon not running: %w", err)
		}
		defer client.Close()

		grant, fd, err := client.RequestLease(args)
		if err != nil {
			return err
		}
		leased := os.NewFile(uintptr(fd), "drm-lease")
		defer leased.Close()

		fmt.Printf("Lease %d granted for %v, press Ctrl+C to release\n", grant.LesseeID, args)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		if err := client.ReleaseLease(grant.LesseeID); err != nil {
			logger.Warnf("Release failed, daemon will reclaim on audit: %v", err)
		}
		fmt.Printf("Lease %d released\n", grant.LesseeID)
		return nil
	},
}

var leaseReleaseCmd = &cobra.Command{
	Use:   "release <lessee-id>",
	Short: "Force-release a lease by lessee id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lessee, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid lessee id %q", args[0])
		}

		client, err := ipc.NewClient(controlSocketPath())
		if err != nil {
			return fmt.Errorf("daemon not running: %w", err)
		}
		defer client.Close()

		if err := client.ReleaseLease(uint32(lessee)); err != nil {
			return err
		}
		fmt.Printf("Lease %d released\n", lessee)
		return nil
	},
}

func init() {
	leaseCmd.AddCommand(leaseRequestCmd)
	leaseCmd.AddCommand(leaseReleaseCmd)
}
