package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvelle/scanout/internal/backend"
	"github.com/dvelle/scanout/internal/config"
	"github.com/dvelle/scanout/internal/drm"
	"github.com/dvelle/scanout/internal/ipc"
	"github.com/dvelle/scanout/internal/logger"
	"github.com/dvelle/scanout/internal/session"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the display management daemon",
	Long: `Run the display management daemon. It takes over the configured DRM
device, brings up all connected displays and serves the control socket
until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func runDaemon() error {
	cfg := config.Get()

	sess := session.NewDirect()
	file, err := sess.OpenDevice(cfg.Device.Path)
	if err != nil {
		return err
	}
	dev, err := drm.FromFile(file, cfg.Device.Path)
	if err != nil {
		return err
	}

	gpu, err := backend.New(dev, sess, backend.Options{
		DisableAtomic: cfg.Device.DisableAtomic,
		DrainTimeout:  time.Duration(cfg.Device.DrainTimeout) * time.Second,
		Hooks:         &loggingHooks{},
	})
	if err != nil {
		dev.Close()
		return fmt.Errorf("device bring-up failed: %w", err)
	}
	defer gpu.Close()

	registry := backend.NewRegistry()
	registry.Add(gpu)
	defer registry.Remove(gpu)

	tasks := make(chan func())

	server, err := ipc.NewSocketServer(&daemonHandler{gpu: gpu, tasks: tasks}, controlSocketPath())
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// initial bring-up happens on the reactor goroutine like every
	// later mutation
	go func() {
		tasks <- func() {
			if err := gpu.UpdateOutputs(); err != nil {
				logger.Errorf("Initial output scan failed: %v", err)
			}
		}
	}()

	logger.Infof("Managing %s (atomic: %v)", gpu.Path(), gpu.Atomic())
	err = registry.Run(ctx, tasks)
	if err == context.Canceled {
		logger.Info("Shutting down")
		return nil
	}
	return err
}

// loggingHooks stands in for the rendering and protocol collaborators:
// lifecycle transitions and presentation timestamps are logged so
// operators can follow what the backend decided.
type loggingHooks struct{}

func (*loggingHooks) OutputAdded(o *backend.Output) {
	mode := o.Mode()
	logger.Infof("Output added: %s (%s)", o.Name(), mode.String())
}

func (*loggingHooks) OutputRemoved(o *backend.Output) {
	logger.Infof("Output removed: %s", o.Name())
}

func (*loggingHooks) OutputEnabled(o *backend.Output) {
	logger.Debugf("Output enabled: %s", o.Name())
}

func (*loggingHooks) OutputDisabled(o *backend.Output) {
	logger.Debugf("Output disabled: %s", o.Name())
}

func (*loggingHooks) FrameCompleted(o *backend.Output, timestamp time.Duration, approximate bool) {
	if approximate {
		logger.Debugf("Frame on %s completed at ~%v (approximate)", o.Name(), timestamp)
	}
}

// daemonHandler serves the control protocol. Every request that reads
// or mutates display state is funneled onto the reactor goroutine; the
// handler blocks until the task ran.
type daemonHandler struct {
	gpu   *backend.GPU
	tasks chan<- func()
}

func (h *daemonHandler) run(fn func()) {
	done := make(chan struct{})
	h.tasks <- func() {
		defer close(done)
		fn()
	}
	<-done
}

func (h *daemonHandler) HandleStatus() (*ipc.StatusReply, error) {
	var reply *ipc.StatusReply
	h.run(func() {
		activeLeases := 0
		for _, lo := range h.gpu.LeaseOutputs() {
			if lo.Leased() {
				activeLeases++
			}
		}
		reply = &ipc.StatusReply{
			DevicePath:   h.gpu.Path(),
			Atomic:       h.gpu.Atomic(),
			Outputs:      len(h.gpu.Outputs()),
			LeaseOutputs: len(h.gpu.LeaseOutputs()),
			ActiveLeases: activeLeases,
		}
	})
	return reply, nil
}

func (h *daemonHandler) HandleOutputs() (*ipc.OutputsReply, error) {
	reply := &ipc.OutputsReply{}
	h.run(func() {
		for _, o := range h.gpu.Outputs() {
			mode := o.Mode()
			reply.Outputs = append(reply.Outputs, ipc.OutputInfo{
				Name:       o.Name(),
				Enabled:    o.Enabled(),
				Width:      mode.HDisplay,
				Height:     mode.VDisplay,
				RefreshMHz: mode.VRefresh * 1000,
			})
		}
		for _, lo := range h.gpu.LeaseOutputs() {
			reply.Outputs = append(reply.Outputs, ipc.OutputInfo{
				Name:       lo.Name(),
				NonDesktop: true,
				Leased:     lo.Leased(),
			})
		}
	})
	return reply, nil
}

func (h *daemonHandler) HandleRescan() error {
	var err error
	h.run(func() {
		err = h.gpu.UpdateOutputs()
	})
	return err
}

func (h *daemonHandler) HandleLeaseRequest(req *ipc.LeaseRequest) (*ipc.LeaseGrant, int, error) {
	var (
		grant *ipc.LeaseGrant
		fd    = -1
		err   error
	)
	h.run(func() {
		var ids []uint32
		for _, name := range req.Connectors {
			found := false
			for _, lo := range h.gpu.LeaseOutputs() {
				if lo.Name() == name {
					ids = append(ids, lo.Connector().ID())
					found = true
					break
				}
			}
			if !found {
				err = fmt.Errorf("no lease-eligible output named %q", name)
				return
			}
		}
		lease, reqErr := h.gpu.RequestLease(ids)
		if reqErr != nil {
			err = reqErr
			return
		}
		grant = &ipc.LeaseGrant{LesseeID: lease.LesseeID()}
		fd = lease.ReleaseFd()
	})
	return grant, fd, err
}

func (h *daemonHandler) HandleLeaseRelease(rel *ipc.LeaseRelease) error {
	var err error
	h.run(func() {
		lease := h.gpu.FindLease(rel.LesseeID)
		if lease == nil {
			err = fmt.Errorf("no active lease with id %d", rel.LesseeID)
			return
		}
		h.gpu.RevokeLease(lease)
	})
	return err
}
