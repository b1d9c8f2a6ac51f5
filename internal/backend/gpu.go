// Package backend manages a GPU's display outputs: it discovers the
// device's connectors, CRTCs and planes, resolves a conflict-free
// assignment of displays to scan-out hardware, commits it atomically,
// tracks logical outputs through hot-plug, leases non-desktop displays
// to external clients and calibrates page-flip timestamps.
//
// All state mutation is single-threaded: the owner calls UpdateOutputs
// and DispatchEvents from one goroutine, typically a poll loop over
// the device fd.
package backend

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dvelle/scanout/internal/drm"
	"github.com/dvelle/scanout/internal/logger"
	"github.com/dvelle/scanout/internal/session"

	"golang.org/x/sys/unix"
)

const defaultDrainTimeout = 30 * time.Second

// Options tune GPU construction.
type Options struct {
	// DisableAtomic forces legacy mode setting even when the kernel
	// offers atomic.
	DisableAtomic bool
	// DrainTimeout bounds how long DrainPendingFlips waits for the
	// hardware, defaults to 30s.
	DrainTimeout time.Duration
	// Hooks receives lifecycle and timing notifications, defaults to
	// NopHooks.
	Hooks Hooks
}

// GPU owns all display resources of one device for its lifetime.
type GPU struct {
	dev   drm.Device
	sess  session.Session
	hooks Hooks

	atomic          bool
	addFB2Modifiers bool
	cursorWidth     uint32
	cursorHeight    uint32
	clock           drm.ClockID
	nvidia          bool

	planes     []*Plane
	crtcs      []*CRTC
	connectors []*Connector

	pipelines    []*Pipeline
	outputs      []*Output
	leaseOutputs []*LeaseOutput
	leases       []*Lease

	drainTimeout time.Duration
	closed       bool
}

// New probes the device's capabilities and enumerates its scan-out
// resources. Individual capability queries degrade to defaults; only a
// failed top-level resource enumeration is fatal.
func New(dev drm.Device, sess session.Session, opts Options) (*GPU, error) {
	hooks := opts.Hooks
	if hooks == nil {
		hooks = NopHooks{}
	}
	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = defaultDrainTimeout
	}
	g := &GPU{
		dev:          dev,
		sess:         sess,
		hooks:        hooks,
		drainTimeout: drain,
	}

	if v, err := dev.GetCap(drm.CapCursorWidth); err == nil {
		g.cursorWidth = uint32(v)
	} else {
		g.cursorWidth = 64
	}
	if v, err := dev.GetCap(drm.CapCursorHeight); err == nil {
		g.cursorHeight = uint32(v)
	} else {
		g.cursorHeight = 64
	}

	g.clock = drm.ClockRealtime
	if v, err := dev.GetCap(drm.CapTimestampMonotonic); err == nil && v == 1 {
		g.clock = drm.ClockMonotonic
	}

	v, err := dev.GetCap(drm.CapAddFB2Modifiers)
	g.addFB2Modifiers = err == nil && v == 1
	logger.Debugf("Framebuffer modifiers are %s on %s",
		supportedString(g.addFB2Modifiers), dev.Path())

	if name, err := dev.DriverName(); err == nil {
		g.nvidia = strings.Contains(name, "nvidia")
	} else {
		logger.Debugf("Driver identity query failed on %s: %v", dev.Path(), err)
	}

	if err := g.initResources(!opts.DisableAtomic); err != nil {
		return nil, err
	}

	sess.OnActiveChanged(func(active bool) {
		if active {
			logger.Debugf("Session active, resuming event dispatch on %s", dev.Path())
		} else {
			logger.Debugf("Session inactive, pausing event dispatch on %s", dev.Path())
		}
	})

	return g, nil
}

func supportedString(ok bool) string {
	if ok {
		return "supported"
	}
	return "not supported"
}

// initResources negotiates atomic mode setting and enumerates planes
// and CRTCs. This runs once; hot-plug scans never re-discover CRTCs or
// planes.
func (g *GPU) initResources(tryAtomic bool) error {
	if tryAtomic {
		if err := g.dev.SetClientCap(drm.ClientCapAtomic, 1); err == nil {
			planeIDs, err := g.dev.PlaneResources()
			switch {
			case err != nil:
				logger.Warnf("Plane enumeration failed on %s, falling back to legacy mode: %v",
					g.dev.Path(), err)
			case len(planeIDs) == 0:
				logger.Warnf("No planes on %s, falling back to legacy mode", g.dev.Path())
			default:
				for _, id := range planeIDs {
					plane, err := newPlane(g.dev, id)
					if err != nil {
						logger.Warnf("Skipping plane %d on %s: %v", id, g.dev.Path(), err)
						continue
					}
					g.planes = append(g.planes, plane)
				}
				if len(g.planes) == 0 {
					logger.Warnf("Failed to create any plane on %s, falling back to legacy mode",
						g.dev.Path())
				} else {
					logger.Debugf("Using atomic mode setting on %s with %d planes",
						g.dev.Path(), len(g.planes))
					g.atomic = true
				}
			}
		} else {
			logger.Warnf("Atomic mode setting not granted on %s, using legacy mode: %v",
				g.dev.Path(), err)
		}
	}

	res, err := g.dev.Resources()
	if err != nil {
		return fmt.Errorf("resource enumeration on %s: %w", g.dev.Path(), err)
	}

	available := make([]*Plane, len(g.planes))
	copy(available, g.planes)
	for i, crtcID := range res.CRTCs {
		var primary *Plane
		for _, plane := range available {
			if plane.Type() != drm.PlanePrimary || !plane.SupportsCRTCIndex(i) {
				continue
			}
			primary = plane
			if plane.CurrentCRTC() == crtcID {
				// a plane already assigned to this CRTC keeps the
				// current picture alive across resolver runs
				break
			}
		}
		if g.atomic && primary == nil {
			logger.Warnf("No suitable primary plane for CRTC %d on %s", crtcID, g.dev.Path())
			continue
		}
		available = removeOne(available, primary)
		g.crtcs = append(g.crtcs, &CRTC{id: crtcID, index: i, primary: primary})
	}
	return nil
}

// UpdateOutputs reconciles the device's outputs with what is currently
// plugged in. Called at startup and on every hot-plug notification.
// When no valid configuration exists for the connected displays, the
// previous pipeline set is restored so outputs never go dark as a side
// effect of a failed attempt.
func (g *GPU) UpdateOutputs() error {
	g.DrainPendingFlips()

	res, err := g.dev.Resources()
	if err != nil {
		return fmt.Errorf("resource enumeration on %s: %w", g.dev.Path(), err)
	}

	g.auditLeases()

	// diff the kernel's connector list against ours
	vanished := make([]*Connector, len(g.connectors))
	copy(vanished, g.connectors)
	for _, id := range res.Connectors {
		connector := g.findConnector(id)
		if connector == nil {
			connector, err = newConnector(g.dev, id)
			if err != nil {
				logger.Warnf("Skipping connector %d on %s: %v", id, g.dev.Path(), err)
				continue
			}
			if !connector.Connected() {
				continue
			}
			g.connectors = append(g.connectors, connector)
		} else {
			if err := connector.Refresh(); err != nil {
				logger.Warnf("Could not refresh connector %s: %v", connector.Name(), err)
				continue
			}
			if connector.Connected() {
				vanished = removeOne(vanished, connector)
			}
		}
	}
	for _, connector := range vanished {
		if output := g.findOutput(connector.ID()); output != nil {
			g.removeOutput(output)
		} else if lo := g.findLeaseOutput(connector.ID()); lo != nil {
			g.removeLeaseOutput(lo)
		}
		g.connectors = removeOne(g.connectors, connector)
	}

	// working set of connected connectors; outputs that survived get
	// an in-place mode refresh instead of a fresh resolve
	var connected []*Connector
	for _, connector := range g.connectors {
		output := g.findOutput(connector.ID())
		switch {
		case connector.Connected():
			connected = append(connected, connector)
			if output != nil {
				if err := output.refreshModes(); err != nil {
					logger.Warnf("Mode refresh on %s failed: %v", output.Name(), err)
				}
			}
		case output != nil:
			g.removeOutput(output)
		default:
			if lo := g.findLeaseOutput(connector.ID()); lo != nil {
				g.removeLeaseOutput(lo)
			}
		}
	}

	// CRTCs stay as enumerated, only plane property caches refresh
	for _, plane := range g.planes {
		if err := plane.Refresh(); err != nil {
			logger.Warnf("Could not refresh plane %d: %v", plane.ID(), err)
		}
	}

	// stash current pipelines of live outputs for the revert path
	type stashedPipeline struct {
		output   *Output
		pipeline *Pipeline
	}
	var stashed []stashedPipeline
	for _, output := range g.outputs {
		if !output.enabled {
			// the resolver's test commits need render resources even
			// for currently disabled outputs
			g.hooks.OutputEnabled(output)
		}
		g.pipelines = removeOne(g.pipelines, output.pipeline)
		stashed = append(stashed, stashedPipeline{output, output.pipeline})
		output.pipeline = nil
	}

	if g.atomic {
		// connectors that already drive a CRTC claim one first, so a
		// working configuration is not needlessly disturbed
		sort.SliceStable(connected, func(i, j int) bool {
			return connected[i].CurrentCRTC() != 0 && connected[j].CurrentCRTC() == 0
		})
	}

	// leased hardware is off-limits for the resolver
	candidates := make([]*Connector, len(connected))
	copy(candidates, connected)
	crtcs := make([]*CRTC, len(g.crtcs))
	copy(crtcs, g.crtcs)
	for _, lo := range g.leaseOutputs {
		if lo.Leased() {
			candidates = removeOne(candidates, lo.pipeline.connector)
			crtcs = removeOne(crtcs, lo.pipeline.crtc)
		} else {
			g.pipelines = removeOne(g.pipelines, lo.pipeline)
		}
	}

	reverted := false
	config := g.findWorkingCombination(nil, candidates, crtcs)
	if len(config) == 0 && len(candidates) > 0 {
		logger.Errorf("No functional display combination found on %s, reverting to the previous configuration",
			g.dev.Path())
		reverted = true
		for _, s := range stashed {
			s.pipeline.output = s.output
			s.output.pipeline = s.pipeline
			config = append(config, s.pipeline)
		}
		for _, lo := range g.leaseOutputs {
			if !lo.Leased() {
				config = append(config, lo.pipeline)
			}
		}
	}
	g.pipelines = append(g.pipelines, config...)

	for i := len(config) - 1; i >= 0; i-- {
		pipeline := config[i]
		output := pipeline.output
		switch {
		case pipeline.connector.NonDesktop():
			if lo := g.findLeaseOutput(pipeline.connector.ID()); lo != nil {
				lo.pipeline = pipeline
			} else {
				logger.Infof("New non-desktop output on %s: %s (lease-eligible)",
					g.dev.Path(), pipeline.connector.Name())
				g.leaseOutputs = append(g.leaseOutputs, newLeaseOutput(pipeline))
			}
			pipeline.setActive(false)
		case g.containsOutput(output):
			// restore the output's properties on its new pipeline
			if output.enabled {
				if output.power != PowerOn {
					pipeline.setActive(false)
				}
			} else {
				pipeline.setActive(false)
				g.hooks.OutputDisabled(output)
			}
		default:
			logger.Infof("New output on %s: %s", g.dev.Path(), output.Name())
			g.outputs = append(g.outputs, output)
			g.hooks.OutputAdded(output)
		}
	}

	if !reverted && len(config) > 0 {
		if err := g.applyPipelines(config); err != nil {
			return fmt.Errorf("apply of tested configuration: %w", err)
		}
	}
	return nil
}

// applyPipelines flips the device to the given, already-tested
// pipeline set.
func (g *GPU) applyPipelines(pipelines []*Pipeline) error {
	if err := commitPipelines(g.dev, pipelines, drm.CommitApply); err != nil {
		return err
	}
	// only atomic commits request page-flip events; a legacy SETCRTC
	// completes synchronously and posts nothing, so marking a flip
	// pending there would stall every later drain
	if g.atomic {
		for _, p := range pipelines {
			if p.active && p.output != nil {
				p.output.flipPending = true
			}
		}
	}
	return nil
}

func (g *GPU) applyPipeline(p *Pipeline) error {
	return g.applyPipelines([]*Pipeline{p})
}

// DispatchEvents drains buffered kernel events and delivers calibrated
// presentation timestamps. Dispatch is gated on session activity: a
// backgrounded session must not touch outputs it no longer owns.
func (g *GPU) DispatchEvents() {
	if !g.sess.Active() {
		return
	}
	g.dispatchPending()
}

func (g *GPU) dispatchPending() {
	events, err := g.dev.ReadEvents()
	if err != nil {
		logger.Warnf("Reading events from %s failed: %v", g.dev.Path(), err)
		return
	}
	for _, ev := range events {
		output := g.findOutputForEvent(ev)
		if output == nil {
			// output got removed while the flip was in flight
			continue
		}
		timestamp := translateTimestamp(g.clock, drm.ClockMonotonic, ev.Sec, ev.USec)
		approximate := false
		if timestamp == 0 {
			logger.Debugf("Got invalid timestamp (sec: %d, usec: %d) on output %s",
				ev.Sec, ev.USec, output.Name())
			timestamp = monotonicNow()
			approximate = true
		}
		output.pageFlipped()
		g.hooks.FrameCompleted(output, timestamp, approximate)
	}
}

// findOutputForEvent maps a flip event back to an output. Atomic
// events carry the CRTC id; an event without one is matched to an
// output still waiting on a flip.
func (g *GPU) findOutputForEvent(ev drm.FlipEvent) *Output {
	for _, output := range g.outputs {
		if output.pipeline == nil {
			continue
		}
		if ev.CRTC != 0 && output.pipeline.crtc.ID() == ev.CRTC {
			return output
		}
		if ev.CRTC == 0 && output.flipPending {
			return output
		}
	}
	return nil
}

// DrainPendingFlips synchronously polls and dispatches until no output
// has a flip in flight, or the drain timeout elapses, in which case it
// logs and gives up rather than hanging. Used before re-scans and at
// shutdown so no event can reference freed state.
func (g *GPU) DrainPendingFlips() {
	deadline := time.Now().Add(g.drainTimeout)
	for {
		idle := true
		for _, output := range g.outputs {
			if output.flipPending {
				idle = false
				break
			}
		}
		if idle {
			return
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			logger.Warnf("No events from %s within %s, giving up on pending flips",
				g.dev.Path(), g.drainTimeout)
			return
		}

		fds := []unix.PollFd{{Fd: int32(g.dev.Fd()), Events: unix.POLLIN}}
		ready, err := unix.Poll(fds, int(remaining.Milliseconds())+1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			logger.Warnf("poll on %s failed: %v", g.dev.Path(), err)
			return
		}
		if ready == 0 {
			logger.Warnf("No events from %s within %s, giving up on pending flips",
				g.dev.Path(), g.drainTimeout)
			return
		}
		g.dispatchPending()
	}
}

// Close quiesces and releases the device: pending flips are drained
// first so no callback can reference freed outputs, then leases,
// then outputs, and finally the kernel handle. The order is a
// correctness requirement.
func (g *GPU) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true

	g.DrainPendingFlips()

	leases := make([]*Lease, len(g.leases))
	copy(leases, g.leases)
	for _, lease := range leases {
		g.endLease(lease, true)
	}
	leaseOutputs := make([]*LeaseOutput, len(g.leaseOutputs))
	copy(leaseOutputs, g.leaseOutputs)
	for _, lo := range leaseOutputs {
		g.removeLeaseOutput(lo)
	}

	outputs := make([]*Output, len(g.outputs))
	copy(outputs, g.outputs)
	for _, output := range outputs {
		g.removeOutput(output)
	}

	return g.dev.Close()
}

func (g *GPU) removeOutput(output *Output) {
	logger.Debugf("Removing output %s", output.Name())
	g.outputs = removeOne(g.outputs, output)
	g.hooks.OutputRemoved(output)
	g.removePipeline(output.pipeline)
	output.pipeline = nil
}

func (g *GPU) removePipeline(p *Pipeline) {
	if p == nil {
		return
	}
	g.pipelines = removeOne(g.pipelines, p)
}

func (g *GPU) findConnector(id uint32) *Connector {
	for _, c := range g.connectors {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

func (g *GPU) findOutput(connectorID uint32) *Output {
	for _, output := range g.outputs {
		if output.connector.ID() == connectorID {
			return output
		}
	}
	return nil
}

func (g *GPU) containsOutput(output *Output) bool {
	if output == nil {
		return false
	}
	for _, o := range g.outputs {
		if o == output {
			return true
		}
	}
	return false
}

// Atomic reports whether the device runs in atomic mode setting.
func (g *GPU) Atomic() bool {
	return g.atomic
}

// CursorSize is the device's maximum cursor plane size.
func (g *GPU) CursorSize() (width, height uint32) {
	return g.cursorWidth, g.cursorHeight
}

// PresentationClock is the clock the device timestamps flips with.
func (g *GPU) PresentationClock() drm.ClockID {
	return g.clock
}

// AddFB2ModifiersSupported reports extended framebuffer creation with
// format modifiers.
func (g *GPU) AddFB2ModifiersSupported() bool {
	return g.addFB2Modifiers
}

// IsNvidia reports whether the proprietary NVidia driver is in use,
// which selects a compatibility mode in the rendering collaborator.
func (g *GPU) IsNvidia() bool {
	return g.nvidia
}

func (g *GPU) Path() string {
	return g.dev.Path()
}

func (g *GPU) DeviceID() uint64 {
	return g.dev.DeviceID()
}

func (g *GPU) Fd() int {
	return g.dev.Fd()
}

// Outputs returns a snapshot of the live desktop outputs.
func (g *GPU) Outputs() []*Output {
	outputs := make([]*Output, len(g.outputs))
	copy(outputs, g.outputs)
	return outputs
}

// LeaseOutputs returns a snapshot of the lease-eligible outputs.
func (g *GPU) LeaseOutputs() []*LeaseOutput {
	leaseOutputs := make([]*LeaseOutput, len(g.leaseOutputs))
	copy(leaseOutputs, g.leaseOutputs)
	return leaseOutputs
}

// Pipelines returns a snapshot of the committed pipeline set.
func (g *GPU) Pipelines() []*Pipeline {
	pipelines := make([]*Pipeline, len(g.pipelines))
	copy(pipelines, g.pipelines)
	return pipelines
}

func removeOne[T comparable](s []T, v T) []T {
	for i, e := range s {
		if e == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
