package backend

import (
	"fmt"
	"testing"
	"time"

	"github.com/dvelle/scanout/internal/drm"
	"github.com/dvelle/scanout/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProbesCapabilities(t *testing.T) {
	dev := newFakeDevice(t)
	dev.addCRTC()
	dev.addPrimaryPlane(0b1, 0)
	dev.caps[drm.CapCursorWidth] = 256
	dev.caps[drm.CapCursorHeight] = 256
	dev.caps[drm.CapAddFB2Modifiers] = 1
	dev.driver = "nvidia-drm"

	g, _, _ := newTestGPU(t, dev)

	w, h := g.CursorSize()
	assert.Equal(t, uint32(256), w)
	assert.Equal(t, uint32(256), h)
	assert.Equal(t, drm.ClockMonotonic, g.PresentationClock())
	assert.True(t, g.AddFB2ModifiersSupported())
	assert.True(t, g.IsNvidia())
	assert.True(t, g.Atomic())
}

func TestNewDefaultsOnFailedCapabilityQueries(t *testing.T) {
	dev := newFakeDevice(t)
	dev.addCRTC()
	dev.addPrimaryPlane(0b1, 0)
	dev.caps = map[uint64]uint64{}

	g, _, _ := newTestGPU(t, dev)

	w, h := g.CursorSize()
	assert.Equal(t, uint32(64), w)
	assert.Equal(t, uint32(64), h)
	assert.Equal(t, drm.ClockRealtime, g.PresentationClock())
	assert.False(t, g.AddFB2ModifiersSupported())
	assert.False(t, g.IsNvidia())
}

func TestLegacyFallbackWhenAtomicDenied(t *testing.T) {
	dev := newFakeDevice(t)
	dev.denyAtomic = true
	dev.addCRTC()
	desktopConnector(dev, 1)

	g, _, _ := newTestGPU(t, dev)
	assert.False(t, g.Atomic())

	require.NoError(t, g.UpdateOutputs())
	require.Len(t, g.Outputs(), 1)
	assert.Nil(t, g.Pipelines()[0].CRTC().Primary())
}

func TestLegacyApplyLeavesNoFlipPending(t *testing.T) {
	dev := newFakeDevice(t)
	dev.denyAtomic = true
	dev.addCRTC()
	desktopConnector(dev, 1)

	g, _, _ := newTestGPU(t, dev)
	require.NoError(t, g.UpdateOutputs())
	require.Len(t, g.Outputs(), 1)

	// a SETCRTC completes synchronously, so the drain before the next
	// re-scan must find nothing in flight
	assert.False(t, g.Outputs()[0].flipPending)
	start := time.Now()
	g.DrainPendingFlips()
	assert.Less(t, time.Since(start), g.drainTimeout)
}

func TestDisableAtomicOption(t *testing.T) {
	dev := newFakeDevice(t)
	dev.addCRTC()
	dev.addPrimaryPlane(0b1, 0)

	g, err := New(dev, session.NewDirect(), Options{DisableAtomic: true})
	require.NoError(t, err)
	assert.False(t, g.Atomic())
	assert.False(t, dev.atomic)
}

func TestInitialScanSkipsDisconnected(t *testing.T) {
	dev := newFakeDevice(t)
	dev.addCRTC()
	dev.addCRTC()
	dev.addPrimaryPlane(0b11, 0)
	dev.addPrimaryPlane(0b11, 0)
	desktopConnector(dev, 1)
	encoder := dev.addEncoder(0b11)
	dev.addConnector(drm.ConnectorInfo{
		Type:       10,
		TypeID:     2,
		Connection: drm.Disconnected,
		Encoders:   []uint32{encoder},
		Modes:      []drm.ModeInfo{testMode(1920, 1080, 60, true)},
	})

	g, hooks, _ := newTestGPU(t, dev)
	require.NoError(t, g.UpdateOutputs())

	require.Len(t, g.Outputs(), 1)
	assert.Equal(t, "DP-1", g.Outputs()[0].Name())
	assert.Equal(t, []string{"DP-1"}, hooks.added)

	mode := g.Outputs()[0].Mode()
	assert.Equal(t, uint16(1920), mode.HDisplay)
	assert.Equal(t, uint16(1080), mode.VDisplay)
}

func TestRescanRemovesUnplugged(t *testing.T) {
	dev := newFakeDevice(t)
	dev.addCRTC()
	dev.addCRTC()
	dev.addPrimaryPlane(0b11, 0)
	dev.addPrimaryPlane(0b11, 0)
	desktopConnector(dev, 1)
	dp2 := desktopConnector(dev, 2)

	g, hooks, _ := newTestGPU(t, dev)
	require.NoError(t, g.UpdateOutputs())
	require.Len(t, g.Outputs(), 2)

	dev.setConnection(dp2, drm.Disconnected)
	require.NoError(t, g.UpdateOutputs())

	require.Len(t, g.Outputs(), 1)
	assert.Equal(t, "DP-1", g.Outputs()[0].Name())
	assert.Contains(t, hooks.removed, "DP-2")
	assert.Len(t, g.Pipelines(), 1)
}

func TestRescanRevertsWhenNoCombinationWorks(t *testing.T) {
	dev := newFakeDevice(t)
	dev.addCRTC()
	dev.addCRTC()
	dev.addPrimaryPlane(0b11, 0)
	dev.addPrimaryPlane(0b11, 0)
	desktopConnector(dev, 1)

	g, hooks, _ := newTestGPU(t, dev)
	require.NoError(t, g.UpdateOutputs())
	require.Len(t, g.Outputs(), 1)
	previous := g.Outputs()[0].pipeline

	// a second display appears, but now the kernel rejects every
	// configuration
	desktopConnector(dev, 2)
	dev.commitHook = func(*drm.CommitRequest) error {
		return fmt.Errorf("invalid argument")
	}
	require.NoError(t, g.UpdateOutputs())

	// the existing output kept its pipeline instead of going dark
	require.Len(t, g.Outputs(), 1)
	assert.Equal(t, "DP-1", g.Outputs()[0].Name())
	assert.Same(t, previous, g.Outputs()[0].pipeline)
	assert.NotContains(t, hooks.removed, "DP-1")
}

func TestDispatchDeliversFrameTimestamps(t *testing.T) {
	dev := newFakeDevice(t)
	crtc := dev.addCRTC()
	dev.addPrimaryPlane(0b1, 0)
	desktopConnector(dev, 1)

	g, hooks, _ := newTestGPU(t, dev)
	require.NoError(t, g.UpdateOutputs())
	output := g.Outputs()[0]
	require.True(t, output.flipPending)

	now := monotonicNow()
	dev.pushEvent(drm.FlipEvent{
		CRTC:     crtc,
		Sequence: 1,
		Sec:      uint32(now / time.Second),
		USec:     uint32((now % time.Second) / time.Microsecond),
	})
	g.DispatchEvents()

	assert.False(t, output.flipPending)
	require.Len(t, hooks.frames, 1)
	assert.Equal(t, "DP-1", hooks.frames[0].name)
	assert.False(t, hooks.frames[0].approximate)
	assert.Greater(t, hooks.frames[0].timestamp, int64(0))
}

func TestBoundConnectorClaimsItsCRTCFirst(t *testing.T) {
	dev := newFakeDevice(t)
	crtc1 := dev.addCRTC()
	crtc2 := dev.addCRTC()
	dev.addPrimaryPlane(0b11, 0)
	dev.addPrimaryPlane(0b11, 0)

	// DP-1 already drives the lower-id CRTC; DP-2 is freshly plugged
	// and unbound
	encoder := dev.addEncoder(0b11)
	dev.addConnector(drm.ConnectorInfo{
		Type:        10,
		TypeID:      1,
		Connection:  drm.Connected,
		Encoders:    []uint32{encoder},
		Modes:       []drm.ModeInfo{testMode(1920, 1080, 60, true)},
		CurrentCRTC: crtc1,
	})
	desktopConnector(dev, 2)

	g, _, _ := newTestGPU(t, dev)
	require.NoError(t, g.UpdateOutputs())

	crtcs := pipelineCRTCs(g)
	assert.Equal(t, crtc1, crtcs["DP-1"])
	assert.Equal(t, crtc2, crtcs["DP-2"])
}

func TestDispatchWithEmptyQueueReturns(t *testing.T) {
	dev := newFakeDevice(t)
	crtc := dev.addCRTC()
	dev.addPrimaryPlane(0b1, 0)
	desktopConnector(dev, 1)

	g, hooks, _ := newTestGPU(t, dev)
	require.NoError(t, g.UpdateOutputs())

	// repeated dispatch with nothing buffered must not block on the
	// event fd
	g.DispatchEvents()
	g.DispatchEvents()
	assert.Empty(t, hooks.frames)

	dev.pushEvent(drm.FlipEvent{CRTC: crtc, Sequence: 1})
	g.DispatchEvents()
	g.DispatchEvents()
	assert.Len(t, hooks.frames, 1)
}

func TestDispatchFallsBackOnInvalidTimestamp(t *testing.T) {
	dev := newFakeDevice(t)
	crtc := dev.addCRTC()
	dev.addPrimaryPlane(0b1, 0)
	desktopConnector(dev, 1)

	g, hooks, _ := newTestGPU(t, dev)
	require.NoError(t, g.UpdateOutputs())

	dev.pushEvent(drm.FlipEvent{CRTC: crtc, Sequence: 1})
	g.DispatchEvents()

	require.Len(t, hooks.frames, 1)
	assert.True(t, hooks.frames[0].approximate)
	assert.Greater(t, hooks.frames[0].timestamp, int64(0))
}

func TestDispatchGatedOnInactiveSession(t *testing.T) {
	dev := newFakeDevice(t)
	crtc := dev.addCRTC()
	dev.addPrimaryPlane(0b1, 0)
	desktopConnector(dev, 1)

	g, hooks, sess := newTestGPU(t, dev)
	require.NoError(t, g.UpdateOutputs())

	sess.SetActive(false)
	dev.pushEvent(drm.FlipEvent{CRTC: crtc, Sequence: 1})
	g.DispatchEvents()

	assert.Empty(t, hooks.frames)
	assert.True(t, g.Outputs()[0].flipPending)
}

func TestDrainPendingFlips(t *testing.T) {
	dev := newFakeDevice(t)
	crtc := dev.addCRTC()
	dev.addPrimaryPlane(0b1, 0)
	desktopConnector(dev, 1)

	g, _, _ := newTestGPU(t, dev)
	require.NoError(t, g.UpdateOutputs())
	require.True(t, g.Outputs()[0].flipPending)

	dev.pushEvent(drm.FlipEvent{CRTC: crtc, Sequence: 1})
	g.DrainPendingFlips()
	assert.False(t, g.Outputs()[0].flipPending)
}

func TestDrainGivesUpAfterTimeout(t *testing.T) {
	dev := newFakeDevice(t)
	dev.addCRTC()
	dev.addPrimaryPlane(0b1, 0)
	desktopConnector(dev, 1)

	g, _, _ := newTestGPU(t, dev)
	require.NoError(t, g.UpdateOutputs())

	start := time.Now()
	g.DrainPendingFlips()
	assert.Less(t, time.Since(start), time.Second)
	// the flip never completed, the drain must not pretend it did
	assert.True(t, g.Outputs()[0].flipPending)
}

func TestCloseReleasesEverything(t *testing.T) {
	dev := newFakeDevice(t)
	dev.addCRTC()
	dev.addCRTC()
	dev.addPrimaryPlane(0b11, 0)
	dev.addPrimaryPlane(0b11, 0)
	desktopConnector(dev, 1)
	vr := nonDesktopConnector(dev, 1)

	g, hooks, _ := newTestGPU(t, dev)
	require.NoError(t, g.UpdateOutputs())
	lease, err := g.RequestLease([]uint32{vr})
	require.NoError(t, err)

	require.NoError(t, g.Close())

	assert.True(t, dev.closed)
	assert.Contains(t, dev.revoked, lease.LesseeID())
	assert.Empty(t, g.Outputs())
	assert.Empty(t, g.LeaseOutputs())
	assert.Contains(t, hooks.removed, "DP-1")

	// closing twice is fine
	require.NoError(t, g.Close())
}
