package backend

import (
	"testing"

	"github.com/dvelle/scanout/internal/drm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNonDesktopBecomesLeaseOutput(t *testing.T) {
	dev := newFakeDevice(t)
	dev.addCRTC()
	dev.addPrimaryPlane(0b1, 0)
	nonDesktopConnector(dev, 1)

	g, hooks, _ := newTestGPU(t, dev)
	require.NoError(t, g.UpdateOutputs())

	// the headset is lease-eligible, never a desktop output
	assert.Empty(t, g.Outputs())
	assert.Empty(t, hooks.added)
	require.Len(t, g.LeaseOutputs(), 1)
	lo := g.LeaseOutputs()[0]
	assert.Equal(t, "DSI-1", lo.Name())
	assert.False(t, lo.Leased())

	// its pipeline holds the CRTC but stays dark
	require.Len(t, g.Pipelines(), 1)
	assert.False(t, g.Pipelines()[0].Active())
}

func TestRequestAndRevokeLease(t *testing.T) {
	dev := newFakeDevice(t)
	dev.addCRTC()
	dev.addPrimaryPlane(0b1, 0)
	vr := nonDesktopConnector(dev, 1)

	g, _, _ := newTestGPU(t, dev)
	require.NoError(t, g.UpdateOutputs())

	lease, err := g.RequestLease([]uint32{vr})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, lease.Fd(), 0)
	assert.NotZero(t, lease.LesseeID())
	assert.True(t, g.LeaseOutputs()[0].Leased())
	assert.Same(t, lease, g.FindLease(lease.LesseeID()))

	g.RevokeLease(lease)
	assert.False(t, g.LeaseOutputs()[0].Leased())
	assert.Nil(t, g.FindLease(lease.LesseeID()))
	assert.Contains(t, dev.revoked, lease.LesseeID())

	// the hardware is reusable right away
	again, err := g.RequestLease([]uint32{vr})
	require.NoError(t, err)
	g.RevokeLease(again)
}

func TestReleaseFdTransfersOwnership(t *testing.T) {
	dev := newFakeDevice(t)
	dev.addCRTC()
	dev.addPrimaryPlane(0b1, 0)
	vr := nonDesktopConnector(dev, 1)

	g, _, _ := newTestGPU(t, dev)
	require.NoError(t, g.UpdateOutputs())

	lease, err := g.RequestLease([]uint32{vr})
	require.NoError(t, err)

	fd := lease.ReleaseFd()
	require.GreaterOrEqual(t, fd, 0)
	assert.Equal(t, -1, lease.Fd())
	assert.Equal(t, -1, lease.ReleaseFd())

	// revoking must not close the descriptor the client now owns
	g.RevokeLease(lease)
	_, err = unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	require.NoError(t, err)
	unix.Close(fd)
}

func TestRequestLeaseRejectsDesktopConnector(t *testing.T) {
	dev := newFakeDevice(t)
	dev.addCRTC()
	dev.addPrimaryPlane(0b1, 0)
	dp := desktopConnector(dev, 1)

	g, _, _ := newTestGPU(t, dev)
	require.NoError(t, g.UpdateOutputs())

	_, err := g.RequestLease([]uint32{dp})
	assert.Error(t, err)
	require.Len(t, g.Outputs(), 1)
}

func TestRequestLeaseRejectsDoubleLease(t *testing.T) {
	dev := newFakeDevice(t)
	dev.addCRTC()
	dev.addPrimaryPlane(0b1, 0)
	vr := nonDesktopConnector(dev, 1)

	g, _, _ := newTestGPU(t, dev)
	require.NoError(t, g.UpdateOutputs())

	lease, err := g.RequestLease([]uint32{vr})
	require.NoError(t, err)

	_, err = g.RequestLease([]uint32{vr})
	assert.Error(t, err)
	assert.Same(t, lease, g.FindLease(lease.LesseeID()))
}

func TestRequestLeaseRejectsEmptyRequest(t *testing.T) {
	dev := newFakeDevice(t)
	dev.addCRTC()
	dev.addPrimaryPlane(0b1, 0)

	g, _, _ := newTestGPU(t, dev)
	_, err := g.RequestLease(nil)
	assert.Error(t, err)
}

func TestAuditReleasesVanishedLessee(t *testing.T) {
	dev := newFakeDevice(t)
	dev.addCRTC()
	dev.addPrimaryPlane(0b1, 0)
	vr := nonDesktopConnector(dev, 1)

	g, _, _ := newTestGPU(t, dev)
	require.NoError(t, g.UpdateOutputs())

	lease, err := g.RequestLease([]uint32{vr})
	require.NoError(t, err)

	// the client crashed and the kernel already dropped the lessee;
	// the next re-scan notices
	dev.dropLessee(lease.LesseeID())
	require.NoError(t, g.UpdateOutputs())

	assert.Nil(t, g.FindLease(lease.LesseeID()))
	assert.False(t, g.LeaseOutputs()[0].Leased())
	// local cleanup only, no revoke of a lessee the kernel forgot
	assert.NotContains(t, dev.revoked, lease.LesseeID())
}

func TestLeasedHardwareExcludedFromResolution(t *testing.T) {
	dev := newFakeDevice(t)
	dev.addCRTC()
	dev.addCRTC()
	dev.addPrimaryPlane(0b11, 0)
	dev.addPrimaryPlane(0b11, 0)
	vr := nonDesktopConnector(dev, 1)

	g, _, _ := newTestGPU(t, dev)
	require.NoError(t, g.UpdateOutputs())
	lease, err := g.RequestLease([]uint32{vr})
	require.NoError(t, err)
	leasedCRTC := g.LeaseOutputs()[0].pipeline.crtc.ID()

	// a desktop display appears while the lease is held
	desktopConnector(dev, 1)
	require.NoError(t, g.UpdateOutputs())

	require.Len(t, g.Outputs(), 1)
	assert.NotEqual(t, leasedCRTC, g.Outputs()[0].pipeline.crtc.ID())
	assert.True(t, g.LeaseOutputs()[0].Leased())
	_ = lease
}

func TestUnplugOfLeasedConnectorEndsLease(t *testing.T) {
	dev := newFakeDevice(t)
	dev.addCRTC()
	dev.addPrimaryPlane(0b1, 0)
	vr := nonDesktopConnector(dev, 1)

	g, _, _ := newTestGPU(t, dev)
	require.NoError(t, g.UpdateOutputs())
	lease, err := g.RequestLease([]uint32{vr})
	require.NoError(t, err)

	dev.setConnection(vr, drm.Disconnected)
	require.NoError(t, g.UpdateOutputs())

	assert.Empty(t, g.LeaseOutputs())
	assert.Nil(t, g.FindLease(lease.LesseeID()))
	assert.Contains(t, dev.revoked, lease.LesseeID())
}
