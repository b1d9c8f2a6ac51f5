// Package drm wraps the kernel display interface (KMS) behind a narrow
// Device interface: resource enumeration, capability negotiation, property
// queries, atomic test/apply commits, hardware leases and the page-flip
// event stream. The backend package consumes Device and never touches
// ioctls directly, which also keeps it testable against a fake.
package drm

import (
	"golang.org/x/sys/unix"
)

// Device capabilities (DRM_CAP_*)
const (
	CapDumbBuffer         uint64 = 0x1
	CapVBlankHighCRTC     uint64 = 0x2
	CapDumbPreferredDepth uint64 = 0x3
	CapDumbPreferShadow   uint64 = 0x4
	CapPrime              uint64 = 0x5
	CapTimestampMonotonic uint64 = 0x6
	CapAsyncPageFlip      uint64 = 0x7
	CapCursorWidth        uint64 = 0x8
	CapCursorHeight       uint64 = 0x9
	CapAddFB2Modifiers    uint64 = 0x10
)

// Client capabilities (DRM_CLIENT_CAP_*)
const (
	ClientCapStereo3D        uint64 = 1
	ClientCapUniversalPlanes uint64 = 2
	ClientCapAtomic          uint64 = 3
)

// ConnectionState is the kernel-reported state of a connector.
type ConnectionState uint32

const (
	Connected         ConnectionState = 1
	Disconnected      ConnectionState = 2
	UnknownConnection ConnectionState = 3
)

// PlaneType classifies a hardware plane.
type PlaneType uint64

const (
	PlaneOverlay PlaneType = 0
	PlanePrimary PlaneType = 1
	PlaneCursor  PlaneType = 2
)

func (t PlaneType) String() string {
	switch t {
	case PlanePrimary:
		return "primary"
	case PlaneCursor:
		return "cursor"
	default:
		return "overlay"
	}
}

// ClockID identifies the clock a device timestamps events with.
type ClockID int32

const (
	ClockRealtime  ClockID = unix.CLOCK_REALTIME
	ClockMonotonic ClockID = unix.CLOCK_MONOTONIC
)

// CommitMode selects the phase of the two-phase commit protocol.
type CommitMode int

const (
	// CommitTest validates a configuration without changing the picture.
	CommitTest CommitMode = iota
	// CommitApply flips to the configuration.
	CommitApply
)

// ModeInfo mirrors the kernel's drm_mode_modeinfo layout so it can be
// passed through property blobs unchanged.
type ModeInfo struct {
	Clock                                         uint32
	HDisplay, HSyncStart, HSyncEnd, HTotal, HSkew uint16
	VDisplay, VSyncStart, VSyncEnd, VTotal, VScan uint16
	VRefresh                                      uint32
	Flags                                         uint32
	Type                                          uint32
	Name                                          [32]uint8
}

const modeTypePreferred = 1 << 3

// Preferred reports whether the sink marked this mode as preferred.
func (m *ModeInfo) Preferred() bool {
	return m.Type&modeTypePreferred != 0
}

func (m *ModeInfo) String() string {
	n := 0
	for n < len(m.Name) && m.Name[n] != 0 {
		n++
	}
	return string(m.Name[:n])
}

// Resources is the top-level object inventory of a device.
type Resources struct {
	Connectors []uint32
	CRTCs      []uint32
	Encoders   []uint32
}

// ConnectorInfo is a snapshot of a connector's kernel state.
type ConnectorInfo struct {
	ID         uint32
	Type       uint32
	TypeID     uint32
	Connection ConnectionState
	Encoders   []uint32
	Modes      []ModeInfo
	// CurrentCRTC is the CRTC the connector is driven by right now,
	// zero if unbound.
	CurrentCRTC uint32
	// NonDesktop is set for displays that should not be part of the
	// desktop (VR headsets), exposed for leasing only.
	NonDesktop        bool
	MMWidth, MMHeight uint32
}

// EncoderInfo is a snapshot of an encoder's kernel state.
type EncoderInfo struct {
	ID            uint32
	Type          uint32
	CurrentCRTC   uint32
	PossibleCRTCs uint32
}

// PlaneInfo is a snapshot of a plane's kernel state.
type PlaneInfo struct {
	ID   uint32
	Type PlaneType
	// PossibleCRTCs is a bitmask over CRTC indices.
	PossibleCRTCs uint32
	Formats       []uint32
	CurrentCRTC   uint32
	CurrentFB     uint32
}

// PipelineState describes the wanted state of one connector/CRTC/plane
// binding within a commit.
type PipelineState struct {
	Connector   uint32
	CRTC        uint32
	Plane       uint32
	Framebuffer uint32
	Active      bool
	Mode        ModeInfo
}

// CommitRequest is a transactional configuration change covering one or
// more pipelines.
type CommitRequest struct {
	Mode      CommitMode
	Pipelines []PipelineState
}

// FlipEvent is a page-flip completion reported by the kernel. Sec/USec
// are in the device's native clock (see CapTimestampMonotonic).
type FlipEvent struct {
	CRTC     uint32
	Sequence uint32
	Sec      uint32
	USec     uint32
}

// Device is the kernel display interface for one GPU. All calls are
// blocking ioctls except ReadEvents, which drains whatever the fd has
// buffered and never waits.
type Device interface {
	Path() string
	DeviceID() uint64
	Fd() int

	GetCap(cap uint64) (uint64, error)
	SetClientCap(cap, value uint64) error
	DriverName() (string, error)

	Resources() (*Resources, error)
	PlaneResources() ([]uint32, error)
	Connector(id uint32) (*ConnectorInfo, error)
	Encoder(id uint32) (*EncoderInfo, error)
	Plane(id uint32) (*PlaneInfo, error)

	Commit(req *CommitRequest) error

	CreateLease(objects []uint32) (fd int, lessee uint32, err error)
	RevokeLease(lessee uint32) error
	ListLessees() ([]uint32, error)

	ReadEvents() ([]FlipEvent, error)
	Close() error
}
