package backend

import (
	"fmt"

	"github.com/dvelle/scanout/internal/drm"
)

// connectorTypeNames maps kernel connector types to the names users
// know from randr and friends.
var connectorTypeNames = map[uint32]string{
	0:  "Unknown",
	1:  "VGA",
	2:  "DVI-I",
	3:  "DVI-D",
	4:  "DVI-A",
	5:  "Composite",
	6:  "SVIDEO",
	7:  "LVDS",
	8:  "Component",
	9:  "DIN",
	10: "DP",
	11: "HDMI-A",
	12: "HDMI-B",
	13: "TV",
	14: "eDP",
	15: "Virtual",
	16: "DSI",
	17: "DPI",
	18: "Writeback",
	19: "SPI",
	20: "USB",
}

// Connector is a physical output port with a cached snapshot of its
// kernel properties.
type Connector struct {
	dev  drm.Device
	id   uint32
	info *drm.ConnectorInfo
}

func newConnector(dev drm.Device, id uint32) (*Connector, error) {
	c := &Connector{dev: dev, id: id}
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

// Refresh re-reads the connector's kernel state into the cache.
func (c *Connector) Refresh() error {
	info, err := c.dev.Connector(c.id)
	if err != nil {
		return fmt.Errorf("refresh connector %d: %w", c.id, err)
	}
	c.info = info
	return nil
}

func (c *Connector) ID() uint32 {
	return c.id
}

func (c *Connector) Connected() bool {
	return c.info.Connection == drm.Connected
}

// NonDesktop reports whether the attached display is meant for leasing
// only (VR headsets and the like).
func (c *Connector) NonDesktop() bool {
	return c.info.NonDesktop
}

func (c *Connector) Encoders() []uint32 {
	return c.info.Encoders
}

// CurrentCRTC is the CRTC currently driving this connector, zero if
// none.
func (c *Connector) CurrentCRTC() uint32 {
	return c.info.CurrentCRTC
}

func (c *Connector) Modes() []drm.ModeInfo {
	return c.info.Modes
}

// PreferredMode returns the sink's preferred mode, or the first
// advertised mode when none is marked preferred. ok is false when the
// connector advertises no modes at all.
func (c *Connector) PreferredMode() (drm.ModeInfo, bool) {
	if len(c.info.Modes) == 0 {
		return drm.ModeInfo{}, false
	}
	for _, m := range c.info.Modes {
		if m.Preferred() {
			return m, true
		}
	}
	return c.info.Modes[0], true
}

// Name renders the familiar connector name, e.g. "DP-1".
func (c *Connector) Name() string {
	name, ok := connectorTypeNames[c.info.Type]
	if !ok {
		name = "Unknown"
	}
	return fmt.Sprintf("%s-%d", name, c.info.TypeID)
}
