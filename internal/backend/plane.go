package backend

import (
	"fmt"

	"github.com/dvelle/scanout/internal/drm"
)

// Plane is a hardware compositing layer with a cached snapshot of its
// kernel properties.
type Plane struct {
	dev  drm.Device
	id   uint32
	info *drm.PlaneInfo
}

func newPlane(dev drm.Device, id uint32) (*Plane, error) {
	p := &Plane{dev: dev, id: id}
	if err := p.Refresh(); err != nil {
		return nil, err
	}
	return p, nil
}

// Refresh re-reads the plane's kernel state into the cache.
func (p *Plane) Refresh() error {
	info, err := p.dev.Plane(p.id)
	if err != nil {
		return fmt.Errorf("refresh plane %d: %w", p.id, err)
	}
	p.info = info
	return nil
}

func (p *Plane) ID() uint32 {
	return p.id
}

func (p *Plane) Type() drm.PlaneType {
	return p.info.Type
}

func (p *Plane) Formats() []uint32 {
	return p.info.Formats
}

// CurrentCRTC is the CRTC this plane is currently assigned to, zero if
// unassigned.
func (p *Plane) CurrentCRTC() uint32 {
	return p.info.CurrentCRTC
}

// SupportsCRTCIndex reports whether the plane can be driven by the CRTC
// at the given enumeration index.
func (p *Plane) SupportsCRTCIndex(index int) bool {
	return p.info.PossibleCRTCs&(1<<uint(index)) != 0
}
