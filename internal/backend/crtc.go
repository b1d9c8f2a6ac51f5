package backend

// CRTC is a scan-out engine. CRTCs are enumerated once at device
// bring-up and never re-created; a hot-plug scan only refreshes the
// property caches of the planes attached to them.
type CRTC struct {
	id      uint32
	index   int
	primary *Plane
}

func (c *CRTC) ID() uint32 {
	return c.id
}

// Index is the CRTC's position in the kernel's enumeration order,
// which is what plane compatibility bitmasks are keyed on.
func (c *CRTC) Index() int {
	return c.index
}

// Primary is the primary plane paired with this CRTC at bring-up, nil
// in legacy mode.
func (c *CRTC) Primary() *Plane {
	return c.primary
}
