package drm

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request encoding, DRM uses the 'd' ioctl base.
const (
	iocWrite = 1
	iocRead  = 2

	drmIoctlBase = 'd'
)

func ioc(dir, size, nr uintptr) uintptr {
	return dir<<30 | size<<16 | drmIoctlBase<<8 | nr
}

// Kernel struct mirrors. Field order and widths must match the UAPI
// headers exactly; these are passed to the kernel by pointer.
type (
	sysVersion struct {
		major, minor, patch int32
		_                   int32
		nameLen             uint64
		namePtr             uint64
		dateLen             uint64
		datePtr             uint64
		descLen             uint64
		descPtr             uint64
	}

	sysCap struct {
		id  uint64
		val uint64
	}

	sysSetClientCap struct {
		capability uint64
		value      uint64
	}

	sysResources struct {
		fbIDPtr              uint64
		crtcIDPtr            uint64
		connectorIDPtr       uint64
		encoderIDPtr         uint64
		countFbs             uint32
		countCRTCs           uint32
		countConnectors      uint32
		countEncoders        uint32
		minWidth, maxWidth   uint32
		minHeight, maxHeight uint32
	}

	sysGetConnector struct {
		encodersPtr   uint64
		modesPtr      uint64
		propsPtr      uint64
		propValuesPtr uint64

		countModes    uint32
		countProps    uint32
		countEncoders uint32

		encoderID       uint32
		connectorID     uint32
		connectorType   uint32
		connectorTypeID uint32

		connection        uint32
		mmWidth, mmHeight uint32
		subpixel          uint32
		_                 uint32
	}

	sysGetEncoder struct {
		id  uint32
		typ uint32

		crtcID uint32

		possibleCRTCs  uint32
		possibleClones uint32
	}

	sysGetPlaneResources struct {
		planeIDPtr  uint64
		countPlanes uint32
	}

	sysGetPlane struct {
		planeID          uint32
		crtcID           uint32
		fbID             uint32
		possibleCRTCs    uint32
		gammaSize        uint32
		countFormatTypes uint32
		formatTypePtr    uint64
	}

	sysGetProperty struct {
		valuesPtr      uint64
		enumBlobPtr    uint64
		propID         uint32
		flags          uint32
		name           [32]uint8
		countValues    uint32
		countEnumBlobs uint32
	}

	sysObjGetProperties struct {
		propsPtr      uint64
		propValuesPtr uint64
		countProps    uint32
		objID         uint32
		objType       uint32
	}

	sysCRTC struct {
		setConnectorsPtr uint64
		countConnectors  uint32

		id   uint32
		fbID uint32

		x, y uint32

		gammaSize uint32
		modeValid uint32
		mode      ModeInfo
	}

	sysAtomic struct {
		flags         uint32
		countObjs     uint32
		objsPtr       uint64
		countPropsPtr uint64
		propsPtr      uint64
		propValuesPtr uint64
		reserved      uint64
		userData      uint64
	}

	sysCreateBlob struct {
		data   uint64
		length uint32
		blobID uint32
	}

	sysDestroyBlob struct {
		blobID uint32
	}

	sysCreateLease struct {
		objectIDsPtr uint64
		objectCount  uint32
		flags        uint32

		// returned
		lesseeID uint32
		fd       uint32
	}

	sysListLessees struct {
		countLessees uint32
		_            uint32
		lesseesPtr   uint64
	}

	sysRevokeLease struct {
		lesseeID uint32
	}
)

var (
	ioctlVersion          = ioc(iocRead|iocWrite, unsafe.Sizeof(sysVersion{}), 0x00)
	ioctlGetCap           = ioc(iocRead|iocWrite, unsafe.Sizeof(sysCap{}), 0x0C)
	ioctlSetClientCap     = ioc(iocWrite, unsafe.Sizeof(sysSetClientCap{}), 0x0D)
	ioctlModeGetResources = ioc(iocRead|iocWrite, unsafe.Sizeof(sysResources{}), 0xA0)
	ioctlModeSetCRTC      = ioc(iocRead|iocWrite, unsafe.Sizeof(sysCRTC{}), 0xA2)
	ioctlModeGetEncoder   = ioc(iocRead|iocWrite, unsafe.Sizeof(sysGetEncoder{}), 0xA6)
	ioctlModeGetConnector = ioc(iocRead|iocWrite, unsafe.Sizeof(sysGetConnector{}), 0xA7)
	ioctlModeGetProperty  = ioc(iocRead|iocWrite, unsafe.Sizeof(sysGetProperty{}), 0xAA)
	ioctlModeGetPlaneRes  = ioc(iocRead|iocWrite, unsafe.Sizeof(sysGetPlaneResources{}), 0xB5)
	ioctlModeGetPlane     = ioc(iocRead|iocWrite, unsafe.Sizeof(sysGetPlane{}), 0xB6)
	ioctlModeObjGetProps  = ioc(iocRead|iocWrite, unsafe.Sizeof(sysObjGetProperties{}), 0xB9)
	ioctlModeAtomic       = ioc(iocRead|iocWrite, unsafe.Sizeof(sysAtomic{}), 0xBC)
	ioctlModeCreateBlob   = ioc(iocRead|iocWrite, unsafe.Sizeof(sysCreateBlob{}), 0xBD)
	ioctlModeDestroyBlob  = ioc(iocRead|iocWrite, unsafe.Sizeof(sysDestroyBlob{}), 0xBE)
	ioctlModeCreateLease  = ioc(iocRead|iocWrite, unsafe.Sizeof(sysCreateLease{}), 0xC6)
	ioctlModeListLessees  = ioc(iocRead|iocWrite, unsafe.Sizeof(sysListLessees{}), 0xC7)
	ioctlModeRevokeLease  = ioc(iocRead|iocWrite, unsafe.Sizeof(sysRevokeLease{}), 0xC9)
)

// Object types for drm_mode_obj_get_properties
const (
	objectCRTC      = 0xcccccccc
	objectConnector = 0xc0c0c0c0
	objectPlane     = 0xeeeeeeee
)

// Atomic commit flags
const (
	flagPageFlipEvent      = 0x01
	flagAtomicTestOnly     = 0x0100
	flagAtomicAllowModeset = 0x0400
)

// drm_event types
const eventFlipComplete = 0x02

// property stores a property id together with its current value.
type property struct {
	id    uint32
	value uint64
}

// device is the ioctl-backed Device implementation.
type device struct {
	file     *os.File
	path     string
	deviceID uint64

	// set once atomic mode setting is granted, selects the commit path
	atomic bool

	mu sync.Mutex
	// property name -> id cache: property ids are stable for the
	// lifetime of the device, values are refreshed on each
	// objectProperties call.
	propNames map[uint32]string
}

// Open opens the DRM device node at path.
func Open(path string) (Device, error) {
	file, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return FromFile(file, path)
}

// FromFile wraps an already-open device node, e.g. one handed over by
// the session collaborator.
func FromFile(file *os.File, path string) (Device, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(file.Fd()), &st); err != nil {
		file.Close()
		return nil, fmt.Errorf("fstat %s: %w", path, err)
	}
	return &device{
		file:      file,
		path:      path,
		deviceID:  uint64(st.Rdev),
		propNames: make(map[uint32]string),
	}, nil
}

func (d *device) ioctl(req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.file.Fd(), req, uintptr(arg))
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR || errno == unix.EAGAIN {
			continue
		}
		return errno
	}
}

func (d *device) Path() string     { return d.path }
func (d *device) DeviceID() uint64 { return d.deviceID }
func (d *device) Fd() int          { return int(d.file.Fd()) }

func (d *device) GetCap(cap uint64) (uint64, error) {
	c := sysCap{id: cap}
	if err := d.ioctl(ioctlGetCap, unsafe.Pointer(&c)); err != nil {
		return 0, fmt.Errorf("get cap %#x: %w", cap, err)
	}
	return c.val, nil
}

func (d *device) SetClientCap(cap, value uint64) error {
	c := sysSetClientCap{capability: cap, value: value}
	if err := d.ioctl(ioctlSetClientCap, unsafe.Pointer(&c)); err != nil {
		return fmt.Errorf("set client cap %#x: %w", cap, err)
	}
	if cap == ClientCapAtomic && value != 0 {
		d.atomic = true
	}
	return nil
}

func (d *device) DriverName() (string, error) {
	v := sysVersion{}
	if err := d.ioctl(ioctlVersion, unsafe.Pointer(&v)); err != nil {
		return "", fmt.Errorf("version query: %w", err)
	}
	if v.nameLen == 0 {
		return "", nil
	}
	name := make([]byte, v.nameLen)
	v.namePtr = uint64(uintptr(unsafe.Pointer(&name[0])))
	v.dateLen, v.descLen = 0, 0
	if err := d.ioctl(ioctlVersion, unsafe.Pointer(&v)); err != nil {
		return "", fmt.Errorf("version query: %w", err)
	}
	return string(name[:v.nameLen]), nil
}

func (d *device) Resources() (*Resources, error) {
	res := sysResources{}
	if err := d.ioctl(ioctlModeGetResources, unsafe.Pointer(&res)); err != nil {
		return nil, fmt.Errorf("get resources: %w", err)
	}

	var crtcs, connectors, encoders []uint32
	if res.countCRTCs > 0 {
		crtcs = make([]uint32, res.countCRTCs)
		res.crtcIDPtr = uint64(uintptr(unsafe.Pointer(&crtcs[0])))
	}
	if res.countConnectors > 0 {
		connectors = make([]uint32, res.countConnectors)
		res.connectorIDPtr = uint64(uintptr(unsafe.Pointer(&connectors[0])))
	}
	if res.countEncoders > 0 {
		encoders = make([]uint32, res.countEncoders)
		res.encoderIDPtr = uint64(uintptr(unsafe.Pointer(&encoders[0])))
	}
	res.countFbs = 0

	if err := d.ioctl(ioctlModeGetResources, unsafe.Pointer(&res)); err != nil {
		return nil, fmt.Errorf("get resources: %w", err)
	}

	// counts can only shrink here; hotplug between the two passes is
	// caught by the next re-scan
	return &Resources{
		Connectors: connectors[:min(int(res.countConnectors), len(connectors))],
		CRTCs:      crtcs[:min(int(res.countCRTCs), len(crtcs))],
		Encoders:   encoders[:min(int(res.countEncoders), len(encoders))],
	}, nil
}

func (d *device) PlaneResources() ([]uint32, error) {
	res := sysGetPlaneResources{}
	if err := d.ioctl(ioctlModeGetPlaneRes, unsafe.Pointer(&res)); err != nil {
		return nil, fmt.Errorf("get plane resources: %w", err)
	}
	if res.countPlanes == 0 {
		return nil, nil
	}
	planes := make([]uint32, res.countPlanes)
	res.planeIDPtr = uint64(uintptr(unsafe.Pointer(&planes[0])))
	if err := d.ioctl(ioctlModeGetPlaneRes, unsafe.Pointer(&res)); err != nil {
		return nil, fmt.Errorf("get plane resources: %w", err)
	}
	return planes[:min(int(res.countPlanes), len(planes))], nil
}

func (d *device) Connector(id uint32) (*ConnectorInfo, error) {
	conn := sysGetConnector{connectorID: id}
	if err := d.ioctl(ioctlModeGetConnector, unsafe.Pointer(&conn)); err != nil {
		return nil, fmt.Errorf("get connector %d: %w", id, err)
	}

	var encoders []uint32
	if conn.countModes == 0 {
		// ask for at least one slot so a mode appearing between the
		// two ioctls doesn't overflow
		conn.countModes = 1
	}
	modes := make([]ModeInfo, conn.countModes)
	conn.modesPtr = uint64(uintptr(unsafe.Pointer(&modes[0])))
	if conn.countEncoders > 0 {
		encoders = make([]uint32, conn.countEncoders)
		conn.encodersPtr = uint64(uintptr(unsafe.Pointer(&encoders[0])))
	}
	conn.countProps = 0

	if err := d.ioctl(ioctlModeGetConnector, unsafe.Pointer(&conn)); err != nil {
		return nil, fmt.Errorf("get connector %d: %w", id, err)
	}

	info := &ConnectorInfo{
		ID:         id,
		Type:       conn.connectorType,
		TypeID:     conn.connectorTypeID,
		Connection: ConnectionState(conn.connection),
		Encoders:   encoders,
		Modes:      modes[:min(int(conn.countModes), len(modes))],
		MMWidth:    conn.mmWidth,
		MMHeight:   conn.mmHeight,
	}

	props, err := d.objectProperties(id, objectConnector)
	if err != nil {
		return nil, err
	}
	if p, ok := props["CRTC_ID"]; ok {
		info.CurrentCRTC = uint32(p.value)
	} else if conn.encoderID != 0 {
		// legacy path: resolve through the currently bound encoder
		if enc, err := d.Encoder(conn.encoderID); err == nil {
			info.CurrentCRTC = enc.CurrentCRTC
		}
	}
	if p, ok := props["non-desktop"]; ok {
		info.NonDesktop = p.value != 0
	}
	return info, nil
}

func (d *device) Encoder(id uint32) (*EncoderInfo, error) {
	enc := sysGetEncoder{id: id}
	if err := d.ioctl(ioctlModeGetEncoder, unsafe.Pointer(&enc)); err != nil {
		return nil, fmt.Errorf("get encoder %d: %w", id, err)
	}
	return &EncoderInfo{
		ID:            enc.id,
		Type:          enc.typ,
		CurrentCRTC:   enc.crtcID,
		PossibleCRTCs: enc.possibleCRTCs,
	}, nil
}

func (d *device) Plane(id uint32) (*PlaneInfo, error) {
	plane := sysGetPlane{planeID: id}
	if err := d.ioctl(ioctlModeGetPlane, unsafe.Pointer(&plane)); err != nil {
		return nil, fmt.Errorf("get plane %d: %w", id, err)
	}
	var formats []uint32
	if plane.countFormatTypes > 0 {
		formats = make([]uint32, plane.countFormatTypes)
		plane.formatTypePtr = uint64(uintptr(unsafe.Pointer(&formats[0])))
		if err := d.ioctl(ioctlModeGetPlane, unsafe.Pointer(&plane)); err != nil {
			return nil, fmt.Errorf("get plane %d: %w", id, err)
		}
	}

	info := &PlaneInfo{
		ID:            plane.planeID,
		PossibleCRTCs: plane.possibleCRTCs,
		Formats:       formats,
		CurrentCRTC:   plane.crtcID,
		CurrentFB:     plane.fbID,
	}
	props, err := d.objectProperties(id, objectPlane)
	if err != nil {
		return nil, err
	}
	if p, ok := props["type"]; ok {
		info.Type = PlaneType(p.value)
	}
	if p, ok := props["CRTC_ID"]; ok && p.value != 0 {
		info.CurrentCRTC = uint32(p.value)
	}
	return info, nil
}

// objectProperties returns all properties of an object keyed by name,
// with their current values.
func (d *device) objectProperties(objID, objType uint32) (map[string]property, error) {
	req := sysObjGetProperties{objID: objID, objType: objType}
	if err := d.ioctl(ioctlModeObjGetProps, unsafe.Pointer(&req)); err != nil {
		return nil, fmt.Errorf("get properties of object %d: %w", objID, err)
	}
	if req.countProps == 0 {
		return map[string]property{}, nil
	}
	ids := make([]uint32, req.countProps)
	values := make([]uint64, req.countProps)
	req.propsPtr = uint64(uintptr(unsafe.Pointer(&ids[0])))
	req.propValuesPtr = uint64(uintptr(unsafe.Pointer(&values[0])))
	if err := d.ioctl(ioctlModeObjGetProps, unsafe.Pointer(&req)); err != nil {
		return nil, fmt.Errorf("get properties of object %d: %w", objID, err)
	}

	props := make(map[string]property, req.countProps)
	for i := uint32(0); i < req.countProps; i++ {
		name, err := d.propertyName(ids[i])
		if err != nil {
			return nil, err
		}
		props[name] = property{id: ids[i], value: values[i]}
	}
	return props, nil
}

func (d *device) propertyName(id uint32) (string, error) {
	d.mu.Lock()
	if name, ok := d.propNames[id]; ok {
		d.mu.Unlock()
		return name, nil
	}
	d.mu.Unlock()

	prop := sysGetProperty{propID: id}
	if err := d.ioctl(ioctlModeGetProperty, unsafe.Pointer(&prop)); err != nil {
		return "", fmt.Errorf("get property %d: %w", id, err)
	}
	n := 0
	for n < len(prop.name) && prop.name[n] != 0 {
		n++
	}
	name := string(prop.name[:n])

	d.mu.Lock()
	d.propNames[id] = name
	d.mu.Unlock()
	return name, nil
}

func (d *device) createBlob(data unsafe.Pointer, length uint32) (uint32, error) {
	blob := sysCreateBlob{
		data:   uint64(uintptr(data)),
		length: length,
	}
	if err := d.ioctl(ioctlModeCreateBlob, unsafe.Pointer(&blob)); err != nil {
		return 0, fmt.Errorf("create property blob: %w", err)
	}
	return blob.blobID, nil
}

func (d *device) destroyBlob(id uint32) {
	blob := sysDestroyBlob{blobID: id}
	// best effort, the kernel reaps blobs on close anyway
	_ = d.ioctl(ioctlModeDestroyBlob, unsafe.Pointer(&blob))
}

// atomicReq accumulates object/property/value triples in the flattened
// layout drm_mode_atomic wants.
type atomicReq struct {
	objects    []uint32
	countProps []uint32
	propIDs    []uint32
	propValues []uint64
}

func (r *atomicReq) add(obj uint32, props map[string]property, sets map[string]uint64) error {
	var names []string
	for name := range sets {
		if _, ok := props[name]; !ok {
			return fmt.Errorf("object %d has no %q property", obj, name)
		}
		names = append(names, name)
	}
	r.objects = append(r.objects, obj)
	r.countProps = append(r.countProps, uint32(len(names)))
	for _, name := range names {
		r.propIDs = append(r.propIDs, props[name].id)
		r.propValues = append(r.propValues, sets[name])
	}
	return nil
}

func (d *device) Commit(req *CommitRequest) error {
	if !d.atomic {
		// legacy mode has no test phase, validation comes from the
		// apply itself
		if req.Mode == CommitTest {
			return nil
		}
		for i := range req.Pipelines {
			if err := d.legacyCommit(&req.Pipelines[i]); err != nil {
				return err
			}
		}
		return nil
	}

	areq := &atomicReq{}
	var blobs []uint32
	defer func() {
		for _, blob := range blobs {
			d.destroyBlob(blob)
		}
	}()

	for i := range req.Pipelines {
		p := &req.Pipelines[i]

		connProps, err := d.objectProperties(p.Connector, objectConnector)
		if err != nil {
			return err
		}
		crtcProps, err := d.objectProperties(p.CRTC, objectCRTC)
		if err != nil {
			return err
		}

		if !p.Active {
			if err := areq.add(p.Connector, connProps, map[string]uint64{"CRTC_ID": 0}); err != nil {
				return err
			}
			if err := areq.add(p.CRTC, crtcProps, map[string]uint64{"ACTIVE": 0, "MODE_ID": 0}); err != nil {
				return err
			}
			if p.Plane != 0 {
				planeProps, err := d.objectProperties(p.Plane, objectPlane)
				if err != nil {
					return err
				}
				err = areq.add(p.Plane, planeProps, map[string]uint64{
					"FB_ID":   0,
					"CRTC_ID": 0,
				})
				if err != nil {
					return err
				}
			}
			continue
		}

		mode := p.Mode
		blob, err := d.createBlob(unsafe.Pointer(&mode), uint32(unsafe.Sizeof(mode)))
		if err != nil {
			return err
		}
		blobs = append(blobs, blob)

		if err := areq.add(p.Connector, connProps, map[string]uint64{"CRTC_ID": uint64(p.CRTC)}); err != nil {
			return err
		}
		err = areq.add(p.CRTC, crtcProps, map[string]uint64{
			"ACTIVE":  1,
			"MODE_ID": uint64(blob),
		})
		if err != nil {
			return err
		}
		if p.Plane != 0 {
			planeProps, err := d.objectProperties(p.Plane, objectPlane)
			if err != nil {
				return err
			}
			w, h := uint64(p.Mode.HDisplay), uint64(p.Mode.VDisplay)
			err = areq.add(p.Plane, planeProps, map[string]uint64{
				"FB_ID":   uint64(p.Framebuffer),
				"CRTC_ID": uint64(p.CRTC),
				"CRTC_X":  0,
				"CRTC_Y":  0,
				"CRTC_W":  w,
				"CRTC_H":  h,
				"SRC_X":   0,
				"SRC_Y":   0,
				"SRC_W":   w << 16,
				"SRC_H":   h << 16,
			})
			if err != nil {
				return err
			}
		}
	}

	if len(areq.objects) == 0 {
		return nil
	}

	var flags uint32
	switch req.Mode {
	case CommitTest:
		flags = flagAtomicTestOnly | flagAtomicAllowModeset
	case CommitApply:
		flags = flagAtomicAllowModeset | flagPageFlipEvent
	}

	atomic := sysAtomic{
		flags:         flags,
		countObjs:     uint32(len(areq.objects)),
		objsPtr:       uint64(uintptr(unsafe.Pointer(&areq.objects[0]))),
		countPropsPtr: uint64(uintptr(unsafe.Pointer(&areq.countProps[0]))),
		propsPtr:      uint64(uintptr(unsafe.Pointer(&areq.propIDs[0]))),
		propValuesPtr: uint64(uintptr(unsafe.Pointer(&areq.propValues[0]))),
	}
	if err := d.ioctl(ioctlModeAtomic, unsafe.Pointer(&atomic)); err != nil {
		return fmt.Errorf("atomic commit: %w", err)
	}
	return nil
}

// legacyCommit applies a pipeline with the pre-atomic SetCrtc call.
func (d *device) legacyCommit(p *PipelineState) error {
	crtc := sysCRTC{
		id:   p.CRTC,
		fbID: p.Framebuffer,
	}
	if p.Active {
		connectors := []uint32{p.Connector}
		crtc.setConnectorsPtr = uint64(uintptr(unsafe.Pointer(&connectors[0])))
		crtc.countConnectors = 1
		crtc.modeValid = 1
		crtc.mode = p.Mode
	}
	if err := d.ioctl(ioctlModeSetCRTC, unsafe.Pointer(&crtc)); err != nil {
		return fmt.Errorf("set crtc %d: %w", p.CRTC, err)
	}
	return nil
}

func (d *device) CreateLease(objects []uint32) (int, uint32, error) {
	if len(objects) == 0 {
		return -1, 0, fmt.Errorf("create lease: no objects")
	}
	lease := sysCreateLease{
		objectIDsPtr: uint64(uintptr(unsafe.Pointer(&objects[0]))),
		objectCount:  uint32(len(objects)),
		flags:        unix.O_CLOEXEC,
	}
	if err := d.ioctl(ioctlModeCreateLease, unsafe.Pointer(&lease)); err != nil {
		return -1, 0, fmt.Errorf("create lease: %w", err)
	}
	return int(lease.fd), lease.lesseeID, nil
}

func (d *device) RevokeLease(lessee uint32) error {
	req := sysRevokeLease{lesseeID: lessee}
	if err := d.ioctl(ioctlModeRevokeLease, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("revoke lease %d: %w", lessee, err)
	}
	return nil
}

func (d *device) ListLessees() ([]uint32, error) {
	req := sysListLessees{}
	if err := d.ioctl(ioctlModeListLessees, unsafe.Pointer(&req)); err != nil {
		return nil, fmt.Errorf("list lessees: %w", err)
	}
	if req.countLessees == 0 {
		return nil, nil
	}
	lessees := make([]uint32, req.countLessees)
	req.lesseesPtr = uint64(uintptr(unsafe.Pointer(&lessees[0])))
	if err := d.ioctl(ioctlModeListLessees, unsafe.Pointer(&req)); err != nil {
		return nil, fmt.Errorf("list lessees: %w", err)
	}
	return lessees[:min(int(req.countLessees), len(lessees))], nil
}

func (d *device) ReadEvents() ([]FlipEvent, error) {
	buf := make([]byte, 1024)
	n, err := unix.Read(d.Fd(), buf)
	if err != nil {
		if err == unix.EAGAIN {
			return nil, nil
		}
		return nil, fmt.Errorf("read events: %w", err)
	}
	return parseEvents(buf[:n]), nil
}

// drm_event header is two uint32s: type and length (covering the whole
// event including the header).
func parseEvents(buf []byte) []FlipEvent {
	var events []FlipEvent
	for len(buf) >= 8 {
		typ := nativeUint32(buf[0:4])
		length := int(nativeUint32(buf[4:8]))
		if length < 8 || length > len(buf) {
			break
		}
		if typ == eventFlipComplete && length >= 32 {
			// drm_event_vblank: base(8) user_data(8) tv_sec(4)
			// tv_usec(4) sequence(4) crtc_id(4)
			events = append(events, FlipEvent{
				Sec:      nativeUint32(buf[16:20]),
				USec:     nativeUint32(buf[20:24]),
				Sequence: nativeUint32(buf[24:28]),
				CRTC:     nativeUint32(buf[28:32]),
			})
		}
		buf = buf[length:]
	}
	return events
}

func nativeUint32(b []byte) uint32 {
	return *(*uint32)(unsafe.Pointer(&b[0]))
}

func (d *device) Close() error {
	return d.file.Close()
}
