package backend

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dvelle/scanout/internal/drm"
	"github.com/dvelle/scanout/internal/session"

	"golang.org/x/sys/unix"
)

// fakeDevice is an in-memory drm.Device. Its event fd is the read end
// of a pipe so code that polls the device for readiness works
// unchanged; pushEvent writes a wakeup byte alongside queuing the
// event.
type fakeDevice struct {
	mu sync.Mutex

	path   string
	driver string
	caps   map[uint64]uint64

	denyAtomic bool
	atomic     bool

	crtcs          []uint32
	connectorOrder []uint32
	planeOrder     []uint32
	connectors     map[uint32]*drm.ConnectorInfo
	encoders       map[uint32]*drm.EncoderInfo
	planes         map[uint32]*drm.PlaneInfo

	commitHook func(req *drm.CommitRequest) error
	commits    []drm.CommitRequest

	nextLessee uint32
	lessees    []uint32
	revoked    []uint32

	events  []drm.FlipEvent
	eventR  *os.File
	eventW  *os.File
	eventFd int
	closed  bool

	nextID uint32
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	// cache the raw fd once; os.File.Fd switches the pipe back to
	// blocking mode, so it must not be called again after this
	eventFd := int(r.Fd())
	if err := unix.SetNonblock(eventFd, true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	f := &fakeDevice{
		path:   "/dev/dri/fake0",
		driver: "faux",
		caps: map[uint64]uint64{
			drm.CapTimestampMonotonic: 1,
		},
		connectors: make(map[uint32]*drm.ConnectorInfo),
		encoders:   make(map[uint32]*drm.EncoderInfo),
		planes:     make(map[uint32]*drm.PlaneInfo),
		eventR:     r,
		eventW:     w,
		eventFd:    eventFd,
		nextID:     100,
	}
	t.Cleanup(func() {
		if !f.closed {
			f.Close()
		}
	})
	return f
}

func (f *fakeDevice) allocID() uint32 {
	f.nextID++
	return f.nextID
}

func (f *fakeDevice) addCRTC() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.allocID()
	f.crtcs = append(f.crtcs, id)
	return id
}

func (f *fakeDevice) addPrimaryPlane(possibleCRTCs uint32, currentCRTC uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.allocID()
	f.planes[id] = &drm.PlaneInfo{
		ID:            id,
		Type:          drm.PlanePrimary,
		PossibleCRTCs: possibleCRTCs,
		Formats:       []uint32{0x34325258}, // XR24
		CurrentCRTC:   currentCRTC,
	}
	f.planeOrder = append(f.planeOrder, id)
	return id
}

func (f *fakeDevice) addEncoder(possibleCRTCs uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.allocID()
	f.encoders[id] = &drm.EncoderInfo{ID: id, PossibleCRTCs: possibleCRTCs}
	return id
}

func (f *fakeDevice) addConnector(info drm.ConnectorInfo) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.allocID()
	info.ID = id
	f.connectors[id] = &info
	f.connectorOrder = append(f.connectorOrder, id)
	return id
}

func (f *fakeDevice) setConnection(id uint32, state drm.ConnectionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectors[id].Connection = state
}

func (f *fakeDevice) setModes(id uint32, modes []drm.ModeInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectors[id].Modes = modes
}

func (f *fakeDevice) pushEvent(ev drm.FlipEvent) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	f.eventW.Write([]byte{0})
}

func (f *fakeDevice) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commits)
}

func (f *fakeDevice) lastCommit() drm.CommitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits[len(f.commits)-1]
}

func (f *fakeDevice) dropLessee(lessee uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, l := range f.lessees {
		if l == lessee {
			f.lessees = append(f.lessees[:i], f.lessees[i+1:]...)
			return
		}
	}
}

func (f *fakeDevice) Path() string     { return f.path }
func (f *fakeDevice) DeviceID() uint64 { return 1 }
func (f *fakeDevice) Fd() int          { return f.eventFd }

func (f *fakeDevice) GetCap(cap uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.caps[cap]
	if !ok {
		return 0, unix.EINVAL
	}
	return v, nil
}

func (f *fakeDevice) SetClientCap(cap, value uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cap == drm.ClientCapAtomic {
		if f.denyAtomic {
			return unix.EINVAL
		}
		f.atomic = value != 0
	}
	return nil
}

func (f *fakeDevice) DriverName() (string, error) {
	return f.driver, nil
}

func (f *fakeDevice) Resources() (*drm.Resources, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := &drm.Resources{
		Connectors: append([]uint32(nil), f.connectorOrder...),
		CRTCs:      append([]uint32(nil), f.crtcs...),
	}
	for id := range f.encoders {
		res.Encoders = append(res.Encoders, id)
	}
	return res, nil
}

func (f *fakeDevice) PlaneResources() ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.planeOrder...), nil
}

func (f *fakeDevice) Connector(id uint32) (*drm.ConnectorInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.connectors[id]
	if !ok {
		return nil, fmt.Errorf("no connector %d", id)
	}
	cp := *info
	cp.Encoders = append([]uint32(nil), info.Encoders...)
	cp.Modes = append([]drm.ModeInfo(nil), info.Modes...)
	return &cp, nil
}

func (f *fakeDevice) Encoder(id uint32) (*drm.EncoderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.encoders[id]
	if !ok {
		return nil, fmt.Errorf("no encoder %d", id)
	}
	cp := *info
	return &cp, nil
}

func (f *fakeDevice) Plane(id uint32) (*drm.PlaneInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.planes[id]
	if !ok {
		return nil, fmt.Errorf("no plane %d", id)
	}
	cp := *info
	cp.Formats = append([]uint32(nil), info.Formats...)
	return &cp, nil
}

func (f *fakeDevice) Commit(req *drm.CommitRequest) error {
	f.mu.Lock()
	hook := f.commitHook
	cp := drm.CommitRequest{Mode: req.Mode}
	cp.Pipelines = append(cp.Pipelines, req.Pipelines...)
	f.commits = append(f.commits, cp)
	f.mu.Unlock()
	if hook != nil {
		return hook(req)
	}
	return nil
}

func (f *fakeDevice) CreateLease(objects []uint32) (int, uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fd, err := unix.Dup(f.eventFd)
	if err != nil {
		return -1, 0, err
	}
	f.nextLessee++
	f.lessees = append(f.lessees, f.nextLessee)
	return fd, f.nextLessee, nil
}

func (f *fakeDevice) RevokeLease(lessee uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, lessee)
	for i, l := range f.lessees {
		if l == lessee {
			f.lessees = append(f.lessees[:i], f.lessees[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("unknown lessee %d", lessee)
}

func (f *fakeDevice) ListLessees() ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.lessees...), nil
}

func (f *fakeDevice) ReadEvents() ([]drm.FlipEvent, error) {
	// consume the wakeup bytes
	buf := make([]byte, 64)
	for {
		if n, err := unix.Read(f.eventFd, buf); err != nil || n == 0 {
			break
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	events := f.events
	f.events = nil
	return events, nil
}

func (f *fakeDevice) Close() error {
	f.closed = true
	f.eventR.Close()
	f.eventW.Close()
	return nil
}

func testMode(w, h uint16, refresh uint32, preferred bool) drm.ModeInfo {
	m := drm.ModeInfo{
		Clock:    uint32(w) * uint32(h) * refresh / 1000,
		HDisplay: w,
		VDisplay: h,
		VRefresh: refresh,
	}
	if preferred {
		m.Type = 1 << 3
	}
	name := fmt.Sprintf("%dx%d", w, h)
	copy(m.Name[:], name)
	return m
}

// desktopConnector is a connected DP connector with one encoder that
// can reach every CRTC and a single preferred mode.
func desktopConnector(f *fakeDevice, typeID uint32) uint32 {
	encoder := f.addEncoder(0xff)
	return f.addConnector(drm.ConnectorInfo{
		Type:       10, // DP
		TypeID:     typeID,
		Connection: drm.Connected,
		Encoders:   []uint32{encoder},
		Modes:      []drm.ModeInfo{testMode(1920, 1080, 60, true)},
	})
}

func nonDesktopConnector(f *fakeDevice, typeID uint32) uint32 {
	encoder := f.addEncoder(0xff)
	return f.addConnector(drm.ConnectorInfo{
		Type:       16, // DSI, what VR headsets commonly report
		TypeID:     typeID,
		Connection: drm.Connected,
		NonDesktop: true,
		Encoders:   []uint32{encoder},
		Modes:      []drm.ModeInfo{testMode(2880, 1600, 90, true)},
	})
}

// recordingHooks captures lifecycle notifications by output name. The
// mutex matters only when a reactor goroutine delivers callbacks while
// the test goroutine inspects them.
type recordingHooks struct {
	mu       sync.Mutex
	added    []string
	removed  []string
	enabled  []string
	disabled []string
	frames   []frameRecord
}

type frameRecord struct {
	name        string
	timestamp   int64
	approximate bool
}

func (h *recordingHooks) record(s *[]string, o *Output) {
	h.mu.Lock()
	defer h.mu.Unlock()
	*s = append(*s, o.Name())
}

func (h *recordingHooks) OutputAdded(o *Output)    { h.record(&h.added, o) }
func (h *recordingHooks) OutputRemoved(o *Output)  { h.record(&h.removed, o) }
func (h *recordingHooks) OutputEnabled(o *Output)  { h.record(&h.enabled, o) }
func (h *recordingHooks) OutputDisabled(o *Output) { h.record(&h.disabled, o) }

func (h *recordingHooks) FrameCompleted(o *Output, ts time.Duration, approximate bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, frameRecord{o.Name(), int64(ts), approximate})
}

func (h *recordingHooks) frameRecords() []frameRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]frameRecord(nil), h.frames...)
}

// newTestGPU brings up a GPU over the fake with recording hooks and a
// short drain timeout so rescans in tests never block on flips.
func newTestGPU(t *testing.T, dev *fakeDevice) (*GPU, *recordingHooks, *session.Direct) {
	t.Helper()
	hooks := &recordingHooks{}
	sess := session.NewDirect()
	g, err := New(dev, sess, Options{
		DrainTimeout: 20 * time.Millisecond,
		Hooks:        hooks,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g, hooks, sess
}
