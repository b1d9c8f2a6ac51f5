package backend

import (
	"fmt"

	"github.com/dvelle/scanout/internal/drm"
)

// Pipeline is a candidate binding of one connector to one CRTC (and
// implicitly the CRTC's primary plane). Pipelines are built during
// resolution and discarded when a different combination supersedes
// them.
type Pipeline struct {
	gpu       *GPU
	connector *Connector
	crtc      *CRTC

	output *Output // unset while resolution is still in flight

	active      bool
	mode        drm.ModeInfo
	framebuffer uint32
}

func newPipeline(gpu *GPU, connector *Connector, crtc *CRTC) *Pipeline {
	return &Pipeline{
		gpu:       gpu,
		connector: connector,
		crtc:      crtc,
		active:    true,
	}
}

func (p *Pipeline) Connector() *Connector {
	return p.connector
}

func (p *Pipeline) CRTC() *CRTC {
	return p.crtc
}

func (p *Pipeline) Output() *Output {
	return p.output
}

func (p *Pipeline) Active() bool {
	return p.active
}

// setup picks the mode the pipeline will drive. A connector without
// any modes can only be configured inactive.
func (p *Pipeline) setup() {
	mode, ok := p.connector.PreferredMode()
	if !ok {
		p.active = false
		return
	}
	p.mode = mode
}

func (p *Pipeline) setActive(active bool) {
	p.active = active
}

// SetFramebuffer hands the pipeline a buffer to scan out. Called by
// the rendering collaborator in response to an output-enabled
// notification, before the configuration is test-committed.
func (p *Pipeline) SetFramebuffer(fb uint32) {
	p.framebuffer = fb
}

func (p *Pipeline) state() drm.PipelineState {
	s := drm.PipelineState{
		Connector:   p.connector.ID(),
		CRTC:        p.crtc.ID(),
		Framebuffer: p.framebuffer,
		Active:      p.active,
		Mode:        p.mode,
	}
	if p.crtc.Primary() != nil {
		s.Plane = p.crtc.Primary().ID()
	}
	return s
}

// leaseObjects collects the hardware object ids a lessee needs to
// drive this pipeline's display.
func (p *Pipeline) leaseObjects() []uint32 {
	objects := []uint32{p.connector.ID(), p.crtc.ID()}
	if p.crtc.Primary() != nil {
		objects = append(objects, p.crtc.Primary().ID())
	}
	return objects
}

// commitPipelines submits the given pipelines to the kernel as one
// transaction.
func commitPipelines(dev drm.Device, pipelines []*Pipeline, mode drm.CommitMode) error {
	if len(pipelines) == 0 {
		return nil
	}
	req := &drm.CommitRequest{Mode: mode}
	for _, p := range pipelines {
		req.Pipelines = append(req.Pipelines, p.state())
	}
	if err := dev.Commit(req); err != nil {
		return fmt.Errorf("commit of %d pipelines: %w", len(pipelines), err)
	}
	return nil
}
