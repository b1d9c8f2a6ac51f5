package backend

import (
	"fmt"
	"time"

	"github.com/dvelle/scanout/internal/drm"
	"github.com/dvelle/scanout/internal/logger"
)

// PowerMode is the requested power state of an output.
type PowerMode int

const (
	PowerOn PowerMode = iota
	PowerOff
)

// Transform is the rotation/flip applied to an output.
type Transform int

const (
	TransformNormal Transform = iota
	Transform90
	Transform180
	Transform270
	TransformFlipped
	TransformFlipped90
	TransformFlipped180
	TransformFlipped270
)

// Hooks is how the backend talks to its collaborators. OutputEnabled
// is delivered before a test-commit so the rendering side can attach
// real buffers; FrameCompleted carries the calibrated presentation
// timestamp for each page flip. All callbacks run on the backend's
// event thread.
type Hooks interface {
	OutputAdded(o *Output)
	OutputRemoved(o *Output)
	OutputEnabled(o *Output)
	OutputDisabled(o *Output)
	FrameCompleted(o *Output, timestamp time.Duration, approximate bool)
}

// NopHooks is a Hooks implementation that does nothing.
type NopHooks struct{}

func (NopHooks) OutputAdded(*Output)                         {}
func (NopHooks) OutputRemoved(*Output)                       {}
func (NopHooks) OutputEnabled(*Output)                       {}
func (NopHooks) OutputDisabled(*Output)                      {}
func (NopHooks) FrameCompleted(*Output, time.Duration, bool) {}

// Output is a logical desktop display backed by a committed pipeline.
// Its lifecycle is absent -> enabled <-> disabled -> absent, driven by
// commits, power management requests and connector hot-plug.
type Output struct {
	gpu       *GPU
	connector *Connector
	pipeline  *Pipeline

	enabled   bool
	power     PowerMode
	transform Transform
	scale     float64

	flipPending bool
}

func newOutput(gpu *GPU, pipeline *Pipeline) *Output {
	o := &Output{
		gpu:       gpu,
		connector: pipeline.connector,
		pipeline:  pipeline,
		enabled:   true,
		power:     PowerOn,
		scale:     1.0,
	}
	pipeline.output = o
	return o
}

// Name is the connector name, e.g. "DP-1".
func (o *Output) Name() string {
	return o.connector.Name()
}

func (o *Output) Connector() *Connector {
	return o.connector
}

func (o *Output) Enabled() bool {
	return o.enabled
}

func (o *Output) PowerMode() PowerMode {
	return o.power
}

func (o *Output) Transform() Transform {
	return o.transform
}

func (o *Output) Scale() float64 {
	return o.scale
}

// Mode is the mode the backing pipeline currently drives.
func (o *Output) Mode() drm.ModeInfo {
	return o.pipeline.mode
}

// SetEnabled moves the output between the enabled and disabled states.
// Disabling deactivates the pipeline but keeps it (and the CRTC claim)
// so re-enabling cannot fail resolution.
func (o *Output) SetEnabled(enable bool) error {
	if o.enabled == enable {
		return nil
	}
	if enable {
		o.enabled = true
		o.gpu.hooks.OutputEnabled(o)
		o.pipeline.setActive(o.power == PowerOn)
	} else {
		o.enabled = false
		o.pipeline.setActive(false)
	}
	if err := o.gpu.applyPipeline(o.pipeline); err != nil {
		return err
	}
	if !enable {
		o.gpu.hooks.OutputDisabled(o)
	}
	return nil
}

// SetPowerMode implements DPMS-style power management on top of the
// pipeline's active flag.
func (o *Output) SetPowerMode(mode PowerMode) error {
	if o.power == mode {
		return nil
	}
	o.power = mode
	if !o.enabled {
		return nil
	}
	o.pipeline.setActive(mode == PowerOn)
	return o.gpu.applyPipeline(o.pipeline)
}

func (o *Output) SetTransform(t Transform) {
	o.transform = t
}

func (o *Output) SetScale(scale float64) {
	if scale > 0 {
		o.scale = scale
	}
}

// refreshModes re-reads the connector's mode list and, if the
// preferred mode changed, test-commits the new mode before adopting
// it. A rejected mode leaves the previous one in place.
func (o *Output) refreshModes() error {
	if err := o.connector.Refresh(); err != nil {
		return err
	}
	mode, ok := o.connector.PreferredMode()
	if !ok || mode == o.pipeline.mode {
		return nil
	}
	previous := o.pipeline.mode
	o.pipeline.mode = mode
	if err := commitPipelines(o.gpu.dev, []*Pipeline{o.pipeline}, drm.CommitTest); err != nil {
		logger.Warnf("Output %s: new mode %s rejected, keeping %s: %v",
			o.Name(), mode.String(), previous.String(), err)
		o.pipeline.mode = previous
		return nil
	}
	if err := o.gpu.applyPipeline(o.pipeline); err != nil {
		return fmt.Errorf("apply mode change on %s: %w", o.Name(), err)
	}
	logger.Infof("Output %s: mode changed to %s", o.Name(), mode.String())
	return nil
}

func (o *Output) pageFlipped() {
	o.flipPending = false
}
