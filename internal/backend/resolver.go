package backend

import (
	"sort"

	"github.com/dvelle/scanout/internal/drm"
	"github.com/dvelle/scanout/internal/logger"
)

// findWorkingCombination searches for a conflict-free assignment of
// the remaining connectors to the remaining CRTCs by recursive
// backtracking. The first complete set that passes a kernel
// test-commit wins; pipelines built along failed branches are
// discarded. Branching factor is the live CRTC count and depth the
// connector count, both small enough (<= 8 in practice) that the
// exhaustive search is fine.
func (g *GPU) findWorkingCombination(pipelines []*Pipeline, connectors []*Connector, crtcs []*CRTC) []*Pipeline {
	if len(connectors) == 0 || len(crtcs) == 0 {
		// no further pipelines can be added, test what we have
		if len(pipelines) == 0 || g.commitCombination(pipelines) {
			return pipelines
		}
		return nil
	}

	connector := connectors[0]
	remaining := connectors[1:]

	ordered := crtcs
	if g.atomic {
		// try the CRTC this connector is currently driven by first,
		// so an already-lit display stays lit across the re-scan
		ordered = make([]*CRTC, len(crtcs))
		copy(ordered, crtcs)
		current := connector.CurrentCRTC()
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].ID() == current && ordered[j].ID() != current
		})
	}

	for _, encoderID := range connector.Encoders() {
		encoder, err := g.dev.Encoder(encoderID)
		if err != nil {
			logger.Debugf("Skipping encoder %d of connector %s: %v",
				encoderID, connector.Name(), err)
			continue
		}
		for _, crtc := range ordered {
			if encoder.PossibleCRTCs&(1<<uint(crtc.Index())) == 0 {
				continue
			}
			candidate := newPipeline(g, connector, crtc)

			next := make([]*Pipeline, 0, len(pipelines)+1)
			next = append(next, pipelines...)
			next = append(next, candidate)

			// claim the CRTC before recursing, no other pipeline in
			// this branch may take it
			left := make([]*CRTC, 0, len(ordered)-1)
			for _, c := range ordered {
				if c != crtc {
					left = append(left, c)
				}
			}

			if working := g.findWorkingCombination(next, remaining, left); len(working) > 0 {
				return working
			}
			// candidate is dropped with the failed branch
		}
	}
	return nil
}

// commitCombination binds outputs to a complete candidate set and
// test-commits it. Outputs created here purely for the test are torn
// down again if the kernel rejects the set, leaving prior state
// untouched.
func (g *GPU) commitCombination(pipelines []*Pipeline) bool {
	var testOutputs []*Output
	for _, p := range pipelines {
		if output := g.findOutput(p.connector.ID()); output != nil {
			output.pipeline = p
			p.output = output
		} else if !p.connector.NonDesktop() {
			output := newOutput(g, p)
			testOutputs = append(testOutputs, output)
			// ask the rendering collaborator for real buffers so the
			// test exercises the actual configuration
			g.hooks.OutputEnabled(output)
		}
		p.setup()
	}

	if err := commitPipelines(g.dev, pipelines, drm.CommitTest); err != nil {
		logger.Debugf("Test commit of %d pipelines failed: %v", len(pipelines), err)
		for _, output := range testOutputs {
			g.hooks.OutputDisabled(output)
			output.pipeline.output = nil
		}
		return false
	}
	return true
}
