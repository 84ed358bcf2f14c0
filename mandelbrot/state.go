package mandelbrot

import (
	"fmt"

	"github.com/najoast/stepwise/core"
	"github.com/najoast/stepwise/engine"
)

// ManagerState is the persisted form of a Manager.
type ManagerState struct {
	Request    *GeneratePoints                      `json:"request,omitempty"`
	Runner     engine.RunnerState                   `json:"runner"`
	Dispatcher engine.DispatcherState[core.ActorID] `json:"dispatcher"`
	Results    []engine.Entry[PointResult]          `json:"results,omitempty"`
	Faults     []string                             `json:"faults,omitempty"`
}

func (m *Manager) snapshot() ManagerState {
	st := ManagerState{
		Runner:     m.runner.State(),
		Dispatcher: m.dispatcher.State(),
		Faults:     m.Faults(),
	}
	if m.job != nil {
		req := m.job.request
		st.Request = &req
		st.Results = m.job.gen.table.Rows()
	}
	return st
}

// restore replaces the manager state. Generation does not resume on its
// own; a driver sends KindResume.
func (m *Manager) restore(st ManagerState) error {
	dispatcher := engine.NewDispatcher[core.ActorID]()
	if err := dispatcher.Restore(st.Dispatcher); err != nil {
		return err
	}

	hints := engine.Hints{StageGenerate: m.opts.PointsPerCall}
	var j *job
	var program engine.Program
	if st.Request != nil {
		if st.Request.PointsPerCall > 0 {
			hints[StageGenerate] = st.Request.PointsPerCall
		}
		gen, err := newGenerator(st.Request.Descriptor)
		if err != nil {
			return err
		}
		if err := gen.table.Restore(st.Results); err != nil {
			return err
		}
		if gen.table.Len() > st.Request.Descriptor.Total() || dispatcher.Sent() > gen.table.Len() {
			return fmt.Errorf("restore manager: %w: %d rows, %d sent, %d total",
				engine.ErrShapeMismatch, gen.table.Len(), dispatcher.Sent(), st.Request.Descriptor.Total())
		}
		j = &job{request: *st.Request, gen: gen}
		program = gen
	}

	runner := engine.NewRunner(hints, m.logger)
	if err := runner.Restore(program, st.Runner); err != nil {
		return err
	}

	m.runner = runner
	m.job = j
	m.dispatcher = dispatcher
	m.faults = append([]string(nil), st.Faults...)
	m.generating = false
	m.logger.Info("state restored", "generation", runner.Generation(), "cursor", runner.Cursor().String())
	return nil
}
