package cnn

import (
	"fmt"

	"github.com/najoast/stepwise/engine"
	"github.com/najoast/stepwise/fixed"
)

// ServiceState is the persisted form of a Service.
type ServiceState struct {
	Model     *Model             `json:"model,omitempty"`
	Complete  bool               `json:"complete"`
	Runner    engine.RunnerState `json:"runner"`
	Workspace *Workspace         `json:"workspace,omitempty"`
	Batches   int                `json:"batches"`
}

func (s *Service) snapshot() ServiceState {
	st := ServiceState{
		Model:   s.model,
		Runner:  s.runner.State(),
		Batches: s.batches,
	}
	if s.model != nil {
		st.Complete = s.model.Complete() == nil
	}
	if s.pipeline != nil {
		st.Workspace = s.pipeline.ws
	}
	return st
}

// restore replaces the service state. A restored prediction does not step
// on its own; a driver sends KindResume. Partial uploads are not kept: a
// model saved incomplete must be uploaded again.
func (s *Service) restore(st ServiceState) error {
	var model *Model
	if st.Model != nil {
		m, err := NewModel(st.Model.Arch)
		if err != nil {
			return fmt.Errorf("restore model: %w", err)
		}
		if st.Complete {
			if err := m.load(st.Model); err != nil {
				return fmt.Errorf("restore model: %w", err)
			}
		}
		model = m
	}

	var p *pipeline
	if st.Workspace != nil {
		if model == nil || !st.Complete || !st.Workspace.fits(model) {
			return fmt.Errorf("restore workspace: %w", engine.ErrShapeMismatch)
		}
		p = &pipeline{model: model, ws: st.Workspace}
	}

	runner := s.newRunner()
	var program engine.Program
	if p != nil {
		program = p
	}
	if err := runner.Restore(program, st.Runner); err != nil {
		return err
	}

	s.model = model
	s.pipeline = p
	s.runner = runner
	s.batches = st.Batches
	s.stepping = false
	s.logger.Info("state restored", "generation", runner.Generation(), "cursor", runner.Cursor().String())
	return nil
}

// load copies the weights of src, which must share m's architecture.
func (m *Model) load(src *Model) error {
	if len(src.Conv) != len(m.Conv) || len(src.Dense) != len(m.Dense) {
		return fmt.Errorf("%w: layer count", engine.ErrShapeMismatch)
	}
	for i, l := range m.Conv {
		s := src.Conv[i]
		if err := copyExact(l.Filters, s.Filters); err != nil {
			return fmt.Errorf("conv layer %d filters: %w", i, err)
		}
		if err := copyExact(l.Bias, s.Bias); err != nil {
			return fmt.Errorf("conv layer %d bias: %w", i, err)
		}
		if err := s.Norm.validate(l.OutChannels); err != nil {
			return fmt.Errorf("conv layer %d: %w", i, err)
		}
		l.Norm = s.Norm
	}
	for i, l := range m.Dense {
		s := src.Dense[i]
		if err := copyExact(l.Weights, s.Weights); err != nil {
			return fmt.Errorf("dense layer %d weights: %w", i, err)
		}
		if err := copyExact(l.Bias, s.Bias); err != nil {
			return fmt.Errorf("dense layer %d bias: %w", i, err)
		}
		if l.HasNorm != (s.Norm != nil) {
			return fmt.Errorf("dense layer %d: %w: normalisation", i, engine.ErrShapeMismatch)
		}
		if err := s.Norm.validate(l.Outputs); err != nil {
			return fmt.Errorf("dense layer %d: %w", i, err)
		}
		l.Norm = s.Norm
	}
	m.MarkComplete()
	return nil
}

func copyExact(dst, src []fixed.Q32) error {
	if len(dst) != len(src) {
		return fmt.Errorf("%w: %d values, want %d", engine.ErrShapeMismatch, len(src), len(dst))
	}
	copy(dst, src)
	return nil
}
