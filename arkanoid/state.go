package arkanoid

import (
	"fmt"

	"github.com/najoast/stepwise/engine"
)

// ServiceState is the persisted form of a Service.
type ServiceState struct {
	Game    *Game              `json:"game"`
	Base    uint64             `json:"base"`
	Steps   int                `json:"steps"`
	Runner  engine.RunnerState `json:"runner"`
	Batches int                `json:"batches"`
}

func (s *Service) snapshot() ServiceState {
	st := ServiceState{
		Game:    s.game,
		Runner:  s.runner.State(),
		Batches: s.batches,
	}
	if s.sim != nil {
		st.Base = s.sim.base
		st.Steps = s.sim.steps
	}
	return st
}

// restore replaces the service state. A restored simulation does not step
// on its own; a driver sends KindResume.
func (s *Service) restore(st ServiceState) error {
	if st.Game == nil {
		return fmt.Errorf("restore: %w: no game", engine.ErrShapeMismatch)
	}
	if err := st.Game.validate(); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	game := st.Game.Clone()

	var sim *simulation
	var program engine.Program
	if st.Runner.Started {
		c := st.Runner.Cursor
		if st.Steps < 0 || c.Total != st.Steps || game.Tick != st.Base+uint64(c.Offset) {
			return fmt.Errorf("restore: %w: game at tick %d, cursor %s from tick %d",
				engine.ErrShapeMismatch, game.Tick, c, st.Base)
		}
		sim = &simulation{game: game, base: st.Base, steps: st.Steps}
		program = sim
	}

	runner := s.newRunner()
	if err := runner.Restore(program, st.Runner); err != nil {
		return err
	}

	s.game = game
	s.sim = sim
	s.runner = runner
	s.batches = st.Batches
	s.stepping = false
	s.logger.Info("state restored", "generation", runner.Generation(), "tick", game.Tick)
	return nil
}
