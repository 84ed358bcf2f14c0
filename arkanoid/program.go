package arkanoid

import (
	"fmt"

	"github.com/najoast/stepwise/engine"
)

// StageTick is the only stage of a simulation: one unit of work per tick.
const StageTick engine.Stage = 1

// DefaultTicksPerCall bounds the ticks advanced per invocation when no
// hint is configured.
const DefaultTicksPerCall = 200

// DefaultHints returns the batch limits used when none are configured.
func DefaultHints() engine.Hints {
	return engine.Hints{StageTick: DefaultTicksPerCall}
}

// simulation is the engine.Program of one Simulate request: steps ticks
// applied to game, counted from tick base.
type simulation struct {
	game  *Game
	base  uint64
	steps int
}

func (s *simulation) Entry() engine.Stage {
	return StageTick
}

func (s *simulation) Next(engine.Stage, int) (engine.Stage, int, bool) {
	return 0, 0, false
}

func (s *simulation) Size(stage engine.Stage, round int) (int, error) {
	if stage != StageTick || round != 0 {
		return 0, fmt.Errorf("%w: stage %d round %d", engine.ErrShapeMismatch, stage, round)
	}
	return s.steps, nil
}

// Execute runs the ticks of b on a copy of the game and keeps the copy only
// when every tick fit in the quantum. A batch already applied is a no-op.
func (s *simulation) Execute(m engine.Meter, stage engine.Stage, round int, b engine.Batch) error {
	if stage != StageTick {
		return fmt.Errorf("%w: stage %d", engine.ErrShapeMismatch, stage)
	}
	start, end := s.base+uint64(b.Start), s.base+uint64(b.End)
	switch s.game.Tick {
	case end:
		return nil
	case start:
	default:
		return fmt.Errorf("%w: game at tick %d, batch starts at %d", engine.ErrShapeMismatch, s.game.Tick, start)
	}

	next := s.game.Clone()
	for next.Tick < end {
		if err := m.Charge(next.cost()); err != nil {
			return err
		}
		next.Update()
	}
	*s.game = *next
	return nil
}
