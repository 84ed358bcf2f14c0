package arkanoid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/najoast/stepwise/core"
	"github.com/najoast/stepwise/engine"
)

// ServiceOptions configures a Service.
type ServiceOptions struct {
	// Hints overrides DefaultHints.
	Hints  engine.Hints
	Logger *slog.Logger
}

// Service owns one game and advances it on request. It is the message
// handler of one actor; the game lives across simulations until restarted.
type Service struct {
	logger *slog.Logger
	hints  engine.Hints

	game     *Game
	runner   *engine.Runner
	sim      *simulation
	stepping bool
	batches  int
}

// NewService returns a service holding a fresh game.
func NewService(opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		logger: logger.With("component", "arkanoid"),
		hints:  DefaultHints().Merge(opts.Hints),
		game:   NewGame(),
	}
	s.runner = s.newRunner()
	return s
}

func (s *Service) newRunner() *engine.Runner {
	r := engine.NewRunner(s.hints, s.logger)
	r.OnBatch = func(stage engine.Stage, round int, b engine.Batch) {
		s.batches++
		s.logger.Debug("ticks simulated", "batch", b.String(), "tick", s.game.Tick, "blocks", len(s.game.Blocks))
	}
	return r
}

// HandleMessage implements core.MessageHandler.
func (s *Service) HandleMessage(ctx context.Context, inv *core.Invocation) error {
	env, err := engine.Decode(inv.Data())
	if err != nil {
		return err
	}

	switch env.Kind {
	case KindSimulate:
		return handle(env, func(req Simulate) error { return s.simulate(inv, req) })
	case KindResume:
		return handle(env, func(req Resume) error {
			s.resume(inv, req)
			return nil
		})
	case engine.KindStep:
		return handle(env, func(step engine.Step) error { return s.step(inv, step) })
	case KindBall:
		return reply(inv, s.game.Ball)
	case KindProgress:
		return reply(inv, s.progress())
	case KindRestart:
		s.restart()
		return nil
	case KindSnapshot:
		return reply(inv, s.snapshot())
	case KindRestore:
		return handle(env, s.restore)
	default:
		return fmt.Errorf("arkanoid: %w: %d", engine.ErrUnknownCommand, env.Kind)
	}
}

func handle[T any](env engine.Envelope, fn func(T) error) error {
	var body T
	if err := env.Into(&body); err != nil {
		return err
	}
	return fn(body)
}

func reply(inv *core.Invocation, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	inv.Reply(data)
	return nil
}

func (s *Service) busy() bool {
	return s.runner.Started() && !s.runner.Done()
}

func (s *Service) simulate(inv *core.Invocation, req Simulate) error {
	if s.busy() {
		return fmt.Errorf("simulate: %w", ErrBusy)
	}
	sim := &simulation{game: s.game, base: s.game.Tick, steps: int(req.Steps)}

	runner := s.newRunner()
	prev := s.batches
	s.batches = 0
	next, err := runner.Start(inv, sim)
	if err != nil {
		s.batches = prev
		return err
	}
	s.runner = runner
	s.sim = sim
	s.stepping = req.Continue

	s.logger.Info("simulation started", "generation", runner.Generation(), "from_tick", sim.base, "steps", req.Steps)
	s.afterStep(inv, next)
	return nil
}

func (s *Service) afterStep(inv *core.Invocation, next *engine.Step) {
	if next == nil {
		s.stepping = false
		s.logger.Info("simulation finished",
			"generation", s.runner.Generation(),
			"tick", s.game.Tick,
			"paddle_hits", s.game.PaddleHits,
			"destroyed_blocks", s.game.DestroyedBlocks)
		return
	}
	if s.stepping {
		inv.Send(inv.Self(), next.Encode())
	}
}

func (s *Service) resume(inv *core.Invocation, req Resume) {
	next, ok := s.runner.Resume()
	if !ok {
		s.logger.Debug("nothing to resume")
		return
	}
	s.stepping = req.Continue
	inv.Send(inv.Self(), next.Encode())
}

func (s *Service) step(inv *core.Invocation, st engine.Step) error {
	over := s.game.Over
	next, err := s.runner.Step(inv, st)
	if errors.Is(err, engine.ErrStale) {
		s.logger.Debug("discarding stale step", "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	if !over && s.game.Over {
		s.logger.Info("game over", "tick", s.game.OverTick, "paddle_hits", s.game.PaddleHits, "destroyed_blocks", s.game.DestroyedBlocks)
	}
	s.afterStep(inv, next)
	return nil
}

// restart drops the game and any simulation of it.
func (s *Service) restart() {
	s.game = NewGame()
	s.runner = s.newRunner()
	s.sim = nil
	s.stepping = false
	s.batches = 0
	s.logger.Info("game reset")
}

func (s *Service) progress() Progress {
	return Progress{
		Generation:      s.runner.Generation(),
		Cursor:          s.runner.Cursor(),
		Started:         s.runner.Started(),
		Finished:        s.runner.Done(),
		Batches:         s.batches,
		Tick:            s.game.Tick,
		Over:            s.game.Over,
		OverTick:        s.game.OverTick,
		PaddleHits:      s.game.PaddleHits,
		DestroyedBlocks: s.game.DestroyedBlocks,
		BlocksLeft:      len(s.game.Blocks),
	}
}
