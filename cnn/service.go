package cnn

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
	// Hints overrides DefaultHints per stage.
	Hints  engine.Hints
	Logger *slog.Logger
}

// Service runs predictions of one model. It is the message handler of one
// actor; all of its state is owned by that actor.
type Service struct {
	logger *slog.Logger
	hints  engine.Hints

	model    *Model
	runner   *engine.Runner
	pipeline *pipeline
	stepping bool
	batches  int
}

// NewService returns a service without a model.
func NewService(opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cnn-service")

	s := &Service{
		logger: logger,
		hints:  DefaultHints().Merge(opts.Hints),
	}
	s.runner = s.newRunner()
	return s
}

func (s *Service) newRunner() *engine.Runner {
	r := engine.NewRunner(s.hints, s.logger)
	r.OnBatch = func(stage engine.Stage, round int, b engine.Batch) {
		s.batches++
		s.logger.Debug("batch executed", "stage", StageName(stage), "round", round, "batch", b.String())
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
	case KindConfigure:
		return handle(env, s.configure)
	case KindSetLayerFilters:
		return handle(env, func(req SetLayerFilters) error {
			return s.upload(func(m *Model) error { return m.SetLayerFilters(req.Layer, req.Rows, req.RowStart) })
		})
	case KindSetLayerNorm:
		return handle(env, func(req SetLayerNorm) error {
			return s.upload(func(m *Model) error { return m.SetLayerNorm(req.Layer, req.Bias, req.Norm) })
		})
	case KindSetDenseWeights:
		return handle(env, func(req SetDenseWeights) error {
			return s.upload(func(m *Model) error { return m.SetDenseWeights(req.Layer, req.Rows, req.RowStart) })
		})
	case KindSetDenseBias:
		return handle(env, func(req SetDenseBias) error {
			return s.upload(func(m *Model) error { return m.SetDenseBias(req.Layer, req.Bias, req.Norm) })
		})
	case KindPredict:
		return handle(env, func(req Predict) error { return s.predict(inv, req) })
	case KindResume:
		return handle(env, func(req Resume) error {
			s.resume(inv, req)
			return nil
		})
	case engine.KindStep:
		return handle(env, func(step engine.Step) error { return s.step(inv, step) })
	case KindProgress:
		return reply(inv, s.progress())
	case KindOutput:
		return reply(inv, s.output())
	case KindSetHints:
		return handle(env, func(req SetHints) error {
			hints, err := HintsFromNames(req.Hints)
			if err != nil {
				return err
			}
			s.SetHints(hints)
			return nil
		})
	case KindSnapshot:
		return reply(inv, s.snapshot())
	case KindRestore:
		return handle(env, s.restore)
	case engine.KindDispatchRound:
		return fmt.Errorf("cnn service has no workers: %w: %d", engine.ErrUnknownCommand, env.Kind)
	default:
		return fmt.Errorf("cnn service: %w: %d", engine.ErrUnknownCommand, env.Kind)
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

// SetHints overrides batch limits from the next batch on.
func (s *Service) SetHints(hints engine.Hints) {
	s.hints = s.hints.Merge(hints)
	s.runner.SetHints(s.hints)
	s.logger.Info("batch hints updated", "hints", len(s.hints))
}

// busy reports whether a prediction is under way.
func (s *Service) busy() bool {
	return s.runner.Started() && !s.runner.Done()
}

func (s *Service) configure(arch Architecture) error {
	if s.busy() {
		return fmt.Errorf("configure: %w", ErrBusy)
	}
	m, err := NewModel(arch)
	if err != nil {
		return err
	}
	s.model = m
	s.runner = s.newRunner()
	s.pipeline = nil
	s.logger.Info("model configured", "conv_layers", len(m.Conv), "dense_layers", len(m.Dense), "inputs", m.InputSize())
	return nil
}

// upload applies a weight chunk. Weights are the descriptor of the running
// prediction and cannot change under it.
func (s *Service) upload(set func(*Model) error) error {
	if s.model == nil {
		return fmt.Errorf("upload: %w", ErrModelIncomplete)
	}
	if s.busy() {
		return fmt.Errorf("upload: %w", ErrBusy)
	}
	return set(s.model)
}

func (s *Service) predict(inv *core.Invocation, req Predict) error {
	if s.model == nil {
		return fmt.Errorf("predict: %w", ErrModelIncomplete)
	}
	p, err := newPipeline(s.model, req.Pixels)
	if err != nil {
		return err
	}

	runner := s.newRunner()
	prev := s.batches
	s.batches = 0
	next, err := runner.Start(inv, p)
	if err != nil {
		s.batches = prev
		return err
	}
	s.runner = runner
	s.pipeline = p
	s.stepping = req.Continue

	s.logger.Info("prediction started", "generation", runner.Generation(), "pixels", len(req.Pixels))
	s.afterStep(inv, next)
	return nil
}

func (s *Service) afterStep(inv *core.Invocation, next *engine.Step) {
	if next == nil {
		s.stepping = false
		s.logger.Info("prediction finished", "generation", s.runner.Generation(), "batches", s.batches)
		return
	}
	if s.stepping {
		inv.Send(inv.Self(), next.Encode())
	}
}

// resume re-issues the continuation for the live cursor.
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
	next, err := s.runner.Step(inv, st)
	if errors.Is(err, engine.ErrStale) {
		s.logger.Debug("discarding stale step", "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	s.afterStep(inv, next)
	return nil
}

func (s *Service) progress() Progress {
	c := s.runner.Cursor()
	return Progress{
		Generation: s.runner.Generation(),
		Cursor:     c,
		Stage:      StageName(c.Stage),
		Started:    s.runner.Started(),
		Finished:   s.runner.Done(),
		Batches:    s.batches,
	}
}

func (s *Service) output() Output {
	out := Output{Generation: s.runner.Generation()}
	if s.runner.Done() && s.pipeline != nil {
		out.Ready = true
		out.Probabilities = append(out.Probabilities, s.pipeline.ws.Output...)
	}
	return out
}
