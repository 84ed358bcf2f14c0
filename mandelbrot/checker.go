package mandelbrot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/najoast/stepwise/core"
	"github.com/najoast/stepwise/engine"
)

// DefaultCheckerBatch is the number of points a checker tests per invocation
// when no smaller bound follows from the invocation's remaining quantum.
const DefaultCheckerBatch = 50

// CheckerOptions configures a Checker.
type CheckerOptions struct {
	// BatchSize bounds the points tested per invocation.
	BatchSize int

	Logger *slog.Logger
}

// Checker is a stateless worker that runs the escape-time test on the points
// it receives and reports the iterations back to the manager that sent them.
type Checker struct {
	opts   CheckerOptions
	logger *slog.Logger
}

// NewChecker returns a checker.
func NewChecker(opts CheckerOptions) *Checker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultCheckerBatch
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{opts: opts, logger: logger.With("component", "mandelbrot-checker")}
}

// HandleMessage implements core.MessageHandler.
func (c *Checker) HandleMessage(ctx context.Context, inv *core.Invocation) error {
	env, err := engine.Decode(inv.Data())
	if err != nil {
		return err
	}

	switch env.Kind {
	case KindCheckPoints:
		return handle(env, func(req CheckPoints) error { return c.check(inv, req) })
	default:
		return fmt.Errorf("checker: %w: %d", engine.ErrUnknownCommand, env.Kind)
	}
}

// limit returns the number of points tested per invocation for maxIter. A
// metered invocation shrinks the batch so that points that never escape
// still fit in what is left of its quantum.
func (c *Checker) limit(maxIter uint32, remaining uint64) int {
	limit := c.opts.BatchSize
	if remaining > 0 && maxIter > 0 {
		// Leave one unit per point for bookkeeping.
		fit := int(remaining / (uint64(maxIter) + 1))
		if fit < 1 {
			fit = 1
		}
		if fit < limit {
			limit = fit
		}
	}
	return limit
}

func (c *Checker) check(inv *core.Invocation, req CheckPoints) error {
	if req.Manager == core.NoActor {
		return fmt.Errorf("check points: %w: no manager", engine.ErrShapeMismatch)
	}

	cursor, err := engine.NewCursor(0, 0, 0, len(req.Points))
	if err != nil {
		return err
	}
	b, done, err := engine.Plan(cursor, c.limit(req.MaxIter, inv.Meter().Remaining()))
	if err != nil || done {
		return err
	}

	report := Report{
		Generation: req.Generation,
		Indexes:    make([]int, 0, b.Len()),
		Iterations: make([]uint32, 0, b.Len()),
	}
	for _, p := range req.Points[b.Start:b.End] {
		if err := inv.Charge(1); err != nil {
			return err
		}
		iter, err := Escape(inv, p.Re, p.Im, req.MaxIter)
		if err != nil {
			return fmt.Errorf("point %d: %w", p.Index, err)
		}
		report.Indexes = append(report.Indexes, p.Index)
		report.Iterations = append(report.Iterations, iter)
	}

	data, err := engine.Encode(KindReport, report)
	if err != nil {
		return err
	}
	inv.Send(req.Manager, data)

	if b.End < len(req.Points) {
		rest := req
		rest.Points = req.Points[b.End:]
		data, err := engine.Encode(KindCheckPoints, rest)
		if err != nil {
			return err
		}
		inv.Send(inv.Self(), data)
	}

	c.logger.Debug("points checked", "points", b.Len(), "remaining", len(req.Points)-b.End)
	return nil
}
