package engine

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Meter is charged for the work performed by one invocation.
// *core.Invocation satisfies it.
type Meter interface {
	Charge(units uint64) error
}

// Unmetered is a Meter that never trips.
type Unmetered struct{}

// Charge always succeeds.
func (Unmetered) Charge(uint64) error { return nil }

// Program is a computation the Runner can drive.
//
// Execute must be a pure function of the program's descriptor and the
// batch: running the same batch twice yields the same state. A failed
// Execute leaves the cursor where it was, so the next attempt repeats it.
type Program interface {
	Graph

	// Entry returns the first stage.
	Entry() Stage

	// Size returns the units of work in stage at round.
	Size(stage Stage, round int) (int, error)

	// Execute processes batch b of stage at round.
	Execute(m Meter, stage Stage, round int, b Batch) error
}

// RunnerState is the persisted form of a Runner.
type RunnerState struct {
	Generation uuid.UUID `json:"generation"`
	Cursor     Cursor    `json:"cursor"`
	Started    bool      `json:"started"`
	Done       bool      `json:"done"`
}

// Runner drives a Program one batch per invocation. It is owned by a single
// actor and is not safe for concurrent use.
type Runner struct {
	program Program
	hints   Hints
	logger  *slog.Logger

	generation uuid.UUID
	cursor     Cursor
	started    bool
	done       bool

	// OnBatch, when set, observes every executed batch.
	OnBatch func(stage Stage, round int, b Batch)
}

// NewRunner returns an idle runner using hints for batch limits.
func NewRunner(hints Hints, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{hints: hints, logger: logger}
}

// SetHints replaces the batch limits used from the next batch on.
func (r *Runner) SetHints(hints Hints) {
	r.hints = hints
}

// Hints returns the batch limits in use.
func (r *Runner) Hints() Hints {
	return r.hints
}

// Cursor returns the live cursor.
func (r *Runner) Cursor() Cursor {
	return r.cursor
}

// Generation returns the id of the current computation.
func (r *Runner) Generation() uuid.UUID {
	return r.generation
}

// Started reports whether a computation has been started.
func (r *Runner) Started() bool {
	return r.started
}

// Done reports whether the current computation reached its terminal stage.
func (r *Runner) Done() bool {
	return r.done
}

// State returns the persisted form of the runner.
func (r *Runner) State() RunnerState {
	return RunnerState{
		Generation: r.generation,
		Cursor:     r.cursor,
		Started:    r.started,
		Done:       r.done,
	}
}

// Restore reinstates a persisted computation of p.
func (r *Runner) Restore(p Program, st RunnerState) error {
	if err := st.Cursor.Validate(); err != nil {
		return fmt.Errorf("restore runner: %w", err)
	}
	if st.Started && p == nil {
		return fmt.Errorf("restore runner: %w", ErrNotStarted)
	}
	r.program = p
	r.generation = st.Generation
	r.cursor = st.Cursor
	r.started = st.Started
	r.done = st.Done
	return nil
}

// Start replaces the current computation with p, performs its first batch
// and returns the continuation to schedule, or nil when p finished at once.
// On error the previous computation is left untouched.
func (r *Runner) Start(m Meter, p Program) (*Step, error) {
	if p == nil {
		return nil, fmt.Errorf("start: %w", ErrNotStarted)
	}
	entry := p.Entry()
	total, err := p.Size(entry, 0)
	if err != nil {
		return nil, fmt.Errorf("start: size of stage %d: %w", entry, err)
	}
	c, err := NewCursor(entry, 0, 0, total)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	gen := NewGeneration()
	out, err := r.run(m, p, c)
	if err != nil {
		return nil, err
	}

	r.program = p
	r.generation = gen
	r.started = true
	r.commit(out)

	r.logger.Debug("computation started", "generation", gen, "cursor", r.cursor.String())
	return r.continuation(), nil
}

// Step resumes the computation at s. A continuation that does not match the
// live cursor, or belongs to an earlier generation, fails with ErrStale and
// changes nothing.
func (r *Runner) Step(m Meter, s Step) (*Step, error) {
	if err := r.checkStale(s); err != nil {
		return nil, err
	}

	out, err := r.run(m, r.program, r.cursor)
	if err != nil {
		return nil, err
	}
	r.commit(out)
	return r.continuation(), nil
}

// Resume returns the continuation for the live cursor, for re-driving a
// computation whose last invocation was aborted.
func (r *Runner) Resume() (*Step, bool) {
	if !r.started || r.done {
		return nil, false
	}
	return r.continuation(), true
}

func (r *Runner) checkStale(s Step) error {
	if !r.started {
		return fmt.Errorf("step %d@%d: %w", s.Stage, s.Offset, ErrStale)
	}
	if r.done {
		return fmt.Errorf("step %d@%d: computation finished: %w", s.Stage, s.Offset, ErrStale)
	}
	if s.Generation != r.generation {
		return fmt.Errorf("step from generation %s, live %s: %w", s.Generation, r.generation, ErrStale)
	}
	if s.Stage != r.cursor.Stage || s.Round != r.cursor.Round || s.Offset != r.cursor.Offset {
		return fmt.Errorf("step stage=%d round=%d offset=%d, live %s: %w",
			s.Stage, s.Round, s.Offset, r.cursor, ErrStale)
	}
	return nil
}

// outcome is the state one batch produces, applied by commit.
type outcome struct {
	cursor   Cursor
	done     bool
	executed bool
	stage    Stage
	round    int
	batch    Batch
}

// run performs one batch from c and returns the state to commit.
func (r *Runner) run(m Meter, p Program, c Cursor) (outcome, error) {
	b, exhausted, err := Plan(c, r.hints.Limit(c.Stage, c.Total))
	if err != nil {
		return outcome{}, err
	}

	out := outcome{stage: c.Stage, round: c.Round, batch: b}
	if !exhausted {
		if err := p.Execute(m, c.Stage, c.Round, b); err != nil {
			return outcome{}, fmt.Errorf("stage %d round %d batch %s: %w", c.Stage, c.Round, b, err)
		}
		if c, err = Advance(c, b.Len()); err != nil {
			return outcome{}, err
		}
		out.executed = true
	}

	d := Decide(p, c)
	switch d.Outcome {
	case Continue:
		out.cursor = c
	case Transition:
		total, err := p.Size(d.Stage, d.Round)
		if err != nil {
			return outcome{}, fmt.Errorf("size of stage %d round %d: %w", d.Stage, d.Round, err)
		}
		if out.cursor, err = NewCursor(d.Stage, d.Round, 0, total); err != nil {
			return outcome{}, err
		}
	case Terminal:
		out.cursor = c
		out.done = true
	default:
		return outcome{}, fmt.Errorf("unknown outcome %s", d.Outcome)
	}
	return out, nil
}

func (r *Runner) commit(out outcome) {
	r.cursor = out.cursor
	r.done = out.done
	if out.executed && r.OnBatch != nil {
		r.OnBatch(out.stage, out.round, out.batch)
	}
}

func (r *Runner) continuation() *Step {
	if r.done {
		return nil
	}
	return &Step{
		Generation: r.generation,
		Stage:      r.cursor.Stage,
		Round:      r.cursor.Round,
		Offset:     r.cursor.Offset,
	}
}
