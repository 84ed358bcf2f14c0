// Package engine drives long computations through bounded steps.
//
// A computation is an ordered sequence of stages. The Cursor records how far
// the current stage has progressed, Plan slices the next batch out of it,
// Decide picks the continuation after a batch, and the Runner ties the three
// together for a single actor. Multi-actor computations add a Dispatcher that
// fans work out to a worker roster and a ResultTable that collects the
// asynchronous reports.
package engine

import (
	"fmt"
)

// Stage identifies one phase of a computation. Values are defined by each
// concrete program.
type Stage uint8

// Graph supplies the stage ordering of a computation.
type Graph interface {
	// Next returns the stage and round that follow (stage, round), or false
	// when the computation is finished.
	Next(stage Stage, round int) (Stage, int, bool)
}

// GraphFunc adapts a function to the Graph interface.
type GraphFunc func(stage Stage, round int) (Stage, int, bool)

// Next calls f(stage, round).
func (f GraphFunc) Next(stage Stage, round int) (Stage, int, bool) {
	return f(stage, round)
}

// Sequence returns a Graph that visits stages in the given order once.
func Sequence(stages ...Stage) Graph {
	order := make(map[Stage]int, len(stages))
	for i, s := range stages {
		order[s] = i
	}
	return GraphFunc(func(stage Stage, round int) (Stage, int, bool) {
		i, ok := order[stage]
		if !ok || i+1 >= len(stages) {
			return 0, 0, false
		}
		return stages[i+1], round, true
	})
}

// Cursor is the resumption point of a computation: the current stage and
// round, and how much of the stage's total work has been processed.
type Cursor struct {
	Stage  Stage `json:"stage"`
	Round  int   `json:"round"`
	Offset int   `json:"offset"`
	Total  int   `json:"total"`
}

// NewCursor returns a validated cursor.
func NewCursor(stage Stage, round, offset, total int) (Cursor, error) {
	c := Cursor{Stage: stage, Round: round, Offset: offset, Total: total}
	if err := c.Validate(); err != nil {
		return Cursor{}, err
	}
	return c, nil
}

// Validate checks the cursor invariants.
func (c Cursor) Validate() error {
	if c.Round < 0 || c.Offset < 0 || c.Total < 0 {
		return fmt.Errorf("%w: negative field in %s", ErrInvalidCursor, c)
	}
	if c.Offset > c.Total {
		return fmt.Errorf("%w: offset %d beyond total %d", ErrInvalidCursor, c.Offset, c.Total)
	}
	return nil
}

// StageComplete reports whether the current stage has no work left.
func (c Cursor) StageComplete() bool {
	return c.Offset >= c.Total
}

// Remaining returns the amount of unprocessed work in the stage.
func (c Cursor) Remaining() int {
	if c.Offset >= c.Total {
		return 0
	}
	return c.Total - c.Offset
}

// String returns a compact representation for logs.
func (c Cursor) String() string {
	return fmt.Sprintf("stage=%d round=%d offset=%d/%d", c.Stage, c.Round, c.Offset, c.Total)
}

// Advance returns c moved forward by the n units just processed.
// Moving past Total is a shape mismatch and leaves c untouched.
func Advance(c Cursor, n int) (Cursor, error) {
	if err := c.Validate(); err != nil {
		return c, err
	}
	if n < 0 {
		return c, fmt.Errorf("%w: cannot advance by %d", ErrInvalidCursor, n)
	}
	if c.Offset+n > c.Total {
		return c, fmt.Errorf("%w: advancing %s by %d passes total", ErrShapeMismatch, c, n)
	}
	c.Offset += n
	return c, nil
}
