package mandelbrot

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/najoast/stepwise/core"
	"github.com/najoast/stepwise/engine"
	"github.com/najoast/stepwise/fixed"
)

// Command kinds understood by the manager and the checker, in addition to
// engine.KindStep and engine.KindDispatchRound.
const (
	KindRegisterWorkers engine.Kind = engine.KindUser + iota
	KindRestart
	KindGeneratePoints
	KindResume
	KindReport
	KindQuery
	KindProgress
	KindSnapshot
	KindRestore
	KindCheckPoints
)

// StageGenerate is the only stage of the manager's own computation.
const StageGenerate engine.Stage = 1

// Descriptor fixes the point grid of one computation.
type Descriptor struct {
	Width   uint32        `json:"width"`
	Height  uint32        `json:"height"`
	XMin    fixed.Decimal `json:"x_min"`
	XMax    fixed.Decimal `json:"x_max"`
	YMin    fixed.Decimal `json:"y_min"`
	YMax    fixed.Decimal `json:"y_max"`
	MaxIter uint32        `json:"max_iter"`
}

// Total returns the number of points in the grid.
func (d Descriptor) Total() int {
	return int(d.Width) * int(d.Height)
}

// Validate checks the grid shape.
func (d Descriptor) Validate() error {
	if d.Width == 0 || d.Height == 0 {
		return fmt.Errorf("%w: grid %dx%d", engine.ErrShapeMismatch, d.Width, d.Height)
	}
	if d.XMin.Cmp(d.XMax) >= 0 || d.YMin.Cmp(d.YMax) >= 0 {
		return fmt.Errorf("%w: empty region x[%s,%s] y[%s,%s]",
			engine.ErrShapeMismatch, d.XMin, d.XMax, d.YMin, d.YMax)
	}
	if d.MaxIter == 0 {
		return fmt.Errorf("%w: max_iter must be positive", engine.ErrShapeMismatch)
	}
	return nil
}

// RegisterWorkers appends checkers to the manager's roster.
type RegisterWorkers struct {
	Workers []core.ActorID `json:"workers"`
}

// GeneratePoints starts a new computation over a grid.
type GeneratePoints struct {
	Descriptor Descriptor `json:"descriptor"`

	// PointsPerCall bounds the points generated per invocation. Zero keeps
	// the configured default.
	PointsPerCall int `json:"points_per_call,omitempty"`

	// Continue makes the manager schedule the rest of the generation itself.
	Continue bool `json:"continue"`

	// AutoDispatch sends the first dispatch round once every point exists.
	AutoDispatch bool `json:"auto_dispatch"`

	// BatchSize is the number of points handed to one checker per round.
	BatchSize int `json:"batch_size,omitempty"`
}

// Point is one grid point sent to a checker.
type Point struct {
	Index int           `json:"index"`
	Re    fixed.Decimal `json:"re"`
	Im    fixed.Decimal `json:"im"`
}

// CheckPoints asks a checker to run the escape-time test on points and
// report to Manager.
type CheckPoints struct {
	Generation uuid.UUID    `json:"generation"`
	Manager    core.ActorID `json:"manager"`
	MaxIter    uint32       `json:"max_iter"`
	Points     []Point      `json:"points"`
}

// Report carries escape iterations for a set of point indexes.
type Report struct {
	Generation uuid.UUID `json:"generation"`
	Indexes    []int     `json:"indexes"`
	Iterations []uint32  `json:"iterations"`
}

// Query asks for the rows [Start, End).
type Query struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// PointResult is one row of the manager's result table.
type PointResult struct {
	Re   fixed.Decimal `json:"re"`
	Im   fixed.Decimal `json:"im"`
	Iter uint32        `json:"iter"`
}

// QueryResult answers a Query.
type QueryResult struct {
	Rows []engine.Entry[PointResult] `json:"rows"`
}

// Progress summarises the manager's state.
type Progress struct {
	Generation uuid.UUID     `json:"generation"`
	Cursor     engine.Cursor `json:"cursor"`
	Total      int           `json:"total"`
	Generated  int           `json:"generated"`
	Sent       int           `json:"sent"`
	Completed  int           `json:"completed"`
	Workers    int           `json:"workers"`
	Faults     []string      `json:"faults,omitempty"`
}

// Done reports whether every point has been checked.
func (p Progress) Done() bool {
	return p.Total > 0 && p.Completed == p.Total
}
