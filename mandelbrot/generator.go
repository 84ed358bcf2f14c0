package mandelbrot

import (
	"fmt"

	"github.com/najoast/stepwise/engine"
	"github.com/najoast/stepwise/fixed"
)

// generator is the manager's single-stage program: it materialises grid
// points into the result table.
type generator struct {
	desc   Descriptor
	scaleX fixed.Decimal
	scaleY fixed.Decimal
	table  *engine.ResultTable[PointResult]
}

func newGenerator(desc Descriptor) (*generator, error) {
	sx, sy, err := scales(desc)
	if err != nil {
		return nil, fmt.Errorf("grid scales: %w", err)
	}
	return &generator{
		desc:   desc,
		scaleX: sx,
		scaleY: sy,
		table:  engine.NewResultTable[PointResult](desc.Total()),
	}, nil
}

func (g *generator) Entry() engine.Stage {
	return StageGenerate
}

func (g *generator) Next(engine.Stage, int) (engine.Stage, int, bool) {
	return 0, 0, false
}

func (g *generator) Size(stage engine.Stage, round int) (int, error) {
	if stage != StageGenerate {
		return 0, fmt.Errorf("%w: unknown stage %d", engine.ErrShapeMismatch, stage)
	}
	return g.desc.Total(), nil
}

// Execute generates points [b.Start, b.End). Points that already exist are
// kept, so replaying a batch changes nothing.
func (g *generator) Execute(m engine.Meter, stage engine.Stage, round int, b engine.Batch) error {
	if b.Start > g.table.Len() || b.End > g.desc.Total() {
		return fmt.Errorf("%w: batch %s with %d points generated", engine.ErrShapeMismatch, b, g.table.Len())
	}

	rows := make([]PointResult, 0, b.Len())
	for i := b.Start; i < b.End; i++ {
		if err := m.Charge(1); err != nil {
			return err
		}
		p, err := pointAt(g.desc, g.scaleX, g.scaleY, i)
		if err != nil {
			return fmt.Errorf("point %d: %w", i, err)
		}
		rows = append(rows, PointResult{Re: p.Re, Im: p.Im})
	}

	g.table.Extend(b.End, func(i int) PointResult { return rows[i-b.Start] })
	return nil
}
