package mandelbrot

import (
	"fmt"

	"github.com/najoast/stepwise/engine"
	"github.com/najoast/stepwise/fixed"
)

var (
	threshold = fixed.DecimalFromInt(4)
	two       = fixed.DecimalFromInt(2)
)

// Escape runs the escape-time test for c = re + im*i and returns the number
// of iterations before |z|^2 exceeds 4, or maxIter if it never does.
// One unit is charged to m per iteration.
func Escape(m engine.Meter, re, im fixed.Decimal, maxIter uint32) (uint32, error) {
	zRe, zIm := re, im
	for i := uint32(0); i < maxIter; i++ {
		if err := m.Charge(1); err != nil {
			return 0, err
		}

		reSq, err := zRe.Mul(zRe)
		if err != nil {
			return 0, escapeErr(re, im, err)
		}
		imSq, err := zIm.Mul(zIm)
		if err != nil {
			return 0, escapeErr(re, im, err)
		}
		modulus, err := reSq.Add(imSq)
		if err != nil {
			return 0, escapeErr(re, im, err)
		}
		if modulus.Cmp(threshold) > 0 {
			return i, nil
		}

		// z = z^2 + c
		nextRe, err := reSq.Sub(imSq)
		if err == nil {
			nextRe, err = nextRe.Add(re)
		}
		if err != nil {
			return 0, escapeErr(re, im, err)
		}
		cross, err := two.Mul(zRe)
		if err == nil {
			cross, err = cross.Mul(zIm)
		}
		if err == nil {
			zIm, err = cross.Add(im)
		}
		if err != nil {
			return 0, escapeErr(re, im, err)
		}
		zRe = nextRe
	}
	return maxIter, nil
}

func escapeErr(re, im fixed.Decimal, err error) error {
	return fmt.Errorf("escape test for %s%+fi: %w", re, im.Float64(), err)
}

// pointAt returns the coordinates of grid index i: column i/height, row
// i%height.
func pointAt(d Descriptor, scaleX, scaleY fixed.Decimal, i int) (Point, error) {
	x := int64(i / int(d.Height))
	y := int64(i % int(d.Height))

	dx, err := scaleX.MulInt(x)
	if err != nil {
		return Point{}, err
	}
	re, err := d.XMin.Add(dx)
	if err != nil {
		return Point{}, err
	}
	dy, err := scaleY.MulInt(y)
	if err != nil {
		return Point{}, err
	}
	im, err := d.YMin.Add(dy)
	if err != nil {
		return Point{}, err
	}
	return Point{Index: i, Re: re, Im: im}, nil
}

// scales returns the distance between neighbouring columns and rows.
func scales(d Descriptor) (fixed.Decimal, fixed.Decimal, error) {
	w, err := d.XMax.Sub(d.XMin)
	if err != nil {
		return fixed.Decimal{}, fixed.Decimal{}, err
	}
	h, err := d.YMax.Sub(d.YMin)
	if err != nil {
		return fixed.Decimal{}, fixed.Decimal{}, err
	}
	sx, err := w.DivInt(int64(d.Width))
	if err != nil {
		return fixed.Decimal{}, fixed.Decimal{}, err
	}
	sy, err := h.DivInt(int64(d.Height))
	if err != nil {
		return fixed.Decimal{}, fixed.Decimal{}, err
	}
	return sx, sy, nil
}
