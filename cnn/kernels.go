package cnn

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/najoast/stepwise/engine"
	"github.com/najoast/stepwise/fixed"
)

// Precision of the exponentials used by the output activations.
const expPrecision = 18

// Logits beyond this magnitude saturate the output activations.
var expClamp = decimal.NewFromInt(15)

// dot accumulates products a[i]*b[i] with checked Q32 arithmetic.
func dot(n int, a, b func(i int) fixed.Q32) (fixed.Q32, error) {
	var sum fixed.Q32
	for i := 0; i < n; i++ {
		p, err := a(i).Mul(b(i))
		if err != nil {
			return 0, err
		}
		if sum, err = sum.Add(p); err != nil {
			return 0, err
		}
	}
	return sum, nil
}

func relu(v fixed.Q32) fixed.Q32 {
	return v.Max(fixed.Q32Zero)
}

// im2col copies the receptive fields of columns b into cols. cols is
// Rows() x Cols(), row index (ki*K+kj)*Cin+ch, input laid out HWC.
func im2col(m engine.Meter, l *ConvLayer, in, cols []fixed.Q32, b engine.Batch) error {
	ncols := l.Cols()
	for col := b.Start; col < b.End; col++ {
		if err := m.Charge(uint64(l.Rows())); err != nil {
			return err
		}
		oy, ox := col/l.ConW, col%l.ConW
		for ki := 0; ki < l.Kernel; ki++ {
			for kj := 0; kj < l.Kernel; kj++ {
				src := ((oy+ki)*l.InW + ox + kj) * l.InChannels
				row := (ki*l.Kernel + kj) * l.InChannels
				for ch := 0; ch < l.InChannels; ch++ {
					cols[(row+ch)*ncols+col] = in[src+ch]
				}
			}
		}
	}
	return nil
}

// convolve multiplies the filters with columns b of cols into out, which is
// OutChannels x Cols().
func convolve(m engine.Meter, l *ConvLayer, cols, out []fixed.Q32, b engine.Batch) error {
	rows, ncols, cout := l.Rows(), l.Cols(), l.OutChannels
	for col := b.Start; col < b.End; col++ {
		if err := m.Charge(uint64(rows * cout)); err != nil {
			return err
		}
		for f := 0; f < cout; f++ {
			v, err := dot(rows,
				func(r int) fixed.Q32 { return l.Filters[r*cout+f] },
				func(r int) fixed.Q32 { return cols[r*ncols+col] })
			if err != nil {
				return fmt.Errorf("column %d filter %d: %w", col, f, err)
			}
			out[f*ncols+col] = v
		}
	}
	return nil
}

// biasRelu adds the bias of filters b and clamps at zero.
func biasRelu(m engine.Meter, l *ConvLayer, in, out []fixed.Q32, b engine.Batch) error {
	ncols := l.Cols()
	for f := b.Start; f < b.End; f++ {
		if err := m.Charge(uint64(ncols)); err != nil {
			return err
		}
		for i := f * ncols; i < (f+1)*ncols; i++ {
			v, err := in[i].Add(l.Bias[f])
			if err != nil {
				return fmt.Errorf("filter %d: %w", f, err)
			}
			out[i] = relu(v)
		}
	}
	return nil
}

// normalize applies batch normalisation to channels b.
func normalize(m engine.Meter, l *ConvLayer, in, out []fixed.Q32, b engine.Batch) error {
	ncols := l.Cols()
	for f := b.Start; f < b.End; f++ {
		if err := m.Charge(uint64(ncols)); err != nil {
			return err
		}
		for i := f * ncols; i < (f+1)*ncols; i++ {
			if l.Norm == nil {
				out[i] = in[i]
				continue
			}
			v, err := l.Norm.apply(f, in[i])
			if err != nil {
				return fmt.Errorf("channel %d: %w", f, err)
			}
			out[i] = v
		}
	}
	return nil
}

// reshape transposes the channel-major feature map to HWC.
func reshape(m engine.Meter, l *ConvLayer, in, out []fixed.Q32) error {
	if err := m.Charge(uint64(len(in))); err != nil {
		return err
	}
	ncols, cout := l.Cols(), l.OutChannels
	for f := 0; f < cout; f++ {
		for col := 0; col < ncols; col++ {
			out[col*cout+f] = in[f*ncols+col]
		}
	}
	return nil
}

// pool max-pools channels b of the HWC feature map.
func pool(m engine.Meter, l *ConvLayer, in, out []fixed.Q32, b engine.Batch) error {
	cout, p := l.OutChannels, l.Pool
	for ch := b.Start; ch < b.End; ch++ {
		if err := m.Charge(uint64(l.OutH * l.OutW * p * p)); err != nil {
			return err
		}
		for py := 0; py < l.OutH; py++ {
			for px := 0; px < l.OutW; px++ {
				best := in[((py*p)*l.ConW+px*p)*cout+ch]
				for dy := 0; dy < p; dy++ {
					for dx := 0; dx < p; dx++ {
						best = best.Max(in[((py*p+dy)*l.ConW+px*p+dx)*cout+ch])
					}
				}
				out[(py*l.OutW+px)*cout+ch] = best
			}
		}
	}
	return nil
}

// dense computes neurons b of a fully connected layer.
func dense(m engine.Meter, l *DenseLayer, last bool, in, out []fixed.Q32, b engine.Batch) error {
	for j := b.Start; j < b.End; j++ {
		if err := m.Charge(uint64(l.Inputs)); err != nil {
			return err
		}
		v, err := dot(l.Inputs,
			func(i int) fixed.Q32 { return in[i] },
			func(i int) fixed.Q32 { return l.Weights[i*l.Outputs+j] })
		if err != nil {
			return fmt.Errorf("neuron %d: %w", j, err)
		}
		if v, err = v.Add(l.Bias[j]); err != nil {
			return fmt.Errorf("neuron %d: %w", j, err)
		}
		if !last {
			v = relu(v)
		}
		if l.Norm != nil {
			if v, err = l.Norm.apply(j, v); err != nil {
				return fmt.Errorf("neuron %d: %w", j, err)
			}
		}
		out[j] = v
	}
	return nil
}

// activate turns logits into probabilities: a sigmoid for a single output,
// a softmax otherwise.
func activate(logits []fixed.Q32) ([]fixed.Decimal, error) {
	if len(logits) == 1 {
		p, err := fixed.FromShopspring(sigmoid(logits[0].Shopspring()))
		if err != nil {
			return nil, err
		}
		return []fixed.Decimal{p}, nil
	}

	values := make([]decimal.Decimal, len(logits))
	peak := logits[0]
	for _, v := range logits[1:] {
		peak = peak.Max(v)
	}
	sum := decimal.Zero
	for i, v := range logits {
		shifted := v.Shopspring().Sub(peak.Shopspring())
		values[i] = exp(shifted)
		sum = sum.Add(values[i])
	}

	out := make([]fixed.Decimal, len(values))
	for i, v := range values {
		p, err := fixed.FromShopspring(v.DivRound(sum, expPrecision))
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func sigmoid(x decimal.Decimal) decimal.Decimal {
	switch {
	case x.GreaterThanOrEqual(expClamp):
		return decimal.NewFromInt(1)
	case x.LessThanOrEqual(expClamp.Neg()):
		return decimal.Zero
	}
	one := decimal.NewFromInt(1)
	return one.DivRound(one.Add(exp(x.Neg())), expPrecision)
}

// exp returns e^x, flushing to zero below -15.
func exp(x decimal.Decimal) decimal.Decimal {
	if x.LessThan(expClamp.Neg()) {
		return decimal.Zero
	}
	e, err := x.Abs().ExpTaylor(expPrecision)
	if err != nil {
		return decimal.Zero
	}
	if x.IsNegative() {
		return decimal.NewFromInt(1).DivRound(e, expPrecision)
	}
	return e
}
