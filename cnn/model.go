// Package cnn runs convolutional network inference as a resumable,
// single-actor computation. Weights are uploaded in chunks, then a
// prediction walks the stages of every layer one bounded batch at a time.
package cnn

import (
	"errors"
	"fmt"

	"github.com/najoast/stepwise/engine"
	"github.com/najoast/stepwise/fixed"
)

// Model errors.
var (
	ErrModelIncomplete = errors.New("model weights are incomplete")
	ErrUnknownLayer    = errors.New("unknown layer")
	ErrBusy            = errors.New("prediction in progress")
)

// varianceEps is added to every variance before normalising, as a raw Q32.
const varianceEps = fixed.Q32(430)

// Norm holds per-channel batch normalisation parameters.
type Norm struct {
	Gamma    []fixed.Q32 `json:"gamma"`
	Beta     []fixed.Q32 `json:"beta"`
	Mean     []fixed.Q32 `json:"mean"`
	Variance []fixed.Q32 `json:"variance"`
}

func (n *Norm) validate(size int) error {
	if n == nil {
		return nil
	}
	for name, v := range map[string][]fixed.Q32{"gamma": n.Gamma, "beta": n.Beta, "mean": n.Mean, "variance": n.Variance} {
		if len(v) != size {
			return fmt.Errorf("%w: %s has %d values, want %d", engine.ErrShapeMismatch, name, len(v), size)
		}
	}
	for i, v := range n.Variance {
		if v < 0 {
			return fmt.Errorf("%w: negative variance at %d", engine.ErrShapeMismatch, i)
		}
	}
	return nil
}

// apply normalises v for channel c.
func (n *Norm) apply(c int, v fixed.Q32) (fixed.Q32, error) {
	variance, err := n.Variance[c].Add(varianceEps)
	if err != nil {
		return 0, err
	}
	denom, err := variance.Sqrt()
	if err != nil {
		return 0, err
	}
	diff, err := v.Sub(n.Mean[c])
	if err != nil {
		return 0, err
	}
	out, err := diff.Div(denom)
	if err != nil {
		return 0, err
	}
	if out, err = out.Mul(n.Gamma[c]); err != nil {
		return 0, err
	}
	return out.Add(n.Beta[c])
}

// ConvShape declares one convolution layer.
type ConvShape struct {
	Kernel  int `json:"kernel" yaml:"kernel"`
	Filters int `json:"filters" yaml:"filters"`
	Pool    int `json:"pool" yaml:"pool"`
}

// DenseShape declares one fully connected layer.
type DenseShape struct {
	Outputs int  `json:"outputs" yaml:"outputs"`
	Norm    bool `json:"norm" yaml:"norm"`
}

// Architecture declares the shape of a model without its weights.
type Architecture struct {
	Height   int          `json:"height" yaml:"height"`
	Width    int          `json:"width" yaml:"width"`
	Channels int          `json:"channels" yaml:"channels"`
	Conv     []ConvShape  `json:"conv" yaml:"conv"`
	Dense    []DenseShape `json:"dense" yaml:"dense"`
}

// ConvLayer is a convolution with stride 1 and no padding, followed by
// bias, ReLU, optional normalisation and max pooling.
type ConvLayer struct {
	Kernel      int `json:"kernel"`
	InChannels  int `json:"in_channels"`
	OutChannels int `json:"out_channels"`
	Pool        int `json:"pool"`

	// In and Out are the spatial sizes before and after pooling.
	InH  int `json:"in_h"`
	InW  int `json:"in_w"`
	ConH int `json:"con_h"`
	ConW int `json:"con_w"`
	OutH int `json:"out_h"`
	OutW int `json:"out_w"`

	// Filters is (Kernel*Kernel*InChannels) x OutChannels, row-major.
	Filters []fixed.Q32 `json:"filters"`
	Bias    []fixed.Q32 `json:"bias"`
	Norm    *Norm       `json:"norm,omitempty"`

	rowsSet []bool
	biasSet bool
}

// Rows returns the number of filter rows.
func (l *ConvLayer) Rows() int {
	return l.Kernel * l.Kernel * l.InChannels
}

// Cols returns the number of im2col columns.
func (l *ConvLayer) Cols() int {
	return l.ConH * l.ConW
}

// DenseLayer is a fully connected layer. Every layer but the last applies
// ReLU; Norm is optional.
type DenseLayer struct {
	Inputs  int `json:"inputs"`
	Outputs int `json:"outputs"`

	// Weights is Inputs x Outputs, row-major.
	Weights []fixed.Q32 `json:"weights"`
	Bias    []fixed.Q32 `json:"bias"`
	Norm    *Norm       `json:"norm,omitempty"`
	HasNorm bool        `json:"has_norm"`

	rowsSet []bool
	biasSet bool
}

// Model is a network whose weights are filled by chunked uploads.
type Model struct {
	Arch  Architecture  `json:"arch"`
	Conv  []*ConvLayer  `json:"conv"`
	Dense []*DenseLayer `json:"dense"`
}

// NewModel allocates an empty model for arch.
func NewModel(arch Architecture) (*Model, error) {
	if arch.Height <= 0 || arch.Width <= 0 || arch.Channels <= 0 {
		return nil, fmt.Errorf("%w: input %dx%dx%d", engine.ErrShapeMismatch, arch.Height, arch.Width, arch.Channels)
	}
	if len(arch.Dense) == 0 {
		return nil, fmt.Errorf("%w: no dense layers", engine.ErrShapeMismatch)
	}

	m := &Model{Arch: arch}
	h, w, c := arch.Height, arch.Width, arch.Channels
	for i, s := range arch.Conv {
		pool := s.Pool
		if pool <= 0 {
			pool = 1
		}
		if s.Kernel <= 0 || s.Filters <= 0 || s.Kernel > h || s.Kernel > w {
			return nil, fmt.Errorf("%w: conv layer %d kernel %d filters %d on %dx%d",
				engine.ErrShapeMismatch, i, s.Kernel, s.Filters, h, w)
		}
		l := &ConvLayer{
			Kernel:      s.Kernel,
			InChannels:  c,
			OutChannels: s.Filters,
			Pool:        pool,
			InH:         h,
			InW:         w,
			ConH:        h - s.Kernel + 1,
			ConW:        w - s.Kernel + 1,
		}
		l.OutH, l.OutW = l.ConH/pool, l.ConW/pool
		if l.OutH == 0 || l.OutW == 0 {
			return nil, fmt.Errorf("%w: conv layer %d pools %dx%d to nothing", engine.ErrShapeMismatch, i, l.ConH, l.ConW)
		}
		l.Filters = make([]fixed.Q32, l.Rows()*l.OutChannels)
		l.Bias = make([]fixed.Q32, l.OutChannels)
		l.rowsSet = make([]bool, l.Rows())
		m.Conv = append(m.Conv, l)
		h, w, c = l.OutH, l.OutW, l.OutChannels
	}

	inputs := h * w * c
	for i, s := range arch.Dense {
		if s.Outputs <= 0 {
			return nil, fmt.Errorf("%w: dense layer %d has %d outputs", engine.ErrShapeMismatch, i, s.Outputs)
		}
		l := &DenseLayer{
			Inputs:  inputs,
			Outputs: s.Outputs,
			Weights: make([]fixed.Q32, inputs*s.Outputs),
			Bias:    make([]fixed.Q32, s.Outputs),
			HasNorm: s.Norm,
			rowsSet: make([]bool, inputs),
		}
		m.Dense = append(m.Dense, l)
		inputs = s.Outputs
	}
	return m, nil
}

// InputSize returns the number of pixels a prediction takes.
func (m *Model) InputSize() int {
	return m.Arch.Height * m.Arch.Width * m.Arch.Channels
}

// Outputs returns the number of values a prediction produces.
func (m *Model) Outputs() int {
	return m.Dense[len(m.Dense)-1].Outputs
}

func (m *Model) conv(layer int) (*ConvLayer, error) {
	if layer < 0 || layer >= len(m.Conv) {
		return nil, fmt.Errorf("conv layer %d of %d: %w", layer, len(m.Conv), ErrUnknownLayer)
	}
	return m.Conv[layer], nil
}

func (m *Model) dense(layer int) (*DenseLayer, error) {
	if layer < 0 || layer >= len(m.Dense) {
		return nil, fmt.Errorf("dense layer %d of %d: %w", layer, len(m.Dense), ErrUnknownLayer)
	}
	return m.Dense[layer], nil
}

// SetLayerFilters stores filter rows [rowStart, rowStart+len(rows)) of a
// convolution layer.
func (m *Model) SetLayerFilters(layer int, rows [][]fixed.Q32, rowStart int) error {
	l, err := m.conv(layer)
	if err != nil {
		return err
	}
	if err := setRows(l.Filters, l.rowsSet, l.OutChannels, rows, rowStart); err != nil {
		return fmt.Errorf("conv layer %d filters: %w", layer, err)
	}
	return nil
}

// SetLayerNorm stores the bias and normalisation parameters of a
// convolution layer. A nil norm disables normalisation.
func (m *Model) SetLayerNorm(layer int, bias []fixed.Q32, norm *Norm) error {
	l, err := m.conv(layer)
	if err != nil {
		return err
	}
	if len(bias) != l.OutChannels {
		return fmt.Errorf("conv layer %d: %w: %d biases for %d filters", layer, engine.ErrShapeMismatch, len(bias), l.OutChannels)
	}
	if err := norm.validate(l.OutChannels); err != nil {
		return fmt.Errorf("conv layer %d: %w", layer, err)
	}
	copy(l.Bias, bias)
	l.Norm = norm
	l.biasSet = true
	return nil
}

// SetDenseWeights stores weight rows [rowStart, rowStart+len(rows)) of a
// dense layer.
func (m *Model) SetDenseWeights(layer int, rows [][]fixed.Q32, rowStart int) error {
	l, err := m.dense(layer)
	if err != nil {
		return err
	}
	if err := setRows(l.Weights, l.rowsSet, l.Outputs, rows, rowStart); err != nil {
		return fmt.Errorf("dense layer %d weights: %w", layer, err)
	}
	return nil
}

// SetDenseBias stores the bias and, for layers declared with
// normalisation, its parameters.
func (m *Model) SetDenseBias(layer int, bias []fixed.Q32, norm *Norm) error {
	l, err := m.dense(layer)
	if err != nil {
		return err
	}
	if len(bias) != l.Outputs {
		return fmt.Errorf("dense layer %d: %w: %d biases for %d outputs", layer, engine.ErrShapeMismatch, len(bias), l.Outputs)
	}
	if l.HasNorm != (norm != nil) {
		return fmt.Errorf("dense layer %d: %w: normalisation declared %v", layer, engine.ErrShapeMismatch, l.HasNorm)
	}
	if err := norm.validate(l.Outputs); err != nil {
		return fmt.Errorf("dense layer %d: %w", layer, err)
	}
	copy(l.Bias, bias)
	l.Norm = norm
	l.biasSet = true
	return nil
}

func setRows(dst []fixed.Q32, set []bool, width int, rows [][]fixed.Q32, rowStart int) error {
	if rowStart < 0 || rowStart+len(rows) > len(set) {
		return fmt.Errorf("%w: rows [%d,%d) of %d", engine.ErrShapeMismatch, rowStart, rowStart+len(rows), len(set))
	}
	for i, row := range rows {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d values, want %d", engine.ErrShapeMismatch, rowStart+i, len(row), width)
		}
	}
	for i, row := range rows {
		r := rowStart + i
		copy(dst[r*width:(r+1)*width], row)
		set[r] = true
	}
	return nil
}

// Complete reports whether every weight and bias has been uploaded.
func (m *Model) Complete() error {
	for i, l := range m.Conv {
		if missing := countMissing(l.rowsSet); missing > 0 || !l.biasSet {
			return fmt.Errorf("conv layer %d: %d filter rows missing, bias set %v: %w", i, missing, l.biasSet, ErrModelIncomplete)
		}
	}
	for i, l := range m.Dense {
		if missing := countMissing(l.rowsSet); missing > 0 || !l.biasSet {
			return fmt.Errorf("dense layer %d: %d weight rows missing, bias set %v: %w", i, missing, l.biasSet, ErrModelIncomplete)
		}
	}
	return nil
}

// MarkComplete flags every row as uploaded, for models restored from a
// snapshot.
func (m *Model) MarkComplete() {
	for _, l := range m.Conv {
		for i := range l.rowsSet {
			l.rowsSet[i] = true
		}
		l.biasSet = true
	}
	for _, l := range m.Dense {
		for i := range l.rowsSet {
			l.rowsSet[i] = true
		}
		l.biasSet = true
	}
}

func countMissing(set []bool) int {
	n := 0
	for _, ok := range set {
		if !ok {
			n++
		}
	}
	return n
}
