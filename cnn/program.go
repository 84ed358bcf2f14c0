package cnn

import (
	"fmt"

	"github.com/najoast/stepwise/engine"
	"github.com/najoast/stepwise/fixed"
)

// Stages of a prediction. Convolution stages run once per conv layer, the
// round being the layer index; Dense runs once per dense layer.
const (
	StagePrepare engine.Stage = iota + 1
	StageIm2Col
	StageConvolve
	StageBias
	StageNormalize
	StageReshape
	StagePool
	StageNextLayer
	StageFlatten
	StageDense
	StageFinish
)

var stageNames = map[engine.Stage]string{
	StagePrepare:   "prepare",
	StageIm2Col:    "im2col",
	StageConvolve:  "convolve",
	StageBias:      "bias",
	StageNormalize: "normalize",
	StageReshape:   "reshape",
	StagePool:      "pool",
	StageNextLayer: "next_layer",
	StageFlatten:   "flatten",
	StageDense:     "dense",
	StageFinish:    "finish",
}

// StageName returns the configuration name of s.
func StageName(s engine.Stage) string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", s)
}

// DefaultHints returns the batch limits used when none are configured.
func DefaultHints() engine.Hints {
	return engine.Hints{
		StageConvolve:  200,
		StageBias:      16,
		StageNormalize: 16,
		StageDense:     64,
	}
}

// wholeStages run as a single unit of work, so a batch limit cannot split
// them.
var wholeStages = map[engine.Stage]bool{
	StageReshape:   true,
	StageNextLayer: true,
	StageFlatten:   true,
	StageFinish:    true,
}

// HintsFromNames converts batch limits keyed by stage name, as found in
// configuration files. Stages that always run whole take no hint.
func HintsFromNames(named map[string]int) (engine.Hints, error) {
	hints := make(engine.Hints, len(named))
	for name, limit := range named {
		stage, ok := stageByName(name)
		if !ok {
			return nil, fmt.Errorf("batch hint for unknown stage %q", name)
		}
		if wholeStages[stage] {
			return nil, fmt.Errorf("batch hint for stage %q, which runs whole: %w", name, engine.ErrInvalidBatchSize)
		}
		hints[stage] = limit
	}
	if err := hints.Validate(); err != nil {
		return nil, err
	}
	return hints, nil
}

func stageByName(name string) (engine.Stage, bool) {
	for s, n := range stageNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// Workspace holds the buffers of one prediction. Every stage reads earlier
// buffers and writes its own, so a repeated batch rewrites the same values.
type Workspace struct {
	Pixels []uint8 `json:"pixels"`

	// Acts[i] is the HWC input of conv layer i; the last entry is the
	// output of the last pooling stage.
	Acts   [][]fixed.Q32 `json:"acts"`
	Cols   [][]fixed.Q32 `json:"cols"`
	Conv   [][]fixed.Q32 `json:"conv"`
	Relu   [][]fixed.Q32 `json:"relu"`
	Norm   [][]fixed.Q32 `json:"norm"`
	Shaped [][]fixed.Q32 `json:"shaped"`

	// Dense[0] is the flattened feature vector, Dense[i+1] the output of
	// dense layer i.
	Dense  [][]fixed.Q32   `json:"dense"`
	Output []fixed.Decimal `json:"output,omitempty"`
}

func newWorkspace(m *Model, pixels []uint8) *Workspace {
	ws := &Workspace{
		Pixels: append([]uint8(nil), pixels...),
		Acts:   [][]fixed.Q32{make([]fixed.Q32, m.InputSize())},
	}
	for _, l := range m.Conv {
		ws.Cols = append(ws.Cols, make([]fixed.Q32, l.Rows()*l.Cols()))
		ws.Conv = append(ws.Conv, make([]fixed.Q32, l.OutChannels*l.Cols()))
		ws.Relu = append(ws.Relu, make([]fixed.Q32, l.OutChannels*l.Cols()))
		ws.Norm = append(ws.Norm, make([]fixed.Q32, l.OutChannels*l.Cols()))
		ws.Shaped = append(ws.Shaped, make([]fixed.Q32, l.OutChannels*l.Cols()))
		ws.Acts = append(ws.Acts, make([]fixed.Q32, l.OutH*l.OutW*l.OutChannels))
	}
	ws.Dense = [][]fixed.Q32{make([]fixed.Q32, m.Dense[0].Inputs)}
	for _, l := range m.Dense {
		ws.Dense = append(ws.Dense, make([]fixed.Q32, l.Outputs))
	}
	return ws
}

// fits reports whether ws was allocated for m.
func (ws *Workspace) fits(m *Model) bool {
	if len(ws.Pixels) != m.InputSize() || len(ws.Acts) != len(m.Conv)+1 || len(ws.Dense) != len(m.Dense)+1 {
		return false
	}
	if len(ws.Cols) != len(m.Conv) || len(ws.Conv) != len(m.Conv) || len(ws.Relu) != len(m.Conv) ||
		len(ws.Norm) != len(m.Conv) || len(ws.Shaped) != len(m.Conv) {
		return false
	}
	fresh := newWorkspace(m, ws.Pixels)
	same := func(a, b [][]fixed.Q32) bool {
		for i := range a {
			if len(a[i]) != len(b[i]) {
				return false
			}
		}
		return true
	}
	return same(ws.Acts, fresh.Acts) && same(ws.Cols, fresh.Cols) && same(ws.Conv, fresh.Conv) &&
		same(ws.Relu, fresh.Relu) && same(ws.Norm, fresh.Norm) && same(ws.Shaped, fresh.Shaped) &&
		same(ws.Dense, fresh.Dense)
}

// pipeline is the engine.Program of one prediction.
type pipeline struct {
	model *Model
	ws    *Workspace
}

func newPipeline(m *Model, pixels []uint8) (*pipeline, error) {
	if err := m.Complete(); err != nil {
		return nil, err
	}
	if len(pixels) != m.InputSize() {
		return nil, fmt.Errorf("%w: %d pixels for a %dx%dx%d input",
			engine.ErrShapeMismatch, len(pixels), m.Arch.Height, m.Arch.Width, m.Arch.Channels)
	}
	return &pipeline{model: m, ws: newWorkspace(m, pixels)}, nil
}

func (p *pipeline) Entry() engine.Stage {
	return StagePrepare
}

func (p *pipeline) Next(stage engine.Stage, round int) (engine.Stage, int, bool) {
	switch stage {
	case StagePrepare:
		if len(p.model.Conv) == 0 {
			return StageFlatten, 0, true
		}
		return StageIm2Col, 0, true
	case StageIm2Col, StageConvolve, StageBias, StageNormalize, StageReshape, StagePool:
		return stage + 1, round, true
	case StageNextLayer:
		if round+1 < len(p.model.Conv) {
			return StageIm2Col, round + 1, true
		}
		return StageFlatten, 0, true
	case StageFlatten:
		return StageDense, 0, true
	case StageDense:
		if round+1 < len(p.model.Dense) {
			return StageDense, round + 1, true
		}
		return StageFinish, 0, true
	default:
		return 0, 0, false
	}
}

func (p *pipeline) Size(stage engine.Stage, round int) (int, error) {
	switch stage {
	case StagePrepare:
		return p.model.InputSize(), nil
	case StageReshape, StageNextLayer, StageFlatten, StageFinish:
		// see wholeStages
		return 1, nil
	case StageDense:
		l, err := p.model.dense(round)
		if err != nil {
			return 0, err
		}
		return l.Outputs, nil
	}

	l, err := p.model.conv(round)
	if err != nil {
		return 0, err
	}
	switch stage {
	case StageIm2Col, StageConvolve:
		return l.Cols(), nil
	case StageBias, StageNormalize, StagePool:
		return l.OutChannels, nil
	default:
		return 0, fmt.Errorf("%w: unknown stage %d", engine.ErrShapeMismatch, stage)
	}
}

func (p *pipeline) Execute(m engine.Meter, stage engine.Stage, round int, b engine.Batch) error {
	ws := p.ws
	switch stage {
	case StagePrepare:
		return p.prepare(m, b)
	case StageFlatten:
		if err := m.Charge(uint64(len(ws.Dense[0]))); err != nil {
			return err
		}
		copy(ws.Dense[0], ws.Acts[len(ws.Acts)-1])
		return nil
	case StageDense:
		l, err := p.model.dense(round)
		if err != nil {
			return err
		}
		return dense(m, l, round == len(p.model.Dense)-1, ws.Dense[round], ws.Dense[round+1], b)
	case StageFinish:
		if err := m.Charge(uint64(p.model.Outputs())); err != nil {
			return err
		}
		out, err := activate(ws.Dense[len(ws.Dense)-1])
		if err != nil {
			return fmt.Errorf("output activation: %w", err)
		}
		ws.Output = out
		return nil
	}

	l, err := p.model.conv(round)
	if err != nil {
		return err
	}
	switch stage {
	case StageIm2Col:
		return im2col(m, l, ws.Acts[round], ws.Cols[round], b)
	case StageConvolve:
		return convolve(m, l, ws.Cols[round], ws.Conv[round], b)
	case StageBias:
		return biasRelu(m, l, ws.Conv[round], ws.Relu[round], b)
	case StageNormalize:
		return normalize(m, l, ws.Relu[round], ws.Norm[round], b)
	case StageReshape:
		return reshape(m, l, ws.Norm[round], ws.Shaped[round])
	case StagePool:
		return pool(m, l, ws.Shaped[round], ws.Acts[round+1], b)
	case StageNextLayer:
		return nil
	default:
		return fmt.Errorf("%w: unknown stage %d", engine.ErrShapeMismatch, stage)
	}
}

// prepare scales pixels b to [0, 1].
func (p *pipeline) prepare(m engine.Meter, b engine.Batch) error {
	if err := m.Charge(uint64(b.Len())); err != nil {
		return err
	}
	for i := b.Start; i < b.End; i++ {
		v, err := fixed.Q32FromRatio(int64(p.ws.Pixels[i]), 255)
		if err != nil {
			return fmt.Errorf("pixel %d: %w", i, err)
		}
		p.ws.Acts[0][i] = v
	}
	return nil
}
