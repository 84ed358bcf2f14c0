package cnn

import (
	"github.com/google/uuid"

	"github.com/najoast/stepwise/engine"
	"github.com/najoast/stepwise/fixed"
)

// Command kinds understood by the service, in addition to engine.KindStep.
const (
	KindConfigure engine.Kind = engine.KindUser + iota
	KindSetLayerFilters
	KindSetLayerNorm
	KindSetDenseWeights
	KindSetDenseBias
	KindPredict
	KindResume
	KindProgress
	KindOutput
	KindSetHints
	KindSnapshot
	KindRestore
)

// SetLayerFilters uploads filter rows of a convolution layer.
type SetLayerFilters struct {
	Layer    int           `json:"layer"`
	RowStart int           `json:"row_start"`
	Rows     [][]fixed.Q32 `json:"rows"`
}

// SetLayerNorm uploads the bias and normalisation of a convolution layer.
type SetLayerNorm struct {
	Layer int         `json:"layer"`
	Bias  []fixed.Q32 `json:"bias"`
	Norm  *Norm       `json:"norm,omitempty"`
}

// SetDenseWeights uploads weight rows of a dense layer.
type SetDenseWeights struct {
	Layer    int           `json:"layer"`
	RowStart int           `json:"row_start"`
	Rows     [][]fixed.Q32 `json:"rows"`
}

// SetDenseBias uploads the bias and normalisation of a dense layer.
type SetDenseBias struct {
	Layer int         `json:"layer"`
	Bias  []fixed.Q32 `json:"bias"`
	Norm  *Norm       `json:"norm,omitempty"`
}

// Predict starts a prediction. With Continue set the service keeps
// stepping on its own; otherwise each step waits for KindResume.
type Predict struct {
	Pixels   []uint8 `json:"pixels"`
	Continue bool    `json:"continue"`
}

// Resume re-issues the continuation of the live cursor. With Continue set
// the service keeps stepping on its own afterwards.
type Resume struct {
	Continue bool `json:"continue"`
}

// SetHints replaces the batch limits, keyed by stage name.
type SetHints struct {
	Hints map[string]int `json:"hints"`
}

// Progress is the reply to KindProgress.
type Progress struct {
	Generation uuid.UUID     `json:"generation"`
	Cursor     engine.Cursor `json:"cursor"`
	Stage      string        `json:"stage"`
	Started    bool          `json:"started"`
	Finished   bool          `json:"finished"`
	Batches    int           `json:"batches"`
}

// Done reports whether the prediction finished.
func (p Progress) Done() bool {
	return p.Started && p.Finished
}

// Output is the reply to KindOutput.
type Output struct {
	Generation    uuid.UUID       `json:"generation"`
	Ready         bool            `json:"ready"`
	Probabilities []fixed.Decimal `json:"probabilities,omitempty"`
}

// Best returns the index of the most probable class.
func (o Output) Best() int {
	best := 0
	for i, p := range o.Probabilities {
		if p.Cmp(o.Probabilities[best]) > 0 {
			best = i
		}
	}
	return best
}
