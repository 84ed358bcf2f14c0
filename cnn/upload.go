package cnn

import (
	"encoding/json"
	"fmt"

	"github.com/najoast/stepwise/engine"
	"github.com/najoast/stepwise/fixed"
)

// DecodeModel parses a model document: the architecture with every weight
// filled in.
func DecodeModel(data []byte) (*Model, error) {
	var src Model
	if err := json.Unmarshal(data, &src); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	m, err := NewModel(src.Arch)
	if err != nil {
		return nil, err
	}
	if err := m.load(&src); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	return m, nil
}

// UploadCommands returns the commands that configure a service with m,
// sending at most rows weight rows per command.
func UploadCommands(m *Model, rows int) ([][]byte, error) {
	if rows <= 0 {
		return nil, fmt.Errorf("upload: %w: %d rows per command", engine.ErrInvalidBatchSize, rows)
	}
	if err := m.Complete(); err != nil {
		return nil, err
	}

	cmds := [][]byte{engine.MustEncode(KindConfigure, m.Arch)}
	add := func(kind engine.Kind, body any) error {
		data, err := engine.Encode(kind, body)
		if err != nil {
			return err
		}
		cmds = append(cmds, data)
		return nil
	}

	for i, l := range m.Conv {
		for start := 0; start < l.Rows(); start += rows {
			chunk := splitRows(l.Filters, l.OutChannels, start, min(start+rows, l.Rows()))
			if err := add(KindSetLayerFilters, SetLayerFilters{Layer: i, RowStart: start, Rows: chunk}); err != nil {
				return nil, err
			}
		}
		if err := add(KindSetLayerNorm, SetLayerNorm{Layer: i, Bias: l.Bias, Norm: l.Norm}); err != nil {
			return nil, err
		}
	}
	for i, l := range m.Dense {
		for start := 0; start < l.Inputs; start += rows {
			chunk := splitRows(l.Weights, l.Outputs, start, min(start+rows, l.Inputs))
			if err := add(KindSetDenseWeights, SetDenseWeights{Layer: i, RowStart: start, Rows: chunk}); err != nil {
				return nil, err
			}
		}
		if err := add(KindSetDenseBias, SetDenseBias{Layer: i, Bias: l.Bias, Norm: l.Norm}); err != nil {
			return nil, err
		}
	}
	return cmds, nil
}

func splitRows(flat []fixed.Q32, width, start, end int) [][]fixed.Q32 {
	out := make([][]fixed.Q32, 0, end-start)
	for r := start; r < end; r++ {
		out = append(out, flat[r*width:(r+1)*width])
	}
	return out
}
