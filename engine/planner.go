package engine

import "fmt"

// Batch is the half-open range [Start, End) processed by one invocation.
type Batch struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of units in the batch.
func (b Batch) Len() int {
	if b.End <= b.Start {
		return 0
	}
	return b.End - b.Start
}

// Empty reports whether the batch holds no work.
func (b Batch) Empty() bool {
	return b.Len() == 0
}

// String returns the batch as a range.
func (b Batch) String() string {
	return fmt.Sprintf("[%d,%d)", b.Start, b.End)
}

// Plan returns the next batch of at most limit units for c. When the stage
// has no work left it returns an empty batch and done=true; that is a
// no-op, not an error.
func Plan(c Cursor, limit int) (Batch, bool, error) {
	if limit <= 0 {
		return Batch{}, false, fmt.Errorf("%w: got %d", ErrInvalidBatchSize, limit)
	}
	if err := c.Validate(); err != nil {
		return Batch{}, false, err
	}
	if c.Offset >= c.Total {
		return Batch{Start: c.Total, End: c.Total}, true, nil
	}
	end := c.Offset + limit
	if end > c.Total || end < c.Offset {
		end = c.Total
	}
	return Batch{Start: c.Offset, End: end}, false, nil
}

// Hints holds per-stage batch limits. Stages without a hint are processed
// whole.
type Hints map[Stage]int

// Limit returns the batch limit for stage when the stage holds total units.
func (h Hints) Limit(stage Stage, total int) int {
	if limit, ok := h[stage]; ok && limit > 0 {
		return limit
	}
	if total < 1 {
		return 1
	}
	return total
}

// Validate rejects non-positive hints.
func (h Hints) Validate() error {
	for stage, limit := range h {
		if limit <= 0 {
			return fmt.Errorf("stage %d: %w: got %d", stage, ErrInvalidBatchSize, limit)
		}
	}
	return nil
}

// Merge returns a copy of h with the entries of other applied on top.
func (h Hints) Merge(other Hints) Hints {
	out := make(Hints, len(h)+len(other))
	for s, l := range h {
		out[s] = l
	}
	for s, l := range other {
		out[s] = l
	}
	return out
}
