package engine

import "fmt"

// Entry is one row of a ResultTable.
type Entry[T comparable] struct {
	Index     int  `json:"index"`
	Value     T    `json:"value"`
	Completed bool `json:"completed"`
}

// ResultTable is an index-addressed store of partial results. Rows are
// generated lazily and completed once by a report.
type ResultTable[T comparable] struct {
	rows      []Entry[T]
	completed int
}

// NewResultTable returns an empty table with room for capacity rows.
func NewResultTable[T comparable](capacity int) *ResultTable[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &ResultTable[T]{rows: make([]Entry[T], 0, capacity)}
}

// Len returns the number of generated rows.
func (t *ResultTable[T]) Len() int {
	return len(t.rows)
}

// Completed returns the number of completed rows.
func (t *ResultTable[T]) Completed() int {
	return t.completed
}

// Extend generates rows up to length n, calling init for each new index.
// Rows that already exist are left alone, so repeating a call is harmless.
func (t *ResultTable[T]) Extend(n int, init func(i int) T) {
	for i := len(t.rows); i < n; i++ {
		var v T
		if init != nil {
			v = init(i)
		}
		t.rows = append(t.rows, Entry[T]{Index: i, Value: v})
	}
}

// Get returns row i.
func (t *ResultTable[T]) Get(i int) (Entry[T], error) {
	if i < 0 || i >= len(t.rows) {
		return Entry[T]{}, fmt.Errorf("row %d of %d: %w", i, len(t.rows), ErrIndexOutOfRange)
	}
	return t.rows[i], nil
}

// Check validates a report without applying it.
func (t *ResultTable[T]) Check(i int, v T) error {
	row, err := t.Get(i)
	if err != nil {
		return err
	}
	if row.Completed && row.Value != v {
		return fmt.Errorf("row %d: have %v, reported %v: %w", i, row.Value, v, ErrConflictingReport)
	}
	return nil
}

// Report completes row i with v. Repeating an identical report is accepted;
// a different value for a completed row is rejected.
func (t *ResultTable[T]) Report(i int, v T) error {
	if err := t.Check(i, v); err != nil {
		return err
	}
	if t.rows[i].Completed {
		return nil
	}
	t.rows[i].Value = v
	t.rows[i].Completed = true
	t.completed++
	return nil
}

// Query returns a copy of rows [start, end) clamped to the generated range.
func (t *ResultTable[T]) Query(start, end int) []Entry[T] {
	if start < 0 {
		start = 0
	}
	if end > len(t.rows) {
		end = len(t.rows)
	}
	if start >= end {
		return nil
	}
	out := make([]Entry[T], end-start)
	copy(out, t.rows[start:end])
	return out
}

// Reset drops every row.
func (t *ResultTable[T]) Reset() {
	t.rows = t.rows[:0]
	t.completed = 0
}

// Rows returns a copy of every row, for persistence.
func (t *ResultTable[T]) Rows() []Entry[T] {
	return t.Query(0, len(t.rows))
}

// Restore replaces the table contents with rows, which must be indexed
// 0..len(rows)-1 in order.
func (t *ResultTable[T]) Restore(rows []Entry[T]) error {
	completed := 0
	for i, row := range rows {
		if row.Index != i {
			return fmt.Errorf("restore results: row %d carries index %d: %w", i, row.Index, ErrShapeMismatch)
		}
		if row.Completed {
			completed++
		}
	}
	t.rows = append(t.rows[:0], rows...)
	t.completed = completed
	return nil
}
