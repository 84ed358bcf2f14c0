package engine

import (
	"errors"
	"testing"
)

func TestResultTableReport(t *testing.T) {
	table := NewResultTable[uint32](100)
	table.Extend(100, nil)

	for i := 0; i < 100; i += 20 {
		for j := i; j < i+20; j++ {
			if err := table.Report(j, uint32(j*2)); err != nil {
				t.Fatalf("Report(%d): %v", j, err)
			}
		}
	}

	if table.Completed() != 100 {
		t.Errorf("Expected 100 completed, got %d", table.Completed())
	}
	for _, e := range table.Query(0, 100) {
		if !e.Completed || e.Value != uint32(e.Index*2) {
			t.Errorf("row %d: %+v", e.Index, e)
		}
	}
}

func TestResultTableReportErrors(t *testing.T) {
	table := NewResultTable[int](0)
	table.Extend(10, func(i int) int { return -i })

	if err := table.Report(10, 1); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("Expected ErrIndexOutOfRange, got %v", err)
	}
	if err := table.Report(-1, 1); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("Expected ErrIndexOutOfRange, got %v", err)
	}

	if err := table.Report(3, 7); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if err := table.Report(3, 7); err != nil {
		t.Errorf("Expected identical re-report to be accepted, got %v", err)
	}
	if err := table.Report(3, 8); !errors.Is(err, ErrConflictingReport) {
		t.Errorf("Expected ErrConflictingReport, got %v", err)
	}
	if e, _ := table.Get(3); e.Value != 7 {
		t.Errorf("Expected completed value to stay 7, got %d", e.Value)
	}
	if table.Completed() != 1 {
		t.Errorf("Expected 1 completed row, got %d", table.Completed())
	}
}

func TestResultTableQuery(t *testing.T) {
	table := NewResultTable[int](0)
	table.Extend(5, func(i int) int { return i * 10 })
	table.Extend(3, nil)
	if table.Len() != 5 {
		t.Fatalf("Expected Extend to never shrink, got %d rows", table.Len())
	}

	rows := table.Query(-5, 50)
	if len(rows) != 5 {
		t.Fatalf("Expected query to clamp to 5 rows, got %d", len(rows))
	}
	rows[0].Value = 999
	if e, _ := table.Get(0); e.Value != 0 {
		t.Error("Query returned a view into the table instead of a copy")
	}

	if rows := table.Query(4, 2); rows != nil {
		t.Errorf("Expected empty result for inverted range, got %v", rows)
	}
	if rows := table.Query(2, 4); len(rows) != 2 || rows[0].Index != 2 || rows[0].Completed {
		t.Errorf("unexpected partial query %+v", rows)
	}
}

func TestResultTableRestore(t *testing.T) {
	table := NewResultTable[int](0)
	table.Extend(4, nil)
	_ = table.Report(1, 5)

	other := NewResultTable[int](0)
	if err := other.Restore(table.Rows()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if other.Len() != 4 || other.Completed() != 1 {
		t.Errorf("Expected 4 rows with 1 completed, got %d/%d", other.Len(), other.Completed())
	}

	if err := other.Restore([]Entry[int]{{Index: 1}}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}

	other.Reset()
	if other.Len() != 0 || other.Completed() != 0 {
		t.Error("Expected empty table after reset")
	}
}
