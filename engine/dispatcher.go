package engine

import "fmt"

// Assignment is one batch handed to one worker.
type Assignment[W comparable] struct {
	Worker W
	Batch  Batch
}

// DispatcherState is the persisted form of a Dispatcher.
type DispatcherState[W comparable] struct {
	Roster []W   `json:"roster"`
	Next   int   `json:"next"`
	Sent   int   `json:"sent"`
	Counts []int `json:"counts"`
}

// Dispatcher hands contiguous slices of a work set to a worker roster in
// ring order. It is owned by a single actor and is not safe for concurrent
// use.
//
// With a window set, a worker holding at least window unacknowledged units
// is skipped until Ack returns some of them. Outstanding units are not part
// of the persisted state.
type Dispatcher[W comparable] struct {
	roster      []W
	next        int
	sent        int
	counts      []int
	window      int
	outstanding []int
}

// NewDispatcher returns a dispatcher with an empty roster.
func NewDispatcher[W comparable]() *Dispatcher[W] {
	return &Dispatcher[W]{}
}

// Register appends workers to the roster, skipping ones already present.
// The roster cannot change once a round has sent work.
func (d *Dispatcher[W]) Register(workers ...W) error {
	if d.sent > 0 {
		return fmt.Errorf("register %d workers after %d sent: %w", len(workers), d.sent, ErrRosterFrozen)
	}
	for _, w := range workers {
		if d.index(w) >= 0 {
			continue
		}
		d.roster = append(d.roster, w)
		d.counts = append(d.counts, 0)
		d.outstanding = append(d.outstanding, 0)
	}
	return nil
}

func (d *Dispatcher[W]) index(w W) int {
	for i, existing := range d.roster {
		if existing == w {
			return i
		}
	}
	return -1
}

// Roster returns a copy of the roster.
func (d *Dispatcher[W]) Roster() []W {
	return append([]W(nil), d.roster...)
}

// Sent returns how many units have been handed out.
func (d *Dispatcher[W]) Sent() int {
	return d.sent
}

// Counts returns the number of batches sent to each roster entry.
func (d *Dispatcher[W]) Counts() []int {
	return append([]int(nil), d.counts...)
}

// SetWindow bounds the unacknowledged units a worker may hold before it is
// skipped. Zero or less removes the bound.
func (d *Dispatcher[W]) SetWindow(units int) {
	d.window = max(units, 0)
}

// Ack returns units handed to worker w. Unknown workers are ignored and the
// count never drops below zero.
func (d *Dispatcher[W]) Ack(w W, units int) {
	i := d.index(w)
	if i < 0 || units <= 0 {
		return
	}
	d.outstanding[i] = max(d.outstanding[i]-units, 0)
}

// Outstanding returns the unacknowledged units across the roster.
func (d *Dispatcher[W]) Outstanding() int {
	total := 0
	for _, n := range d.outstanding {
		total += n
	}
	return total
}

// Round assigns at most one batch of up to batchSize units to each worker
// with room in its window, taking the unsent range [Sent(), available) in
// order. The ring position carries over between rounds. An empty roster, an
// empty unsent range or a roster that is entirely at its window yields no
// assignments.
func (d *Dispatcher[W]) Round(available, batchSize int) ([]Assignment[W], error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("dispatch round: %w: got %d", ErrInvalidBatchSize, batchSize)
	}
	if available < d.sent {
		return nil, fmt.Errorf("dispatch round: %w: %d available below %d sent", ErrShapeMismatch, available, d.sent)
	}
	if len(d.roster) == 0 || available == d.sent {
		return nil, nil
	}

	var out []Assignment[W]
	start := d.next
	for i := 0; i < len(d.roster) && d.sent < available; i++ {
		w := (start + i) % len(d.roster)
		if d.window > 0 && d.outstanding[w] >= d.window {
			continue
		}
		b, _, err := Plan(Cursor{Offset: d.sent, Total: available}, batchSize)
		if err != nil {
			return nil, err
		}
		out = append(out, Assignment[W]{Worker: d.roster[w], Batch: b})
		d.counts[w]++
		d.outstanding[w] += b.Len()
		d.sent = b.End
		d.next = (w + 1) % len(d.roster)
	}
	return out, nil
}

// Reset forgets all dispatch progress. The roster is kept.
func (d *Dispatcher[W]) Reset() {
	d.next = 0
	d.sent = 0
	for i := range d.counts {
		d.counts[i] = 0
		d.outstanding[i] = 0
	}
}

// State returns the persisted form of the dispatcher.
func (d *Dispatcher[W]) State() DispatcherState[W] {
	return DispatcherState[W]{
		Roster: d.Roster(),
		Next:   d.next,
		Sent:   d.sent,
		Counts: d.Counts(),
	}
}

// Restore reinstates a persisted dispatcher.
func (d *Dispatcher[W]) Restore(st DispatcherState[W]) error {
	counts := st.Counts
	if counts == nil {
		counts = make([]int, len(st.Roster))
	}
	if len(counts) != len(st.Roster) {
		return fmt.Errorf("restore dispatcher: %w: %d counts for %d workers", ErrShapeMismatch, len(counts), len(st.Roster))
	}
	if st.Sent < 0 || (len(st.Roster) > 0 && (st.Next < 0 || st.Next >= len(st.Roster))) {
		return fmt.Errorf("restore dispatcher: %w: next=%d sent=%d", ErrInvalidCursor, st.Next, st.Sent)
	}
	d.roster = append([]W(nil), st.Roster...)
	d.counts = append([]int(nil), counts...)
	d.outstanding = make([]int, len(st.Roster))
	d.next = st.Next
	d.sent = st.Sent
	return nil
}
