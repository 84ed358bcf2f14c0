package driver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/najoast/stepwise/core"
	"github.com/najoast/stepwise/engine"
)

// script replays a fixed sequence of statuses, repeating the last one.
func script(statuses ...Status) Probe {
	var mu sync.Mutex
	i := 0
	return func(context.Context) (Status, error) {
		mu.Lock()
		defer mu.Unlock()
		s := statuses[i]
		if i < len(statuses)-1 {
			i++
		}
		return s, nil
	}
}

func TestMonitorCompletes(t *testing.T) {
	var seen []int
	m := &Monitor{
		Name:       "grid",
		Probe:      script(Status{Completed: 0, Total: 100}, Status{Completed: 40, Total: 100}, Status{Completed: 40, Total: 100}, Status{Completed: 100, Total: 100, Done: true}),
		Interval:   time.Millisecond,
		StallPolls: 3,
		OnProgress: func(_ string, s Status) { seen = append(seen, s.Completed) },
	}

	s, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !s.Done || s.Completed != 100 {
		t.Errorf("final status %+v", s)
	}
	if len(seen) != 3 || seen[0] != 0 || seen[1] != 40 || seen[2] != 100 {
		t.Errorf("progress callbacks %v", seen)
	}
}

func TestMonitorStalls(t *testing.T) {
	m := &Monitor{
		Name:       "stuck",
		Probe:      script(Status{Completed: 5, Total: 10}),
		Interval:   time.Millisecond,
		StallPolls: 4,
	}
	s, err := m.Run(context.Background())
	if !errors.Is(err, ErrStalled) {
		t.Fatalf("Run = %v, want ErrStalled", err)
	}
	if s.Completed != 5 {
		t.Errorf("last status %+v", s)
	}
}

func TestMonitorProbeErrorAndCancel(t *testing.T) {
	boom := errors.New("boom")
	m := &Monitor{
		Name:       "failing",
		Probe:      func(context.Context) (Status, error) { return Status{}, boom },
		Interval:   time.Millisecond,
		StallPolls: 1,
	}
	if _, err := m.Run(context.Background()); !errors.Is(err, boom) {
		t.Errorf("probe error: got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n := 0
	m = &Monitor{
		Name:       "cancelled",
		Probe:      func(context.Context) (Status, error) { n++; return Status{Completed: n}, nil },
		Interval:   time.Hour,
		StallPolls: 1,
	}
	if _, err := m.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled: got %v", err)
	}

	if _, err := (&Monitor{Name: "bad", Probe: m.Probe}).Run(context.Background()); err == nil {
		t.Errorf("zero interval accepted")
	}
}

func TestRunAll(t *testing.T) {
	ok := &Monitor{Name: "ok", Probe: script(Status{Completed: 1, Done: true}), Interval: time.Millisecond, StallPolls: 1}
	slow := &Monitor{Name: "slow", Probe: script(Status{Completed: 1}, Status{Completed: 2, Done: true}), Interval: time.Millisecond, StallPolls: 2}

	results, err := RunAll(context.Background(), ok, slow)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if !results["ok"].Done || results["slow"].Completed != 2 {
		t.Errorf("results %+v", results)
	}

	stuck := &Monitor{Name: "stuck", Probe: script(Status{Completed: 1}), Interval: time.Millisecond, StallPolls: 2}
	forever := &Monitor{Name: "forever", Probe: func(context.Context) (Status, error) { return Status{Completed: int(time.Now().UnixNano())}, nil }, Interval: time.Millisecond, StallPolls: 2}
	if _, err := RunAll(context.Background(), stuck, forever); !errors.Is(err, ErrStalled) {
		t.Errorf("RunAll with a stalled monitor: got %v", err)
	}
}

type counterState struct {
	Count int `json:"count"`
}

func TestProgressProbeOnHost(t *testing.T) {
	sys := core.NewActorSystem(nil)
	defer sys.Shutdown(context.Background())

	const kindCount = engine.KindUser
	count := 0
	a, err := sys.NewActor(core.HandlerFunc(func(ctx context.Context, inv *core.Invocation) error {
		count++
		data, _ := json.Marshal(counterState{Count: count})
		inv.Reply(data)
		return nil
	}), core.ActorOptions{})
	if err != nil {
		t.Fatalf("NewActor: %v", err)
	}

	probe := ProgressProbe(sys, a.ID(), kindCount, func(c counterState) Status {
		return Status{Completed: c.Count, Total: 3, Done: c.Count >= 3}
	})
	s, err := (&Monitor{Name: "counter", Probe: probe, Interval: time.Millisecond, StallPolls: 2}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Completed != 3 {
		t.Errorf("final %+v", s)
	}
}
