// Package driver watches computations from outside the actor host. A
// Monitor polls a progress query until the computation completes, and
// gives up when progress stops advancing.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/najoast/stepwise/core"
	"github.com/najoast/stepwise/engine"
)

// ErrStalled is returned when progress did not advance for the configured
// number of consecutive polls.
var ErrStalled = errors.New("computation stalled")

// Status is one observation of a computation.
type Status struct {
	// Done is set once the computation needs no further work.
	Done bool

	// Completed and Total measure progress; only Completed must grow.
	Completed int
	Total     int

	// Detail is free text for logs.
	Detail string
}

// Probe observes a computation.
type Probe func(ctx context.Context) (Status, error)

// Query calls actor id with a command of the given kind and decodes the
// JSON reply.
func Query[T any](ctx context.Context, sys core.ActorSystem, id core.ActorID, kind engine.Kind) (T, error) {
	var v T
	data, err := sys.Call(ctx, id, engine.MustEncode(kind, nil))
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode reply of command %d: %w", kind, err)
	}
	return v, nil
}

// ProgressProbe builds a Probe from a progress query and a conversion.
func ProgressProbe[T any](sys core.ActorSystem, id core.ActorID, kind engine.Kind, status func(T) Status) Probe {
	return func(ctx context.Context) (Status, error) {
		v, err := Query[T](ctx, sys, id, kind)
		if err != nil {
			return Status{}, err
		}
		return status(v), nil
	}
}

// Monitor polls one computation to completion.
type Monitor struct {
	Name  string
	Probe Probe

	// Interval between polls.
	Interval time.Duration

	// StallPolls is the number of consecutive polls without progress after
	// which Run fails with ErrStalled.
	StallPolls int

	// OnProgress, when set, receives every status that advanced.
	OnProgress func(name string, s Status)

	Logger *slog.Logger
}

// Run polls until the computation is done, ctx ends, the probe fails or
// progress stalls. It returns the last status observed.
func (m *Monitor) Run(ctx context.Context) (Status, error) {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("monitor", m.Name)
	if m.Interval <= 0 || m.StallPolls <= 0 {
		return Status{}, fmt.Errorf("monitor %s: interval %s, stall polls %d", m.Name, m.Interval, m.StallPolls)
	}

	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	last := Status{Completed: -1}
	idle := 0
	for {
		s, err := m.Probe(ctx)
		if err != nil {
			return last, fmt.Errorf("monitor %s: %w", m.Name, err)
		}

		if s.Completed > last.Completed || s.Done != last.Done {
			idle = 0
			if m.OnProgress != nil {
				m.OnProgress(m.Name, s)
			}
			logger.Debug("progress", "completed", s.Completed, "total", s.Total, "detail", s.Detail)
		} else {
			idle++
		}
		last = s

		if s.Done {
			logger.Info("computation complete", "completed", s.Completed, "total", s.Total)
			return s, nil
		}
		if idle >= m.StallPolls {
			logger.Warn("computation stalled", "completed", s.Completed, "total", s.Total, "polls", idle)
			return s, fmt.Errorf("monitor %s: %w at %d/%d after %d polls", m.Name, ErrStalled, s.Completed, s.Total, idle)
		}

		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunAll runs monitors concurrently. The first failure cancels the rest.
func RunAll(ctx context.Context, monitors ...*Monitor) (map[string]Status, error) {
	results := make([]Status, len(monitors))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range monitors {
		i, m := i, m
		g.Go(func() error {
			s, err := m.Run(gctx)
			results[i] = s
			return err
		})
	}
	err := g.Wait()

	out := make(map[string]Status, len(monitors))
	for i, m := range monitors {
		out[m.Name] = results[i]
	}
	return out, err
}
