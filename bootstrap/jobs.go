package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/najoast/stepwise/arkanoid"
	"github.com/najoast/stepwise/cnn"
	"github.com/najoast/stepwise/config"
	"github.com/najoast/stepwise/core"
	"github.com/najoast/stepwise/driver"
	"github.com/najoast/stepwise/engine"
	"github.com/najoast/stepwise/fixed"
	"github.com/najoast/stepwise/mandelbrot"
	"github.com/najoast/stepwise/store"
)

// Actor service names of the computations.
const (
	MandelbrotServiceName = "mandelbrot"
	CNNServiceName        = "cnn"
	ArkanoidServiceName   = "arkanoid"
)

// Snapshot targets of the computations.
var (
	MandelbrotTarget = store.Target{
		Name:         MandelbrotServiceName,
		SnapshotKind: mandelbrot.KindSnapshot,
		RestoreKind:  mandelbrot.KindRestore,
	}
	CNNTarget = store.Target{
		Name:         CNNServiceName,
		SnapshotKind: cnn.KindSnapshot,
		RestoreKind:  cnn.KindRestore,
	}
	ArkanoidTarget = store.Target{
		Name:         ArkanoidServiceName,
		SnapshotKind: arkanoid.KindSnapshot,
		RestoreKind:  arkanoid.KindRestore,
	}
)

// MandelbrotResult is the outcome of RunMandelbrot.
type MandelbrotResult struct {
	Progress mandelbrot.Progress
	Rows     []engine.Entry[mandelbrot.PointResult]
	Resumed  bool
}

// Descriptor builds the point grid from the configuration.
func Descriptor(cfg config.MandelbrotConfig) (mandelbrot.Descriptor, error) {
	d := mandelbrot.Descriptor{Width: cfg.Width, Height: cfg.Height, MaxIter: cfg.MaxIter}
	bounds := []struct {
		dst *fixed.Decimal
		src string
	}{
		{&d.XMin, cfg.XMin},
		{&d.XMax, cfg.XMax},
		{&d.YMin, cfg.YMin},
		{&d.YMax, cfg.YMax},
	}
	for _, b := range bounds {
		v, err := fixed.ParseDecimal(b.src)
		if err != nil {
			return d, fmt.Errorf("grid bound %q: %w", b.src, err)
		}
		*b.dst = v
	}
	return d, d.Validate()
}

// RunMandelbrot spawns the manager and its checkers, starts or resumes the
// computation and waits for every point to be checked.
func RunMandelbrot(ctx context.Context, app *Application, resume bool) (MandelbrotResult, error) {
	var result MandelbrotResult
	cfg := app.Config().Mandelbrot
	logger := app.Logger()
	sys := app.System()

	desc, err := Descriptor(cfg)
	if err != nil {
		return result, err
	}

	manager := mandelbrot.NewManager(mandelbrot.ManagerOptions{
		PointsPerCall: cfg.PointsPerCall,
		BatchSize:     cfg.BatchSize,
		Window:        cfg.Window,
		Logger:        logger,
	})
	actor, err := sys.NewService(MandelbrotServiceName, manager, app.ActorOptions(MandelbrotServiceName))
	if err != nil {
		return result, err
	}
	id := actor.ID()

	// checker ids follow spawn order, so a restored roster names the same
	// checkers again
	workers := make([]core.ActorID, 0, cfg.Checkers)
	for i := 0; i < cfg.Checkers; i++ {
		opts := app.ActorOptions(fmt.Sprintf("checker-%d", i))
		checker := mandelbrot.NewChecker(mandelbrot.CheckerOptions{
			BatchSize: cfg.CheckerBatch,
			Logger:    logger,
		})
		a, err := sys.NewActor(checker, opts)
		if err != nil {
			return result, err
		}
		workers = append(workers, a.ID())
	}
	app.Snapshots().Track(MandelbrotTarget)

	callCtx, cancel := context.WithTimeout(ctx, app.Config().Actor.CallTimeout)
	defer cancel()

	if resume {
		result.Resumed, err = restore(callCtx, app, MandelbrotTarget)
		if err != nil {
			return result, err
		}
	}

	if result.Resumed {
		err = resumeMandelbrot(callCtx, sys, id, workers)
	} else {
		err = startMandelbrot(callCtx, sys, id, workers, mandelbrot.GeneratePoints{
			Descriptor:    desc,
			PointsPerCall: cfg.PointsPerCall,
			BatchSize:     cfg.BatchSize,
			Continue:      true,
			AutoDispatch:  true,
		})
	}
	if err != nil {
		return result, err
	}

	monitor := &driver.Monitor{
		Name: MandelbrotServiceName,
		Probe: driver.ProgressProbe(sys, id, mandelbrot.KindProgress, func(p mandelbrot.Progress) driver.Status {
			return driver.Status{
				Done:      p.Done(),
				Completed: p.Generated + p.Completed,
				Total:     2 * p.Total,
				Detail:    p.Cursor.String(),
			}
		}),
		Interval:   app.Config().Batch.PollInterval,
		StallPolls: app.Config().Batch.StallPolls,
		Logger:     logger,
	}
	if _, err := monitor.Run(ctx); err != nil {
		return result, err
	}

	result.Progress, err = driver.Query[mandelbrot.Progress](ctx, sys, id, mandelbrot.KindProgress)
	if err != nil {
		return result, err
	}
	for _, f := range result.Progress.Faults {
		logger.Warn("mandelbrot fault", "fault", f)
	}

	data, err := engine.Encode(mandelbrot.KindQuery, mandelbrot.Query{Start: 0, End: result.Progress.Total})
	if err != nil {
		return result, err
	}
	reply, err := sys.Call(ctx, id, data)
	if err != nil {
		return result, err
	}
	var rows mandelbrot.QueryResult
	if err := json.Unmarshal(reply, &rows); err != nil {
		return result, fmt.Errorf("decode query result: %w", err)
	}
	result.Rows = rows.Rows
	return result, nil
}

func startMandelbrot(ctx context.Context, sys core.ActorSystem, id core.ActorID, workers []core.ActorID, req mandelbrot.GeneratePoints) error {
	if err := call(ctx, sys, id, mandelbrot.KindRegisterWorkers, mandelbrot.RegisterWorkers{Workers: workers}); err != nil {
		return err
	}
	return call(ctx, sys, id, mandelbrot.KindGeneratePoints, req)
}

// resumeMandelbrot continues a restored computation. Batches that were out
// with checkers when the snapshot was taken are not sent again.
func resumeMandelbrot(ctx context.Context, sys core.ActorSystem, id core.ActorID, workers []core.ActorID) error {
	p, err := driver.Query[mandelbrot.Progress](ctx, sys, id, mandelbrot.KindProgress)
	if err != nil {
		return err
	}
	if p.Sent == 0 {
		if err := call(ctx, sys, id, mandelbrot.KindRegisterWorkers, mandelbrot.RegisterWorkers{Workers: workers}); err != nil {
			return err
		}
	}
	if p.Generated < p.Total {
		return call(ctx, sys, id, mandelbrot.KindResume, nil)
	}
	if p.Sent < p.Total {
		return sys.Send(core.NoActor, id, engine.DispatchRound{
			Generation:         p.Generation,
			Sent:               p.Sent,
			StopAfterExhausted: true,
		}.Encode())
	}
	return nil
}

// RunCNN spawns the cnn service, uploads the model and runs one prediction
// over the configured input, or resumes a saved one.
func RunCNN(ctx context.Context, app *Application, resume bool) (cnn.Output, error) {
	cfg := app.Config().CNN
	logger := app.Logger()
	sys := app.System()

	hints, err := cnn.HintsFromNames(cfg.Hints)
	if err != nil {
		return cnn.Output{}, err
	}
	service := cnn.NewService(cnn.ServiceOptions{Hints: hints, Logger: logger})
	actor, err := sys.NewService(CNNServiceName, service, app.ActorOptions(CNNServiceName))
	if err != nil {
		return cnn.Output{}, err
	}
	id := actor.ID()
	app.Snapshots().Track(CNNTarget)

	callCtx, cancel := context.WithTimeout(ctx, app.Config().Actor.CallTimeout)
	defer cancel()

	resumed := false
	if resume {
		resumed, err = restore(callCtx, app, CNNTarget)
		if err != nil {
			return cnn.Output{}, err
		}
	}

	if resumed {
		p, err := driver.Query[cnn.Progress](callCtx, sys, id, cnn.KindProgress)
		if err != nil {
			return cnn.Output{}, err
		}
		if !p.Started {
			return cnn.Output{}, fmt.Errorf("restored cnn service has no prediction to resume")
		}
		if !p.Done() {
			if err := call(callCtx, sys, id, cnn.KindResume, cnn.Resume{Continue: true}); err != nil {
				return cnn.Output{}, err
			}
		}
	} else if err := startCNN(callCtx, sys, id, cfg); err != nil {
		return cnn.Output{}, err
	}

	monitor := &driver.Monitor{
		Name: CNNServiceName,
		Probe: driver.ProgressProbe(sys, id, cnn.KindProgress, func(p cnn.Progress) driver.Status {
			return driver.Status{
				Done:      p.Done(),
				Completed: p.Batches,
				Detail:    p.Stage + " " + p.Cursor.String(),
			}
		}),
		Interval:   app.Config().Batch.PollInterval,
		StallPolls: app.Config().Batch.StallPolls,
		Logger:     logger,
	}
	if _, err := monitor.Run(ctx); err != nil {
		return cnn.Output{}, err
	}

	out, err := driver.Query[cnn.Output](ctx, sys, id, cnn.KindOutput)
	if err != nil {
		return out, err
	}
	if !out.Ready {
		return out, fmt.Errorf("cnn output not ready")
	}
	return out, nil
}

func startCNN(ctx context.Context, sys core.ActorSystem, id core.ActorID, cfg config.CNNConfig) error {
	if cfg.ModelFile == "" || cfg.InputFile == "" {
		return fmt.Errorf("cnn needs both a model file and an input file")
	}
	data, err := os.ReadFile(cfg.ModelFile)
	if err != nil {
		return err
	}
	model, err := cnn.DecodeModel(data)
	if err != nil {
		return fmt.Errorf("model %s: %w", cfg.ModelFile, err)
	}
	commands, err := cnn.UploadCommands(model, cfg.UploadRows)
	if err != nil {
		return err
	}
	for _, cmd := range commands {
		if _, err := sys.Call(ctx, id, cmd); err != nil {
			return fmt.Errorf("upload model: %w", err)
		}
	}

	pixels, err := os.ReadFile(cfg.InputFile)
	if err != nil {
		return err
	}
	return call(ctx, sys, id, cnn.KindPredict, cnn.Predict{Pixels: pixels, Continue: true})
}

// ArkanoidResult is the outcome of RunArkanoid.
type ArkanoidResult struct {
	Progress arkanoid.Progress
	Ball     arkanoid.Ball
	Resumed  bool
}

// RunArkanoid spawns the game service and simulates the configured number
// of ticks, or finishes a saved simulation.
func RunArkanoid(ctx context.Context, app *Application, resume bool) (ArkanoidResult, error) {
	var result ArkanoidResult
	cfg := app.Config().Arkanoid
	logger := app.Logger()
	sys := app.System()

	service := arkanoid.NewService(arkanoid.ServiceOptions{
		Hints:  engine.Hints{arkanoid.StageTick: cfg.TicksPerCall},
		Logger: logger,
	})
	actor, err := sys.NewService(ArkanoidServiceName, service, app.ActorOptions(ArkanoidServiceName))
	if err != nil {
		return result, err
	}
	id := actor.ID()
	app.Snapshots().Track(ArkanoidTarget)

	callCtx, cancel := context.WithTimeout(ctx, app.Config().Actor.CallTimeout)
	defer cancel()

	if resume {
		result.Resumed, err = restore(callCtx, app, ArkanoidTarget)
		if err != nil {
			return result, err
		}
	}

	start := true
	if result.Resumed {
		p, err := driver.Query[arkanoid.Progress](callCtx, sys, id, arkanoid.KindProgress)
		if err != nil {
			return result, err
		}
		switch {
		case p.Done():
			start = false
		case p.Started:
			start = false
			if err := call(callCtx, sys, id, arkanoid.KindResume, arkanoid.Resume{Continue: true}); err != nil {
				return result, err
			}
		}
	}
	if start {
		if err := call(callCtx, sys, id, arkanoid.KindSimulate, arkanoid.Simulate{Steps: cfg.Steps, Continue: true}); err != nil {
			return result, err
		}
	}

	monitor := &driver.Monitor{
		Name: ArkanoidServiceName,
		Probe: driver.ProgressProbe(sys, id, arkanoid.KindProgress, func(p arkanoid.Progress) driver.Status {
			return driver.Status{
				Done:      p.Done(),
				Completed: p.Cursor.Offset,
				Total:     p.Cursor.Total,
				Detail:    fmt.Sprintf("tick %d", p.Tick),
			}
		}),
		Interval:   app.Config().Batch.PollInterval,
		StallPolls: app.Config().Batch.StallPolls,
		Logger:     logger,
	}
	if _, err := monitor.Run(ctx); err != nil {
		return result, err
	}

	if result.Progress, err = driver.Query[arkanoid.Progress](ctx, sys, id, arkanoid.KindProgress); err != nil {
		return result, err
	}
	result.Ball, err = driver.Query[arkanoid.Ball](ctx, sys, id, arkanoid.KindBall)
	return result, err
}

// restore loads the target's snapshot into its actor. A missing snapshot
// is not an error.
func restore(ctx context.Context, app *Application, t store.Target) (bool, error) {
	snap, err := app.Store().Restore(ctx, app.System(), t)
	if errors.Is(err, store.ErrNotFound) {
		app.Logger().Info("no snapshot to resume, starting over", "actor", t.Name)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	app.Logger().Info("resuming", "actor", t.Name, "generation", snap.Generation, "cursor", snap.Cursor.String())
	return true, nil
}

func call(ctx context.Context, sys core.ActorSystem, id core.ActorID, kind engine.Kind, body any) error {
	data, err := engine.Encode(kind, body)
	if err != nil {
		return err
	}
	_, err = sys.Call(ctx, id, data)
	return err
}
