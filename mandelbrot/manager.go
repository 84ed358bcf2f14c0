package mandelbrot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/najoast/stepwise/core"
	"github.com/najoast/stepwise/engine"
)

// Default tuning used when neither the request nor the options set a value.
const (
	DefaultPointsPerCall = 1000
	DefaultBatchSize     = 100
	DefaultWindow        = 4
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// PointsPerCall bounds the points generated per invocation.
	PointsPerCall int

	// BatchSize is the default number of points per checker per round.
	BatchSize int

	// Window is the number of unreported batches a checker may hold before
	// dispatch waits for its reports.
	Window int

	Logger *slog.Logger
}

// Manager generates the point grid, dispatches it to a roster of checkers
// and collects their reports. It is the message handler of one actor; all
// of its state is owned by that actor.
type Manager struct {
	opts   ManagerOptions
	logger *slog.Logger

	runner     *engine.Runner
	job        *job
	dispatcher *engine.Dispatcher[core.ActorID]

	// generating is set while a generation step scheduled by the manager is
	// outstanding.
	generating bool
	faults     []string

	// parked holds a dispatch round that found every checker at its window.
	// The next report re-issues it.
	parked *engine.DispatchRound
}

type job struct {
	request GeneratePoints
	gen     *generator
}

// NewManager returns a manager with an empty roster.
func NewManager(opts ManagerOptions) *Manager {
	if opts.PointsPerCall <= 0 {
		opts.PointsPerCall = DefaultPointsPerCall
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mandelbrot-manager")

	return &Manager{
		opts:       opts,
		logger:     logger,
		runner:     engine.NewRunner(engine.Hints{StageGenerate: opts.PointsPerCall}, logger),
		dispatcher: engine.NewDispatcher[core.ActorID](),
	}
}

// HandleMessage implements core.MessageHandler.
func (m *Manager) HandleMessage(ctx context.Context, inv *core.Invocation) error {
	env, err := engine.Decode(inv.Data())
	if err != nil {
		return err
	}

	switch env.Kind {
	case KindRegisterWorkers:
		return handle(env, func(req RegisterWorkers) error { return m.registerWorkers(req) })
	case KindRestart:
		m.restart()
		return nil
	case KindGeneratePoints:
		return handle(env, func(req GeneratePoints) error { return m.generatePoints(inv, req) })
	case KindResume:
		m.resume(inv)
		return nil
	case engine.KindStep:
		return handle(env, func(step engine.Step) error { return m.step(inv, step) })
	case engine.KindDispatchRound:
		return handle(env, func(d engine.DispatchRound) error { return m.dispatchRound(inv, d) })
	case KindReport:
		return handle(env, func(r Report) error { return m.report(inv, r) })
	case KindQuery:
		return handle(env, func(q Query) error { return reply(inv, m.query(q)) })
	case KindProgress:
		return reply(inv, m.progress())
	case KindSnapshot:
		return reply(inv, m.snapshot())
	case KindRestore:
		return handle(env, func(st ManagerState) error { return m.restore(st) })
	case KindCheckPoints:
		return fmt.Errorf("manager cannot check points: %w: %d", engine.ErrUnknownCommand, env.Kind)
	default:
		return fmt.Errorf("manager: %w: %d", engine.ErrUnknownCommand, env.Kind)
	}
}

func handle[T any](env engine.Envelope, fn func(T) error) error {
	var body T
	if err := env.Into(&body); err != nil {
		return err
	}
	return fn(body)
}

func reply(inv *core.Invocation, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	inv.Reply(data)
	return nil
}

func (m *Manager) registerWorkers(req RegisterWorkers) error {
	for _, w := range req.Workers {
		if w == core.NoActor {
			return fmt.Errorf("register workers: %w: reserved actor id", engine.ErrShapeMismatch)
		}
	}
	if err := m.dispatcher.Register(req.Workers...); err != nil {
		return err
	}
	m.logger.Info("workers registered", "added", len(req.Workers), "roster", len(m.dispatcher.Roster()))
	return nil
}

// restart drops the computation and its results. The roster is kept.
func (m *Manager) restart() {
	m.runner = engine.NewRunner(m.runner.Hints(), m.logger)
	m.job = nil
	m.generating = false
	m.faults = nil
	m.parked = nil
	m.dispatcher.Reset()
	m.logger.Info("computation reset")
}

func (m *Manager) generatePoints(inv *core.Invocation, req GeneratePoints) error {
	if err := req.Descriptor.Validate(); err != nil {
		return err
	}
	if req.PointsPerCall < 0 || req.BatchSize < 0 {
		return fmt.Errorf("generate points: %w", engine.ErrInvalidBatchSize)
	}
	if req.BatchSize == 0 {
		req.BatchSize = m.opts.BatchSize
	}
	hints := engine.Hints{StageGenerate: m.opts.PointsPerCall}
	if req.PointsPerCall > 0 {
		hints[StageGenerate] = req.PointsPerCall
	}

	gen, err := newGenerator(req.Descriptor)
	if err != nil {
		return err
	}

	runner := engine.NewRunner(hints, m.logger)
	next, err := runner.Start(inv, gen)
	if err != nil {
		return err
	}

	m.runner = runner
	m.job = &job{request: req, gen: gen}
	m.dispatcher.Reset()
	m.faults = nil
	m.parked = nil
	m.generating = false

	m.logger.Info("generation started",
		"generation", runner.Generation(),
		"total", req.Descriptor.Total(),
		"points_per_call", hints[StageGenerate])

	m.afterGenerate(inv, next)
	return nil
}

// afterGenerate schedules what follows a generation batch.
func (m *Manager) afterGenerate(inv *core.Invocation, next *engine.Step) {
	m.generating = false
	if next != nil {
		if m.job.request.Continue {
			inv.Send(inv.Self(), next.Encode())
			m.generating = true
		}
		return
	}

	m.logger.Info("generation finished", "generation", m.runner.Generation(), "points", m.job.gen.table.Len())
	if m.job.request.AutoDispatch {
		inv.Send(inv.Self(), engine.DispatchRound{
			Generation:         m.runner.Generation(),
			Sent:               m.dispatcher.Sent(),
			BatchSize:          m.job.request.BatchSize,
			StopAfterExhausted: true,
		}.Encode())
	}
}

// resume re-issues the continuation for the live cursor.
func (m *Manager) resume(inv *core.Invocation) {
	next, ok := m.runner.Resume()
	if !ok {
		m.logger.Debug("nothing to resume")
		return
	}
	inv.Send(inv.Self(), next.Encode())
	m.generating = true
}

func (m *Manager) step(inv *core.Invocation, s engine.Step) error {
	next, err := m.runner.Step(inv, s)
	if errors.Is(err, engine.ErrStale) {
		m.logger.Debug("discarding stale step", "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	m.afterGenerate(inv, next)
	return nil
}

func (m *Manager) dispatchRound(inv *core.Invocation, d engine.DispatchRound) error {
	if m.job == nil {
		m.logger.Debug("discarding dispatch round without computation")
		return nil
	}
	// A zero generation marks a round requested by a driver rather than a
	// continuation, which carries the state it was scheduled from.
	if d.Generation != uuid.Nil && (d.Generation != m.runner.Generation() || d.Sent != m.dispatcher.Sent()) {
		m.logger.Debug("discarding stale dispatch round",
			"generation", d.Generation, "sent", d.Sent, "live_sent", m.dispatcher.Sent())
		return nil
	}
	if d.BatchSize <= 0 {
		d.BatchSize = m.job.request.BatchSize
	}
	if len(m.dispatcher.Roster()) == 0 {
		m.logger.Warn("dispatch round with empty roster")
		return nil
	}

	table := m.job.gen.table
	m.dispatcher.SetWindow(m.opts.Window * d.BatchSize)
	assignments, err := m.dispatcher.Round(table.Len(), d.BatchSize)
	if err != nil {
		return err
	}

	for _, a := range assignments {
		if err := inv.Charge(uint64(a.Batch.Len())); err != nil {
			return err
		}
		points := make([]Point, 0, a.Batch.Len())
		for _, row := range table.Query(a.Batch.Start, a.Batch.End) {
			points = append(points, Point{Index: row.Index, Re: row.Value.Re, Im: row.Value.Im})
		}
		data, err := engine.Encode(KindCheckPoints, CheckPoints{
			Generation: m.runner.Generation(),
			Manager:    inv.Self(),
			MaxIter:    m.job.request.Descriptor.MaxIter,
			Points:     points,
		})
		if err != nil {
			return err
		}
		inv.Send(a.Worker, data)
	}

	sent := m.dispatcher.Sent()
	total := m.job.request.Descriptor.Total()
	again := sent < table.Len() || (sent < total && m.generating && !d.StopAfterExhausted)
	d.Generation = m.runner.Generation()
	d.Sent = sent
	// Rows are waiting but every checker is at its window.
	blocked := again && len(assignments) == 0 && sent < table.Len()
	switch {
	case blocked:
		m.parked = &d
	case again:
		inv.Send(inv.Self(), d.Encode())
	}

	m.logger.Debug("dispatch round",
		"assignments", len(assignments), "sent", sent, "generated", table.Len(),
		"rescheduled", again && !blocked, "parked", blocked)
	return nil
}

func (m *Manager) report(inv *core.Invocation, r Report) error {
	if m.job == nil || r.Generation != m.runner.Generation() {
		m.logger.Debug("discarding stale report", "generation", r.Generation, "points", len(r.Indexes))
		return nil
	}

	// The points are back from the checker whether or not the report holds.
	m.dispatcher.Ack(inv.Sender(), len(r.Indexes))
	if m.parked != nil {
		inv.Send(inv.Self(), m.parked.Encode())
		m.parked = nil
	}
	if len(r.Indexes) != len(r.Iterations) {
		return m.fault(fmt.Errorf("report: %w: %d indexes, %d results",
			engine.ErrShapeMismatch, len(r.Indexes), len(r.Iterations)))
	}

	table := m.job.gen.table
	seen := make(map[int]uint32, len(r.Indexes))
	for k, i := range r.Indexes {
		row, err := table.Get(i)
		if err != nil {
			return m.fault(fmt.Errorf("report: %w", err))
		}
		if prev, dup := seen[i]; dup && prev != r.Iterations[k] {
			return m.fault(fmt.Errorf("report: row %d reported twice: %w", i, engine.ErrConflictingReport))
		}
		seen[i] = r.Iterations[k]

		v := row.Value
		v.Iter = r.Iterations[k]
		if err := table.Check(i, v); err != nil {
			return m.fault(fmt.Errorf("report: %w", err))
		}
	}

	for k, i := range r.Indexes {
		row, _ := table.Get(i)
		v := row.Value
		v.Iter = r.Iterations[k]
		if err := table.Report(i, v); err != nil {
			return err
		}
	}
	if table.Completed() == m.job.request.Descriptor.Total() {
		m.logger.Info("all points checked", "generation", m.runner.Generation(), "points", table.Completed())
	}
	return nil
}

// fault records a rejected report. The report is dropped as a whole and the
// invocation still succeeds; drivers see the fault through Progress.
func (m *Manager) fault(err error) error {
	m.faults = append(m.faults, err.Error())
	m.logger.Error("rejected report", "error", err)
	return nil
}

// Faults returns the data-integrity faults recorded for the computation.
func (m *Manager) Faults() []string {
	return append([]string(nil), m.faults...)
}

func (m *Manager) query(q Query) QueryResult {
	if m.job == nil {
		return QueryResult{}
	}
	return QueryResult{Rows: m.job.gen.table.Query(q.Start, q.End)}
}

func (m *Manager) progress() Progress {
	p := Progress{
		Generation: m.runner.Generation(),
		Cursor:     m.runner.Cursor(),
		Sent:       m.dispatcher.Sent(),
		Workers:    len(m.dispatcher.Roster()),
		Faults:     m.Faults(),
	}
	if m.job != nil {
		p.Total = m.job.request.Descriptor.Total()
		p.Generated = m.job.gen.table.Len()
		p.Completed = m.job.gen.table.Completed()
	}
	return p
}
