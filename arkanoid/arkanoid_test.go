package arkanoid

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/najoast/stepwise/core"
	"github.com/najoast/stepwise/engine"
)

const serviceID core.ActorID = 1

func invoke(t *testing.T, h core.MessageHandler, data []byte) *core.Invocation {
	t.Helper()
	inv := core.NewInvocation(serviceID, &core.Message{Target: serviceID, Data: data}, 0)
	if err := h.HandleMessage(context.Background(), inv); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	return inv
}

// drain delivers data and every message the service sends itself until
// the outbox stays empty.
func drain(t *testing.T, h core.MessageHandler, data []byte) {
	t.Helper()
	queue := [][]byte{data}
	for len(queue) > 0 {
		inv := invoke(t, h, queue[0])
		queue = queue[1:]
		for _, msg := range inv.Outbox() {
			queue = append(queue, msg.Data)
		}
	}
}

func mustEncode(t *testing.T, kind engine.Kind, body any) []byte {
	t.Helper()
	data, err := engine.Encode(kind, body)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data
}

func decodeReply[T any](t *testing.T, inv *core.Invocation) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(inv.Response(), &v); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return v
}

func progressOf(t *testing.T, s *Service) Progress {
	t.Helper()
	return decodeReply[Progress](t, invoke(t, s, mustEncode(t, KindProgress, nil)))
}

func ballOf(t *testing.T, s *Service) Ball {
	t.Helper()
	return decodeReply[Ball](t, invoke(t, s, mustEncode(t, KindBall, nil)))
}

func TestNewGame(t *testing.T) {
	g := NewGame()
	if len(g.Blocks) != 94 {
		t.Errorf("Expected 94 bricks, got %d", len(g.Blocks))
	}
	if want := (Ball{X: 435, Y: 745, Radius: 10, VelocityX: 6, VelocityY: -6}); g.Ball != want {
		t.Errorf("ball = %+v, want %+v", g.Ball, want)
	}
	if g.Paddle.X != 270 || g.Paddle.Y != 755 || g.Paddle.Direction != 1 {
		t.Errorf("paddle = %+v", g.Paddle)
	}
	// Bricks are centred: the first column starts 170 units in.
	if first := g.Blocks[0]; first.X1 != 170+2*(BlockWidth+BlockMargin) || first.Y1 != 50 {
		t.Errorf("first brick = %+v", first)
	}
}

func TestGameTrajectory(t *testing.T) {
	tests := []struct {
		ticks     int
		ball      Ball
		hits      uint32
		destroyed uint32
		over      bool
	}{
		{1, Ball{X: 441, Y: 739, Radius: 10, VelocityX: 6, VelocityY: -6}, 0, 0, false},
		{100, Ball{X: 555, Y: 145, Radius: 10, VelocityX: -6, VelocityY: -6}, 0, 0, false},
		{200, Ball{X: 675, Y: 229, Radius: 10, VelocityX: 6, VelocityY: -6}, 0, 5, false},
		{500, Ball{X: 75, Y: 805, Radius: 10, VelocityX: -6, VelocityY: 6}, 1, 9, false},
		{1000, Ball{X: 69, Y: 811, Radius: 10, VelocityX: -6, VelocityY: 6}, 1, 9, true},
	}

	for _, tt := range tests {
		g := NewGame()
		destroyed := 0
		for i := 0; i < tt.ticks; i++ {
			destroyed += len(g.Update())
		}
		if g.Ball != tt.ball {
			t.Errorf("after %d ticks: ball = %+v, want %+v", tt.ticks, g.Ball, tt.ball)
		}
		if g.PaddleHits != tt.hits || g.DestroyedBlocks != tt.destroyed || g.Over != tt.over {
			t.Errorf("after %d ticks: hits %d destroyed %d over %v", tt.ticks, g.PaddleHits, g.DestroyedBlocks, g.Over)
		}
		if destroyed != int(tt.destroyed) || len(g.Blocks) != 94-destroyed {
			t.Errorf("after %d ticks: %d bricks reported destroyed, %d left", tt.ticks, destroyed, len(g.Blocks))
		}
		if g.Tick != uint64(tt.ticks) {
			t.Errorf("tick = %d, want %d", g.Tick, tt.ticks)
		}
	}

	g := NewGame()
	for i := 0; i < 600; i++ {
		g.Update()
	}
	if g.OverTick != 501 {
		t.Errorf("Expected the ball to be lost on tick 501, got %d", g.OverTick)
	}
}

func TestSimulationExecute(t *testing.T) {
	g := NewGame()
	sim := &simulation{game: g, steps: 100}

	// Ten ticks over 94 bricks cannot fit in 500 units.
	if err := sim.Execute(core.NewMeter(500), StageTick, 0, engine.Batch{Start: 0, End: 10}); !errors.Is(err, core.ErrQuantumExceeded) {
		t.Fatalf("Expected ErrQuantumExceeded, got %v", err)
	}
	if g.Tick != 0 || g.Ball.X != 435 {
		t.Fatalf("Expected an aborted batch to leave the game alone, got tick %d ball %+v", g.Tick, g.Ball)
	}

	if err := sim.Execute(engine.Unmetered{}, StageTick, 0, engine.Batch{Start: 0, End: 10}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	ball := g.Ball
	if err := sim.Execute(engine.Unmetered{}, StageTick, 0, engine.Batch{Start: 0, End: 10}); err != nil || g.Ball != ball {
		t.Errorf("Expected a repeated batch to change nothing, got %v, ball %+v", err, g.Ball)
	}
	if err := sim.Execute(engine.Unmetered{}, StageTick, 0, engine.Batch{Start: 20, End: 30}); !errors.Is(err, engine.ErrShapeMismatch) {
		t.Errorf("Expected a gap to be rejected, got %v", err)
	}
	if _, err := sim.Size(StageTick+1, 0); !errors.Is(err, engine.ErrShapeMismatch) {
		t.Errorf("Expected unknown stage to be rejected, got %v", err)
	}
}

func TestServiceSimulate(t *testing.T) {
	s := NewService(ServiceOptions{Hints: engine.Hints{StageTick: 30}})

	drain(t, s, mustEncode(t, KindSimulate, Simulate{Steps: 200, Continue: true}))
	p := progressOf(t, s)
	if !p.Done() || p.Tick != 200 || p.Batches != 7 || p.DestroyedBlocks != 5 {
		t.Fatalf("Expected 200 ticks in 7 batches, got %+v", p)
	}
	if b := ballOf(t, s); b.X != 675 || b.Y != 229 {
		t.Errorf("ball = %+v", b)
	}

	// The game carries over into the next simulation.
	drain(t, s, mustEncode(t, KindSimulate, Simulate{Steps: 300, Continue: true}))
	p = progressOf(t, s)
	if !p.Done() || p.Tick != 500 || p.PaddleHits != 1 || p.BlocksLeft != 85 || p.Over {
		t.Fatalf("Expected 500 ticks with one paddle hit, got %+v", p)
	}
	if b := ballOf(t, s); b.X != 75 || b.Y != 805 {
		t.Errorf("ball = %+v", b)
	}

	drain(t, s, mustEncode(t, KindSimulate, Simulate{Steps: 0, Continue: true}))
	if p := progressOf(t, s); !p.Done() || p.Tick != 500 {
		t.Errorf("Expected an empty simulation to finish at once, got %+v", p)
	}

	invoke(t, s, mustEncode(t, KindRestart, nil))
	if p := progressOf(t, s); p.Started || p.Tick != 0 || p.BlocksLeft != 94 {
		t.Errorf("Expected a fresh game after restart, got %+v", p)
	}
}

func TestServiceStepsOnRequest(t *testing.T) {
	s := NewService(ServiceOptions{Hints: engine.Hints{StageTick: 30}})

	start := invoke(t, s, mustEncode(t, KindSimulate, Simulate{Steps: 100}))
	if len(start.Outbox()) != 0 {
		t.Fatalf("Expected no continuation without Continue, got %d messages", len(start.Outbox()))
	}
	if p := progressOf(t, s); p.Tick != 30 || p.Done() {
		t.Fatalf("Expected one batch of 30 ticks, got %+v", p)
	}

	busy := core.NewInvocation(serviceID, &core.Message{Target: serviceID, Data: mustEncode(t, KindSimulate, Simulate{Steps: 5})}, 0)
	if err := s.HandleMessage(context.Background(), busy); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}

	step := invoke(t, s, mustEncode(t, KindResume, Resume{}))
	if len(step.Outbox()) != 1 {
		t.Fatalf("Expected resume to issue one step, got %d", len(step.Outbox()))
	}
	invoke(t, s, step.Outbox()[0].Data)
	if late := invoke(t, s, step.Outbox()[0].Data); len(late.Outbox()) != 0 {
		t.Error("Expected a replayed step to be a no-op")
	}
	if p := progressOf(t, s); p.Tick != 60 {
		t.Errorf("Expected 60 ticks, got %d", p.Tick)
	}

	drain(t, s, mustEncode(t, KindResume, Resume{Continue: true}))
	if p := progressOf(t, s); !p.Done() || p.Tick != 100 {
		t.Errorf("Expected 100 ticks, got %+v", p)
	}
	if b := ballOf(t, s); b.X != 555 || b.Y != 145 {
		t.Errorf("ball = %+v", b)
	}
}

func TestServiceSnapshotRestore(t *testing.T) {
	s := NewService(ServiceOptions{Hints: engine.Hints{StageTick: 30}})
	invoke(t, s, mustEncode(t, KindSimulate, Simulate{Steps: 100}))

	st := decodeReply[ServiceState](t, invoke(t, s, mustEncode(t, KindSnapshot, nil)))
	if st.Runner.Cursor.Offset != 30 || st.Game.Tick != 30 || st.Steps != 100 {
		t.Fatalf("unexpected snapshot %+v", st)
	}

	restored := NewService(ServiceOptions{Hints: engine.Hints{StageTick: 30}})
	invoke(t, restored, mustEncode(t, KindRestore, st))
	drain(t, restored, mustEncode(t, KindResume, Resume{Continue: true}))
	p := progressOf(t, restored)
	if !p.Done() || p.Tick != 100 || p.Generation != st.Runner.Generation {
		t.Fatalf("Expected restored simulation to finish, got %+v", p)
	}
	if b := ballOf(t, restored); b.X != 555 || b.Y != 145 || b.VelocityX != -6 {
		t.Errorf("ball = %+v", b)
	}

	bad := st
	game := *st.Game
	game.Tick = 50
	bad.Game = &game
	inv := core.NewInvocation(serviceID, &core.Message{Target: serviceID, Data: mustEncode(t, KindRestore, bad)}, 0)
	if err := restored.HandleMessage(context.Background(), inv); !errors.Is(err, engine.ErrShapeMismatch) {
		t.Errorf("Expected a game out of step with its cursor to be rejected, got %v", err)
	}
}
