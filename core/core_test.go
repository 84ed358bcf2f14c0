package core

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// echoHandler replies with the data it receives.
type echoHandler struct{}

func (h *echoHandler) HandleMessage(ctx context.Context, inv *Invocation) error {
	inv.Reply(inv.Data())
	return nil
}

// recordingHandler keeps every payload it processes.
type recordingHandler struct {
	mu   sync.Mutex
	seen []string
}

func (h *recordingHandler) HandleMessage(ctx context.Context, inv *Invocation) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, string(inv.Data()))
	return nil
}

func (h *recordingHandler) payloads() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen...)
}

func newTestSystem(t *testing.T) ActorSystem {
	t.Helper()
	sys := NewActorSystem(nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sys.Shutdown(ctx)
	})
	return sys
}

func waitIdle(t *testing.T, sys ActorSystem) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sys.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
}

func TestNewActor(t *testing.T) {
	opts := DefaultActorOptions()
	opts.Name = "test-actor"

	actor := NewActor(1, &echoHandler{}, opts)

	if actor.ID() != 1 {
		t.Errorf("Expected actor ID 1, got %d", actor.ID())
	}

	stats := actor.Stats()
	if stats.Name != "test-actor" {
		t.Errorf("Expected actor name 'test-actor', got '%s'", stats.Name)
	}
	if stats.State != ActorStateIdle {
		t.Errorf("Expected initial state %s, got %s", ActorStateIdle, stats.State)
	}
}

func TestActorStartStop(t *testing.T) {
	actor := NewActor(2, &echoHandler{}, DefaultActorOptions())

	if err := actor.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start actor: %v", err)
	}
	if err := actor.Start(context.Background()); err == nil {
		t.Error("Expected second Start to fail")
	}

	if err := actor.Stop(); err != nil {
		t.Fatalf("Failed to stop actor: %v", err)
	}

	stats := actor.Stats()
	if stats.State != ActorStateStopped {
		t.Errorf("Expected final state %s, got %s", ActorStateStopped, stats.State)
	}

	if err := actor.Send(&Message{Target: 2}); !errors.Is(err, ErrActorStopped) {
		t.Errorf("Expected ErrActorStopped after stop, got %v", err)
	}
}

func TestActorCall(t *testing.T) {
	actor := NewActor(3, &echoHandler{}, DefaultActorOptions())
	if err := actor.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start actor: %v", err)
	}
	defer actor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := actor.Call(ctx, &Message{Data: []byte("ping")})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if resp.Type != MessageTypeResponse {
		t.Errorf("Expected response type, got %s", resp.Type)
	}
	if string(resp.Data) != "ping" {
		t.Errorf("Expected 'ping', got %q", resp.Data)
	}
}

func TestOutboxDeliveredOnSuccess(t *testing.T) {
	sys := newTestSystem(t)

	sink := &recordingHandler{}
	sinkActor, err := sys.NewActor(sink, ActorOptions{})
	if err != nil {
		t.Fatalf("NewActor: %v", err)
	}

	relay, err := sys.NewActor(HandlerFunc(func(ctx context.Context, inv *Invocation) error {
		inv.Send(sinkActor.ID(), []byte("a"))
		inv.Send(sinkActor.ID(), []byte("b"))
		return nil
	}), ActorOptions{})
	if err != nil {
		t.Fatalf("NewActor: %v", err)
	}

	if err := sys.Send(NoActor, relay.ID(), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitIdle(t, sys)

	got := sink.payloads()
	if strings.Join(got, ",") != "a,b" {
		t.Errorf("Expected [a b] in order, got %v", got)
	}
}

func TestOutboxDiscardedOnFailure(t *testing.T) {
	sys := newTestSystem(t)

	sink := &recordingHandler{}
	sinkActor, _ := sys.NewActor(sink, ActorOptions{})

	failing, _ := sys.NewActor(HandlerFunc(func(ctx context.Context, inv *Invocation) error {
		inv.Send(sinkActor.ID(), []byte("lost"))
		return errors.New("boom")
	}), ActorOptions{})

	if err := sys.Send(NoActor, failing.ID(), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitIdle(t, sys)

	if got := sink.payloads(); len(got) != 0 {
		t.Errorf("Expected no deliveries from a failed invocation, got %v", got)
	}
	if n := failing.Stats().InvocationsFailed; n != 1 {
		t.Errorf("Expected 1 failed invocation, got %d", n)
	}
}

func TestQuantumExceededAbortsInvocation(t *testing.T) {
	sys := newTestSystem(t)

	sink := &recordingHandler{}
	sinkActor, _ := sys.NewActor(sink, ActorOptions{})

	heavy, _ := sys.NewActor(HandlerFunc(func(ctx context.Context, inv *Invocation) error {
		inv.Send(sinkActor.ID(), []byte("partial"))
		for i := 0; i < 100; i++ {
			if err := inv.Charge(1); err != nil {
				return err
			}
		}
		return nil
	}), ActorOptions{Quantum: 10})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := sys.Call(ctx, heavy.ID(), nil)
	if err == nil || !strings.Contains(err.Error(), ErrQuantumExceeded.Error()) {
		t.Fatalf("Expected quantum error, got %v", err)
	}
	waitIdle(t, sys)

	if got := sink.payloads(); len(got) != 0 {
		t.Errorf("Expected outbox to be discarded, got %v", got)
	}
	if charge := heavy.Stats().LastCharge; charge != 11 {
		t.Errorf("Expected last charge 11, got %d", charge)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	sys := newTestSystem(t)

	a, _ := sys.NewActor(HandlerFunc(func(ctx context.Context, inv *Invocation) error {
		panic("bad state")
	}), ActorOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := sys.Call(ctx, a.ID(), nil); err == nil || !strings.Contains(err.Error(), "bad state") {
		t.Fatalf("Expected panic to surface as error, got %v", err)
	}

	// The actor keeps serving after a panic.
	if err := sys.Send(NoActor, a.ID(), nil); err != nil {
		t.Fatalf("Send after panic: %v", err)
	}
	waitIdle(t, sys)
	if n := a.Stats().MessagesProcessed; n != 2 {
		t.Errorf("Expected 2 processed messages, got %d", n)
	}
}

func TestSelfSendChain(t *testing.T) {
	sys := newTestSystem(t)

	var mu sync.Mutex
	var trail []int

	a, _ := sys.NewActor(HandlerFunc(func(ctx context.Context, inv *Invocation) error {
		n, err := strconv.Atoi(string(inv.Data()))
		if err != nil {
			return err
		}
		mu.Lock()
		trail = append(trail, n)
		mu.Unlock()
		if n > 0 {
			inv.Send(inv.Self(), []byte(strconv.Itoa(n-1)))
		}
		return nil
	}), ActorOptions{})

	if err := sys.Send(NoActor, a.ID(), []byte("5")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitIdle(t, sys)

	mu.Lock()
	defer mu.Unlock()
	if len(trail) != 6 || trail[0] != 5 || trail[5] != 0 {
		t.Errorf("Expected countdown 5..0, got %v", trail)
	}
}

func TestOutboxOverflowQueuedPastFullMailbox(t *testing.T) {
	sys := newTestSystem(t)
	const burst = 3000

	sink := &recordingHandler{}
	sinkActor, err := sys.NewActor(sink, ActorOptions{MailboxSize: 4})
	if err != nil {
		t.Fatalf("NewActor: %v", err)
	}

	// Each relay invocation commits far more messages than the sink's
	// mailbox holds, then continues itself past its own small mailbox.
	relay, err := sys.NewActor(HandlerFunc(func(ctx context.Context, inv *Invocation) error {
		round, err := strconv.Atoi(string(inv.Data()))
		if err != nil {
			return err
		}
		for i := 0; i < burst; i++ {
			inv.Send(sinkActor.ID(), []byte(strconv.Itoa(round*burst+i)))
		}
		if round == 0 {
			for i := 0; i < 10; i++ {
				inv.Send(inv.Self(), []byte("1"))
			}
		}
		return nil
	}), ActorOptions{MailboxSize: 2})
	if err != nil {
		t.Fatalf("NewActor: %v", err)
	}

	if err := sys.Send(NoActor, relay.ID(), []byte("0")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sys.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}

	got := sink.payloads()
	if len(got) != 11*burst {
		t.Fatalf("Expected %d delivered messages, got %d", 11*burst, len(got))
	}
	for i := 0; i < burst; i++ {
		if got[i] != strconv.Itoa(i) {
			t.Fatalf("Expected message %d in commit order, got %q", i, got[i])
		}
	}
	if st := sinkActor.Stats(); st.Backlog != 0 || st.MailboxSize != 0 {
		t.Errorf("Expected drained sink, got mailbox %d backlog %d", st.MailboxSize, st.Backlog)
	}
	if st := relay.Stats(); st.MessagesProcessed != 11 || st.InvocationsFailed != 0 {
		t.Errorf("Expected 11 clean relay invocations, got %+v", st)
	}
}

func TestSendStillRejectsFullMailbox(t *testing.T) {
	block := make(chan struct{})
	a := NewActor(1, HandlerFunc(func(ctx context.Context, inv *Invocation) error {
		<-block
		return nil
	}), ActorOptions{MailboxSize: 1, ProcessTimeout: time.Second})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		close(block)
		_ = a.Stop()
	}()

	var full error
	for i := 0; i < 3 && full == nil; i++ {
		full = a.Send(&Message{Target: 1})
	}
	if !errors.Is(full, ErrMailboxFull) {
		t.Errorf("Expected ErrMailboxFull from a direct send, got %v", full)
	}
}

func TestNewServiceLookup(t *testing.T) {
	sys := newTestSystem(t)

	svc, err := sys.NewService("echo", &echoHandler{}, ActorOptions{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	id, ok := sys.Lookup("echo")
	if !ok || id != svc.ID() {
		t.Errorf("Expected lookup to return %d, got %d (%v)", svc.ID(), id, ok)
	}
	if svc.Stats().Name != "echo" {
		t.Errorf("Expected service name to default to 'echo', got %q", svc.Stats().Name)
	}

	if _, err := sys.NewService("echo", &echoHandler{}, ActorOptions{}); err == nil {
		t.Error("Expected duplicate service name to fail")
	}

	if _, ok := sys.Lookup("missing"); ok {
		t.Error("Expected lookup of unknown service to fail")
	}
}

func TestSendToUnknownActor(t *testing.T) {
	sys := newTestSystem(t)

	if err := sys.Send(NoActor, 999, nil); !errors.Is(err, ErrActorNotFound) {
		t.Errorf("Expected ErrActorNotFound, got %v", err)
	}
}

func TestShutdownRejectsNewActors(t *testing.T) {
	sys := NewActorSystem(nil)
	if _, err := sys.NewActor(&echoHandler{}, ActorOptions{}); err != nil {
		t.Fatalf("NewActor: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sys.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, err := sys.NewActor(&echoHandler{}, ActorOptions{}); !errors.Is(err, ErrSystemShutdown) {
		t.Errorf("Expected ErrSystemShutdown, got %v", err)
	}

	for _, st := range sys.Stats() {
		if st.State != ActorStateStopped {
			t.Errorf("Expected actor %d stopped, got %s", st.ID, st.State)
		}
	}
}

func TestMeter(t *testing.T) {
	m := NewMeter(10)
	if err := m.Charge(10); err != nil {
		t.Fatalf("Charge up to limit should succeed: %v", err)
	}
	if m.Remaining() != 0 {
		t.Errorf("Expected 0 remaining, got %d", m.Remaining())
	}
	if err := m.Charge(1); !errors.Is(err, ErrQuantumExceeded) {
		t.Errorf("Expected ErrQuantumExceeded, got %v", err)
	}

	unmetered := NewMeter(0)
	if err := unmetered.Charge(1 << 40); err != nil {
		t.Errorf("Unmetered charge failed: %v", err)
	}
}
