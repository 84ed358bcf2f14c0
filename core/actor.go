package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// actor implements the Actor interface.
type actor struct {
	id      ActorID
	name    string
	handler MessageHandler
	logger  *slog.Logger

	// Channel for receiving messages
	mailbox chan *Message

	// Committed outbox messages waiting for mailbox space, in commit order
	backlog   []*Message
	backlogMu sync.Mutex

	// Context for controlling the Actor lifecycle
	ctx    context.Context
	cancel context.CancelFunc

	// Wait group for graceful shutdown
	wg sync.WaitGroup

	// Router used to deliver the outbox; nil for a standalone actor
	router *router

	// Messages queued or in flight, shared by every actor of a system
	inflight *int64

	// Atomic counters for statistics
	state             int32 // ActorState
	messagesProcessed uint64
	invocationsFailed uint64
	lastCharge        uint64
	createdAt         time.Time
	lastMessageAt     int64 // Unix timestamp

	// Pending calls for synchronous communication
	pendingCalls   sync.Map // map[uint32]chan *Message
	sessionCounter uint32

	// Actor options
	opts ActorOptions
}

// NewActor creates a new Actor instance. A standalone actor can only deliver
// messages to itself; actors created through an ActorSystem route through it.
func NewActor(id ActorID, handler MessageHandler, opts ActorOptions) Actor {
	return newActor(id, handler, opts, nil, new(int64))
}

func newActor(id ActorID, handler MessageHandler, opts ActorOptions, router *router, inflight *int64) *actor {
	ctx, cancel := context.WithCancel(context.Background())

	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultActorOptions().MailboxSize
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = DefaultActorOptions().ProcessTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &actor{
		id:        id,
		name:      opts.Name,
		handler:   handler,
		logger:    logger.With("actor", uint32(id), "name", opts.Name),
		mailbox:   make(chan *Message, opts.MailboxSize),
		ctx:       ctx,
		cancel:    cancel,
		router:    router,
		inflight:  inflight,
		createdAt: time.Now(),
		opts:      opts,
	}

	atomic.StoreInt32(&a.state, int32(ActorStateIdle))

	return a
}

// ID returns the unique identifier of this Actor.
func (a *actor) ID() ActorID {
	return a.id
}

// Start begins the Actor's message processing loop.
func (a *actor) Start(ctx context.Context) error {
	currentState := ActorState(atomic.LoadInt32(&a.state))
	if currentState != ActorStateIdle {
		return fmt.Errorf("actor %d is already started (state: %s)", a.id, currentState)
	}

	a.wg.Add(1)
	go a.messageLoop()

	return nil
}

// Stop gracefully shuts down the Actor.
func (a *actor) Stop() error {
	if !atomic.CompareAndSwapInt32(&a.state, int32(ActorStateIdle), int32(ActorStateStopping)) &&
		!atomic.CompareAndSwapInt32(&a.state, int32(ActorStateRunning), int32(ActorStateStopping)) {
		return fmt.Errorf("actor %d cannot be stopped from state %s",
			a.id, ActorState(atomic.LoadInt32(&a.state)))
	}

	a.cancel()
	a.wg.Wait()

	atomic.StoreInt32(&a.state, int32(ActorStateStopped))

	return nil
}

// Send sends a message to this Actor's mailbox. It fails with
// ErrMailboxFull rather than wait; messages committed by other actors go
// through deliver instead.
func (a *actor) Send(msg *Message) error {
	currentState := ActorState(atomic.LoadInt32(&a.state))
	if currentState == ActorStateStopped || currentState == ActorStateStopping {
		return fmt.Errorf("actor %d (state: %s): %w", a.id, currentState, ErrActorStopped)
	}

	atomic.AddInt64(a.inflight, 1)
	select {
	case a.mailbox <- msg:
		return nil
	case <-a.ctx.Done():
		atomic.AddInt64(a.inflight, -1)
		return fmt.Errorf("actor %d: %w", a.id, ErrActorStopped)
	default:
		atomic.AddInt64(a.inflight, -1)
		return fmt.Errorf("actor %d: %w", a.id, ErrMailboxFull)
	}
}

// deliver queues a committed outbox message. When the mailbox is full the
// message waits in the backlog and is moved into the mailbox as space frees
// up, so it is never dropped while the actor runs.
func (a *actor) deliver(msg *Message) error {
	currentState := ActorState(atomic.LoadInt32(&a.state))
	if currentState == ActorStateStopped || currentState == ActorStateStopping {
		return fmt.Errorf("actor %d (state: %s): %w", a.id, currentState, ErrActorStopped)
	}

	a.backlogMu.Lock()
	defer a.backlogMu.Unlock()

	atomic.AddInt64(a.inflight, 1)
	if len(a.backlog) == 0 {
		select {
		case a.mailbox <- msg:
			return nil
		default:
		}
	}
	a.backlog = append(a.backlog, msg)
	return nil
}

// refill moves backlog messages into the mailbox while it has room.
func (a *actor) refill() {
	a.backlogMu.Lock()
	defer a.backlogMu.Unlock()

	n := 0
	for n < len(a.backlog) {
		select {
		case a.mailbox <- a.backlog[n]:
			n++
			continue
		default:
		}
		break
	}
	if n == 0 {
		return
	}
	remaining := copy(a.backlog, a.backlog[n:])
	clear(a.backlog[remaining:])
	a.backlog = a.backlog[:remaining]
}

// Call sends a request to this Actor and waits for its response.
func (a *actor) Call(ctx context.Context, msg *Message) (*Message, error) {
	session := atomic.AddUint32(&a.sessionCounter, 1)
	msg.Session = session
	msg.Type = MessageTypeRequest
	msg.Target = a.id

	respChan := make(chan *Message, 1)
	a.pendingCalls.Store(session, respChan)
	defer a.pendingCalls.Delete(session)

	if err := a.Send(msg); err != nil {
		return nil, err
	}

	select {
	case resp := <-respChan:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.ctx.Done():
		return nil, fmt.Errorf("actor %d: %w", a.id, ErrActorStopped)
	}
}

// Stats returns current runtime statistics for this Actor.
func (a *actor) Stats() ActorStats {
	lastMsg := atomic.LoadInt64(&a.lastMessageAt)
	var lastMessageAt time.Time
	if lastMsg > 0 {
		lastMessageAt = time.Unix(lastMsg, 0)
	}

	return ActorStats{
		ID:                a.id,
		Name:              a.name,
		State:             ActorState(atomic.LoadInt32(&a.state)),
		MessagesProcessed: atomic.LoadUint64(&a.messagesProcessed),
		InvocationsFailed: atomic.LoadUint64(&a.invocationsFailed),
		LastCharge:        atomic.LoadUint64(&a.lastCharge),
		MailboxSize:       len(a.mailbox),
		Backlog:           a.backlogLen(),
		CreatedAt:         a.createdAt,
		LastMessageAt:     lastMessageAt,
	}
}

func (a *actor) backlogLen() int {
	a.backlogMu.Lock()
	defer a.backlogMu.Unlock()
	return len(a.backlog)
}

// messageLoop is the main processing loop for the Actor.
func (a *actor) messageLoop() {
	defer a.wg.Done()

	for {
		select {
		case msg := <-a.mailbox:
			if msg == nil {
				continue
			}
			a.processMessage(msg)
			a.refill()

		case <-a.ctx.Done():
			a.drainMailbox()
			return
		}
	}
}

// processMessage runs one invocation to completion.
func (a *actor) processMessage(msg *Message) {
	atomic.StoreInt32(&a.state, int32(ActorStateRunning))
	defer atomic.CompareAndSwapInt32(&a.state, int32(ActorStateRunning), int32(ActorStateIdle))
	defer atomic.AddInt64(a.inflight, -1)

	atomic.AddUint64(&a.messagesProcessed, 1)
	atomic.StoreInt64(&a.lastMessageAt, time.Now().Unix())

	ctx, cancel := context.WithTimeout(a.ctx, a.opts.ProcessTimeout)
	defer cancel()

	inv := newInvocation(a.id, msg, a.opts.Quantum)
	err := a.invoke(ctx, inv)
	atomic.StoreUint64(&a.lastCharge, inv.meter.Used())

	if err != nil {
		atomic.AddUint64(&a.invocationsFailed, 1)
		a.logger.Warn("invocation aborted",
			"error", err,
			"charged", inv.meter.Used(),
			"discarded", len(inv.outbox))
	} else {
		a.flush(inv.outbox)
	}

	if msg.Session != 0 {
		a.sendResponse(msg, inv.reply, err)
	}
}

// invoke calls the handler, turning a panic into an error.
func (a *actor) invoke(ctx context.Context, inv *Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return a.handler.HandleMessage(ctx, inv)
}

// flush delivers the outbox of a successful invocation.
func (a *actor) flush(outbox []*Message) {
	for _, msg := range outbox {
		var err error
		switch {
		case msg.Target == a.id:
			err = a.deliver(msg)
		case a.router != nil:
			err = a.router.deliver(msg)
		default:
			err = fmt.Errorf("target actor %d: %w", msg.Target, ErrActorNotFound)
		}
		if err != nil {
			a.logger.Error("message delivery failed", "target", uint32(msg.Target), "error", err)
		}
	}
}

// sendResponse sends a response message for a call.
func (a *actor) sendResponse(originalMsg *Message, data []byte, err error) {
	respChan, ok := a.pendingCalls.Load(originalMsg.Session)
	if !ok {
		return
	}
	ch := respChan.(chan *Message)

	resp := &Message{
		Type:      MessageTypeResponse,
		Source:    a.id,
		Target:    originalMsg.Source,
		Session:   originalMsg.Session,
		Data:      data,
		Timestamp: time.Now(),
	}

	if err != nil {
		resp.Type = MessageTypeError
		resp.Data = []byte(err.Error())
	}

	select {
	case ch <- resp:
	default:
	}
}

// drainMailbox discards remaining messages during shutdown.
func (a *actor) drainMailbox() {
	a.backlogMu.Lock()
	backlog := a.backlog
	a.backlog = nil
	a.backlogMu.Unlock()
	atomic.AddInt64(a.inflight, -int64(len(backlog)))

	for {
		select {
		case msg := <-a.mailbox:
			atomic.AddInt64(a.inflight, -1)
			if msg != nil && msg.Session != 0 {
				a.sendResponse(msg, nil, fmt.Errorf("actor %d: %w", a.id, ErrActorStopped))
			}
		default:
			return
		}
	}
}
