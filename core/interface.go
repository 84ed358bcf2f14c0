package core

import (
	"context"
)

// MessageHandler processes incoming messages for an Actor.
type MessageHandler interface {
	// HandleMessage processes the message carried by inv.
	// Returning an error aborts the invocation: nothing sent through inv is
	// delivered and a pending caller receives the error.
	HandleMessage(ctx context.Context, inv *Invocation) error
}

// HandlerFunc adapts a function to the MessageHandler interface.
type HandlerFunc func(ctx context.Context, inv *Invocation) error

// HandleMessage calls f(ctx, inv).
func (f HandlerFunc) HandleMessage(ctx context.Context, inv *Invocation) error {
	return f(ctx, inv)
}

// Actor represents a computational unit that processes messages sequentially.
// Each Actor runs in its own goroutine and communicates through channels.
type Actor interface {
	// ID returns the unique identifier of this Actor.
	ID() ActorID

	// Start begins the Actor's message processing loop.
	// It should be called only once per Actor instance.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the Actor.
	// It will finish processing the current message before stopping.
	Stop() error

	// Send sends a message to this Actor's mailbox.
	// It returns an error if the Actor is stopped or mailbox is full.
	Send(msg *Message) error

	// Call sends a request to this Actor and waits for its response.
	Call(ctx context.Context, msg *Message) (*Message, error)

	// Stats returns current runtime statistics for this Actor.
	Stats() ActorStats
}

// Router manages message routing between Actors.
type Router interface {
	// Register adds an Actor to the routing table.
	Register(actor Actor) error

	// RegisterName binds a service name to a registered Actor.
	RegisterName(name string, id ActorID) error

	// Unregister removes an Actor and its name from the routing table.
	Unregister(id ActorID) error

	// Route sends a message to the target Actor.
	Route(msg *Message) error

	// Lookup finds an Actor by its ID.
	Lookup(id ActorID) (Actor, bool)

	// LookupName finds an Actor ID by service name.
	LookupName(name string) (ActorID, bool)

	// List returns all registered Actor IDs.
	List() []ActorID
}

// ActorSystem manages the lifecycle of all Actors in the system.
type ActorSystem interface {
	// NewActor creates, registers and starts a new Actor.
	NewActor(handler MessageHandler, opts ActorOptions) (Actor, error)

	// NewService creates an Actor reachable by name.
	NewService(name string, handler MessageHandler, opts ActorOptions) (Actor, error)

	// GetActor retrieves an Actor by its ID.
	GetActor(id ActorID) (Actor, bool)

	// Lookup resolves a service name.
	Lookup(name string) (ActorID, bool)

	// Send delivers data to an Actor without waiting.
	Send(from, to ActorID, data []byte) error

	// Call delivers a request and waits for the reply data.
	Call(ctx context.Context, to ActorID, data []byte) ([]byte, error)

	// WaitIdle blocks until no message is queued or being processed.
	WaitIdle(ctx context.Context) error

	// Shutdown gracefully stops all Actors in the system.
	Shutdown(ctx context.Context) error

	// Stats returns statistics for all Actors.
	Stats() []ActorStats
}
