package core

import (
	"errors"
	"log/slog"
	"time"
)

// ActorID represents a unique identifier for an Actor.
type ActorID uint32

// NoActor is the zero ActorID. It is never assigned to a live actor.
const NoActor ActorID = 0

// MessageType defines the type of message being sent.
type MessageType uint8

// Message represents communication data between Actors.
type Message struct {
	// ID is a unique identifier for this message
	ID uint64

	// Type indicates the message category
	Type MessageType

	// Source is the ID of the sending Actor
	Source ActorID

	// Target is the ID of the receiving Actor
	Target ActorID

	// Session is used for request-response correlation
	Session uint32

	// Data contains the encoded command
	Data []byte

	// Timestamp when the message was created
	Timestamp time.Time
}

const (
	// MessageTypeTell is a one-way message
	MessageTypeTell MessageType = iota

	// MessageTypeRequest expects a response on the caller's session
	MessageTypeRequest

	// MessageTypeResponse carries the reply to a request
	MessageTypeResponse

	// MessageTypeError carries a failed invocation's error text
	MessageTypeError
)

// String returns the string representation of MessageType.
func (t MessageType) String() string {
	switch t {
	case MessageTypeTell:
		return "tell"
	case MessageTypeRequest:
		return "request"
	case MessageTypeResponse:
		return "response"
	case MessageTypeError:
		return "error"
	default:
		return "unknown"
	}
}

// ActorState represents the current state of an Actor.
type ActorState uint8

const (
	// ActorStateIdle means the Actor is waiting for messages
	ActorStateIdle ActorState = iota

	// ActorStateRunning means the Actor is processing a message
	ActorStateRunning

	// ActorStateStopping means the Actor is shutting down
	ActorStateStopping

	// ActorStateStopped means the Actor has been stopped
	ActorStateStopped
)

// String returns the string representation of ActorState.
func (s ActorState) String() string {
	switch s {
	case ActorStateIdle:
		return "idle"
	case ActorStateRunning:
		return "running"
	case ActorStateStopping:
		return "stopping"
	case ActorStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Host errors.
var (
	ErrQuantumExceeded = errors.New("execution quantum exceeded")
	ErrMailboxFull     = errors.New("mailbox is full")
	ErrActorStopped    = errors.New("actor is not running")
	ErrActorNotFound   = errors.New("actor not found")
	ErrSystemShutdown  = errors.New("actor system is shutting down")
	ErrRemote          = errors.New("remote invocation failed")
)

// ActorOptions contains configuration options for creating an Actor.
type ActorOptions struct {
	// MailboxSize sets the size of the Actor's message queue
	MailboxSize int

	// Name is a human-readable name for the Actor
	Name string

	// ProcessTimeout bounds the wall time of one invocation
	ProcessTimeout time.Duration

	// Quantum is the number of work units one invocation may charge.
	// Zero disables metering.
	Quantum uint64

	// Logger receives invocation failures; slog.Default() when nil
	Logger *slog.Logger
}

// DefaultActorOptions returns sensible default options.
func DefaultActorOptions() ActorOptions {
	return ActorOptions{
		MailboxSize:    1000,
		ProcessTimeout: 30 * time.Second,
		Quantum:        1_000_000,
	}
}

// ActorStats contains runtime statistics for an Actor.
type ActorStats struct {
	// ID of the Actor
	ID ActorID

	// Name of the Actor
	Name string

	// Current state
	State ActorState

	// Total messages processed
	MessagesProcessed uint64

	// Invocations that returned an error; their outbox was discarded
	InvocationsFailed uint64

	// Work units charged by the most recent invocation
	LastCharge uint64

	// Messages currently in mailbox
	MailboxSize int

	// Committed messages waiting for mailbox space
	Backlog int

	// Time when Actor was created
	CreatedAt time.Time

	// Last message processing time
	LastMessageAt time.Time
}
