package core

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// router implements the Router interface.
type router struct {
	// Map of Actor ID to Actor instance
	actors sync.Map // map[ActorID]Actor

	// Map of service name to Actor ID
	names sync.Map // map[string]ActorID

	// Counter for generating unique Actor IDs
	idCounter uint32
}

// NewRouter creates a new Router instance.
func NewRouter() Router {
	return &router{}
}

// Register adds an Actor to the routing table.
func (r *router) Register(actor Actor) error {
	if actor == nil {
		return fmt.Errorf("cannot register nil actor")
	}

	id := actor.ID()
	if id == NoActor {
		return fmt.Errorf("cannot register actor with reserved ID %d", id)
	}
	if _, exists := r.actors.LoadOrStore(id, actor); exists {
		return fmt.Errorf("actor with ID %d already registered", id)
	}

	return nil
}

// RegisterName binds a service name to a registered Actor.
func (r *router) RegisterName(name string, id ActorID) error {
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if _, exists := r.actors.Load(id); !exists {
		return fmt.Errorf("actor %d: %w", id, ErrActorNotFound)
	}
	if existing, loaded := r.names.LoadOrStore(name, id); loaded {
		return fmt.Errorf("service name %q already bound to actor %d", name, existing.(ActorID))
	}
	return nil
}

// Unregister removes an Actor and its names from the routing table.
func (r *router) Unregister(id ActorID) error {
	if _, exists := r.actors.LoadAndDelete(id); !exists {
		return fmt.Errorf("actor %d: %w", id, ErrActorNotFound)
	}

	r.names.Range(func(key, value interface{}) bool {
		if value.(ActorID) == id {
			r.names.Delete(key)
		}
		return true
	})

	return nil
}

// Route sends a message to the target Actor.
func (r *router) Route(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("cannot route nil message")
	}

	actor, exists := r.actors.Load(msg.Target)
	if !exists {
		return fmt.Errorf("target actor %d: %w", msg.Target, ErrActorNotFound)
	}

	return actor.(Actor).Send(msg)
}

// deliver hands a committed outbox message to its target, queueing it past
// a full mailbox.
func (r *router) deliver(msg *Message) error {
	target, exists := r.actors.Load(msg.Target)
	if !exists {
		return fmt.Errorf("target actor %d: %w", msg.Target, ErrActorNotFound)
	}
	if a, ok := target.(*actor); ok {
		return a.deliver(msg)
	}
	return target.(Actor).Send(msg)
}

// Lookup finds an Actor by its ID.
func (r *router) Lookup(id ActorID) (Actor, bool) {
	if actor, exists := r.actors.Load(id); exists {
		return actor.(Actor), true
	}
	return nil, false
}

// LookupName finds an Actor ID by service name.
func (r *router) LookupName(name string) (ActorID, bool) {
	if id, exists := r.names.Load(name); exists {
		return id.(ActorID), true
	}
	return NoActor, false
}

// List returns all registered Actor IDs.
func (r *router) List() []ActorID {
	var ids []ActorID

	r.actors.Range(func(key, value interface{}) bool {
		ids = append(ids, key.(ActorID))
		return true
	})

	return ids
}

// nextID generates the next available Actor ID.
func (r *router) nextID() ActorID {
	return ActorID(atomic.AddUint32(&r.idCounter, 1))
}
