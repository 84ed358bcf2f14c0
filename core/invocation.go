package core

import (
	"fmt"
	"time"
)

// Meter tracks the work units charged by one invocation.
type Meter struct {
	limit uint64
	used  uint64
}

// NewMeter returns a meter allowing limit units. A zero limit never trips.
func NewMeter(limit uint64) *Meter {
	return &Meter{limit: limit}
}

// Charge records units of work and fails once the quantum is exhausted.
func (m *Meter) Charge(units uint64) error {
	m.used += units
	if m.limit > 0 && m.used > m.limit {
		return fmt.Errorf("charged %d of %d units: %w", m.used, m.limit, ErrQuantumExceeded)
	}
	return nil
}

// Used returns the units charged so far.
func (m *Meter) Used() uint64 {
	return m.used
}

// Remaining returns the units left, or 0 for an unmetered invocation.
func (m *Meter) Remaining() uint64 {
	if m.limit == 0 || m.used >= m.limit {
		return 0
	}
	return m.limit - m.used
}

// Invocation is the view a handler gets of the message being processed.
// It is only valid for the duration of one HandleMessage call.
type Invocation struct {
	self   ActorID
	msg    *Message
	meter  *Meter
	outbox []*Message
	reply  []byte
}

// NewInvocation builds an invocation of msg on actor self outside the host,
// for driving a handler directly.
func NewInvocation(self ActorID, msg *Message, quantum uint64) *Invocation {
	return newInvocation(self, msg, quantum)
}

func newInvocation(self ActorID, msg *Message, quantum uint64) *Invocation {
	return &Invocation{
		self:  self,
		msg:   msg,
		meter: NewMeter(quantum),
	}
}

// Self returns the ID of the Actor processing the message.
func (inv *Invocation) Self() ActorID {
	return inv.self
}

// Sender returns the ID of the Actor that sent the message.
func (inv *Invocation) Sender() ActorID {
	return inv.msg.Source
}

// Message returns the message being processed.
func (inv *Invocation) Message() *Message {
	return inv.msg
}

// Data returns the payload of the message being processed.
func (inv *Invocation) Data() []byte {
	return inv.msg.Data
}

// Charge records units of work against the invocation's quantum.
func (inv *Invocation) Charge(units uint64) error {
	return inv.meter.Charge(units)
}

// Meter returns the invocation's meter.
func (inv *Invocation) Meter() *Meter {
	return inv.meter
}

// Send queues data for delivery to another Actor (or to Self) once the
// invocation completes successfully.
func (inv *Invocation) Send(to ActorID, data []byte) {
	inv.outbox = append(inv.outbox, &Message{
		Type:      MessageTypeTell,
		Source:    inv.self,
		Target:    to,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// Reply sets the response returned to a caller waiting in Call.
func (inv *Invocation) Reply(data []byte) {
	inv.reply = data
}

// Response returns the data set by Reply.
func (inv *Invocation) Response() []byte {
	return inv.reply
}

// Outbox returns the messages queued so far.
func (inv *Invocation) Outbox() []*Message {
	return inv.outbox
}
