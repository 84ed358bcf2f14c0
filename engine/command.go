package engine

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Kind tags the payload of an Envelope. Kinds below KindUser are reserved
// for engine commands; each program numbers its own commands from KindUser.
type Kind uint8

const (
	// KindStep carries a Step continuation.
	KindStep Kind = iota + 1

	// KindDispatchRound carries a DispatchRound continuation.
	KindDispatchRound

	// KindUser is the first kind available to programs.
	KindUser Kind = 16
)

// Envelope is the wire form of every command exchanged between actors.
type Envelope struct {
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Encode wraps body in an envelope of the given kind.
func Encode(kind Kind, body any) ([]byte, error) {
	env := Envelope{Kind: kind}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode command %d: %w", kind, err)
		}
		env.Body = raw
	}
	return json.Marshal(env)
}

// MustEncode is Encode for bodies that cannot fail to marshal.
func MustEncode(kind Kind, body any) []byte {
	data, err := Encode(kind, body)
	if err != nil {
		panic(err)
	}
	return data
}

// Decode parses an envelope without interpreting its body.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Kind == 0 {
		return Envelope{}, fmt.Errorf("decode envelope: %w: kind 0", ErrUnknownCommand)
	}
	return env, nil
}

// Into unmarshals the envelope body into v.
func (e Envelope) Into(v any) error {
	if len(e.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("decode command %d: %w", e.Kind, err)
	}
	return nil
}

// NewGeneration mints the identifier of a fresh computation.
func NewGeneration() uuid.UUID {
	return uuid.New()
}

// Step is the continuation that resumes a computation at a cursor position.
type Step struct {
	Generation uuid.UUID `json:"generation"`
	Stage      Stage     `json:"stage"`
	Round      int       `json:"round"`
	Offset     int       `json:"offset"`
}

// Encode returns the envelope bytes of s.
func (s Step) Encode() []byte {
	return MustEncode(KindStep, s)
}

// DispatchRound is the continuation that issues one round of batches to a
// worker roster.
type DispatchRound struct {
	Generation         uuid.UUID `json:"generation"`
	Sent               int       `json:"sent"`
	BatchSize          int       `json:"batch_size"`
	StopAfterExhausted bool      `json:"stop_after_exhausted"`
}

// Encode returns the envelope bytes of d.
func (d DispatchRound) Encode() []byte {
	return MustEncode(KindDispatchRound, d)
}
