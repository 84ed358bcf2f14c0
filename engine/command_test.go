package engine

import (
	"errors"
	"testing"
)

func TestStepEnvelope(t *testing.T) {
	s := Step{Generation: NewGeneration(), Stage: 3, Round: 2, Offset: 400}

	env, err := Decode(s.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Kind != KindStep {
		t.Fatalf("Expected KindStep, got %d", env.Kind)
	}

	var got Step
	if err := env.Into(&got); err != nil {
		t.Fatalf("Into: %v", err)
	}
	if got != s {
		t.Errorf("got %+v, want %+v", got, s)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{"body":{}}`)); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("Expected ErrUnknownCommand for missing kind, got %v", err)
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("Expected error for malformed envelope")
	}
}
