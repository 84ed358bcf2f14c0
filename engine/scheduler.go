package engine

// Outcome is the continuation chosen after a batch.
type Outcome uint8

const (
	// Continue schedules the next batch of the same stage.
	Continue Outcome = iota

	// Transition schedules the first batch of the next stage.
	Transition

	// Terminal ends the computation; nothing is scheduled.
	Terminal
)

// String returns the string representation of Outcome.
func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Transition:
		return "transition"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Decision is the result of Decide.
type Decision struct {
	Outcome Outcome
	Stage   Stage
	Round   int
	Offset  int
}

// Decide picks the single continuation that follows cursor c.
func Decide(g Graph, c Cursor) Decision {
	if !c.StageComplete() {
		return Decision{Outcome: Continue, Stage: c.Stage, Round: c.Round, Offset: c.Offset}
	}
	next, round, ok := g.Next(c.Stage, c.Round)
	if !ok {
		return Decision{Outcome: Terminal, Stage: c.Stage, Round: c.Round, Offset: c.Offset}
	}
	return Decision{Outcome: Transition, Stage: next, Round: round}
}
