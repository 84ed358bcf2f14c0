package arkanoid

import (
	"errors"

	"github.com/google/uuid"

	"github.com/najoast/stepwise/engine"
)

// ErrBusy rejects a new simulation while one is under way.
var ErrBusy = errors.New("simulation in progress")

// Command kinds understood by the service, in addition to engine.KindStep.
const (
	KindSimulate engine.Kind = engine.KindUser + iota
	KindResume
	KindBall
	KindProgress
	KindRestart
	KindSnapshot
	KindRestore
)

// Simulate advances the game by Steps ticks. With Continue set the service
// keeps stepping on its own; otherwise each step waits for KindResume.
type Simulate struct {
	Steps    uint32 `json:"steps"`
	Continue bool   `json:"continue"`
}

// Resume re-issues the continuation of the live cursor.
type Resume struct {
	Continue bool `json:"continue"`
}

// Progress is the reply to KindProgress.
type Progress struct {
	Generation      uuid.UUID     `json:"generation"`
	Cursor          engine.Cursor `json:"cursor"`
	Started         bool          `json:"started"`
	Finished        bool          `json:"finished"`
	Batches         int           `json:"batches"`
	Tick            uint64        `json:"tick"`
	Over            bool          `json:"over"`
	OverTick        uint64        `json:"over_tick,omitempty"`
	PaddleHits      uint32        `json:"paddle_hits"`
	DestroyedBlocks uint32        `json:"destroyed_blocks"`
	BlocksLeft      int           `json:"blocks_left"`
}

// Done reports whether the simulation finished.
func (p Progress) Done() bool {
	return p.Started && p.Finished
}
