// Package arkanoid simulates a brick-breaker game in resumable steps. The
// game advances one tick per unit of work, so a long simulation is split
// across invocations like any other engine.Program.
package arkanoid

import (
	"fmt"

	"github.com/najoast/stepwise/engine"
)

// Playfield geometry, in screen units.
const (
	ScreenWidth  int16 = 800
	ScreenHeight int16 = 800

	BlockWidth  int16 = 40
	BlockHeight int16 = 30
	BlockMargin int16 = 2

	PaddleWidth  int16 = 350
	PaddleHeight int16 = 15

	blockColumns           = 11
	verticalOffset   int16 = 50
	horizontalOffset int16 = (ScreenWidth - (BlockWidth*blockColumns + BlockMargin*(blockColumns-1))) / 2
)

// brickLayout marks the starting bricks, top row first.
var brickLayout = [...]string{
	"..#.....#..",
	"..#.....#..",
	"...#...#...",
	"...#...#...",
	"..#######..",
	"..#.###.#..",
	".##.###.##.",
	".#########.",
	"###########",
	"###########",
	"###########",
	"#.#######.#",
	"#.#.....#.#",
	"#.#.....#.#",
	"...##.##...",
	"...##.##...",
}

// Ball is the ball's position and velocity.
type Ball struct {
	X         int16 `json:"x"`
	Y         int16 `json:"y"`
	Radius    int16 `json:"radius"`
	VelocityX int16 `json:"velocity_x"`
	VelocityY int16 `json:"velocity_y"`
}

// Paddle moves on its own, turning at the screen edges.
type Paddle struct {
	X         int16 `json:"x"`
	Y         int16 `json:"y"`
	Width     int16 `json:"width"`
	Speed     int16 `json:"speed"`
	Direction int16 `json:"direction"`
}

func (p *Paddle) move() {
	p.X += p.Speed * p.Direction
	if p.X <= 0 || p.X+p.Width >= ScreenWidth {
		p.Direction = -p.Direction
	}
}

// Block is a brick, by its corners.
type Block struct {
	X1 int16 `json:"x1"`
	Y1 int16 `json:"y1"`
	X2 int16 `json:"x2"`
	Y2 int16 `json:"y2"`
}

// Game is the full game state. Ticks after the ball is lost leave it as it
// was.
type Game struct {
	Ball            Ball    `json:"ball"`
	Paddle          Paddle  `json:"paddle"`
	Blocks          []Block `json:"blocks"`
	PaddleHits      uint32  `json:"paddle_hits"`
	DestroyedBlocks uint32  `json:"destroyed_blocks"`
	Tick            uint64  `json:"tick"`
	Over            bool    `json:"over"`
	OverTick        uint64  `json:"over_tick,omitempty"`
}

// NewGame returns a game at tick zero with the full brick layout.
func NewGame() *Game {
	g := &Game{
		Ball: Ball{
			X:         270 + PaddleWidth/2 - 10,
			Y:         ScreenHeight - PaddleHeight - 40,
			Radius:    10,
			VelocityX: 6,
			VelocityY: -6,
		},
		Paddle: Paddle{
			X:         270,
			Y:         ScreenHeight - PaddleHeight - 30,
			Width:     PaddleWidth,
			Speed:     6,
			Direction: 1,
		},
	}
	for row, line := range brickLayout {
		for col, c := range line {
			if c != '#' {
				continue
			}
			x := horizontalOffset + int16(col)*(BlockWidth+BlockMargin)
			y := verticalOffset + int16(row)*(BlockHeight+BlockMargin)
			g.Blocks = append(g.Blocks, Block{X1: x, Y1: y, X2: x + BlockWidth, Y2: y + BlockHeight})
		}
	}
	return g
}

// Clone returns a deep copy of g.
func (g *Game) Clone() *Game {
	out := *g
	out.Blocks = append([]Block(nil), g.Blocks...)
	return &out
}

// cost is the work units of the next tick: one per brick tested.
func (g *Game) cost() uint64 {
	if g.Over {
		return 1
	}
	return 1 + uint64(len(g.Blocks))
}

// Update advances the game one tick and returns the bricks it destroyed.
func (g *Game) Update() []Block {
	g.Tick++
	if g.Over {
		return nil
	}

	b := &g.Ball
	b.X += b.VelocityX
	b.Y += b.VelocityY
	g.Paddle.move()

	if b.X-b.Radius <= 0 || b.X+b.Radius >= ScreenWidth {
		b.VelocityX = -b.VelocityX
	}
	if b.Y-b.Radius <= 0 {
		b.VelocityY = -b.VelocityY
	}

	p := g.Paddle
	if b.Y+b.Radius >= p.Y && b.Y-b.Radius <= p.Y+PaddleHeight && b.X >= p.X && b.X <= p.X+p.Width {
		b.VelocityY = -b.VelocityY
		b.Y = p.Y - b.Radius
		g.PaddleHits++
	}

	if b.Y-b.Radius > ScreenHeight {
		g.Over = true
		g.OverTick = g.Tick
		return nil
	}

	var hits []Block
	kept := g.Blocks[:0]
	for _, blk := range g.Blocks {
		hitX, hitY, ok := collide(*b, blk)
		if !ok {
			kept = append(kept, blk)
			continue
		}
		if hitX {
			b.VelocityX = -b.VelocityX
		}
		if hitY {
			b.VelocityY = -b.VelocityY
		}
		hits = append(hits, blk)
		g.DestroyedBlocks++
	}
	g.Blocks = kept
	return hits
}

// collide tests the ball against a brick and reports which faces it hit.
func collide(b Ball, r Block) (hitX, hitY, ok bool) {
	nearestX := max(r.X1, min(b.X, r.X2))
	nearestY := max(r.Y1, min(b.Y, r.Y2))

	dx := int64(b.X - nearestX)
	dy := int64(b.Y - nearestY)
	if dx*dx+dy*dy > int64(b.Radius)*int64(b.Radius) {
		return false, false, false
	}
	return nearestX == r.X1 || nearestX == r.X2, nearestY == r.Y1 || nearestY == r.Y2, true
}

// validate checks a game loaded from outside.
func (g *Game) validate() error {
	if g.Ball.Radius <= 0 || g.Paddle.Width <= 0 {
		return fmt.Errorf("%w: ball radius %d, paddle width %d", engine.ErrShapeMismatch, g.Ball.Radius, g.Paddle.Width)
	}
	if g.Paddle.Direction != 1 && g.Paddle.Direction != -1 {
		return fmt.Errorf("%w: paddle direction %d", engine.ErrShapeMismatch, g.Paddle.Direction)
	}
	for i, blk := range g.Blocks {
		if blk.X2 <= blk.X1 || blk.Y2 <= blk.Y1 {
			return fmt.Errorf("%w: block %d is empty", engine.ErrShapeMismatch, i)
		}
	}
	return nil
}
