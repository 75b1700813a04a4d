// Package generator produces random drawing gestures for simulated
// participants.
package generator

import (
	"math/rand"
	"time"

	"whiteboard/model"
)

type Kind string

const (
	KindDraw  Kind = "DRAW"
	KindUndo  Kind = "UNDO"
	KindRedo  Kind = "REDO"
	KindClear Kind = "CLEAR"
)

// Action is one thing a participant does to the canvas. Points is only set
// for KindDraw; the first point starts the stroke and each later one is an
// update.
type Action struct {
	Kind   Kind
	Tool   model.Tool
	Color  string
	Width  float64
	Points []model.Point
}

var words = []string{
	"hello", "todo", "idea", "fix me", "sketch", "arrow here", "v2", "done",
	"?", "!", "draft", "ok", "layout", "header", "footer", "sidebar",
}

var tools = []model.Tool{
	model.ToolPencil, model.ToolPencil, model.ToolPencil, model.ToolPencil,
	model.ToolRectangle, model.ToolCircle, model.ToolArrow, model.ToolText,
	model.ToolEraser,
}

// Weights for the non-drawing actions, out of 1000. Clears are rare so that
// canvases actually fill up.
const (
	undoPerMille  = 60
	redoPerMille  = 30
	clearPerMille = 5
)

type Generator struct {
	Total  int
	Width  float64
	Height float64
	Output chan Action
	rnd    *rand.Rand
}

func NewGenerator(total, bufferSize int) *Generator {
	return &Generator{
		Total:  total,
		Width:  1280,
		Height: 720,
		Output: make(chan Action, bufferSize),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed makes the sequence reproducible.
func (g *Generator) Seed(seed int64) {
	g.rnd = rand.New(rand.NewSource(seed))
}

// Run emits Total actions and closes Output.
func (g *Generator) Run() {
	defer close(g.Output)
	for i := 0; i < g.Total; i++ {
		g.Output <- g.Next()
	}
}

func (g *Generator) Next() Action {
	switch r := g.rnd.Intn(1000); {
	case r < clearPerMille:
		return Action{Kind: KindClear}
	case r < clearPerMille+undoPerMille:
		return Action{Kind: KindUndo}
	case r < clearPerMille+undoPerMille+redoPerMille:
		return Action{Kind: KindRedo}
	}
	return g.draw()
}

func (g *Generator) draw() Action {
	tool := tools[g.rnd.Intn(len(tools))]
	a := Action{
		Kind:  KindDraw,
		Tool:  tool,
		Color: model.Palette[g.rnd.Intn(len(model.Palette))],
		Width: float64(1 + g.rnd.Intn(8)),
	}
	start := g.point()
	switch {
	case tool == model.ToolText:
		start.Text = words[g.rnd.Intn(len(words))]
		a.Points = []model.Point{start}
	case tool.IsShape():
		// A drag: the anchor then a few cursor positions.
		a.Points = []model.Point{start}
		for i := 0; i < 2+g.rnd.Intn(4); i++ {
			a.Points = append(a.Points, g.point())
		}
	default:
		a.Points = g.walk(start, 5+g.rnd.Intn(40))
	}
	return a
}

func (g *Generator) point() model.Point {
	return model.Point{X: g.rnd.Float64() * g.Width, Y: g.rnd.Float64() * g.Height}
}

// walk returns a random walk of n points from start, kept on the canvas.
func (g *Generator) walk(start model.Point, n int) []model.Point {
	pts := make([]model.Point, 0, n)
	p := start
	for i := 0; i < n; i++ {
		pressure := 0.3 + g.rnd.Float64()*0.7
		p.Pressure = &pressure
		pts = append(pts, p)
		p = model.Point{
			X: clamp(p.X+g.rnd.NormFloat64()*8, 0, g.Width),
			Y: clamp(p.Y+g.rnd.NormFloat64()*8, 0, g.Height),
		}
	}
	return pts
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
