package model

import (
	"hash/fnv"
	"strings"
	"time"
)

// Tool is the drawing tool that produced a stroke.
type Tool string

const (
	ToolPencil    Tool = "pencil"
	ToolRectangle Tool = "rectangle"
	ToolCircle    Tool = "circle"
	ToolText      Tool = "text"
	ToolArrow     Tool = "arrow"
	ToolEraser    Tool = "eraser"
)

const (
	DefaultColor       = "#000000"
	DefaultStrokeWidth = 2.0
	EraserWidth        = 20.0
)

// Palette is the set of colours handed out to participants.
var Palette = []string{
	"#000000",
	"#FF0000",
	"#00FF00",
	"#0000FF",
	"#FFFF00",
	"#FF00FF",
	"#00FFFF",
	"#FFA500",
	"#800080",
}

// Valid reports whether t is one of the known tools.
func (t Tool) Valid() bool {
	switch t {
	case ToolPencil, ToolRectangle, ToolCircle, ToolText, ToolArrow, ToolEraser:
		return true
	}
	return false
}

// IsShape reports whether strokes of this tool hold an anchor and a cursor point
// instead of an accumulating path.
func (t Tool) IsShape() bool {
	return t == ToolRectangle || t == ToolCircle || t == ToolArrow
}

// Accumulates reports whether every sampled point is kept.
func (t Tool) Accumulates() bool {
	return t == ToolPencil || t == ToolEraser
}

type Point struct {
	X        float64  `json:"x"`
	Y        float64  `json:"y"`
	Pressure *float64 `json:"pressure,omitempty"`
	Text     string   `json:"text,omitempty"` // text tool anchor only
}

type Stroke struct {
	ID     string  `json:"id"`
	Type   Tool    `json:"type"`
	Points []Point `json:"points"`
	Color  string  `json:"color"`
	Width  float64 `json:"width"`
	Text   string  `json:"text,omitempty"`
}

// Clone returns a copy that shares no point storage with s.
func (s Stroke) Clone() Stroke {
	out := s
	out.Points = make([]Point, len(s.Points))
	copy(out.Points, s.Points)
	return out
}

type User struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Color    string    `json:"color"`
	IsActive bool      `json:"isActive"`
	LastSeen time.Time `json:"lastSeen"`
}

type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Users     []User    `json:"users"`
	Strokes   []Stroke  `json:"strokes"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RoomName derives the display name of a lazily created room.
func RoomName(roomID string) string {
	if r := []rune(roomID); len(r) > 8 {
		roomID = string(r[:8])
	}
	return "Room " + roomID
}

// PlaceholderName is used when a participant joins without a name.
func PlaceholderName(id string) string {
	short := strings.ReplaceAll(id, "-", "")
	if len(short) > 6 {
		short = short[:6]
	}
	return "User-" + short
}

// ColorFor picks a stable palette colour for a participant name.
func ColorFor(name string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return Palette[h.Sum32()%uint32(len(Palette))]
}
