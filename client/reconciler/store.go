// Package reconciler keeps a client's view of a room consistent with the
// server. Local input is applied optimistically and emitted; remote events
// are merged into the same state by stroke id.
package reconciler

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"whiteboard/model"
)

// Emitter sends lifecycle messages to the server, fire-and-forget.
type Emitter interface {
	Emit(msg model.Message) error
}

type transient struct {
	stroke  model.Stroke
	seen    time.Time
	touched time.Time
}

// Store holds the local drawing state.
//
// Strokes are the completed, shared-visible strokes. The in-flight stroke
// of the local user is Current; in-flight strokes of other participants
// are kept apart as transient and never enter the completed list or the
// undo history unless their author completes them. Undo and redo only ever
// act on strokes completed locally in this session.
type Store struct {
	mu      sync.Mutex
	emitter Emitter
	log     *slog.Logger
	newID   func() string
	now     func() time.Time

	tool  model.Tool
	color string
	width float64

	strokes   []model.Stroke
	current   *model.Stroke
	remote    map[string]*transient
	undoStack []string // ids of local completed strokes, oldest first
	redoStack []model.Stroke

	onChange func()
}

func NewStore(emitter Emitter, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		emitter: emitter,
		log:     log,
		newID:   uuid.NewString,
		now:     time.Now,
		tool:    model.ToolPencil,
		color:   model.DefaultColor,
		width:   model.DefaultStrokeWidth,
		remote:  make(map[string]*transient),
	}
}

// OnChange registers fn to run after every state change. It is called
// without the store lock held.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *Store) SetTool(t model.Tool) {
	if !t.Valid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tool = t
}

func (s *Store) SetColor(c string) {
	if c == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.color = c
}

func (s *Store) SetWidth(w float64) {
	if !(w > 0) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.width = w
}

// StartStroke begins a new local stroke at p. A stroke still in flight is
// abandoned.
func (s *Store) StartStroke(p model.Point) model.Stroke {
	s.mu.Lock()
	width := s.width
	if s.tool == model.ToolEraser {
		width = model.EraserWidth
	}
	st := model.Stroke{
		ID:     s.newID(),
		Type:   s.tool,
		Points: []model.Point{p},
		Color:  s.color,
		Width:  width,
		Text:   p.Text,
	}
	s.current = &st
	out := st.Clone()
	s.mu.Unlock()

	s.emit(model.StrokeStarted{Stroke: out})
	s.changed()
	return out
}

// UpdateStroke extends the local stroke with p: freehand tools append it,
// shape tools replace the cursor point after the anchor and text moves its
// single anchor. It reports false when no stroke is in flight.
func (s *Store) UpdateStroke(p model.Point) (model.Stroke, bool) {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return model.Stroke{}, false
	}
	cur := s.current
	switch {
	case cur.Type.Accumulates():
		cur.Points = append(cur.Points, p)
	case cur.Type.IsShape():
		cur.Points = []model.Point{cur.Points[0], p}
	case cur.Type == model.ToolText:
		if p.Text == "" {
			p.Text = cur.Text
		}
		cur.Points = []model.Point{p}
		cur.Text = p.Text
	}
	out := cur.Clone()
	s.mu.Unlock()

	s.emit(model.StrokeUpdated{Stroke: out})
	s.changed()
	return out, true
}

// EndStroke completes the local stroke and makes it undoable. A new
// completion discards the redo history.
func (s *Store) EndStroke() (model.Stroke, bool) {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return model.Stroke{}, false
	}
	done := s.current.Clone()
	s.current = nil
	s.upsertLocked(done)
	s.undoStack = append(s.undoStack, done.ID)
	s.redoStack = nil
	s.mu.Unlock()

	s.emit(model.StrokeCompleted{Stroke: done.Clone()})
	s.changed()
	return done, true
}

// CancelStroke drops the local stroke without completing it. Peers keep
// it as transient only.
func (s *Store) CancelStroke() {
	s.mu.Lock()
	had := s.current != nil
	s.current = nil
	s.mu.Unlock()
	if had {
		s.changed()
	}
}

// Undo withdraws the most recent local stroke that is still on the canvas.
func (s *Store) Undo() (model.Stroke, bool) {
	s.mu.Lock()
	var undone model.Stroke
	found := false
	for len(s.undoStack) > 0 && !found {
		id := s.undoStack[len(s.undoStack)-1]
		s.undoStack = s.undoStack[:len(s.undoStack)-1]
		if i := s.indexLocked(id); i >= 0 {
			undone = s.strokes[i]
			s.strokes = append(s.strokes[:i], s.strokes[i+1:]...)
			s.redoStack = append(s.redoStack, undone)
			found = true
		}
	}
	s.mu.Unlock()
	if !found {
		return model.Stroke{}, false
	}

	s.emit(model.StrokeDeleted{StrokeID: undone.ID})
	s.changed()
	return undone.Clone(), true
}

// Redo restores the most recently undone stroke.
func (s *Store) Redo() (model.Stroke, bool) {
	s.mu.Lock()
	if len(s.redoStack) == 0 {
		s.mu.Unlock()
		return model.Stroke{}, false
	}
	st := s.redoStack[len(s.redoStack)-1]
	s.redoStack = s.redoStack[:len(s.redoStack)-1]
	s.upsertLocked(st)
	s.undoStack = append(s.undoStack, st.ID)
	s.mu.Unlock()

	s.emit(model.StrokeCompleted{Stroke: st.Clone()})
	s.changed()
	return st.Clone(), true
}

// Clear empties the canvas for everyone in the room.
func (s *Store) Clear() {
	s.mu.Lock()
	s.clearLocked()
	s.current = nil
	s.mu.Unlock()

	s.emit(model.ClearCanvas{})
	s.changed()
}

// Apply merges a message received from the server. Messages that do not
// concern strokes are ignored.
func (s *Store) Apply(msg model.Message) {
	s.mu.Lock()
	switch m := msg.(type) {
	case model.RoomState:
		s.strokes = make([]model.Stroke, 0, len(m.Room.Strokes))
		for _, st := range m.Room.Strokes {
			s.upsertLocked(st)
		}
		s.remote = make(map[string]*transient)

	case model.StrokeStarted:
		s.trackLocked(m.Stroke)
	case model.StrokeUpdated:
		s.trackLocked(m.Stroke)

	case model.StrokeCompleted:
		delete(s.remote, m.Stroke.ID)
		s.upsertLocked(m.Stroke)

	case model.StrokeDeleted:
		delete(s.remote, m.StrokeID)
		if i := s.indexLocked(m.StrokeID); i >= 0 {
			s.strokes = append(s.strokes[:i], s.strokes[i+1:]...)
		}

	case model.CanvasCleared:
		s.clearLocked()

	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.changed()
}

// trackLocked records a foreign in-flight stroke. An update for an id not
// seen before starts tracking it; one for an already completed id is stale.
func (s *Store) trackLocked(st model.Stroke) {
	if s.indexLocked(st.ID) >= 0 {
		return
	}
	if s.current != nil && s.current.ID == st.ID {
		return
	}
	now := s.now()
	if t, ok := s.remote[st.ID]; ok {
		t.stroke = st.Clone()
		t.touched = now
		return
	}
	s.remote[st.ID] = &transient{stroke: st.Clone(), seen: now, touched: now}
}

// PruneTransient forgets foreign in-flight strokes that have not been
// updated for longer than maxAge, such as those of a participant who left
// mid-stroke. It returns how many were dropped.
func (s *Store) PruneTransient(maxAge time.Duration) int {
	s.mu.Lock()
	cutoff := s.now().Add(-maxAge)
	n := 0
	for id, t := range s.remote {
		if t.touched.Before(cutoff) {
			delete(s.remote, id)
			n++
		}
	}
	s.mu.Unlock()
	if n > 0 {
		s.changed()
	}
	return n
}

func (s *Store) clearLocked() {
	s.strokes = nil
	s.remote = make(map[string]*transient)
	s.undoStack = nil
	s.redoStack = nil
}

func (s *Store) indexLocked(id string) int {
	for i := range s.strokes {
		if s.strokes[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) upsertLocked(st model.Stroke) {
	st = st.Clone()
	if i := s.indexLocked(st.ID); i >= 0 {
		s.strokes[i] = st
		return
	}
	s.strokes = append(s.strokes, st)
}

func (s *Store) emit(msg model.Message) {
	if s.emitter == nil {
		return
	}
	if err := s.emitter.Emit(msg); err != nil {
		s.log.Warn("failed to emit", "event", msg.Event(), "err", err)
	}
}

func (s *Store) changed() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Strokes returns the completed strokes in drawing order.
func (s *Store) Strokes() []model.Stroke {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Stroke, len(s.strokes))
	for i, st := range s.strokes {
		out[i] = st.Clone()
	}
	return out
}

// Current returns the local in-flight stroke.
func (s *Store) Current() (model.Stroke, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return model.Stroke{}, false
	}
	return s.current.Clone(), true
}

// Transient returns other participants' in-flight strokes, oldest first.
func (s *Store) Transient() []model.Stroke {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := make([]*transient, 0, len(s.remote))
	for _, t := range s.remote {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].seen.Equal(ts[j].seen) {
			return ts[i].stroke.ID < ts[j].stroke.ID
		}
		return ts[i].seen.Before(ts[j].seen)
	})
	out := make([]model.Stroke, len(ts))
	for i, t := range ts {
		out[i] = t.stroke.Clone()
	}
	return out
}

func (s *Store) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.undoStack {
		if s.indexLocked(id) >= 0 {
			return true
		}
	}
	return false
}

func (s *Store) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.redoStack) > 0
}
