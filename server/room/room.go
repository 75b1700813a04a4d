package room

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"whiteboard/model"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrNotOwner     = errors.New("stroke belongs to another participant")
	ErrNotAccepted  = errors.New("event is not accepted from clients")
	ErrNotMember    = errors.New("sender is not a member of the room")
)

// CloseReason tells a member why the room closed it.
type CloseReason int

const (
	// ReasonEvicted: the same name joined again. The member must not
	// come back on its own.
	ReasonEvicted CloseReason = iota
	// ReasonSlow: the member's queue overflowed. It may reconnect and
	// resync from a fresh snapshot.
	ReasonSlow
)

// Member is a connection attached to a room's broadcast group.
type Member interface {
	// Send queues a frame without blocking. It reports false when the
	// member cannot keep up; the room then closes it.
	Send(p []byte) bool
	Close(reason CloseReason)
}

// Room holds the shared state of one collaboration session. All writes go
// through its methods, one at a time.
type Room struct {
	mu        sync.Mutex
	id        string
	name      string
	users     []model.User
	members   map[string]Member // by user id
	strokes   []model.Stroke
	owners    map[string]string // stroke id -> author name
	createdAt time.Time
	updatedAt time.Time
	log       *slog.Logger
}

func newRoom(id string, log *slog.Logger) *Room {
	now := time.Now()
	return &Room{
		id:        id,
		name:      model.RoomName(id),
		members:   make(map[string]Member),
		owners:    make(map[string]string),
		createdAt: now,
		updatedAt: now,
		log:       log.With("room", id),
	}
}

func (r *Room) ID() string { return r.id }

// Snapshot returns a deep copy of the room state.
func (r *Room) Snapshot() model.Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Room) snapshotLocked() model.Room {
	users := make([]model.User, len(r.users))
	copy(users, r.users)
	strokes := make([]model.Stroke, len(r.strokes))
	for i, s := range r.strokes {
		strokes[i] = s.Clone()
	}
	return model.Room{
		ID:        r.id,
		Name:      r.name,
		Users:     users,
		Strokes:   strokes,
		CreatedAt: r.createdAt,
		UpdatedAt: r.updatedAt,
	}
}

func (r *Room) userCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// attach adds u to the room. A participant already present under the same
// name is evicted first and its connection closed.
func (r *Room) attach(u model.User, m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < len(r.users); i++ {
		prev := r.users[i]
		if prev.Name != u.Name {
			continue
		}
		r.users = append(r.users[:i], r.users[i+1:]...)
		i--
		if pm, ok := r.members[prev.ID]; ok {
			delete(r.members, prev.ID)
			pm.Close(ReasonEvicted)
		}
		r.log.Info("evicted participant with same name", "user", prev.ID, "name", prev.Name)
		r.broadcastLocked(model.UserLeft{UserID: prev.ID}, "")
	}

	r.users = append(r.users, u)
	r.members[u.ID] = m
	r.updatedAt = time.Now()

	r.sendLocked(u.ID, model.RoomState{Room: r.snapshotLocked()})
	r.broadcastLocked(model.UserJoined{User: u}, u.ID)
}

// detach removes the user and announces the departure. It reports whether
// the user was present and whether the room is now empty.
func (r *Room) detach(userID string) (removed, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var name string
	for i, u := range r.users {
		if u.ID == userID {
			r.users = append(r.users[:i], r.users[i+1:]...)
			name = u.Name
			removed = true
			break
		}
	}
	delete(r.members, userID)
	if removed {
		r.updatedAt = time.Now()
		r.pruneOwnersLocked(name)
		r.broadcastLocked(model.UserLeft{UserID: userID}, userID)
	}
	return removed, len(r.users) == 0
}

// pruneOwnersLocked forgets the strokes name started but never completed,
// once nobody by that name is left to complete them. Completed strokes keep
// their author so a returning user can still undo them.
func (r *Room) pruneOwnersLocked(name string) {
	for _, u := range r.users {
		if u.Name == name {
			return
		}
	}
	completed := make(map[string]bool, len(r.strokes))
	for _, s := range r.strokes {
		completed[s.ID] = true
	}
	for id, owner := range r.owners {
		if owner == name && !completed[id] {
			delete(r.owners, id)
		}
	}
}

// Apply performs the mutation for a message received from sender and relays
// it to every other member.
func (r *Room) Apply(sender model.User, msg model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[sender.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotMember, sender.ID)
	}

	switch m := msg.(type) {
	case model.StrokeStarted:
		if err := r.claimLocked(m.Stroke.ID, sender.Name); err != nil {
			return err
		}
	case model.StrokeUpdated:
		if err := r.claimLocked(m.Stroke.ID, sender.Name); err != nil {
			return err
		}
	case model.StrokeCompleted:
		if err := r.claimLocked(m.Stroke.ID, sender.Name); err != nil {
			return err
		}
		r.upsertLocked(m.Stroke)
	case model.StrokeDeleted:
		if err := r.claimLocked(m.StrokeID, sender.Name); err != nil {
			return err
		}
		r.deleteLocked(m.StrokeID)
	case model.ClearCanvas:
		r.strokes = nil
		r.owners = make(map[string]string)
		r.updatedAt = time.Now()
		r.broadcastLocked(model.CanvasCleared{}, sender.ID)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrNotAccepted, msg.Event())
	}

	r.updatedAt = time.Now()
	r.broadcastLocked(msg, sender.ID)
	return nil
}

// claimLocked records name as the author of an unknown stroke id, or checks
// that it already is.
func (r *Room) claimLocked(strokeID, name string) error {
	owner, ok := r.owners[strokeID]
	if !ok {
		r.owners[strokeID] = name
		return nil
	}
	if owner != name {
		return fmt.Errorf("%w: %s", ErrNotOwner, strokeID)
	}
	return nil
}

func (r *Room) upsertLocked(s model.Stroke) {
	s = s.Clone()
	for i := range r.strokes {
		if r.strokes[i].ID == s.ID {
			r.strokes[i] = s
			return
		}
	}
	r.strokes = append(r.strokes, s)
}

func (r *Room) deleteLocked(id string) {
	for i := range r.strokes {
		if r.strokes[i].ID == id {
			r.strokes = append(r.strokes[:i], r.strokes[i+1:]...)
			return
		}
	}
}

func (r *Room) sendLocked(userID string, msg model.Message) {
	m, ok := r.members[userID]
	if !ok {
		return
	}
	p, err := model.Encode(msg)
	if err != nil {
		r.log.Error("failed to encode", "event", msg.Event(), "err", err)
		return
	}
	if !m.Send(p) {
		r.dropLocked(userID, m)
	}
}

// broadcastLocked sends msg to every member except the one with id except.
func (r *Room) broadcastLocked(msg model.Message, except string) {
	p, err := model.Encode(msg)
	if err != nil {
		r.log.Error("failed to encode", "event", msg.Event(), "err", err)
		return
	}
	for id, m := range r.members {
		if id == except {
			continue
		}
		if !m.Send(p) {
			r.dropLocked(id, m)
		}
	}
}

// dropLocked closes a member whose queue is full and stops delivering to
// it. Its session runs the leave sequence once the connection goes down.
func (r *Room) dropLocked(userID string, m Member) {
	r.log.Warn("closing slow member", "user", userID)
	delete(r.members, userID)
	m.Close(ReasonSlow)
}
