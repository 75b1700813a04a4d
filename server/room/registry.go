package room

import (
	"log/slog"
	"sort"
	"sync"

	"whiteboard/model"
)

// Registry maps room ids to live rooms. A room exists only while it has at
// least one user: Join creates it and Leave deletes it, each under the
// registry lock so a late joiner never lands in a room being removed.
type Registry struct {
	rooms map[string]*Room
	mu    sync.Mutex
	log   *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		rooms: make(map[string]*Room),
		log:   log,
	}
}

// Summary describes a live room for listings.
type Summary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Users   int    `json:"users"`
	Strokes int    `json:"strokes"`
}

// Join attaches u to the room, creating it on first use. The new member
// receives the room snapshot and everyone else is told about u.
func (reg *Registry) Join(roomID string, u model.User, m Member) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r := reg.getOrCreate(roomID)
	r.attach(u, m)
	return r
}

// Leave detaches the user from the room and removes the room when it has
// no users left.
func (reg *Registry) Leave(roomID, userID string) (removed bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[roomID]
	if !ok {
		return false
	}
	removed, empty := r.detach(userID)
	if empty {
		reg.remove(roomID)
	}
	return removed
}

// Get returns the live room with the given id.
func (reg *Registry) Get(roomID string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[roomID]
	return r, ok
}

func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// List summarizes the live rooms ordered by id.
func (reg *Registry) List() []Summary {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.Unlock()

	out := make([]Summary, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		out = append(out, Summary{ID: r.id, Name: r.name, Users: len(r.users), Strokes: len(r.strokes)})
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (reg *Registry) getOrCreate(roomID string) *Room {
	if r, ok := reg.rooms[roomID]; ok {
		return r
	}
	r := newRoom(roomID, reg.log)
	reg.rooms[roomID] = r
	reg.log.Info("room created", "room", roomID)
	return r
}

func (reg *Registry) remove(roomID string) {
	r, ok := reg.rooms[roomID]
	if !ok {
		return
	}
	if n := r.userCount(); n > 0 {
		reg.log.Error("refusing to remove room with users", "room", roomID, "users", n)
		return
	}
	delete(reg.rooms, roomID)
	reg.log.Info("room removed", "room", roomID)
}
