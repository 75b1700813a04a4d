package reconciler

import (
	"sync"

	"whiteboard/model"
)

// Presence tracks who is in the room, in join order.
type Presence struct {
	mu       sync.Mutex
	users    []model.User
	onChange func([]model.User)
}

func NewPresence() *Presence {
	return &Presence{}
}

// OnChange registers fn to receive the user list after every change.
func (p *Presence) OnChange(fn func([]model.User)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
}

// Apply merges a presence message. Other messages are ignored.
func (p *Presence) Apply(msg model.Message) {
	p.mu.Lock()
	switch m := msg.(type) {
	case model.RoomState:
		p.users = make([]model.User, len(m.Room.Users))
		copy(p.users, m.Room.Users)

	case model.UserJoined:
		// A rejoin under the same name replaces the earlier entry.
		kept := p.users[:0]
		for _, u := range p.users {
			if u.ID != m.User.ID && u.Name != m.User.Name {
				kept = append(kept, u)
			}
		}
		p.users = append(kept, m.User)

	case model.UserLeft:
		for i, u := range p.users {
			if u.ID == m.UserID {
				p.users = append(p.users[:i], p.users[i+1:]...)
				break
			}
		}

	default:
		p.mu.Unlock()
		return
	}
	fn := p.onChange
	users := p.snapshotLocked()
	p.mu.Unlock()

	if fn != nil {
		fn(users)
	}
}

func (p *Presence) snapshotLocked() []model.User {
	out := make([]model.User, len(p.users))
	copy(out, p.users)
	return out
}

// Users returns the participants currently in the room.
func (p *Presence) Users() []model.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Presence) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.users)
}
