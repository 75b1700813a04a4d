package reconciler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whiteboard/model"
)

func names(users []model.User) []string {
	var out []string
	for _, u := range users {
		out = append(out, u.Name)
	}
	return out
}

func TestPresenceFollowsRoom(t *testing.T) {
	p := NewPresence()
	p.Apply(model.RoomState{Room: model.Room{Users: []model.User{
		{ID: "1", Name: "Al"},
		{ID: "2", Name: "Bo"},
	}}})
	assert.Equal(t, []string{"Al", "Bo"}, names(p.Users()))

	p.Apply(model.UserJoined{User: model.User{ID: "3", Name: "Cy"}})
	assert.Equal(t, []string{"Al", "Bo", "Cy"}, names(p.Users()))

	p.Apply(model.UserLeft{UserID: "2"})
	assert.Equal(t, []string{"Al", "Cy"}, names(p.Users()))
	assert.Equal(t, 2, p.Len())
}

func TestPresenceRejoinReplacesEntry(t *testing.T) {
	p := NewPresence()
	p.Apply(model.RoomState{Room: model.Room{Users: []model.User{
		{ID: "1", Name: "Al"},
		{ID: "2", Name: "Bo"},
	}}})
	p.Apply(model.UserJoined{User: model.User{ID: "9", Name: "Al"}})

	users := p.Users()
	require.Len(t, users, 2)
	assert.Equal(t, "2", users[0].ID)
	assert.Equal(t, "9", users[1].ID)

	// The eviction notice for the old id arrives after the join.
	p.Apply(model.UserLeft{UserID: "1"})
	assert.Equal(t, []string{"Bo", "Al"}, names(p.Users()))
}

func TestPresenceUnknownLeaveIgnored(t *testing.T) {
	p := NewPresence()
	p.Apply(model.UserJoined{User: model.User{ID: "1", Name: "Al"}})
	p.Apply(model.UserLeft{UserID: "nobody"})
	assert.Equal(t, 1, p.Len())
}

func TestPresenceSnapshotIsCopied(t *testing.T) {
	users := []model.User{{ID: "1", Name: "Al"}}
	p := NewPresence()
	p.Apply(model.RoomState{Room: model.Room{Users: users}})
	users[0].Name = "changed"
	assert.Equal(t, []string{"Al"}, names(p.Users()))

	got := p.Users()
	got[0].Name = "changed"
	assert.Equal(t, []string{"Al"}, names(p.Users()))
}

func TestPresenceOnChange(t *testing.T) {
	p := NewPresence()
	var seen [][]string
	p.OnChange(func(u []model.User) { seen = append(seen, names(u)) })

	p.Apply(model.UserJoined{User: model.User{ID: "1", Name: "Al"}})
	p.Apply(model.StrokeCompleted{Stroke: model.Stroke{ID: "s"}})
	p.Apply(model.UserLeft{UserID: "1"})

	assert.Equal(t, [][]string{{"Al"}, nil}, seen)
}
