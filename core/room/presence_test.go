package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPresenceMultiTab(t *testing.T) {
	p := NewPresence()

	res := p.Join("r1", "alice", "c1")
	assert.True(t, res.FirstConnection)
	assert.Equal(t, []string{"alice"}, res.Members)

	res = p.Join("r1", "alice", "c2")
	assert.False(t, res.FirstConnection, "second tab is not a new member")
	assert.Equal(t, 2, p.Connections("r1", "alice"))

	p.Join("r1", "bob", "c3")
	assert.Equal(t, []string{"alice", "bob"}, p.Members("r1"))

	left := p.Leave("c1")
	assert.True(t, left.Bound)
	assert.False(t, left.LastConnection)
	assert.Equal(t, []string{"alice", "bob"}, left.Members)

	left = p.DisconnectAll("c2")
	assert.True(t, left.LastConnection)
	assert.False(t, left.RoomEmpty)
	assert.Equal(t, "alice", left.Binding.Username)
	assert.Equal(t, []string{"bob"}, left.Members)

	left = p.Leave("c3")
	assert.True(t, left.LastConnection)
	assert.True(t, left.RoomEmpty)
	assert.False(t, p.Occupied("r1"))
	assert.Equal(t, 0, p.RoomCount())
}

func TestPresenceLeaveUnbound(t *testing.T) {
	p := NewPresence()
	res := p.Leave("nobody")
	assert.False(t, res.Bound)
	assert.False(t, res.LastConnection)

	// second leave of the same connection is a no-op
	p.Join("r1", "alice", "c1")
	assert.True(t, p.Leave("c1").LastConnection)
	assert.False(t, p.Leave("c1").Bound)
}

func TestPresenceRejoinSameBindingIsIdempotent(t *testing.T) {
	p := NewPresence()
	p.Join("r1", "alice", "c1")
	res := p.Join("r1", "alice", "c1")
	assert.False(t, res.FirstConnection)
	assert.Equal(t, 1, p.Connections("r1", "alice"))
}

func TestPresenceJoinOtherRoomMovesBinding(t *testing.T) {
	p := NewPresence()
	p.Join("r1", "alice", "c1")
	res := p.Join("r2", "alice", "c1")
	assert.True(t, res.FirstConnection)
	assert.False(t, p.Occupied("r1"))

	b, ok := p.Binding("c1")
	assert.True(t, ok)
	assert.Equal(t, Binding{RoomID: "r2", Username: "alice"}, b)
}

func TestPresenceMembersOrder(t *testing.T) {
	p := NewPresence()
	p.Join("r1", "carol", "c1")
	p.Join("r1", "alice", "c2")
	p.Join("r1", "bob", "c3")
	p.Leave("c2")
	p.Join("r1", "alice", "c4")
	assert.Equal(t, []string{"carol", "bob", "alice"}, p.Members("r1"))
	assert.Equal(t, []string{}, p.Members("missing"))
}

func TestPresenceDropRoom(t *testing.T) {
	p := NewPresence()
	p.Join("r1", "alice", "c1")
	p.Join("r1", "bob", "c2")
	p.Join("r2", "carol", "c3")

	ids := p.DropRoom("r1")
	assert.ElementsMatch(t, []string{"c1", "c2"}, ids)
	assert.False(t, p.Occupied("r1"))
	_, ok := p.Binding("c1")
	assert.False(t, ok)
	assert.True(t, p.Occupied("r2"))
	assert.Nil(t, p.DropRoom("r1"))
}
