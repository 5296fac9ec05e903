package room

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	runHub(t, hub)
	return hub
}

// runHub 回调需在启动前设置好
func runHub(t *testing.T, hub *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// newTestClient 不带网络连接的客户端，直接读 Send
func newTestClient(hub *Hub) *Client {
	c := NewClient(hub, nil)
	hub.Register(c)
	return c
}

func recv(t *testing.T, c *Client) *WSMessage {
	t.Helper()
	select {
	case data, ok := <-c.Send:
		require.True(t, ok, "send channel closed")
		var msg WSMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return &msg
	case <-time.After(time.Second):
		t.Fatalf("client %s received nothing", c.ID)
		return nil
	}
}

func recvType(t *testing.T, c *Client, typ MessageType) *WSMessage {
	t.Helper()
	msg := recv(t, c)
	require.Equal(t, typ, msg.Type)
	return msg
}

func expectNone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data, ok := <-c.Send:
		if ok {
			t.Fatalf("client %s got unexpected message %s", c.ID, data)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubBroadcastFanOut(t *testing.T) {
	hub := startHub(t)
	a := newTestClient(hub)
	b := newTestClient(hub)
	other := newTestClient(hub)
	hub.Bind(a, "r1", "alice")
	hub.Bind(b, "r1", "bob")
	hub.Bind(other, "r2", "carol")

	msg, err := NewMessage(MsgTypeMemberJoined, "r1", MemberData{Username: "bob"})
	require.NoError(t, err)
	require.NoError(t, hub.Broadcast("r1", msg, b))

	got := recvType(t, a, MsgTypeMemberJoined)
	var data MemberData
	require.NoError(t, got.DecodeData(&data))
	assert.Equal(t, "bob", data.Username)
	expectNone(t, b)
	expectNone(t, other)
	assert.Equal(t, 2, hub.RoomClientCount("r1"))
}

func TestHubPreservesPerClientOrder(t *testing.T) {
	hub := startHub(t)
	a := newTestClient(hub)
	hub.Bind(a, "r1", "alice")

	for i := 0; i < 20; i++ {
		msg, _ := NewMessage(MsgTypePong, "r1", PongData{Timestamp: int64(i)})
		if i%2 == 0 {
			require.NoError(t, hub.Broadcast("r1", msg, nil))
		} else {
			require.NoError(t, hub.SendTo(a, msg))
		}
	}
	for i := 0; i < 20; i++ {
		var data PongData
		require.NoError(t, recvType(t, a, MsgTypePong).DecodeData(&data))
		assert.Equal(t, int64(i), data.Timestamp)
	}
}

func TestHubRecipientsFixedAtEnqueue(t *testing.T) {
	hub := NewHub()
	early := newTestClient(hub)
	late := newTestClient(hub)
	mover := newTestClient(hub)
	hub.Bind(early, "r1", "alice")
	hub.Bind(mover, "r1", "carol")

	msg, _ := NewMessage(MsgTypePong, "r1", PongData{Timestamp: 1})
	require.NoError(t, hub.Broadcast("r1", msg, nil))

	// 入队之后、投递之前的绑定变化
	hub.Bind(late, "r1", "bob")
	hub.Bind(mover, "r2", "carol")
	runHub(t, hub)

	recvType(t, early, MsgTypePong)
	expectNone(t, late)
	expectNone(t, mover)
}

func TestHubUnbindAndRebind(t *testing.T) {
	hub := startHub(t)
	a := newTestClient(hub)
	hub.Bind(a, "r1", "alice")
	hub.Bind(a, "r2", "alice")
	assert.Equal(t, 0, hub.RoomClientCount("r1"))
	assert.Equal(t, "r2", a.RoomID())

	hub.Unbind(a)
	assert.Equal(t, "", a.RoomID())
	assert.Equal(t, 0, hub.RoomClientCount("r2"))
}

func TestHubUnregisterClosesSendAndNotifies(t *testing.T) {
	hub := NewHub()
	gone := make(chan *Client, 1)
	hub.OnUnregister(func(c *Client) { gone <- c })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	a := newTestClient(hub)
	hub.Bind(a, "r1", "alice")
	hub.Unregister(a)

	select {
	case c := <-gone:
		assert.Equal(t, a, c)
	case <-time.After(time.Second):
		t.Fatal("unregister callback not called")
	}
	_, ok := <-a.Send
	assert.False(t, ok)
	assert.True(t, a.Closed())
	assert.Equal(t, 0, hub.RoomClientCount("r1"))

	// messages addressed to a removed client are dropped
	msg, _ := NewMessage(MsgTypePong, "", nil)
	require.NoError(t, hub.SendTo(a, msg))
}

func TestHubDropsClientWithFullBuffer(t *testing.T) {
	hub := NewHub()
	gone := make(chan *Client, 1)
	hub.OnUnregister(func(c *Client) { gone <- c })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	slow := newTestClient(hub)
	hub.Bind(slow, "r1", "slow")

	msg, _ := NewMessage(MsgTypePong, "r1", nil)
	for i := 0; i < sendBufferSize+1; i++ {
		require.NoError(t, hub.Broadcast("r1", msg, nil))
	}

	select {
	case c := <-gone:
		assert.Equal(t, slow, c)
	case <-time.After(time.Second):
		t.Fatal("slow client was not dropped")
	}
	assert.True(t, slow.Closed())
}

func TestHubStopClosesClients(t *testing.T) {
	hub := NewHub()
	done := make(chan struct{})
	go func() {
		hub.Run(context.Background())
		close(done)
	}()

	a := newTestClient(hub)
	hub.Stop()
	<-done

	_, ok := <-a.Send
	assert.False(t, ok)

	late := NewClient(hub, nil)
	hub.Register(late)
	assert.True(t, late.Closed())
}
