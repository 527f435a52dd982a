// internal/ws/registry_test.go
package ws

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorhouse/parlor/internal/protocol"
)

func newConn() *Conn {
	_, cancel := context.WithCancel(context.Background())
	return NewConn(cancel, testLogger())
}

func TestRegistryBindSupersedesOlderConnection(t *testing.T) {
	reg := NewRegistry()
	user := uuid.New()

	old := newConn()
	reg.Add(old)
	require.Nil(t, reg.Bind(old, user))
	old.Authenticate(user)

	fresh := newConn()
	reg.Add(fresh)
	superseded := reg.Bind(fresh, user)
	require.NotNil(t, superseded)
	assert.Equal(t, old.ID, superseded.ID)
	fresh.Authenticate(user)

	got, ok := reg.ByUser(user)
	require.True(t, ok)
	assert.Equal(t, fresh.ID, got.ID, "newest connection wins the user slot")

	// Removing the superseded connection must not evict the winner.
	reg.Remove(old)
	got, ok = reg.ByUser(user)
	require.True(t, ok)
	assert.Equal(t, fresh.ID, got.ID)

	reg.Remove(fresh)
	_, ok = reg.ByUser(user)
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())
}

func TestCloseWithRecordsFrameAndCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewConn(cancel, testLogger())

	_, _, ok := c.CloseStatus()
	assert.False(t, ok, "no frame recorded before CloseWith")

	c.CloseWith(3003, "superseded by a newer connection")
	code, reason, ok := c.CloseStatus()
	require.True(t, ok)
	assert.Equal(t, 3003, code)
	assert.Equal(t, "superseded by a newer connection", reason)

	select {
	case <-ctx.Done():
	default:
		t.Fatal("CloseWith must cancel the connection context")
	}
}

func TestHubRoomEventReachesOnlyLiveConnections(t *testing.T) {
	reg := NewRegistry()
	tr := NewAckTracker(50, 0, nil, testLogger())
	defer tr.Stop()
	hub := NewHub(reg, tr, testLogger())

	online := uuid.New()
	c := newConn()
	reg.Add(c)
	reg.Bind(c, online)
	c.Authenticate(online)

	offline := uuid.New()
	hub.RoomEvent([]uuid.UUID{online, offline}, protocol.ServerEvent{Kind: protocol.KindChatMessage})

	select {
	case evt := <-c.Out:
		assert.Equal(t, protocol.KindChatMessage, evt.Kind)
	default:
		t.Fatal("online connection received nothing")
	}
}

func TestHubCriticalEventExcludesOfflineFromQuorum(t *testing.T) {
	reg := NewRegistry()
	tr := NewAckTracker(100, time.Hour, nil, testLogger())
	defer tr.Stop()
	hub := NewHub(reg, tr, testLogger())

	online := uuid.New()
	c := newConn()
	reg.Add(c)
	reg.Bind(c, online)
	c.Authenticate(online)

	eventID := hub.CriticalRoomEvent("ROOM05", []uuid.UUID{online, uuid.New()}, protocol.ServerEvent{
		Kind: protocol.KindGameStarted,
	})
	require.NotEmpty(t, eventID)
	require.Equal(t, 1, tr.Stats().Pending)

	// The single live connection's ack satisfies even a 100 percent quorum,
	// because the offline target never entered the denominator.
	tr.Ack(c.ID, eventID)
	assert.Equal(t, 0, tr.Stats().Pending)

	evt := <-c.Out
	assert.Equal(t, eventID, evt.EventID)
}
