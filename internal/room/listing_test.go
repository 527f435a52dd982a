// internal/room/listing_test.go
package room

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorhouse/parlor/internal/models"
	"github.com/parlorhouse/parlor/internal/protocol"
)

type fakeSubscriber struct {
	id     uuid.UUID
	events []protocol.ServerEvent
}

func (s *fakeSubscriber) SubscriberID() uuid.UUID       { return s.id }
func (s *fakeSubscriber) Send(evt protocol.ServerEvent) { s.events = append(s.events, evt) }

func (s *fakeSubscriber) diffs() []protocol.ListDiffPayload {
	var out []protocol.ListDiffPayload
	for _, e := range s.events {
		if e.Kind == protocol.KindListDiff {
			out = append(out, e.Payload.(protocol.ListDiffPayload))
		}
	}
	return out
}

func listableRoom(code string, players int) *models.Room {
	return &models.Room{
		ID:          uuid.New(),
		Code:        code,
		Visibility:  models.VisibilityPublic,
		State:       models.RoomWaiting,
		MaxPlayers:  4,
		PlayerCount: players,
		IsPublished: true,
		Version:     1,
	}
}

func TestListingSubscribeReturnsSnapshot(t *testing.T) {
	l := NewListing()
	l.Seed([]*models.Room{listableRoom("BBBB22", 1), listableRoom("AAAA22", 2)})

	sub := &fakeSubscriber{id: uuid.New()}
	snap := l.Subscribe(sub)
	require.Len(t, snap, 2)
	assert.Equal(t, "AAAA22", snap[0].Code, "snapshot is sorted by code")
	assert.Equal(t, "BBBB22", snap[1].Code)
}

func TestListingDiffLifecycle(t *testing.T) {
	l := NewListing()
	sub := &fakeSubscriber{id: uuid.New()}
	l.Subscribe(sub)

	r := listableRoom("CCCC22", 1)

	// Becoming eligible adds.
	l.Apply(r)
	// A visible field change on a member updates.
	r.PlayerCount = 2
	r.Version = 2
	l.Apply(r)
	// Filling up removes.
	r.PlayerCount = 4
	r.Version = 3
	r.IsPublished = false
	l.Apply(r)

	diffs := sub.diffs()
	require.Len(t, diffs, 3)
	require.Len(t, diffs[0].Added, 1)
	assert.Equal(t, "CCCC22", diffs[0].Added[0].Code)
	require.Len(t, diffs[1].Updated, 1)
	assert.Equal(t, 2, diffs[1].Updated[0].PlayerCount)
	assert.Equal(t, []string{"CCCC22"}, diffs[2].Removed)
	assert.Empty(t, l.Snapshot())
}

func TestListingNoDiffWithoutVisibleChange(t *testing.T) {
	l := NewListing()
	sub := &fakeSubscriber{id: uuid.New()}
	l.Subscribe(sub)

	r := listableRoom("DDDD22", 1)
	l.Apply(r)
	l.Apply(r)

	assert.Len(t, sub.diffs(), 1, "an identical card emits nothing")

	// A room that never was eligible stays invisible.
	private := listableRoom("EEEE22", 1)
	private.Visibility = models.VisibilityPrivate
	private.IsPublished = false
	l.Apply(private)
	assert.Len(t, sub.diffs(), 1)
}

func TestListingDropAndUnsubscribe(t *testing.T) {
	l := NewListing()
	sub := &fakeSubscriber{id: uuid.New()}
	l.Subscribe(sub)

	l.Apply(listableRoom("FFFF22", 1))
	l.Drop("FFFF22")
	require.Len(t, sub.diffs(), 2)
	assert.Equal(t, []string{"FFFF22"}, sub.diffs()[1].Removed)

	// Dropping a room that was never listed emits nothing.
	l.Drop("GONE22")
	assert.Len(t, sub.diffs(), 2)

	l.Unsubscribe(sub.id)
	l.Apply(listableRoom("HHHH22", 1))
	assert.Len(t, sub.diffs(), 2)
}
