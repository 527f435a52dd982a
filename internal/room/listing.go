// internal/room/listing.go
package room

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/parlorhouse/parlor/internal/models"
	"github.com/parlorhouse/parlor/internal/protocol"
)

// Subscriber receives listing events. Send must not block; dropping on a
// saturated client is acceptable for listing traffic.
type Subscriber interface {
	SubscriberID() uuid.UUID
	Send(evt protocol.ServerEvent)
}

// Listing maintains the public/waiting/non-full room view and pushes
// incremental diffs to subscribers. A full snapshot is sent only on
// subscribe.
type Listing struct {
	mu    sync.Mutex
	rooms map[string]models.RoomCard
	subs  map[uuid.UUID]Subscriber
}

// NewListing returns an empty projection.
func NewListing() *Listing {
	return &Listing{
		rooms: make(map[string]models.RoomCard),
		subs:  make(map[uuid.UUID]Subscriber),
	}
}

// Seed loads the projection from the store's currently published rooms,
// without emitting diffs. Called once at startup.
func (l *Listing) Seed(rooms []*models.Room) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range rooms {
		l.rooms[r.Code] = r.Card()
	}
}

// Subscribe registers sub and returns the current snapshot.
func (l *Listing) Subscribe(sub Subscriber) []models.RoomCard {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs[sub.SubscriberID()] = sub
	return l.snapshotLocked()
}

// Unsubscribe removes the subscriber, if registered.
func (l *Listing) Unsubscribe(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subs, id)
}

// Snapshot returns the current listing, sorted by code for stable output.
func (l *Listing) Snapshot() []models.RoomCard {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Listing) snapshotLocked() []models.RoomCard {
	out := make([]models.RoomCard, 0, len(l.rooms))
	for _, c := range l.rooms {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Apply reconciles the projection with a committed room state and emits the
// resulting diff, if any. Membership changes become added/removed; visible
// field changes on a member become updated.
func (l *Listing) Apply(room *models.Room) {
	card := room.Card()
	eligible := room.ShouldPublish()

	l.mu.Lock()
	prev, member := l.rooms[room.Code]
	var diff protocol.ListDiffPayload
	switch {
	case eligible && !member:
		l.rooms[room.Code] = card
		diff.Added = []models.RoomCard{card}
	case !eligible && member:
		delete(l.rooms, room.Code)
		diff.Removed = []string{room.Code}
	case eligible && member && prev != card:
		l.rooms[room.Code] = card
		diff.Updated = []models.RoomCard{card}
	default:
		l.mu.Unlock()
		return
	}
	subs := l.subscribersLocked()
	l.mu.Unlock()

	l.emit(subs, diff)
}

// Drop removes a deleted room from the projection and emits the removal.
func (l *Listing) Drop(code string) {
	l.mu.Lock()
	_, member := l.rooms[code]
	if member {
		delete(l.rooms, code)
	}
	subs := l.subscribersLocked()
	l.mu.Unlock()

	if member {
		l.emit(subs, protocol.ListDiffPayload{Removed: []string{code}})
	}
}

func (l *Listing) subscribersLocked() []Subscriber {
	out := make([]Subscriber, 0, len(l.subs))
	for _, s := range l.subs {
		out = append(out, s)
	}
	return out
}

func (l *Listing) emit(subs []Subscriber, diff protocol.ListDiffPayload) {
	evt := protocol.ServerEvent{Kind: protocol.KindListDiff, Payload: diff}
	for _, s := range subs {
		s.Send(evt)
	}
}
