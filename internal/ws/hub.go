// internal/ws/hub.go
package ws

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/parlorhouse/parlor/internal/protocol"
)

// Hub resolves user ids to live connections and fans events out to them.
// It is the engine's Broadcaster: best-effort for routine room events,
// ACK-tracked for the ones whose delivery matters for correctness.
type Hub struct {
	Registry *Registry
	Acks     *AckTracker
	log      *logrus.Logger

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// NewHub builds a hub around a registry and tracker.
func NewHub(reg *Registry, acks *AckTracker, logger *logrus.Logger) *Hub {
	return &Hub{
		Registry: reg,
		Acks:     acks,
		log:      logger,
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// RoomEvent delivers evt to each user's live connection, best-effort.
func (h *Hub) RoomEvent(users []uuid.UUID, evt protocol.ServerEvent) {
	for _, uid := range users {
		if c, ok := h.Registry.ByUser(uid); ok {
			c.Send(evt)
		}
	}
}

// CriticalRoomEvent assigns a monotonic event id, registers the delivery
// with the ACK tracker and sends. Targets without a live connection are
// excluded from the quorum denominator; their absence is already known.
func (h *Hub) CriticalRoomEvent(code string, users []uuid.UUID, evt protocol.ServerEvent) string {
	evt.EventID = h.newEventID()

	conns := make([]*Conn, 0, len(users))
	targets := make([]uuid.UUID, 0, len(users))
	for _, uid := range users {
		if c, ok := h.Registry.ByUser(uid); ok {
			conns = append(conns, c)
			targets = append(targets, c.ID)
		}
	}

	h.Acks.Track(evt.EventID, code, targets)
	for _, c := range conns {
		c.Send(evt)
	}
	return evt.EventID
}

func (h *Hub) newEventID() string {
	h.entropyMu.Lock()
	defer h.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), h.entropy).String()
}
