// internal/room/diagnostics.go
package room

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/parlorhouse/parlor/internal/models"
)

// TraceEvent is one structured entry in a room's bounded event log.
type TraceEvent struct {
	At     time.Time     `json:"at"`
	Code   string        `json:"code"`
	Kind   string        `json:"kind"`
	Fields logrus.Fields `json:"fields,omitempty"`
}

// Snapshot is a redacted capture of a committed room state: the listing
// card plus per-seat summaries. No password hash, no connection ids.
type Snapshot struct {
	At           time.Time       `json:"at"`
	Room         models.RoomCard `json:"room"`
	Participants []SeatSummary   `json:"participants"`
}

// SeatSummary is the participant slice of a snapshot.
type SeatSummary struct {
	UserID    uuid.UUID `json:"userId"`
	SeatIndex int       `json:"seatIndex"`
	JoinOrder int       `json:"joinOrder"`
	IsHost    bool      `json:"isHost"`
	IsReady   bool      `json:"isReady"`
	Connected bool      `json:"connected"`
	AI        bool      `json:"ai"`
	Left      bool      `json:"left"`
}

// AckStats summarizes outstanding and failed ACK-tracked deliveries, folded
// into triage bundles by the caller that owns the tracker.
type AckStats struct {
	Pending      int `json:"pending"`
	QuorumMisses int `json:"quorumMisses"`
}

// TriageBundle is the assembled record produced when an invariant violation
// or delivery risk is detected. It exists so concurrency bugs can be
// diagnosed after the fact from a single artifact.
type TriageBundle struct {
	ID         string       `json:"id"`
	At         time.Time    `json:"at"`
	Code       string       `json:"code"`
	Trigger    string       `json:"trigger"`
	Violations []Violation  `json:"violations,omitempty"`
	Events     []TraceEvent `json:"recentEvents"`
	Snapshots  []Snapshot   `json:"recentSnapshots"`
	Acks       AckStats     `json:"acks"`
}

// Recorder keeps a bounded per-room event log and snapshot history and
// assembles triage bundles. All methods are safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	events   map[string]*ring[TraceEvent]
	snaps    map[string]*ring[Snapshot]
	bundles  []TriageBundle
	capacity int
	log      *logrus.Logger
	entropy  *ulid.MonotonicEntropy
	now      func() time.Time
}

// NewRecorder builds a Recorder retaining at most capacity entries per room
// per stream, and at most capacity triage bundles overall.
func NewRecorder(logger *logrus.Logger, capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recorder{
		events:   make(map[string]*ring[TraceEvent]),
		snaps:    make(map[string]*ring[Snapshot]),
		capacity: capacity,
		log:      logger,
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		now:      time.Now,
	}
}

// Record appends a structured event to the room's log and mirrors it to the
// service logger at debug level.
func (r *Recorder) Record(code, kind string, fields logrus.Fields) {
	ev := TraceEvent{At: r.now(), Code: code, Kind: kind, Fields: fields}
	r.mu.Lock()
	rg, ok := r.events[code]
	if !ok {
		rg = newRing[TraceEvent](r.capacity)
		r.events[code] = rg
	}
	rg.push(ev)
	r.mu.Unlock()

	if r.log != nil {
		r.log.WithFields(fields).WithFields(logrus.Fields{"room": code, "kind": kind}).Debug("room event")
	}
}

// CaptureSnapshot stores a redacted snapshot of a committed room state.
func (r *Recorder) CaptureSnapshot(room *models.Room) {
	snap := Snapshot{At: r.now(), Room: room.Card()}
	for _, p := range room.Participants {
		snap.Participants = append(snap.Participants, SeatSummary{
			UserID:    p.UserID,
			SeatIndex: p.SeatIndex,
			JoinOrder: p.JoinOrder,
			IsHost:    p.IsHost,
			IsReady:   p.IsReady,
			Connected: p.Connected,
			AI:        p.IsAIReplacement,
			Left:      !p.Present(),
		})
	}

	r.mu.Lock()
	rg, ok := r.snaps[room.Code]
	if !ok {
		rg = newRing[Snapshot](r.capacity)
		r.snaps[room.Code] = rg
	}
	rg.push(snap)
	r.mu.Unlock()
}

// ReportViolations assembles and retains a triage bundle for a set of
// post-commit invariant violations. The committed mutation stands; this is
// strictly an operator-facing artifact.
func (r *Recorder) ReportViolations(code, trigger string, violations []Violation, acks AckStats) TriageBundle {
	bundle := r.assemble(code, trigger, violations, acks)

	if r.log != nil {
		entry := r.log.WithFields(logrus.Fields{
			"room":    code,
			"trigger": trigger,
			"bundle":  bundle.ID,
		})
		for _, v := range violations {
			entry.WithFields(logrus.Fields{"rule": v.Rule, "detail": v.Detail}).Error("invariant violation")
		}
	}
	return bundle
}

// ReportDeliveryRisk records an ACK quorum miss. Never fatal; the state
// transition it describes is already durably committed.
func (r *Recorder) ReportDeliveryRisk(code, eventID string, acked, targets int, acks AckStats) TriageBundle {
	v := []Violation{{
		Rule:   "ack_quorum",
		Class:  ClassDeliveryRisk,
		Detail: eventID,
	}}
	bundle := r.assemble(code, "delivery_risk", v, acks)
	if r.log != nil {
		r.log.WithFields(logrus.Fields{
			"room":    code,
			"eventId": eventID,
			"acked":   acked,
			"targets": targets,
			"bundle":  bundle.ID,
		}).Warn("broadcast fell short of ack quorum")
	}
	return bundle
}

func (r *Recorder) assemble(code, trigger string, violations []Violation, acks AckStats) TriageBundle {
	r.mu.Lock()
	defer r.mu.Unlock()

	bundle := TriageBundle{
		ID:         ulid.MustNew(ulid.Timestamp(r.now()), r.entropy).String(),
		At:         r.now(),
		Code:       code,
		Trigger:    trigger,
		Violations: violations,
		Acks:       acks,
	}
	if rg, ok := r.events[code]; ok {
		bundle.Events = rg.items()
	}
	if rg, ok := r.snaps[code]; ok {
		bundle.Snapshots = rg.items()
	}

	r.bundles = append(r.bundles, bundle)
	if len(r.bundles) > r.capacity {
		r.bundles = r.bundles[len(r.bundles)-r.capacity:]
	}
	return bundle
}

// Bundles returns the retained triage bundles, oldest first.
func (r *Recorder) Bundles() []TriageBundle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TriageBundle, len(r.bundles))
	copy(out, r.bundles)
	return out
}

// DropRoom releases the retained history for a deleted room. Bundles
// already assembled are kept.
func (r *Recorder) DropRoom(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.events, code)
	delete(r.snaps, code)
}

// ring is a fixed-capacity FIFO; pushing past capacity evicts the oldest
// entry.
type ring[T any] struct {
	buf   []T
	start int
	n     int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring[T]) items() []T {
	out := make([]T, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}
