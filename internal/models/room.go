// internal/models/room.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// RoomState is the lifecycle state of a room.
type RoomState string

const (
	RoomWaiting  RoomState = "waiting"
	RoomActive   RoomState = "active"
	RoomFinished RoomState = "finished"
)

// Visibility controls whether a room appears in the public listing.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Settings is the opaque configuration bag consumed by the rules engine.
// The coordination engine only validates ranges; it never interprets them.
type Settings struct {
	Rounds int `json:"rounds"`
	Bet    int `json:"bet"`
}

// SettingsPatch is a partial settings update. Nil fields are left unchanged.
type SettingsPatch struct {
	Visibility *Visibility `json:"visibility,omitempty"`
	MaxPlayers *int        `json:"maxPlayers,omitempty"`
	Rounds     *int        `json:"rounds,omitempty"`
	Bet        *int        `json:"bet,omitempty"`
}

// Room is the server-authoritative record for a joinable game room.
// Participants holds every row for the room, including soft-deleted ones;
// join-order history must survive departures for host succession.
type Room struct {
	ID            uuid.UUID  `json:"id"`
	Code          string     `json:"code"`
	Visibility    Visibility `json:"visibility"`
	PasswordHash  string     `json:"-"`
	HostID        uuid.UUID  `json:"hostId"`
	CrownHolderID uuid.UUID  `json:"crownHolderId"`
	MaxPlayers    int        `json:"maxPlayers"`
	State         RoomState  `json:"state"`
	PlayerCount   int        `json:"playerCount"`
	Settings      Settings   `json:"settings"`
	IsPublished   bool       `json:"isPublished"`
	Version       int64      `json:"version"`

	LastActivityAt time.Time  `json:"lastActivityAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`

	Participants []*Participant `json:"participants"`
}

// Present returns the participants that have not left the room.
func (r *Room) Present() []*Participant {
	out := make([]*Participant, 0, len(r.Participants))
	for _, p := range r.Participants {
		if p.Present() {
			out = append(out, p)
		}
	}
	return out
}

// FindParticipant returns the participant row for userID, present or not.
func (r *Room) FindParticipant(userID uuid.UUID) *Participant {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// ConnectedCount counts present participants with a live connection.
// AI replacements count as connected; they never block an operation.
func (r *Room) ConnectedCount() int {
	n := 0
	for _, p := range r.Participants {
		if p.Present() && (p.Connected || p.IsAIReplacement) {
			n++
		}
	}
	return n
}

// AllConnectedReady reports whether every connected present participant is
// ready. Disconnected participants inside their rejoin window do not veto.
func (r *Room) AllConnectedReady() bool {
	for _, p := range r.Participants {
		if p.Present() && p.Connected && !p.IsReady {
			return false
		}
	}
	return true
}

// ShouldPublish recomputes the listing-eligibility predicate from the
// room's current fields.
func (r *Room) ShouldPublish() bool {
	return r.Visibility == VisibilityPublic &&
		r.State == RoomWaiting &&
		r.PlayerCount < r.MaxPlayers
}

// NextSeatIndex returns the lowest seat index not held by a present
// participant, or -1 if every seat is taken.
func (r *Room) NextSeatIndex() int {
	taken := make(map[int]bool, r.MaxPlayers)
	for _, p := range r.Participants {
		if p.Present() {
			taken[p.SeatIndex] = true
		}
	}
	for i := 0; i < r.MaxPlayers; i++ {
		if !taken[i] {
			return i
		}
	}
	return -1
}

// NextJoinOrder returns the next join-order value for the room. Join order
// is never reused, so departed rows count too.
func (r *Room) NextJoinOrder() int {
	max := 0
	for _, p := range r.Participants {
		if p.JoinOrder > max {
			max = p.JoinOrder
		}
	}
	return max + 1
}

// Card projects the room into its public listing representation.
func (r *Room) Card() RoomCard {
	return RoomCard{
		Code:        r.Code,
		Visibility:  r.Visibility,
		State:       r.State,
		PlayerCount: r.PlayerCount,
		MaxPlayers:  r.MaxPlayers,
		Settings:    r.Settings,
		HasPassword: r.PasswordHash != "",
		Version:     r.Version,
	}
}

// Clone returns a deep copy of the room and its participant rows.
func (r *Room) Clone() *Room {
	cp := *r
	cp.Participants = make([]*Participant, len(r.Participants))
	for i, p := range r.Participants {
		pc := *p
		cp.Participants[i] = &pc
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// RoomCard is the listing-safe summary of a room. It carries no password
// hash and no per-participant detail.
type RoomCard struct {
	Code        string     `json:"code"`
	Visibility  Visibility `json:"visibility"`
	State       RoomState  `json:"state"`
	PlayerCount int        `json:"playerCount"`
	MaxPlayers  int        `json:"maxPlayers"`
	Settings    Settings   `json:"settings"`
	HasPassword bool       `json:"hasPassword"`
	Version     int64      `json:"version"`
}
