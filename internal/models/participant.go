// internal/models/participant.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// Participant is one seat in a room. Rows are soft-deleted (LeftAt set)
// rather than removed, so join-order history survives for host succession.
type Participant struct {
	ID     uuid.UUID `json:"id"`
	RoomID uuid.UUID `json:"roomId"`
	UserID uuid.UUID `json:"userId"`
	Name   string    `json:"name,omitempty"`

	JoinOrder int  `json:"joinOrder"`
	SeatIndex int  `json:"seatIndex"`
	IsHost    bool `json:"isHost"`
	IsReady   bool `json:"isReady"`

	Connected    bool       `json:"connected"`
	ConnectionID *uuid.UUID `json:"connectionId,omitempty"`

	DisconnectedAt  *time.Time `json:"disconnectedAt,omitempty"`
	CanRejoinUntil  *time.Time `json:"canRejoinUntil,omitempty"`
	IsAIReplacement bool       `json:"isAIReplacement"`

	LeftAt *time.Time `json:"leftAt,omitempty"`
}

// Present reports whether the participant still logically occupies a seat.
func (p *Participant) Present() bool {
	return p.LeftAt == nil
}
