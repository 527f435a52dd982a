// internal/rules/rules.go
//
// Boundary to the deterministic card-game rules engine. The coordination
// engine starts it, passes its state around opaquely, and asks whether it
// finished; nothing here interprets game semantics.
package rules

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Seat describes one participant handed to the engine at start.
type Seat struct {
	UserID    uuid.UUID `json:"userId"`
	SeatIndex int       `json:"seatIndex"`
	AI        bool      `json:"ai"`
}

// GameState is opaque to the coordination engine.
type GameState json.RawMessage

// Engine is the consumed interface. Determinism depends on the seed: the
// same seed and seats must produce the same initial state.
type Engine interface {
	InitialState(seed int64, seats []Seat) (GameState, error)
	IsFinished(state GameState) bool
}

// StubEngine is a placeholder engine for tests and single-binary runs. Its
// state records the seed and seats verbatim and never finishes on its own.
type StubEngine struct{}

type stubState struct {
	Seed     int64  `json:"seed"`
	Seats    []Seat `json:"seats"`
	Finished bool   `json:"finished"`
}

// InitialState encodes the seed and seat order.
func (StubEngine) InitialState(seed int64, seats []Seat) (GameState, error) {
	b, err := json.Marshal(stubState{Seed: seed, Seats: seats})
	return GameState(b), err
}

// IsFinished reports the stored finished flag.
func (StubEngine) IsFinished(state GameState) bool {
	var s stubState
	if err := json.Unmarshal(state, &s); err != nil {
		return false
	}
	return s.Finished
}
