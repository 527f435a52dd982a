// internal/room/invariant.go
package room

import (
	"fmt"

	"github.com/parlorhouse/parlor/internal/models"
)

// Violation is a single detected inconsistency in a committed room state.
// Violations never roll anything back; the store is the source of truth and
// the violation exists to be triaged.
type Violation struct {
	Rule   string
	Class  Classification
	Detail string
}

// CheckRoom runs every room/participant consistency predicate against a
// committed state and returns the violations found. It is pure: no locks,
// no I/O, no mutation.
func CheckRoom(r *models.Room) []Violation {
	var out []Violation

	if r.PlayerCount < 0 || r.PlayerCount > r.MaxPlayers {
		out = append(out, Violation{
			Rule:   "player_count_bounds",
			Class:  ClassConsistency,
			Detail: fmt.Sprintf("playerCount=%d maxPlayers=%d", r.PlayerCount, r.MaxPlayers),
		})
	}

	present := r.Present()
	if r.PlayerCount != len(present) {
		out = append(out, Violation{
			Rule:   "player_count_denormalized",
			Class:  ClassConsistency,
			Detail: fmt.Sprintf("playerCount=%d present=%d", r.PlayerCount, len(present)),
		})
	}

	switch r.State {
	case models.RoomWaiting, models.RoomActive, models.RoomFinished:
	default:
		out = append(out, Violation{
			Rule:   "state_domain",
			Class:  ClassConsistency,
			Detail: fmt.Sprintf("state=%q", r.State),
		})
	}

	if len(present) > 0 {
		hosts := 0
		for _, p := range present {
			if p.IsHost {
				hosts++
				if r.CrownHolderID != p.UserID {
					out = append(out, Violation{
						Rule:   "crown_holder_mismatch",
						Class:  ClassConsistency,
						Detail: fmt.Sprintf("crownHolderId=%s host=%s", r.CrownHolderID, p.UserID),
					})
				}
			}
		}
		if hosts != 1 {
			out = append(out, Violation{
				Rule:   "single_host",
				Class:  ClassConsistency,
				Detail: fmt.Sprintf("hosts=%d present=%d", hosts, len(present)),
			})
		}
	}

	if r.IsPublished != r.ShouldPublish() {
		out = append(out, Violation{
			Rule:   "published_flag_drift",
			Class:  ClassConsistency,
			Detail: fmt.Sprintf("isPublished=%v recomputed=%v", r.IsPublished, r.ShouldPublish()),
		})
	}

	seats := make(map[int]int, len(present))
	for _, p := range present {
		seats[p.SeatIndex]++
		if p.SeatIndex < 0 || p.SeatIndex >= r.MaxPlayers {
			out = append(out, Violation{
				Rule:   "seat_index_bounds",
				Class:  ClassConsistency,
				Detail: fmt.Sprintf("user=%s seatIndex=%d maxPlayers=%d", p.UserID, p.SeatIndex, r.MaxPlayers),
			})
		}
	}
	for seat, n := range seats {
		if n > 1 {
			out = append(out, Violation{
				Rule:   "seat_index_duplicate",
				Class:  ClassConsistency,
				Detail: fmt.Sprintf("seatIndex=%d holders=%d", seat, n),
			})
		}
	}

	return out
}

// CheckVersionAdvanced validates that a committed mutation strictly
// increased the room version.
func CheckVersionAdvanced(before, after int64) []Violation {
	if after > before {
		return nil
	}
	return []Violation{{
		Rule:   "version_monotonic",
		Class:  ClassConsistency,
		Detail: fmt.Sprintf("before=%d after=%d", before, after),
	}}
}
