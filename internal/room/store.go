// internal/room/store.go
package room

import (
	"context"

	"github.com/parlorhouse/parlor/internal/models"
)

// Store is the persisted room store. Implementations must make UpdateRoom
// atomic: the load, the mutator, the version increment and the write commit
// or fail as a unit, serialized against concurrent writers to the same room.
//
// UpdateRoom loads the room, verifies expectedVersion (pass the version the
// caller last observed), applies mutate to the loaded copy, increments
// Version, refreshes UpdatedAt and persists. An error from mutate aborts
// the update with no state change. Participant changes travel through the
// mutator: appending to Participants inserts a row, setting LeftAt
// soft-deletes one. The mutated room is returned on success.
type Store interface {
	InsertRoom(ctx context.Context, room *models.Room) error
	GetRoomByCode(ctx context.Context, code string) (*models.Room, error)
	UpdateRoom(ctx context.Context, code string, expectedVersion int64, mutate func(*models.Room) error) (*models.Room, error)
	DeleteRoom(ctx context.Context, code string) error
	ListRooms(ctx context.Context) ([]*models.Room, error)
	ListPublished(ctx context.Context) ([]*models.Room, error)
}
