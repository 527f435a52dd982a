// internal/room/memstore.go
package room

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/parlorhouse/parlor/internal/models"
)

// MemoryStore is an in-process Store. It backs tests and single-node
// deployments that run without Postgres. Codes are case-insensitive.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*models.Room
	now   func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string]*models.Room),
		now:   time.Now,
	}
}

func (s *MemoryStore) key(code string) string {
	return strings.ToUpper(code)
}

// InsertRoom stores a new room. Returns ErrCodeTaken on code collision.
func (s *MemoryStore) InsertRoom(ctx context.Context, room *models.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(room.Code)
	if _, exists := s.rooms[k]; exists {
		return ErrCodeTaken
	}
	s.rooms[k] = room.Clone()
	return nil
}

// GetRoomByCode returns a deep copy of the room, or ErrRoomNotFound.
func (s *MemoryStore) GetRoomByCode(ctx context.Context, code string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[s.key(code)]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r.Clone(), nil
}

// UpdateRoom applies mutate under the store lock with a version check.
func (s *MemoryStore) UpdateRoom(ctx context.Context, code string, expectedVersion int64, mutate func(*models.Room) error) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.rooms[s.key(code)]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if cur.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version++
	next.UpdatedAt = s.now()

	s.rooms[s.key(code)] = next
	return next.Clone(), nil
}

// DeleteRoom removes the room and its participant rows.
func (s *MemoryStore) DeleteRoom(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(code)
	if _, ok := s.rooms[k]; !ok {
		return ErrRoomNotFound
	}
	delete(s.rooms, k)
	return nil
}

// ListRooms returns deep copies of every room, for sweeps and debugging.
func (s *MemoryStore) ListRooms(ctx context.Context) ([]*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r.Clone())
	}
	return out, nil
}

// ListPublished returns deep copies of rooms currently flagged published.
func (s *MemoryStore) ListPublished(ctx context.Context) ([]*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		if r.IsPublished {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}
