// internal/handlers/server.go
package handlers

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/parlorhouse/parlor/internal/room"
	"github.com/parlorhouse/parlor/internal/ws"
)

// GuestRegistrar persists guest identities issued by the session endpoint.
// Optional; without one, guest names live only in the token's lifetime.
type GuestRegistrar interface {
	CreateGuest(ctx context.Context, userID uuid.UUID, username string) error
}

// RoomServer bundles the room engine with its connection layer for the
// HTTP and WebSocket handlers.
type RoomServer struct {
	Ctrl   *room.Controller
	Hub    *ws.Hub
	Guests GuestRegistrar

	log *logrus.Logger
}

// NewRoomServer wires the handler surface. guests may be nil.
func NewRoomServer(ctrl *room.Controller, hub *ws.Hub, guests GuestRegistrar, logger *logrus.Logger) *RoomServer {
	return &RoomServer{Ctrl: ctrl, Hub: hub, Guests: guests, log: logger}
}
