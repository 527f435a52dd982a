// internal/ws/conn.go
package ws

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/parlorhouse/parlor/internal/protocol"
)

// Conn is one client's live connection: its identity once authenticated,
// its current room, and the outgoing event channel drained by the write
// pump.
type Conn struct {
	ID     uuid.UUID
	Out    chan protocol.ServerEvent
	Cancel context.CancelFunc

	mu          sync.Mutex
	userID      uuid.UUID
	roomCode    string
	closeCode   int
	closeReason string

	log *logrus.Logger
}

// NewConn builds a connection with a buffered outgoing channel.
func NewConn(cancel context.CancelFunc, logger *logrus.Logger) *Conn {
	return &Conn{
		ID:     uuid.New(),
		Out:    make(chan protocol.ServerEvent, 32),
		Cancel: cancel,
		log:    logger,
	}
}

// Send pushes an event onto the outgoing channel without blocking. A full
// or closed channel drops the event; ordered delivery is re-established by
// the client's version staleness check.
func (c *Conn) Send(evt protocol.ServerEvent) {
	defer func() {
		// Send may race the write pump closing Out on teardown.
		if r := recover(); r != nil && c.log != nil {
			c.log.WithFields(logrus.Fields{"conn": c.ID, "type": evt.Kind}).Debug("send on closed connection")
		}
	}()
	select {
	case c.Out <- evt:
	default:
		if c.log != nil {
			c.log.WithFields(logrus.Fields{"conn": c.ID, "type": evt.Kind}).Warn("outgoing channel full, dropped event")
		}
	}
}

// CloseWith records the close frame the write pump should send, then tears
// the connection down. Without a recorded frame, teardown closes with a
// generic going-away status.
func (c *Conn) CloseWith(code int, reason string) {
	c.mu.Lock()
	c.closeCode = code
	c.closeReason = reason
	c.mu.Unlock()
	c.Cancel()
}

// CloseStatus returns the close frame recorded by CloseWith, if any.
func (c *Conn) CloseStatus() (int, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason, c.closeCode != 0
}

// SubscriberID satisfies the listing subscriber contract.
func (c *Conn) SubscriberID() uuid.UUID { return c.ID }

// Authenticate binds the connection to a user.
func (c *Conn) Authenticate(userID uuid.UUID) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// UserID returns the bound user, or uuid.Nil before authentication.
func (c *Conn) UserID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// SetRoom records the room this connection currently occupies.
func (c *Conn) SetRoom(code string) {
	c.mu.Lock()
	c.roomCode = code
	c.mu.Unlock()
}

// Room returns the connection's current room code, if any.
func (c *Conn) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomCode
}
