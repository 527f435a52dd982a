// internal/handlers/ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/parlorhouse/parlor/internal/auth"
	"github.com/parlorhouse/parlor/internal/protocol"
	"github.com/parlorhouse/parlor/internal/room"
	"github.com/parlorhouse/parlor/internal/ws"
)

// WSHandler accepts a client connection and runs its read loop. Every room
// operation arrives here as a typed envelope; responses and room events go
// out through the connection's write pump.
func (s *RoomServer) WSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"parlor"},
			OriginPatterns: []string{"*"}, // Adjust in production
		})
		if err != nil {
			s.log.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != "parlor" {
			c.Close(BadSubprotocolError, "client must speak the parlor subprotocol")
			return
		}
		if v := r.URL.Query().Get("v"); v != "" && v != strconv.Itoa(protocol.Version) {
			c.Close(ProtocolMismatchError, "unsupported protocol version "+v)
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		conn := ws.NewConn(cancel, s.log)
		s.Hub.Registry.Add(conn)

		s.log.WithFields(logrus.Fields{
			"conn": conn.ID, "remote": r.RemoteAddr,
		}).Info("websocket connected")

		conn.Send(protocol.ServerEvent{
			Kind: protocol.KindConnected,
			Payload: protocol.ConnectedPayload{
				ConnectionID:    conn.ID,
				ProtocolVersion: protocol.Version,
			},
		})

		go s.writePump(ctx, c, conn)
		s.readPump(ctx, c, conn)

		// ---- Cleanup after readPump exits ----
		cancel()
		if code, reason, ok := conn.CloseStatus(); ok {
			c.Close(websocket.StatusCode(code), reason)
		}
		s.Hub.Registry.Remove(conn)
		s.Ctrl.Listing().Unsubscribe(conn.ID)
		if code := conn.Room(); code != "" && conn.UserID() != uuid.Nil {
			// Marks the seat disconnected and opens the rejoin window. A
			// stale connection id is ignored by the engine.
			s.Ctrl.Disconnected(context.Background(), code, conn.UserID(), conn.ID)
		}
		s.log.WithField("conn", conn.ID).Info("websocket disconnected")
	}
}

// readPump consumes client envelopes until the connection closes.
func (s *RoomServer) readPump(ctx context.Context, c *websocket.Conn, conn *ws.Conn) {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			switch {
			case closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway:
			case strings.Contains(err.Error(), "context canceled"):
			default:
				s.log.WithFields(logrus.Fields{
					"conn": conn.ID, "status": closeStatus,
				}).Warnf("websocket read error: %v", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(conn, &room.Error{
				Code: "bad_envelope", Class: room.ClassState, Message: "invalid JSON envelope",
			})
			continue
		}
		s.handleMessage(ctx, conn, msg)
	}
}

// handleMessage is the operation dispatch. Everything except authenticate
// requires a bound user.
func (s *RoomServer) handleMessage(ctx context.Context, conn *ws.Conn, msg protocol.ClientMessage) {
	if msg.Kind == protocol.KindAuthenticate {
		s.handleAuthenticate(conn, msg)
		return
	}

	userID := conn.UserID()
	if userID == uuid.Nil {
		s.sendError(conn, &room.Error{
			Code: "not_authenticated", Class: room.ClassAuthorization, Message: "authenticate first",
		})
		return
	}

	switch msg.Kind {
	case protocol.KindRoomCreate:
		var p protocol.RoomCreatePayload
		if !s.decode(conn, msg.Payload, &p) {
			return
		}
		card, err := s.Ctrl.Create(ctx, userID, conn.ID, room.CreateParams{
			Visibility: p.Visibility,
			Password:   p.Password,
			MaxPlayers: p.MaxPlayers,
			Rounds:     p.Rounds,
			Bet:        p.Bet,
		}, msg.IdempotencyKey)
		if err != nil {
			s.sendError(conn, err)
			return
		}
		conn.SetRoom(card.Code)
		conn.Send(protocol.ServerEvent{
			Kind:    protocol.KindRoomCreated,
			Version: card.Version,
			Payload: protocol.RoomCreatedPayload{Room: *card},
		})

	case protocol.KindRoomJoin:
		var p protocol.RoomJoinPayload
		if !s.decode(conn, msg.Payload, &p) {
			return
		}
		res, err := s.Ctrl.Join(ctx, userID, conn.ID, p.Code, p.Password, msg.IdempotencyKey)
		if err != nil {
			s.sendError(conn, err)
			return
		}
		conn.SetRoom(res.Room.Code)
		conn.Send(protocol.ServerEvent{
			Kind:    protocol.KindRoomState,
			Version: res.Room.Version,
			Payload: protocol.RoomStatePayload{
				Room:         res.Room,
				HostID:       res.HostID,
				YourUserID:   userID,
				YourSeat:     res.SeatIndex,
				Participants: res.Participants,
			},
		})

	case protocol.KindRoomLeave:
		var p protocol.RoomCodePayload
		if !s.decode(conn, msg.Payload, &p) {
			return
		}
		if err := s.Ctrl.Leave(ctx, userID, p.Code, msg.IdempotencyKey); err != nil {
			s.sendError(conn, err)
			return
		}
		conn.SetRoom("")

	case protocol.KindRoomSettingsUpdate:
		var p protocol.SettingsUpdatePayload
		if !s.decode(conn, msg.Payload, &p) {
			return
		}
		if err := s.Ctrl.UpdateSettings(ctx, userID, p.Code, p.Patch, msg.IdempotencyKey); err != nil {
			s.sendError(conn, err)
		}

	case protocol.KindRoomReadySet:
		var p protocol.ReadySetPayload
		if !s.decode(conn, msg.Payload, &p) {
			return
		}
		if err := s.Ctrl.SetReady(ctx, userID, p.Code, p.Ready, msg.IdempotencyKey); err != nil {
			s.sendError(conn, err)
		}

	case protocol.KindRoomStart:
		var p protocol.RoomCodePayload
		if !s.decode(conn, msg.Payload, &p) {
			return
		}
		if err := s.Ctrl.Start(ctx, userID, p.Code); err != nil {
			s.sendError(conn, err)
		}

	case protocol.KindListSubscribe:
		cards := s.Ctrl.Listing().Subscribe(conn)
		conn.Send(protocol.ServerEvent{
			Kind:    protocol.KindListSnapshot,
			Payload: protocol.ListSnapshotPayload{Rooms: cards},
		})

	case protocol.KindListUnsubscribe:
		s.Ctrl.Listing().Unsubscribe(conn.ID)

	case protocol.KindChat:
		var p protocol.ChatPayload
		if !s.decode(conn, msg.Payload, &p) {
			return
		}
		if err := s.Ctrl.Chat(ctx, userID, p.Code, p.Message); err != nil {
			s.sendError(conn, err)
		}

	case protocol.KindAck:
		var p protocol.AckPayload
		if !s.decode(conn, msg.Payload, &p) {
			return
		}
		s.Hub.Acks.Ack(conn.ID, p.EventID)

	default:
		s.sendError(conn, &room.Error{
			Code: "unknown_type", Class: room.ClassState, Message: "unknown operation: " + string(msg.Kind),
		})
	}
}

// handleAuthenticate binds the connection to the token's user. A previous
// connection for the same user is superseded and closed.
func (s *RoomServer) handleAuthenticate(conn *ws.Conn, msg protocol.ClientMessage) {
	var p protocol.AuthenticatePayload
	if !s.decode(conn, msg.Payload, &p) {
		return
	}

	sub, err := auth.AuthenticateJWT(p.Token)
	if err != nil {
		conn.CloseWith(InvalidAuthTokenError, "session token rejected")
		return
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		conn.CloseWith(InvalidAuthTokenError, "session token rejected")
		return
	}

	if superseded := s.Hub.Registry.Bind(conn, userID); superseded != nil {
		s.log.WithFields(logrus.Fields{
			"user": userID, "old": superseded.ID, "new": conn.ID,
		}).Info("connection superseded")
		superseded.CloseWith(SupersededError, "superseded by a newer connection")
	}
	conn.Authenticate(userID)

	conn.Send(protocol.ServerEvent{
		Kind:    protocol.KindAuthenticated,
		Payload: protocol.AuthenticatedPayload{UserID: userID},
	})
}

// writePump drains the connection's outgoing channel onto the socket and
// keeps the connection alive with periodic pings.
func (s *RoomServer) writePump(ctx context.Context, c *websocket.Conn, conn *ws.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if code, reason, ok := conn.CloseStatus(); ok {
				c.Close(websocket.StatusCode(code), reason)
			} else {
				c.Close(websocket.StatusGoingAway, "write pump stopping")
			}
			return
		case evt := <-conn.Out:
			data, err := json.Marshal(evt)
			if err != nil {
				s.log.WithField("conn", conn.ID).Warnf("failed to marshal outgoing event: %v", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.log.WithField("conn", conn.ID).Warnf("websocket write error: %v", err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				s.log.WithField("conn", conn.ID).Warn("ping failed, assuming disconnect")
				return
			}
		}
	}
}

func (s *RoomServer) decode(conn *ws.Conn, raw json.RawMessage, out any) bool {
	if len(raw) == 0 {
		s.sendError(conn, &room.Error{
			Code: "bad_payload", Class: room.ClassState, Message: "missing payload",
		})
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		s.sendError(conn, &room.Error{
			Code: "bad_payload", Class: room.ClassState, Message: "invalid payload",
		})
		return false
	}
	return true
}

// sendError maps an operation failure onto the client error event. Engine
// errors carry their classification; anything else is reported opaquely.
func (s *RoomServer) sendError(conn *ws.Conn, err error) {
	payload := protocol.ErrorPayload{Code: "internal_error", Message: "operation failed"}
	var re *room.Error
	if errors.As(err, &re) {
		payload = protocol.ErrorPayload{
			Code:           re.Code,
			Message:        re.Message,
			Classification: string(re.Class),
		}
	} else {
		s.log.WithField("conn", conn.ID).Warnf("operation error: %v", err)
	}
	conn.Send(protocol.ServerEvent{Kind: protocol.KindError, Payload: payload})
}
