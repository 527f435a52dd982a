// internal/protocol/protocol.go
//
// Wire-level message contract between clients and the room engine. Every
// client operation and server event is an envelope with a typed kind, so the
// dispatch in handlers can be reviewed exhaustively instead of being
// scattered across ad hoc string switches.
package protocol

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/parlorhouse/parlor/internal/models"
)

// Version is bumped on incompatible envelope changes. A client announcing a
// different version (the "v" query parameter on the websocket URL) is
// refused at connect time.
const Version = 1

// Kind discriminates message envelopes.
type Kind string

// Client -> server operations.
const (
	KindAuthenticate       Kind = "authenticate"
	KindRoomCreate         Kind = "room.create"
	KindRoomJoin           Kind = "room.join"
	KindRoomLeave          Kind = "room.leave"
	KindRoomSettingsUpdate Kind = "room.settings.update"
	KindRoomReadySet       Kind = "room.ready.set"
	KindRoomStart          Kind = "room.start"
	KindListSubscribe      Kind = "room.list.subscribe"
	KindListUnsubscribe    Kind = "room.list.unsubscribe"
	KindChat               Kind = "chat"
	KindAck                Kind = "ack"
)

// Server -> client events.
const (
	KindConnected       Kind = "connected"
	KindAuthenticated   Kind = "authenticated"
	KindRoomCreated     Kind = "room.created"
	KindRoomState       Kind = "room.state"
	KindPlayerJoined    Kind = "player.joined"
	KindPlayerLeft      Kind = "player.left"
	KindPlayerReady     Kind = "player.ready"
	KindSettingsUpdated Kind = "room.settings.updated"
	KindHostChanged     Kind = "host.changed"
	KindGameStarted     Kind = "game.started"
	KindRoomFinished    Kind = "room.finished"
	KindRoomDeleted     Kind = "room.deleted"
	KindListSnapshot    Kind = "room.list.snapshot"
	KindListDiff        Kind = "room.list.diff"
	KindChatMessage     Kind = "chat.message"
	KindError           Kind = "error"
)

// ClientMessage is the envelope for every client operation. IdempotencyKey
// is optional; when present, a retried operation with the same key replays
// the previously produced result instead of re-executing.
type ClientMessage struct {
	Kind           Kind            `json:"type"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// ServerEvent is the envelope for every server event. EventID is set only
// on ACK-tracked events; Version tags room events with the room version
// that produced them so clients can detect out-of-order delivery.
type ServerEvent struct {
	Kind    Kind   `json:"type"`
	EventID string `json:"eventId,omitempty"`
	Version int64  `json:"version,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Client operation payloads.

type AuthenticatePayload struct {
	Token string `json:"token"`
}

type RoomCreatePayload struct {
	Visibility models.Visibility `json:"visibility"`
	Password   string            `json:"password,omitempty"`
	MaxPlayers int               `json:"maxPlayers"`
	Rounds     int               `json:"rounds"`
	Bet        int               `json:"bet"`
}

type RoomJoinPayload struct {
	Code     string `json:"code"`
	Password string `json:"password,omitempty"`
}

// RoomCodePayload covers operations that only address a room.
type RoomCodePayload struct {
	Code string `json:"code"`
}

type SettingsUpdatePayload struct {
	Code  string               `json:"code"`
	Patch models.SettingsPatch `json:"patch"`
}

type ReadySetPayload struct {
	Code  string `json:"code"`
	Ready bool   `json:"ready"`
}

type ChatPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type AckPayload struct {
	EventID string `json:"eventId"`
}

// Server event payloads.

type ConnectedPayload struct {
	ConnectionID    uuid.UUID `json:"connectionId"`
	ProtocolVersion int       `json:"protocolVersion"`
}

type AuthenticatedPayload struct {
	UserID uuid.UUID `json:"userId"`
}

type RoomCreatedPayload struct {
	Room models.RoomCard `json:"room"`
}

// RoomStatePayload is the full room view sent to a participant on join and
// rejoin. Staleness checks compare its version against later events.
type RoomStatePayload struct {
	Room models.RoomCard `json:"room"`

	HostID       uuid.UUID             `json:"hostId"`
	YourUserID   uuid.UUID             `json:"yourUserId"`
	YourSeat     int                   `json:"yourSeat"`
	Participants []*models.Participant `json:"participants"`
}

type PlayerJoinedPayload struct {
	Code      string    `json:"code"`
	UserID    uuid.UUID `json:"userId"`
	Name      string    `json:"name,omitempty"`
	SeatIndex int       `json:"seatIndex"`
	JoinOrder int       `json:"joinOrder"`
	Rejoined  bool      `json:"rejoined,omitempty"`
}

type PlayerLeftPayload struct {
	Code   string    `json:"code"`
	UserID uuid.UUID `json:"userId"`
	// AIReplaced is true when the seat converted to computer control
	// instead of being vacated (mid-game reconnection expiry).
	AIReplaced bool `json:"aiReplaced,omitempty"`
}

type PlayerReadyPayload struct {
	Code   string    `json:"code"`
	UserID uuid.UUID `json:"userId"`
	Ready  bool      `json:"ready"`
}

type SettingsUpdatedPayload struct {
	Code         string          `json:"code"`
	Room         models.RoomCard `json:"room"`
	ReadyCleared bool            `json:"readyCleared"`
}

type HostChangedPayload struct {
	Code      string    `json:"code"`
	NewHostID uuid.UUID `json:"newHostId"`
}

type GameStartedPayload struct {
	Code string `json:"code"`
	Seed int64  `json:"seed"`
}

type RoomFinishedPayload struct {
	Code string `json:"code"`
}

type RoomDeletedPayload struct {
	Code string `json:"code"`
}

type ListSnapshotPayload struct {
	Rooms []models.RoomCard `json:"rooms"`
}

// ListDiffPayload is an incremental change to the public listing. Removed
// carries room codes only.
type ListDiffPayload struct {
	Added   []models.RoomCard `json:"added,omitempty"`
	Updated []models.RoomCard `json:"updated,omitempty"`
	Removed []string          `json:"removed,omitempty"`
}

type ChatMessagePayload struct {
	Code    string    `json:"code"`
	UserID  uuid.UUID `json:"userId"`
	Name    string    `json:"name,omitempty"`
	Message string    `json:"message"`
	SentAt  int64     `json:"sentAt"`
}

type ErrorPayload struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	Classification string `json:"classification,omitempty"`
}
