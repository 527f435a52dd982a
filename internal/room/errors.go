// internal/room/errors.go
package room

import "fmt"

// Classification is the fixed failure taxonomy shared by client-facing
// errors and diagnostic records.
type Classification string

const (
	ClassDuplicateRequest Classification = "duplicate_request"
	ClassAuthorization    Classification = "authorization_failure"
	ClassCapacity         Classification = "capacity_failure"
	ClassState            Classification = "state_failure"
	ClassConsistency      Classification = "consistency_failure"
	ClassDeliveryRisk     Classification = "delivery_risk"
	ClassScheduling       Classification = "scheduling_failure"
	ClassNotFound         Classification = "not_found"
)

// Error is a classified, client-safe operation failure with a stable code.
type Error struct {
	Code    string
	Class   Classification
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var (
	ErrRoomNotFound = &Error{Code: "room_not_found", Class: ClassNotFound, Message: "room does not exist"}

	ErrRoomFull = &Error{Code: "room_full", Class: ClassCapacity, Message: "room is at capacity"}

	// ErrRoomNotJoinable covers wrong state and bad password; the message is
	// specific, the code deliberately is not.
	ErrRoomNotJoinable = &Error{Code: "room_not_joinable", Class: ClassState, Message: "room cannot be joined"}

	ErrWrongPassword = &Error{Code: "room_not_joinable", Class: ClassAuthorization, Message: "incorrect room password"}

	ErrNotAuthorized = &Error{Code: "not_authorized", Class: ClassAuthorization, Message: "operation requires the room host"}

	ErrNotInRoom = &Error{Code: "not_in_room", Class: ClassNotFound, Message: "not a participant of this room"}

	ErrWrongState = &Error{Code: "wrong_state", Class: ClassState, Message: "operation not valid in the room's current state"}

	ErrInvalidSettings = &Error{Code: "invalid_settings", Class: ClassCapacity, Message: "settings out of range"}
)

// Store-level sentinels. The store reports them; the controller translates
// or records them.
var (
	// ErrVersionConflict means the version compare-and-update lost a race.
	// With per-room locking in front of the store this should not happen;
	// when it does it is recorded as a consistency failure.
	ErrVersionConflict = fmt.Errorf("room version conflict")

	// ErrCodeTaken means the generated room code collided with a live room.
	ErrCodeTaken = fmt.Errorf("room code already in use")
)
