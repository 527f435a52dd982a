// internal/handlers/codes.go
package handlers

// Custom WebSocket close codes used by the room handlers. These give
// clients a more specific reason for closure than the standard codes.
const (
	BadSubprotocolError   = 3000 // Client connected with an unsupported subprotocol.
	InvalidAuthTokenError = 3001 // Provided session token was invalid or expired.
	ProtocolMismatchError = 3002 // Client announced an incompatible protocol version.
	SupersededError       = 3003 // A newer connection for the same user took over.
)
