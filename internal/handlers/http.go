// internal/handlers/http.go
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/parlorhouse/parlor/internal/auth"
)

// ListRoomsHandler serves the current public listing snapshot. Meant for
// debugging and simple clients; live clients subscribe over the socket.
func (s *RoomServer) ListRoomsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.Ctrl.Listing().Snapshot()); err != nil {
			s.log.Warnf("failed to encode listing: %v", err)
		}
	}
}

// GuestSessionHandler issues a session token for an ephemeral guest user.
func (s *RoomServer) GuestSessionHandler() http.HandlerFunc {
	type request struct {
		Username string `json:"username"`
	}
	type response struct {
		Token    string    `json:"token"`
		UserID   uuid.UUID `json:"userId"`
		Username string    `json:"username,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req request
		if r.Body != nil {
			// An empty or absent body is fine; the guest just gets no name.
			_ = json.NewDecoder(r.Body).Decode(&req)
		}

		userID := uuid.New()
		if s.Guests != nil && req.Username != "" {
			if err := s.Guests.CreateGuest(r.Context(), userID, req.Username); err != nil {
				s.log.Warnf("failed to persist guest %v: %v", userID, err)
				http.Error(w, "failed to create guest", http.StatusInternalServerError)
				return
			}
		}

		token, err := auth.CreateJWT(userID.String())
		if err != nil {
			s.log.Warnf("failed to sign guest token: %v", err)
			http.Error(w, "failed to create session", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response{Token: token, UserID: userID, Username: req.Username}); err != nil {
			s.log.Warnf("failed to encode session response: %v", err)
		}
	}
}
