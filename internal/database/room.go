// internal/database/room.go
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlorhouse/parlor/internal/models"
	"github.com/parlorhouse/parlor/internal/room"
)

// RoomStore is the Postgres-backed room.Store. Every UpdateRoom runs in a
// single transaction with the room row locked FOR UPDATE, so the load,
// mutate, version bump and participant writes commit or fail as a unit.
type RoomStore struct {
	pool *pgxpool.Pool
}

// NewRoomStore wraps a pgx pool.
func NewRoomStore(pool *pgxpool.Pool) *RoomStore {
	return &RoomStore{pool: pool}
}

const roomColumns = `id, code, visibility, password_hash, host_id, crown_holder_id,
	max_players, state, player_count, rounds, bet, is_published, version,
	last_activity_at, created_at, updated_at, started_at, finished_at`

const participantColumns = `id, room_id, user_id, name, join_order, seat_index,
	is_host, is_ready, connected, connection_id, disconnected_at,
	can_rejoin_until, is_ai_replacement, left_at`

// InsertRoom persists a freshly created room and its initial participants.
// A code collision with a live room surfaces as room.ErrCodeTaken.
func (s *RoomStore) InsertRoom(ctx context.Context, rm *models.Room) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO rooms (`+roomColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
			rm.ID, rm.Code, rm.Visibility, rm.PasswordHash, rm.HostID, rm.CrownHolderID,
			rm.MaxPlayers, rm.State, rm.PlayerCount, rm.Settings.Rounds, rm.Settings.Bet,
			rm.IsPublished, rm.Version, rm.LastActivityAt, rm.CreatedAt, rm.UpdatedAt,
			rm.StartedAt, rm.FinishedAt)
		if err != nil {
			return err
		}
		for _, p := range rm.Participants {
			if err := upsertParticipant(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return room.ErrCodeTaken
	}
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

// GetRoomByCode loads a room and all of its participant rows, soft-deleted
// included.
func (s *RoomStore) GetRoomByCode(ctx context.Context, code string) (*models.Room, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+roomColumns+` FROM rooms WHERE UPPER(code) = UPPER($1)`, code)
	rm, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, room.ErrRoomNotFound
		}
		return nil, fmt.Errorf("get room: %w", err)
	}
	if err := s.loadParticipants(ctx, s.pool, rm); err != nil {
		return nil, err
	}
	return rm, nil
}

// UpdateRoom implements the store's atomic read-mutate-write contract. The
// room row is locked FOR UPDATE for the duration, the caller's expected
// version is checked against the locked row, and the version increments on
// commit.
func (s *RoomStore) UpdateRoom(ctx context.Context, code string, expectedVersion int64, mutate func(*models.Room) error) (*models.Room, error) {
	var updated *models.Room
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT `+roomColumns+` FROM rooms WHERE UPPER(code) = UPPER($1) FOR UPDATE`, code)
		rm, err := scanRoom(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return room.ErrRoomNotFound
			}
			return err
		}
		if rm.Version != expectedVersion {
			return room.ErrVersionConflict
		}
		if err := s.loadParticipants(ctx, tx, rm); err != nil {
			return err
		}

		if err := mutate(rm); err != nil {
			return err
		}
		rm.Version++
		rm.UpdatedAt = time.Now().UTC()

		tag, err := tx.Exec(ctx, `
			UPDATE rooms SET
				visibility = $2, password_hash = $3, host_id = $4,
				crown_holder_id = $5, max_players = $6, state = $7,
				player_count = $8, rounds = $9, bet = $10, is_published = $11,
				version = $12, last_activity_at = $13, updated_at = $14,
				started_at = $15, finished_at = $16
			WHERE id = $1`,
			rm.ID, rm.Visibility, rm.PasswordHash, rm.HostID,
			rm.CrownHolderID, rm.MaxPlayers, rm.State,
			rm.PlayerCount, rm.Settings.Rounds, rm.Settings.Bet, rm.IsPublished,
			rm.Version, rm.LastActivityAt, rm.UpdatedAt,
			rm.StartedAt, rm.FinishedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return room.ErrVersionConflict
		}

		for _, p := range rm.Participants {
			if err := upsertParticipant(ctx, tx, p); err != nil {
				return err
			}
		}
		updated = rm
		return nil
	})
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) || errors.Is(err, room.ErrVersionConflict) {
			return nil, err
		}
		var re *room.Error
		if errors.As(err, &re) {
			return nil, re
		}
		return nil, fmt.Errorf("update room: %w", err)
	}
	return updated, nil
}

// DeleteRoom removes the room row; participants cascade.
func (s *RoomStore) DeleteRoom(ctx context.Context, code string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rooms WHERE UPPER(code) = UPPER($1)`, code)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return room.ErrRoomNotFound
	}
	return nil
}

// ListRooms loads every room with its participants.
func (s *RoomStore) ListRooms(ctx context.Context) ([]*models.Room, error) {
	return s.list(ctx, `SELECT `+roomColumns+` FROM rooms ORDER BY code`)
}

// ListPublished loads only listing-eligible rooms.
func (s *RoomStore) ListPublished(ctx context.Context) ([]*models.Room, error) {
	return s.list(ctx, `SELECT `+roomColumns+` FROM rooms WHERE is_published ORDER BY code`)
}

func (s *RoomStore) list(ctx context.Context, query string) ([]*models.Room, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var out []*models.Room
	for rows.Next() {
		rm, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("list rooms: %w", err)
		}
		out = append(out, rm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	for _, rm := range out {
		if err := s.loadParticipants(ctx, s.pool, rm); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// querier lets participant loads run on either the pool or an open tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *RoomStore) loadParticipants(ctx context.Context, q querier, rm *models.Room) error {
	rows, err := q.Query(ctx, `
		SELECT `+participantColumns+`
		FROM room_participants WHERE room_id = $1 ORDER BY join_order`, rm.ID)
	if err != nil {
		return fmt.Errorf("load participants: %w", err)
	}
	defer rows.Close()

	rm.Participants = nil
	for rows.Next() {
		var p models.Participant
		err := rows.Scan(
			&p.ID, &p.RoomID, &p.UserID, &p.Name, &p.JoinOrder, &p.SeatIndex,
			&p.IsHost, &p.IsReady, &p.Connected, &p.ConnectionID, &p.DisconnectedAt,
			&p.CanRejoinUntil, &p.IsAIReplacement, &p.LeftAt)
		if err != nil {
			return fmt.Errorf("load participants: %w", err)
		}
		rm.Participants = append(rm.Participants, &p)
	}
	return rows.Err()
}

func upsertParticipant(ctx context.Context, tx pgx.Tx, p *models.Participant) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO room_participants (`+participantColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			is_host = EXCLUDED.is_host,
			is_ready = EXCLUDED.is_ready,
			connected = EXCLUDED.connected,
			connection_id = EXCLUDED.connection_id,
			disconnected_at = EXCLUDED.disconnected_at,
			can_rejoin_until = EXCLUDED.can_rejoin_until,
			is_ai_replacement = EXCLUDED.is_ai_replacement,
			left_at = EXCLUDED.left_at`,
		p.ID, p.RoomID, p.UserID, p.Name, p.JoinOrder, p.SeatIndex,
		p.IsHost, p.IsReady, p.Connected, p.ConnectionID, p.DisconnectedAt,
		p.CanRejoinUntil, p.IsAIReplacement, p.LeftAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (*models.Room, error) {
	var rm models.Room
	err := row.Scan(
		&rm.ID, &rm.Code, &rm.Visibility, &rm.PasswordHash, &rm.HostID, &rm.CrownHolderID,
		&rm.MaxPlayers, &rm.State, &rm.PlayerCount, &rm.Settings.Rounds, &rm.Settings.Bet,
		&rm.IsPublished, &rm.Version, &rm.LastActivityAt, &rm.CreatedAt, &rm.UpdatedAt,
		&rm.StartedAt, &rm.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &rm, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
