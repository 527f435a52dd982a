// internal/room/controller.go
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/parlorhouse/parlor/internal/auth"
	"github.com/parlorhouse/parlor/internal/idem"
	"github.com/parlorhouse/parlor/internal/models"
	"github.com/parlorhouse/parlor/internal/protocol"
	"github.com/parlorhouse/parlor/internal/rules"
)

// MaxPlayers bounds for any room.
const (
	MinRoomSize = 2
	MaxRoomSize = 8
)

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
const codeLength = 6

// Broadcaster delivers server events to connected users. Implementations
// must not block: calls happen while the per-room section is held, after
// the mutation has committed.
type Broadcaster interface {
	// RoomEvent is best-effort delivery to the given users.
	RoomEvent(users []uuid.UUID, evt protocol.ServerEvent)
	// CriticalRoomEvent assigns an event id, delivers to the given users and
	// tracks acknowledgments toward quorum. Returns the event id.
	CriticalRoomEvent(code string, users []uuid.UUID, evt protocol.ServerEvent) string
}

// NameResolver supplies display names for user ids. Optional.
type NameResolver interface {
	DisplayName(ctx context.Context, userID uuid.UUID) (string, error)
}

// Config carries the engine's tunable policy values.
type Config struct {
	AutoStartDelay    time.Duration
	LobbyRejoinWindow time.Duration
	GameRejoinWindow  time.Duration
	FinishedRoomTTL   time.Duration
	IdleRoomTTL       time.Duration
}

// DefaultConfig returns the stock policy values.
func DefaultConfig() Config {
	return Config{
		AutoStartDelay:    2 * time.Second,
		LobbyRejoinWindow: 60 * time.Second,
		GameRejoinWindow:  5 * time.Minute,
		FinishedRoomTTL:   2 * time.Minute,
		IdleRoomTTL:       30 * time.Minute,
	}
}

// Controller owns the room state machine: create, join, leave, settings,
// ready, start, finish, disconnect and the deadline sweep all pass through
// it, so every mutation shares one invariant-checked path.
//
// Serialization model: a keyed mutex makes operations on the same room
// mutually exclusive; the store's version compare-and-update is kept as a
// lost-update check behind it. Broadcasting happens after commit but before
// the section is released, so room events preserve commit order. Nothing
// that suspends (ACK waits, timers) runs inside the section.
type Controller struct {
	store   Store
	cache   idem.Cache
	rec     *Recorder
	listing *Listing
	sched   *Scheduler
	cast    Broadcaster
	engine  rules.Engine
	names   NameResolver
	cfg     Config
	log     *logrus.Logger

	locks *keyedMutex
	now   func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	ackStats func() AckStats
}

// NewController wires the engine together. names may be nil.
func NewController(store Store, cache idem.Cache, rec *Recorder, listing *Listing, cast Broadcaster, engine rules.Engine, names NameResolver, cfg Config, logger *logrus.Logger) *Controller {
	c := &Controller{
		store:    store,
		cache:    cache,
		rec:      rec,
		listing:  listing,
		cast:     cast,
		engine:   engine,
		names:    names,
		cfg:      cfg,
		log:      logger,
		locks:    newKeyedMutex(),
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		ackStats: func() AckStats { return AckStats{} },
	}
	c.sched = NewScheduler(cfg.AutoStartDelay, logger, func(code string) {
		c.autoStart(context.Background(), code)
	})
	return c
}

// SetAckStatsSource wires the ACK tracker's stats into triage bundles.
func (c *Controller) SetAckStatsSource(fn func() AckStats) {
	if fn != nil {
		c.ackStats = fn
	}
}

// Scheduler exposes the auto-start scheduler, mainly for shutdown and tests.
func (c *Controller) Scheduler() *Scheduler { return c.sched }

// Listing exposes the listing projection.
func (c *Controller) Listing() *Listing { return c.listing }

// CreateParams are the inputs to Create.
type CreateParams struct {
	Visibility models.Visibility
	Password   string
	MaxPlayers int
	Rounds     int
	Bet        int
}

// JoinResult is the response to a join, cached verbatim for idempotent
// replay.
type JoinResult struct {
	Room         models.RoomCard       `json:"room"`
	HostID       uuid.UUID             `json:"hostId"`
	SeatIndex    int                   `json:"seatIndex"`
	JoinOrder    int                   `json:"joinOrder"`
	Rejoined     bool                  `json:"rejoined"`
	Participants []*models.Participant `json:"participants"`
}

// Create builds a new room with the creator as first participant, host and
// crown holder.
func (c *Controller) Create(ctx context.Context, creatorID, connID uuid.UUID, p CreateParams, idemKey string) (*models.RoomCard, error) {
	var cached models.RoomCard
	if c.replay(ctx, creatorID, "create", idemKey, &cached) {
		return &cached, nil
	}

	if err := validateCreate(p); err != nil {
		return nil, err
	}

	var passwordHash string
	if p.Visibility == models.VisibilityPrivate && p.Password != "" {
		h, err := auth.HashRoomPassword(p.Password)
		if err != nil {
			return nil, fmt.Errorf("hash room password: %w", err)
		}
		passwordHash = h
	}

	now := c.now()
	room := &models.Room{
		ID:             uuid.New(),
		Visibility:     p.Visibility,
		PasswordHash:   passwordHash,
		HostID:         creatorID,
		CrownHolderID:  creatorID,
		MaxPlayers:     p.MaxPlayers,
		State:          models.RoomWaiting,
		PlayerCount:    1,
		Settings:       models.Settings{Rounds: p.Rounds, Bet: p.Bet},
		Version:        1,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	room.Participants = []*models.Participant{{
		ID:           uuid.New(),
		RoomID:       room.ID,
		UserID:       creatorID,
		Name:         c.displayName(ctx, creatorID),
		JoinOrder:    1,
		SeatIndex:    0,
		IsHost:       true,
		Connected:    true,
		ConnectionID: &connID,
	}}
	room.IsPublished = room.ShouldPublish()

	// Regenerate on the rare code collision with a live room.
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		room.Code = c.newCode()
		if err = c.store.InsertRoom(ctx, room); err != ErrCodeTaken {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}

	c.committed(ctx, 0, room, "create", nil)
	card := room.Card()
	c.remember(ctx, creatorID, "create", idemKey, card)
	return &card, nil
}

// Join places the user in the room, or restores their existing seat when
// they are already a participant (rejoin and duplicate joins are success
// no-ops with respect to seat and join order).
func (c *Controller) Join(ctx context.Context, userID, connID uuid.UUID, code, password, idemKey string) (*JoinResult, error) {
	var cached JoinResult
	if c.replay(ctx, userID, "join", idemKey, &cached) {
		return &cached, nil
	}

	code = normalizeCode(code)
	unlock := c.locks.Lock(code)
	defer unlock()

	room, err := c.store.GetRoomByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	if existing := room.FindParticipant(userID); existing != nil && existing.Present() {
		return c.rejoinLocked(ctx, room, existing, userID, connID, idemKey)
	}

	if room.State != models.RoomWaiting {
		return nil, ErrRoomNotJoinable
	}
	if room.PlayerCount >= room.MaxPlayers {
		return nil, ErrRoomFull
	}
	if room.PasswordHash != "" {
		ok, err := auth.VerifyRoomPassword(password, room.PasswordHash)
		if err != nil || !ok {
			return nil, ErrWrongPassword
		}
	}

	name := c.displayName(ctx, userID)
	var joined *models.Participant
	before := room.Version
	room, err = c.store.UpdateRoom(ctx, code, room.Version, func(r *models.Room) error {
		seat := r.NextSeatIndex()
		if seat < 0 {
			return ErrRoomFull
		}
		joined = &models.Participant{
			ID:           uuid.New(),
			RoomID:       r.ID,
			UserID:       userID,
			Name:         name,
			JoinOrder:    r.NextJoinOrder(),
			SeatIndex:    seat,
			Connected:    true,
			ConnectionID: &connID,
		}
		r.Participants = append(r.Participants, joined)
		r.PlayerCount++
		r.IsPublished = r.ShouldPublish()
		r.LastActivityAt = c.now()
		return nil
	})
	if err != nil {
		return nil, c.storeFailure(ctx, code, "join", err)
	}

	c.committed(ctx, before, room, "join", []outbound{{evt: protocol.ServerEvent{
		Kind: protocol.KindPlayerJoined,
		Payload: protocol.PlayerJoinedPayload{
			Code:      room.Code,
			UserID:    userID,
			Name:      name,
			SeatIndex: joined.SeatIndex,
			JoinOrder: joined.JoinOrder,
		},
	}}})

	res := &JoinResult{
		Room:         room.Card(),
		HostID:       room.CrownHolderID,
		SeatIndex:    joined.SeatIndex,
		JoinOrder:    joined.JoinOrder,
		Participants: room.Participants,
	}
	c.remember(ctx, userID, "join", idemKey, res)
	return res, nil
}

// rejoinLocked restores a present participant's connection. Seat and join
// order are untouched; a rejoin within the window clears the deadline.
func (c *Controller) rejoinLocked(ctx context.Context, room *models.Room, p *models.Participant, userID, connID uuid.UUID, idemKey string) (*JoinResult, error) {
	if p.IsAIReplacement {
		// The seat already converted to computer control.
		return nil, ErrRoomNotJoinable
	}

	if !p.Connected {
		code := room.Code
		before := room.Version
		var err error
		room, err = c.store.UpdateRoom(ctx, code, room.Version, func(r *models.Room) error {
			rp := r.FindParticipant(userID)
			if rp == nil {
				return ErrNotInRoom
			}
			rp.Connected = true
			rp.ConnectionID = &connID
			rp.DisconnectedAt = nil
			rp.CanRejoinUntil = nil
			r.LastActivityAt = c.now()
			return nil
		})
		if err != nil {
			return nil, c.storeFailure(ctx, code, "rejoin", err)
		}
		p = room.FindParticipant(userID)

		c.committed(ctx, before, room, "rejoin", []outbound{{evt: protocol.ServerEvent{
			Kind: protocol.KindPlayerJoined,
			Payload: protocol.PlayerJoinedPayload{
				Code:      room.Code,
				UserID:    userID,
				Name:      p.Name,
				SeatIndex: p.SeatIndex,
				JoinOrder: p.JoinOrder,
				Rejoined:  true,
			},
		}}})
	}

	res := &JoinResult{
		Room:         room.Card(),
		HostID:       room.CrownHolderID,
		SeatIndex:    p.SeatIndex,
		JoinOrder:    p.JoinOrder,
		Rejoined:     true,
		Participants: room.Participants,
	}
	c.remember(ctx, userID, "join", idemKey, res)
	return res, nil
}

// Leave removes the user's seat. Leaving a room you are not in is a no-op.
// The departing host's crown migrates inside the same mutation; an emptied
// room is deleted immediately.
func (c *Controller) Leave(ctx context.Context, userID uuid.UUID, code, idemKey string) error {
	var cached struct{}
	if c.replay(ctx, userID, "leave", idemKey, &cached) {
		return nil
	}

	code = normalizeCode(code)
	unlock := c.locks.Lock(code)
	defer unlock()

	room, err := c.store.GetRoomByCode(ctx, code)
	if err != nil {
		if err == ErrRoomNotFound {
			return nil
		}
		return err
	}
	p := room.FindParticipant(userID)
	if p == nil || !p.Present() {
		return nil
	}

	if err := c.removeParticipantLocked(ctx, room, userID, "leave"); err != nil {
		return err
	}
	c.remember(ctx, userID, "leave", idemKey, struct{}{})
	return nil
}

// removeParticipantLocked is the shared departure path for explicit leaves
// and lobby reconnection expiry. Caller holds the room section.
func (c *Controller) removeParticipantLocked(ctx context.Context, room *models.Room, userID uuid.UUID, trigger string) error {
	if room.PlayerCount <= 1 {
		// No ghost rooms: the last seat leaving deletes the room outright.
		return c.deleteRoomLocked(ctx, room, trigger+"_last_leave")
	}

	code := room.Code
	var newHost uuid.UUID
	before := room.Version
	room, err := c.store.UpdateRoom(ctx, code, room.Version, func(r *models.Room) error {
		rp := r.FindParticipant(userID)
		if rp == nil || !rp.Present() {
			return ErrNotInRoom
		}
		now := c.now()
		rp.LeftAt = &now
		rp.Connected = false
		rp.ConnectionID = nil
		rp.IsReady = false
		rp.CanRejoinUntil = nil
		r.PlayerCount--

		if rp.IsHost {
			rp.IsHost = false
			if succ := electHost(r); succ != nil {
				succ.IsHost = true
				r.CrownHolderID = succ.UserID
				newHost = succ.UserID
			}
		}
		r.IsPublished = r.ShouldPublish()
		r.LastActivityAt = now
		return nil
	})
	if err != nil {
		return c.storeFailure(ctx, code, trigger, err)
	}

	events := []outbound{{evt: protocol.ServerEvent{
		Kind:    protocol.KindPlayerLeft,
		Payload: protocol.PlayerLeftPayload{Code: room.Code, UserID: userID},
	}}}
	if newHost != uuid.Nil {
		events = append(events, outbound{critical: true, evt: protocol.ServerEvent{
			Kind:    protocol.KindHostChanged,
			Payload: protocol.HostChangedPayload{Code: room.Code, NewHostID: newHost},
		}})
	}
	c.committed(ctx, before, room, trigger, events)
	return nil
}

// electHost picks the departing host's successor: the present participant
// with the lowest join order. Deterministic and side-effect-free so
// independent observers converge without coordination.
func electHost(r *models.Room) *models.Participant {
	var succ *models.Participant
	for _, p := range r.Participants {
		if !p.Present() || p.IsHost {
			continue
		}
		if succ == nil || p.JoinOrder < succ.JoinOrder {
			succ = p
		}
	}
	return succ
}

// UpdateSettings applies a host-only settings patch while the room is
// waiting. Every present participant's ready flag is cleared: ready was a
// vote on the old settings, and keeping it would let the host change stakes
// under an armed countdown.
func (c *Controller) UpdateSettings(ctx context.Context, actorID uuid.UUID, code string, patch models.SettingsPatch, idemKey string) error {
	var cached struct{}
	if c.replay(ctx, actorID, "settings", idemKey, &cached) {
		return nil
	}

	code = normalizeCode(code)
	unlock := c.locks.Lock(code)
	defer unlock()

	room, err := c.store.GetRoomByCode(ctx, code)
	if err != nil {
		return err
	}
	actor := room.FindParticipant(actorID)
	if actor == nil || !actor.Present() || !actor.IsHost {
		return ErrNotAuthorized
	}
	if room.State != models.RoomWaiting {
		// A mutation attempt outside the lobby indicates a client/server
		// desync; reject hard and keep the evidence.
		c.rec.Record(code, "settings_rejected", logrus.Fields{
			"actor": actorID, "state": room.State, "class": ClassState,
		})
		return ErrWrongState
	}
	if err := validatePatch(room, patch); err != nil {
		return err
	}

	before := room.Version
	room, err = c.store.UpdateRoom(ctx, code, room.Version, func(r *models.Room) error {
		if patch.Visibility != nil {
			r.Visibility = *patch.Visibility
		}
		if patch.MaxPlayers != nil {
			r.MaxPlayers = *patch.MaxPlayers
		}
		if patch.Rounds != nil {
			r.Settings.Rounds = *patch.Rounds
		}
		if patch.Bet != nil {
			r.Settings.Bet = *patch.Bet
		}
		for _, p := range r.Participants {
			if p.Present() {
				p.IsReady = false
			}
		}
		r.IsPublished = r.ShouldPublish()
		r.LastActivityAt = c.now()
		return nil
	})
	if err != nil {
		return c.storeFailure(ctx, code, "settings", err)
	}

	c.committed(ctx, before, room, "settings", []outbound{{evt: protocol.ServerEvent{
		Kind: protocol.KindSettingsUpdated,
		Payload: protocol.SettingsUpdatedPayload{
			Code:         room.Code,
			Room:         room.Card(),
			ReadyCleared: true,
		},
	}}})
	c.remember(ctx, actorID, "settings", idemKey, struct{}{})
	return nil
}

// SetReady toggles the user's ready flag. Setting the current value is a
// no-op success.
func (c *Controller) SetReady(ctx context.Context, userID uuid.UUID, code string, ready bool, idemKey string) error {
	var cached struct{}
	if c.replay(ctx, userID, "ready", idemKey, &cached) {
		return nil
	}

	code = normalizeCode(code)
	unlock := c.locks.Lock(code)
	defer unlock()

	room, err := c.store.GetRoomByCode(ctx, code)
	if err != nil {
		return err
	}
	p := room.FindParticipant(userID)
	if p == nil || !p.Present() {
		return ErrNotInRoom
	}
	if room.State != models.RoomWaiting {
		return ErrWrongState
	}
	if p.IsReady == ready {
		c.remember(ctx, userID, "ready", idemKey, struct{}{})
		return nil
	}

	before := room.Version
	room, err = c.store.UpdateRoom(ctx, code, room.Version, func(r *models.Room) error {
		rp := r.FindParticipant(userID)
		if rp == nil || !rp.Present() {
			return ErrNotInRoom
		}
		rp.IsReady = ready
		r.LastActivityAt = c.now()
		return nil
	})
	if err != nil {
		return c.storeFailure(ctx, code, "ready", err)
	}

	c.committed(ctx, before, room, "ready", []outbound{{evt: protocol.ServerEvent{
		Kind:    protocol.KindPlayerReady,
		Payload: protocol.PlayerReadyPayload{Code: room.Code, UserID: userID, Ready: ready},
	}}})
	c.remember(ctx, userID, "ready", idemKey, struct{}{})
	return nil
}

// Start is the host-forced start: same preconditions as the scheduler,
// without the delay.
func (c *Controller) Start(ctx context.Context, actorID uuid.UUID, code string) error {
	code = normalizeCode(code)
	unlock := c.locks.Lock(code)
	defer unlock()

	room, err := c.store.GetRoomByCode(ctx, code)
	if err != nil {
		return err
	}
	actor := room.FindParticipant(actorID)
	if actor == nil || !actor.Present() || !actor.IsHost {
		return ErrNotAuthorized
	}
	if !startConditionHolds(room) {
		return ErrWrongState
	}
	c.sched.Cancel(code)
	return c.startLocked(ctx, room, "host_start")
}

// autoStart is the scheduler's fire path. Conditions are re-validated
// against current state; a start based on stale conditions is cancelled,
// classified and logged, never treated as an error.
func (c *Controller) autoStart(ctx context.Context, code string) {
	unlock := c.locks.Lock(code)
	defer unlock()

	room, err := c.store.GetRoomByCode(ctx, code)
	if err != nil {
		c.rec.Record(code, "autostart_dropped", logrus.Fields{
			"class": ClassScheduling, "reason": err.Error(),
		})
		return
	}
	if !startConditionHolds(room) {
		c.rec.Record(code, "autostart_cancelled", logrus.Fields{
			"class":     ClassScheduling,
			"state":     room.State,
			"connected": room.ConnectedCount(),
		})
		return
	}
	if err := c.startLocked(ctx, room, "auto_start"); err != nil {
		c.log.WithError(err).WithField("room", code).Warn("auto start failed")
	}
}

// startLocked transitions the room to active, seeds the rules engine and
// announces the start with an ACK-tracked broadcast. Caller holds the room
// section.
func (c *Controller) startLocked(ctx context.Context, room *models.Room, trigger string) error {
	c.rngMu.Lock()
	seed := c.rng.Int63()
	c.rngMu.Unlock()

	seats := make([]rules.Seat, 0, room.PlayerCount)
	for _, p := range room.Present() {
		seats = append(seats, rules.Seat{UserID: p.UserID, SeatIndex: p.SeatIndex, AI: p.IsAIReplacement})
	}
	if _, err := c.engine.InitialState(seed, seats); err != nil {
		return fmt.Errorf("rules engine initial state: %w", err)
	}

	code := room.Code
	before := room.Version
	room, err := c.store.UpdateRoom(ctx, code, room.Version, func(r *models.Room) error {
		if r.State != models.RoomWaiting {
			return ErrWrongState
		}
		now := c.now()
		r.State = models.RoomActive
		r.StartedAt = &now
		r.IsPublished = r.ShouldPublish()
		r.LastActivityAt = now
		return nil
	})
	if err != nil {
		return c.storeFailure(ctx, code, trigger, err)
	}

	c.committed(ctx, before, room, trigger, []outbound{{critical: true, evt: protocol.ServerEvent{
		Kind:    protocol.KindGameStarted,
		Payload: protocol.GameStartedPayload{Code: room.Code, Seed: seed},
	}}})
	return nil
}

// Finish records the rules engine's completion report. The room is retained
// for the results-viewing window, then swept.
func (c *Controller) Finish(ctx context.Context, code string) error {
	code = normalizeCode(code)
	unlock := c.locks.Lock(code)
	defer unlock()

	room, err := c.store.GetRoomByCode(ctx, code)
	if err != nil {
		return err
	}
	if room.State != models.RoomActive {
		return ErrWrongState
	}

	before := room.Version
	room, err = c.store.UpdateRoom(ctx, code, room.Version, func(r *models.Room) error {
		now := c.now()
		r.State = models.RoomFinished
		r.FinishedAt = &now
		r.IsPublished = r.ShouldPublish()
		r.LastActivityAt = now
		return nil
	})
	if err != nil {
		return c.storeFailure(ctx, code, "finish", err)
	}

	c.committed(ctx, before, room, "finish", []outbound{{evt: protocol.ServerEvent{
		Kind:    protocol.KindRoomFinished,
		Payload: protocol.RoomFinishedPayload{Code: room.Code},
	}}})
	return nil
}

// Disconnected marks the participant's connection dead and opens their
// reconnection window. connID guards against a stale close racing a rejoin.
func (c *Controller) Disconnected(ctx context.Context, code string, userID, connID uuid.UUID) {
	code = normalizeCode(code)
	unlock := c.locks.Lock(code)
	defer unlock()

	room, err := c.store.GetRoomByCode(ctx, code)
	if err != nil {
		return
	}
	p := room.FindParticipant(userID)
	if p == nil || !p.Present() || !p.Connected {
		return
	}
	if p.ConnectionID == nil || *p.ConnectionID != connID {
		return
	}

	window := c.cfg.LobbyRejoinWindow
	if room.State == models.RoomActive {
		window = c.cfg.GameRejoinWindow
	}

	before := room.Version
	room, err = c.store.UpdateRoom(ctx, code, room.Version, func(r *models.Room) error {
		rp := r.FindParticipant(userID)
		if rp == nil || !rp.Present() {
			return ErrNotInRoom
		}
		now := c.now()
		deadline := now.Add(window)
		rp.Connected = false
		rp.ConnectionID = nil
		rp.DisconnectedAt = &now
		rp.CanRejoinUntil = &deadline
		return nil
	})
	if err != nil {
		c.storeFailure(ctx, code, "disconnect", err)
		return
	}

	c.committed(ctx, before, room, "disconnect", nil)
}

// Chat relays a best-effort chat line to the room. Read-only with respect
// to room state.
func (c *Controller) Chat(ctx context.Context, userID uuid.UUID, code, message string) error {
	code = normalizeCode(code)
	room, err := c.store.GetRoomByCode(ctx, code)
	if err != nil {
		return err
	}
	p := room.FindParticipant(userID)
	if p == nil || !p.Present() {
		return ErrNotInRoom
	}
	c.cast.RoomEvent(connectedUsers(room), protocol.ServerEvent{
		Kind:    protocol.KindChatMessage,
		Version: room.Version,
		Payload: protocol.ChatMessagePayload{
			Code:    room.Code,
			UserID:  userID,
			Name:    p.Name,
			Message: message,
			SentAt:  c.now().Unix(),
		},
	})
	return nil
}

// SweepExpired enforces every hard deadline: reconnection windows, the
// finished-room retention window and the idle-room TTL. Called on a ticker.
func (c *Controller) SweepExpired(ctx context.Context) {
	rooms, err := c.store.ListRooms(ctx)
	if err != nil {
		c.log.WithError(err).Warn("deadline sweep: list rooms")
		return
	}
	now := c.now()
	for _, snapshot := range rooms {
		c.sweepRoom(ctx, snapshot.Code, now)
	}
}

func (c *Controller) sweepRoom(ctx context.Context, code string, now time.Time) {
	unlock := c.locks.Lock(code)
	defer unlock()

	room, err := c.store.GetRoomByCode(ctx, code)
	if err != nil {
		return
	}

	switch room.State {
	case models.RoomFinished:
		if room.FinishedAt != nil && now.After(room.FinishedAt.Add(c.cfg.FinishedRoomTTL)) {
			c.deleteRoomLocked(ctx, room, "finished_retention")
		}
		return
	case models.RoomWaiting:
		if now.After(room.LastActivityAt.Add(c.cfg.IdleRoomTTL)) {
			c.deleteRoomLocked(ctx, room, "idle_sweep")
			return
		}
	}

	for _, p := range room.Participants {
		if !p.Present() || p.Connected || p.CanRejoinUntil == nil || now.Before(*p.CanRejoinUntil) {
			continue
		}
		if room.State == models.RoomWaiting {
			// Lobby: the seat is vacated; host migration and empty-room
			// deletion follow the normal departure path.
			if err := c.removeParticipantLocked(ctx, room, p.UserID, "rejoin_expired"); err != nil {
				c.log.WithError(err).WithField("room", code).Warn("sweep: prune participant")
			}
			return
		}
		// Mid-game: removing the seat would corrupt turn order, so control
		// passes to a computer stand-in instead.
		c.replaceWithAILocked(ctx, room, p.UserID)
		return
	}
}

func (c *Controller) replaceWithAILocked(ctx context.Context, room *models.Room, userID uuid.UUID) {
	code := room.Code
	before := room.Version
	room, err := c.store.UpdateRoom(ctx, code, room.Version, func(r *models.Room) error {
		rp := r.FindParticipant(userID)
		if rp == nil || !rp.Present() {
			return ErrNotInRoom
		}
		rp.IsAIReplacement = true
		rp.CanRejoinUntil = nil
		rp.IsReady = false
		return nil
	})
	if err != nil {
		c.storeFailure(ctx, code, "ai_replace", err)
		return
	}

	c.committed(ctx, before, room, "ai_replace", []outbound{{evt: protocol.ServerEvent{
		Kind:    protocol.KindPlayerLeft,
		Payload: protocol.PlayerLeftPayload{Code: room.Code, UserID: userID, AIReplaced: true},
	}}})
}

// deleteRoomLocked deletes the room from any state, announces it with an
// ACK-tracked broadcast and drops all projections. Caller holds the room
// section.
func (c *Controller) deleteRoomLocked(ctx context.Context, room *models.Room, trigger string) error {
	targets := connectedUsers(room)
	if err := c.store.DeleteRoom(ctx, room.Code); err != nil && err != ErrRoomNotFound {
		return fmt.Errorf("delete room %s: %w", room.Code, err)
	}

	c.sched.Cancel(room.Code)
	c.listing.Drop(room.Code)
	c.rec.Record(room.Code, "room_deleted", logrus.Fields{"trigger": trigger})
	c.rec.DropRoom(room.Code)

	if len(targets) > 0 {
		c.cast.CriticalRoomEvent(room.Code, targets, protocol.ServerEvent{
			Kind:    protocol.KindRoomDeleted,
			Version: room.Version + 1,
			Payload: protocol.RoomDeletedPayload{Code: room.Code},
		})
	}
	c.log.WithFields(logrus.Fields{"room": room.Code, "trigger": trigger}).Info("room deleted")
	return nil
}

// outbound pairs a server event with its delivery class.
type outbound struct {
	evt      protocol.ServerEvent
	critical bool
}

// committed is the shared post-commit path: invariant check, diagnostics,
// listing reconciliation, scheduler re-evaluation and broadcast, in that
// order, all while the room section is still held so events preserve
// commit order.
func (c *Controller) committed(ctx context.Context, beforeVersion int64, room *models.Room, trigger string, events []outbound) {
	violations := CheckRoom(room)
	if beforeVersion > 0 {
		violations = append(violations, CheckVersionAdvanced(beforeVersion, room.Version)...)
	}
	c.rec.Record(room.Code, trigger, logrus.Fields{
		"version": room.Version, "players": room.PlayerCount, "state": room.State,
	})
	c.rec.CaptureSnapshot(room)
	if len(violations) > 0 {
		c.rec.ReportViolations(room.Code, trigger, violations, c.ackStats())
	}

	c.listing.Apply(room)
	c.sched.Evaluate(room)

	targets := connectedUsers(room)
	for _, out := range events {
		out.evt.Version = room.Version
		if out.critical {
			c.cast.CriticalRoomEvent(room.Code, targets, out.evt)
		} else {
			c.cast.RoomEvent(targets, out.evt)
		}
	}
}

// storeFailure translates store errors, recording version conflicts: the
// keyed section should make them impossible, so one firing means the
// serialization contract broke somewhere.
func (c *Controller) storeFailure(ctx context.Context, code, trigger string, err error) error {
	if err == ErrVersionConflict {
		c.rec.ReportViolations(code, trigger, []Violation{{
			Rule:   "serialized_writers",
			Class:  ClassConsistency,
			Detail: "version conflict under keyed lock",
		}}, c.ackStats())
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return err
}

func connectedUsers(room *models.Room) []uuid.UUID {
	out := make([]uuid.UUID, 0, room.PlayerCount)
	for _, p := range room.Participants {
		if p.Present() && p.Connected && !p.IsAIReplacement {
			out = append(out, p.UserID)
		}
	}
	return out
}

// replay checks the idempotency cache and decodes the stored result into
// out. Only successful results are cached, so replays are always successes.
func (c *Controller) replay(ctx context.Context, actor uuid.UUID, op, key string, out any) bool {
	if key == "" {
		return false
	}
	data, ok, err := c.cache.Get(ctx, cacheKey(actor, op, key))
	if err != nil {
		c.log.WithError(err).Warn("idempotency cache read")
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.log.WithError(err).Warn("idempotency cache decode")
		return false
	}
	c.rec.Record("", "duplicate_request", logrus.Fields{
		"actor": actor, "op": op, "class": ClassDuplicateRequest,
	})
	return true
}

func (c *Controller) remember(ctx context.Context, actor uuid.UUID, op, key string, result any) {
	if key == "" {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		c.log.WithError(err).Warn("idempotency cache encode")
		return
	}
	if err := c.cache.Put(ctx, cacheKey(actor, op, key), data); err != nil {
		c.log.WithError(err).Warn("idempotency cache write")
	}
}

func cacheKey(actor uuid.UUID, op, key string) string {
	return fmt.Sprintf("%s:%s:%s", actor, op, key)
}

func (c *Controller) displayName(ctx context.Context, userID uuid.UUID) string {
	if c.names != nil {
		if name, err := c.names.DisplayName(ctx, userID); err == nil && name != "" {
			return name
		}
	}
	return "Player-" + strings.ToUpper(userID.String()[:4])
}

func (c *Controller) newCode() string {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	b := make([]byte, codeLength)
	for i := range b {
		b[i] = codeAlphabet[c.rng.Intn(len(codeAlphabet))]
	}
	return string(b)
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func validateCreate(p CreateParams) error {
	if p.Visibility != models.VisibilityPublic && p.Visibility != models.VisibilityPrivate {
		return ErrInvalidSettings
	}
	if p.MaxPlayers < MinRoomSize || p.MaxPlayers > MaxRoomSize {
		return ErrInvalidSettings
	}
	if p.Rounds < 1 || p.Rounds > 50 {
		return ErrInvalidSettings
	}
	if p.Bet < 0 {
		return ErrInvalidSettings
	}
	return nil
}

func validatePatch(room *models.Room, patch models.SettingsPatch) error {
	if patch.Visibility != nil &&
		*patch.Visibility != models.VisibilityPublic && *patch.Visibility != models.VisibilityPrivate {
		return ErrInvalidSettings
	}
	if patch.MaxPlayers != nil {
		if *patch.MaxPlayers < MinRoomSize || *patch.MaxPlayers > MaxRoomSize {
			return ErrInvalidSettings
		}
		// Shrinking below the current occupancy would orphan seats, and so
		// would a bound at or below the highest occupied seat index: seats
		// keep their index for the life of the room, so departures can leave
		// a high seat occupied with low ones vacant.
		if *patch.MaxPlayers < room.PlayerCount {
			return ErrInvalidSettings
		}
		for _, p := range room.Present() {
			if p.SeatIndex >= *patch.MaxPlayers {
				return ErrInvalidSettings
			}
		}
	}
	if patch.Rounds != nil && (*patch.Rounds < 1 || *patch.Rounds > 50) {
		return ErrInvalidSettings
	}
	if patch.Bet != nil && *patch.Bet < 0 {
		return ErrInvalidSettings
	}
	return nil
}
