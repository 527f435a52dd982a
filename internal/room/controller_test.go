// internal/room/controller_test.go
package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorhouse/parlor/internal/idem"
	"github.com/parlorhouse/parlor/internal/models"
	"github.com/parlorhouse/parlor/internal/protocol"
	"github.com/parlorhouse/parlor/internal/rules"
)

// fakeBroadcaster records everything the engine emits.
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []protocol.ServerEvent
}

func (f *fakeBroadcaster) RoomEvent(users []uuid.UUID, evt protocol.ServerEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
}

func (f *fakeBroadcaster) CriticalRoomEvent(code string, users []uuid.UUID, evt protocol.ServerEvent) string {
	evt.EventID = "critical"
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return evt.EventID
}

func (f *fakeBroadcaster) count(kind protocol.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (f *fakeBroadcaster) last(kind protocol.Kind) (protocol.ServerEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].Kind == kind {
			return f.events[i], true
		}
	}
	return protocol.ServerEvent{}, false
}

// fakeClock lets deadline tests move time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestController(t *testing.T) (*Controller, *MemoryStore, *fakeBroadcaster, *fakeClock) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	store := NewMemoryStore()
	cast := &fakeBroadcaster{}
	clock := newFakeClock()

	ctrl := NewController(store, idem.NewMemoryCache(time.Minute, 0), NewRecorder(logger, 16),
		NewListing(), cast, rules.StubEngine{}, nil, Config{
			AutoStartDelay:    50 * time.Millisecond,
			LobbyRejoinWindow: time.Minute,
			GameRejoinWindow:  5 * time.Minute,
			FinishedRoomTTL:   2 * time.Minute,
			IdleRoomTTL:       30 * time.Minute,
		}, logger)
	ctrl.now = clock.Now
	t.Cleanup(ctrl.Scheduler().Stop)
	return ctrl, store, cast, clock
}

func mustCreate(t *testing.T, ctrl *Controller, host uuid.UUID, maxPlayers int) models.RoomCard {
	t.Helper()
	card, err := ctrl.Create(context.Background(), host, uuid.New(), CreateParams{
		Visibility: models.VisibilityPublic,
		MaxPlayers: maxPlayers,
		Rounds:     3,
		Bet:        10,
	}, "")
	require.NoError(t, err)
	return *card
}

func TestCreateAndJoin(t *testing.T) {
	ctrl, store, cast, _ := newTestController(t)
	ctx := context.Background()

	host := uuid.New()
	card := mustCreate(t, ctrl, host, 4)
	require.Len(t, card.Code, 6)
	assert.Equal(t, models.RoomWaiting, card.State)
	assert.Equal(t, 1, card.PlayerCount)

	guest := uuid.New()
	res, err := ctrl.Join(ctx, guest, uuid.New(), card.Code, "", "")
	require.NoError(t, err)
	assert.Equal(t, host, res.HostID)
	assert.Equal(t, 1, res.SeatIndex)
	assert.Equal(t, 2, res.JoinOrder)
	assert.False(t, res.Rejoined)
	assert.Equal(t, 2, res.Room.PlayerCount)

	room, err := store.GetRoomByCode(ctx, card.Code)
	require.NoError(t, err)
	assert.Empty(t, CheckRoom(room))
	assert.Equal(t, 1, cast.count(protocol.KindPlayerJoined))
}

func TestJoinRejectsWrongStateAndCapacity(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	ctx := context.Background()

	host := uuid.New()
	card := mustCreate(t, ctrl, host, 2)

	second := uuid.New()
	_, err := ctrl.Join(ctx, second, uuid.New(), card.Code, "", "")
	require.NoError(t, err)

	_, err = ctrl.Join(ctx, uuid.New(), uuid.New(), card.Code, "", "")
	assert.ErrorIs(t, err, ErrRoomFull)

	require.NoError(t, ctrl.SetReady(ctx, host, card.Code, true, ""))
	require.NoError(t, ctrl.SetReady(ctx, second, card.Code, true, ""))
	require.NoError(t, ctrl.Start(ctx, host, card.Code))

	_, err = ctrl.Join(ctx, uuid.New(), uuid.New(), card.Code, "", "")
	assert.ErrorIs(t, err, ErrRoomNotJoinable)
}

func TestJoinUnknownRoom(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	_, err := ctrl.Join(context.Background(), uuid.New(), uuid.New(), "NOSUCH", "", "")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	ctrl, store, _, _ := newTestController(t)
	ctx := context.Background()

	card := mustCreate(t, ctrl, uuid.New(), 4)

	const contenders = 10
	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ctrl.Join(ctx, uuid.New(), uuid.New(), card.Code, "", "")
		}(i)
	}
	wg.Wait()

	joined := 0
	for _, err := range errs {
		if err == nil {
			joined++
		} else {
			assert.ErrorIs(t, err, ErrRoomFull)
		}
	}
	assert.Equal(t, 3, joined, "creator holds one of four seats")

	room, err := store.GetRoomByCode(ctx, card.Code)
	require.NoError(t, err)
	assert.Equal(t, 4, room.PlayerCount)
	assert.Empty(t, CheckRoom(room), "no duplicate seats, no capacity overrun")
}

func TestJoinIdempotentReplay(t *testing.T) {
	ctrl, store, _, _ := newTestController(t)
	ctx := context.Background()

	card := mustCreate(t, ctrl, uuid.New(), 4)
	guest := uuid.New()

	first, err := ctrl.Join(ctx, guest, uuid.New(), card.Code, "", "retry-1")
	require.NoError(t, err)
	replay, err := ctrl.Join(ctx, guest, uuid.New(), card.Code, "", "retry-1")
	require.NoError(t, err)

	assert.Equal(t, first.SeatIndex, replay.SeatIndex)
	assert.Equal(t, first.JoinOrder, replay.JoinOrder)
	assert.Equal(t, first.Room.Version, replay.Room.Version, "replay must not re-execute")

	room, err := store.GetRoomByCode(ctx, card.Code)
	require.NoError(t, err)
	assert.Equal(t, 2, room.PlayerCount)
}

func TestRejoinKeepsSeatAndJoinOrder(t *testing.T) {
	ctrl, _, cast, _ := newTestController(t)
	ctx := context.Background()

	card := mustCreate(t, ctrl, uuid.New(), 4)
	guest := uuid.New()
	connID := uuid.New()

	first, err := ctrl.Join(ctx, guest, connID, card.Code, "", "")
	require.NoError(t, err)

	ctrl.Disconnected(ctx, card.Code, guest, connID)

	back, err := ctrl.Join(ctx, guest, uuid.New(), card.Code, "", "")
	require.NoError(t, err)
	assert.True(t, back.Rejoined)
	assert.Equal(t, first.SeatIndex, back.SeatIndex)
	assert.Equal(t, first.JoinOrder, back.JoinOrder)

	evt, ok := cast.last(protocol.KindPlayerJoined)
	require.True(t, ok)
	assert.True(t, evt.Payload.(protocol.PlayerJoinedPayload).Rejoined)
}

func TestLeaveMigratesHostToLowestJoinOrder(t *testing.T) {
	ctrl, store, cast, _ := newTestController(t)
	ctx := context.Background()

	host := uuid.New()
	card := mustCreate(t, ctrl, host, 4)
	second := uuid.New()
	third := uuid.New()
	_, err := ctrl.Join(ctx, second, uuid.New(), card.Code, "", "")
	require.NoError(t, err)
	_, err = ctrl.Join(ctx, third, uuid.New(), card.Code, "", "")
	require.NoError(t, err)

	require.NoError(t, ctrl.Leave(ctx, host, card.Code, ""))

	room, err := store.GetRoomByCode(ctx, card.Code)
	require.NoError(t, err)
	assert.Equal(t, 2, room.PlayerCount)
	assert.Equal(t, second, room.CrownHolderID, "successor is the earliest remaining joiner")
	assert.Empty(t, CheckRoom(room))

	evt, ok := cast.last(protocol.KindHostChanged)
	require.True(t, ok)
	assert.Equal(t, second, evt.Payload.(protocol.HostChangedPayload).NewHostID)
	assert.Equal(t, "critical", evt.EventID, "host change is ack-tracked")

	// Departed host's row survives soft-deleted; their join order is not
	// handed out again.
	res, err := ctrl.Join(ctx, uuid.New(), uuid.New(), card.Code, "", "")
	require.NoError(t, err)
	assert.Equal(t, 4, res.JoinOrder)
}

func TestLastLeaveDeletesRoom(t *testing.T) {
	ctrl, store, cast, _ := newTestController(t)
	ctx := context.Background()

	host := uuid.New()
	card := mustCreate(t, ctrl, host, 4)
	require.NoError(t, ctrl.Leave(ctx, host, card.Code, ""))

	_, err := store.GetRoomByCode(ctx, card.Code)
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.Empty(t, ctrl.Listing().Snapshot())
	assert.Equal(t, 0, cast.count(protocol.KindPlayerLeft), "no departure event for a deleted room")
}

func TestLeaveWhenNotInRoomIsNoop(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	ctx := context.Background()

	card := mustCreate(t, ctrl, uuid.New(), 4)
	assert.NoError(t, ctrl.Leave(ctx, uuid.New(), card.Code, ""))
	assert.NoError(t, ctrl.Leave(ctx, uuid.New(), "GONE42", ""))
}

func TestSettingsUpdateResetsReady(t *testing.T) {
	ctrl, store, cast, _ := newTestController(t)
	ctx := context.Background()

	host := uuid.New()
	card := mustCreate(t, ctrl, host, 4)
	guest := uuid.New()
	_, err := ctrl.Join(ctx, guest, uuid.New(), card.Code, "", "")
	require.NoError(t, err)

	require.NoError(t, ctrl.SetReady(ctx, host, card.Code, true, ""))
	require.NoError(t, ctrl.SetReady(ctx, guest, card.Code, true, ""))

	rounds := 7
	require.NoError(t, ctrl.UpdateSettings(ctx, host, card.Code, models.SettingsPatch{Rounds: &rounds}, ""))

	room, err := store.GetRoomByCode(ctx, card.Code)
	require.NoError(t, err)
	assert.Equal(t, 7, room.Settings.Rounds)
	for _, p := range room.Present() {
		assert.False(t, p.IsReady, "settings change invalidates prior ready votes")
	}
	assert.False(t, ctrl.Scheduler().Pending(card.Code), "armed countdown must disarm with the votes")

	evt, ok := cast.last(protocol.KindSettingsUpdated)
	require.True(t, ok)
	assert.True(t, evt.Payload.(protocol.SettingsUpdatedPayload).ReadyCleared)
}

func TestSettingsUpdateAuthorization(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	ctx := context.Background()

	host := uuid.New()
	card := mustCreate(t, ctrl, host, 4)
	guest := uuid.New()
	_, err := ctrl.Join(ctx, guest, uuid.New(), card.Code, "", "")
	require.NoError(t, err)

	rounds := 5
	err = ctrl.UpdateSettings(ctx, guest, card.Code, models.SettingsPatch{Rounds: &rounds}, "")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	err = ctrl.UpdateSettings(ctx, uuid.New(), card.Code, models.SettingsPatch{Rounds: &rounds}, "")
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestSettingsCannotShrinkBelowOccupancy(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	ctx := context.Background()

	host := uuid.New()
	card := mustCreate(t, ctrl, host, 4)
	for i := 0; i < 2; i++ {
		_, err := ctrl.Join(ctx, uuid.New(), uuid.New(), card.Code, "", "")
		require.NoError(t, err)
	}

	two := 2
	err := ctrl.UpdateSettings(ctx, host, card.Code, models.SettingsPatch{MaxPlayers: &two}, "")
	assert.ErrorIs(t, err, ErrInvalidSettings)
}

func TestReadySameValueIsNoop(t *testing.T) {
	ctrl, store, cast, _ := newTestController(t)
	ctx := context.Background()

	host := uuid.New()
	card := mustCreate(t, ctrl, host, 4)

	require.NoError(t, ctrl.SetReady(ctx, host, card.Code, false, ""))
	room, err := store.GetRoomByCode(ctx, card.Code)
	require.NoError(t, err)
	assert.Equal(t, card.Version, room.Version, "no-op must not commit a new version")
	assert.Equal(t, 0, cast.count(protocol.KindPlayerReady))
}

func TestAutoStartFiresOnceWhenAllReady(t *testing.T) {
	ctrl, store, cast, _ := newTestController(t)
	ctx := context.Background()

	host := uuid.New()
	card := mustCreate(t, ctrl, host, 4)
	guest := uuid.New()
	_, err := ctrl.Join(ctx, guest, uuid.New(), card.Code, "", "")
	require.NoError(t, err)

	require.NoError(t, ctrl.SetReady(ctx, host, card.Code, true, ""))
	require.NoError(t, ctrl.SetReady(ctx, guest, card.Code, true, ""))
	require.True(t, ctrl.Scheduler().Pending(card.Code))

	require.Eventually(t, func() bool {
		room, err := store.GetRoomByCode(ctx, card.Code)
		return err == nil && room.State == models.RoomActive
	}, time.Second, 5*time.Millisecond)

	// Let any stray timer fire before counting.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, cast.count(protocol.KindGameStarted))

	room, err := store.GetRoomByCode(ctx, card.Code)
	require.NoError(t, err)
	require.NotNil(t, room.StartedAt)
	assert.False(t, room.IsPublished, "active rooms leave the listing")
}

func TestAutoStartRevalidatesAtFire(t *testing.T) {
	ctrl, store, cast, _ := newTestController(t)
	ctx := context.Background()

	host := uuid.New()
	card := mustCreate(t, ctrl, host, 4)
	guest := uuid.New()
	_, err := ctrl.Join(ctx, guest, uuid.New(), card.Code, "", "")
	require.NoError(t, err)

	require.NoError(t, ctrl.SetReady(ctx, host, card.Code, true, ""))
	require.NoError(t, ctrl.SetReady(ctx, guest, card.Code, true, ""))
	require.True(t, ctrl.Scheduler().Pending(card.Code))

	// A vote withdrawn during the countdown cancels the start.
	require.NoError(t, ctrl.SetReady(ctx, guest, card.Code, false, ""))
	assert.False(t, ctrl.Scheduler().Pending(card.Code))

	time.Sleep(120 * time.Millisecond)
	room, err := store.GetRoomByCode(ctx, card.Code)
	require.NoError(t, err)
	assert.Equal(t, models.RoomWaiting, room.State)
	assert.Equal(t, 0, cast.count(protocol.KindGameStarted))
}

func TestHostForcedStart(t *testing.T) {
	ctrl, store, _, _ := newTestController(t)
	ctx := context.Background()

	host := uuid.New()
	card := mustCreate(t, ctrl, host, 4)
	guest := uuid.New()
	_, err := ctrl.Join(ctx, guest, uuid.New(), card.Code, "", "")
	require.NoError(t, err)

	err = ctrl.Start(ctx, host, card.Code)
	assert.ErrorIs(t, err, ErrWrongState, "cannot start before everyone is ready")

	require.NoError(t, ctrl.SetReady(ctx, host, card.Code, true, ""))
	require.NoError(t, ctrl.SetReady(ctx, guest, card.Code, true, ""))

	err = ctrl.Start(ctx, guest, card.Code)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	require.NoError(t, ctrl.Start(ctx, host, card.Code))
	room, err := store.GetRoomByCode(ctx, card.Code)
	require.NoError(t, err)
	assert.Equal(t, models.RoomActive, room.State)

	assert.ErrorIs(t, ctrl.Start(ctx, host, card.Code), ErrWrongState)
}

func startedRoom(t *testing.T, ctrl *Controller, host, guest uuid.UUID, hostConn, guestConn uuid.UUID) models.RoomCard {
	t.Helper()
	ctx := context.Background()
	card, err := ctrl.Create(ctx, host, hostConn, CreateParams{
		Visibility: models.VisibilityPublic, MaxPlayers: 4, Rounds: 3, Bet: 10,
	}, "")
	require.NoError(t, err)
	_, err = ctrl.Join(ctx, guest, guestConn, card.Code, "", "")
	require.NoError(t, err)
	require.NoError(t, ctrl.SetReady(ctx, host, card.Code, true, ""))
	require.NoError(t, ctrl.SetReady(ctx, guest, card.Code, true, ""))
	require.NoError(t, ctrl.Start(ctx, host, card.Code))
	return *card
}

func TestSweepPrunesExpiredLobbySeat(t *testing.T) {
	ctrl, store, _, clock := newTestController(t)
	ctx := context.Background()

	host := uuid.New()
	card := mustCreate(t, ctrl, host, 4)
	guest := uuid.New()
	guestConn := uuid.New()
	_, err := ctrl.Join(ctx, guest, guestConn, card.Code, "", "")
	require.NoError(t, err)

	ctrl.Disconnected(ctx, card.Code, guest, guestConn)

	clock.Advance(30 * time.Second)
	ctrl.SweepExpired(ctx)
	room, err := store.GetRoomByCode(ctx, card.Code)
	require.NoError(t, err)
	assert.Equal(t, 2, room.PlayerCount, "window still open")

	clock.Advance(31 * time.Second)
	ctrl.SweepExpired(ctx)
	room, err = store.GetRoomByCode(ctx, card.Code)
	require.NoError(t, err)
	assert.Equal(t, 1, room.PlayerCount)
	p := room.FindParticipant(guest)
	require.NotNil(t, p)
	assert.False(t, p.Present())
	assert.Empty(t, CheckRoom(room))
}

func TestSweepReplacesMidGameSeatWithAI(t *testing.T) {
	ctrl, store, cast, clock := newTestController(t)
	ctx := context.Background()

	host, guest := uuid.New(), uuid.New()
	guestConn := uuid.New()
	card := startedRoom(t, ctrl, host, guest, uuid.New(), guestConn)

	ctrl.Disconnected(ctx, card.Code, guest, guestConn)

	clock.Advance(5*time.Minute + time.Second)
	ctrl.SweepExpired(ctx)

	room, err := store.GetRoomByCode(ctx, card.Code)
	require.NoError(t, err)
	assert.Equal(t, 2, room.PlayerCount, "the seat is not vacated mid-game")
	p := room.FindParticipant(guest)
	require.NotNil(t, p)
	assert.True(t, p.Present())
	assert.True(t, p.IsAIReplacement)

	evt, ok := cast.last(protocol.KindPlayerLeft)
	require.True(t, ok)
	assert.True(t, evt.Payload.(protocol.PlayerLeftPayload).AIReplaced)

	// The human cannot reclaim a seat that converted to computer control.
	_, err = ctrl.Join(ctx, guest, uuid.New(), card.Code, "", "")
	assert.ErrorIs(t, err, ErrRoomNotJoinable)
}

func TestStaleDisconnectIsIgnoredAfterRejoin(t *testing.T) {
	ctrl, store, _, _ := newTestController(t)
	ctx := context.Background()

	card := mustCreate(t, ctrl, uuid.New(), 4)
	guest := uuid.New()
	oldConn := uuid.New()
	_, err := ctrl.Join(ctx, guest, oldConn, card.Code, "", "")
	require.NoError(t, err)

	ctrl.Disconnected(ctx, card.Code, guest, oldConn)
	_, err = ctrl.Join(ctx, guest, uuid.New(), card.Code, "", "")
	require.NoError(t, err)

	// The old socket's close arrives late; it must not knock out the new
	// connection.
	ctrl.Disconnected(ctx, card.Code, guest, oldConn)

	room, err := store.GetRoomByCode(ctx, card.Code)
	require.NoError(t, err)
	assert.True(t, room.FindParticipant(guest).Connected)
}

func TestFinishAndRetentionSweep(t *testing.T) {
	ctrl, store, cast, clock := newTestController(t)
	ctx := context.Background()

	host, guest := uuid.New(), uuid.New()
	card := startedRoom(t, ctrl, host, guest, uuid.New(), uuid.New())

	require.NoError(t, ctrl.Finish(ctx, card.Code))
	assert.Equal(t, 1, cast.count(protocol.KindRoomFinished))
	assert.ErrorIs(t, ctrl.Finish(ctx, card.Code), ErrWrongState)

	clock.Advance(time.Minute)
	ctrl.SweepExpired(ctx)
	_, err := store.GetRoomByCode(ctx, card.Code)
	require.NoError(t, err, "results stay viewable inside the retention window")

	clock.Advance(2 * time.Minute)
	ctrl.SweepExpired(ctx)
	_, err = store.GetRoomByCode(ctx, card.Code)
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.Equal(t, 1, cast.count(protocol.KindRoomDeleted))
}

func TestIdleRoomSweep(t *testing.T) {
	ctrl, store, _, clock := newTestController(t)
	ctx := context.Background()

	card := mustCreate(t, ctrl, uuid.New(), 4)

	clock.Advance(31 * time.Minute)
	ctrl.SweepExpired(ctx)

	_, err := store.GetRoomByCode(ctx, card.Code)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestPrivateRoomPassword(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	ctx := context.Background()

	host := uuid.New()
	card, err := ctrl.Create(ctx, host, uuid.New(), CreateParams{
		Visibility: models.VisibilityPrivate,
		Password:   "swordfish",
		MaxPlayers: 4,
		Rounds:     3,
	}, "")
	require.NoError(t, err)
	assert.True(t, card.HasPassword)

	_, err = ctrl.Join(ctx, uuid.New(), uuid.New(), card.Code, "letmein", "")
	assert.ErrorIs(t, err, ErrWrongPassword)

	_, err = ctrl.Join(ctx, uuid.New(), uuid.New(), card.Code, "swordfish", "")
	assert.NoError(t, err)
}

func TestCreateValidation(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	ctx := context.Background()

	cases := []CreateParams{
		{Visibility: "hidden", MaxPlayers: 4, Rounds: 3},
		{Visibility: models.VisibilityPublic, MaxPlayers: 1, Rounds: 3},
		{Visibility: models.VisibilityPublic, MaxPlayers: 9, Rounds: 3},
		{Visibility: models.VisibilityPublic, MaxPlayers: 4, Rounds: 0},
		{Visibility: models.VisibilityPublic, MaxPlayers: 4, Rounds: 3, Bet: -1},
	}
	for _, p := range cases {
		_, err := ctrl.Create(ctx, uuid.New(), uuid.New(), p, "")
		assert.ErrorIs(t, err, ErrInvalidSettings)
	}
}

// flakyStore delegates to a real store but can be told to fail writes,
// standing in for a lost database connection.
type flakyStore struct {
	Store
	mu   sync.Mutex
	fail error
}

func (s *flakyStore) setFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *flakyStore) UpdateRoom(ctx context.Context, code string, expectedVersion int64, mutate func(*models.Room) error) (*models.Room, error) {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return s.Store.UpdateRoom(ctx, code, expectedVersion, mutate)
}

func newFlakyController(t *testing.T) (*Controller, *flakyStore, *fakeClock) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	flaky := &flakyStore{Store: NewMemoryStore()}
	clock := newFakeClock()

	// A long auto-start delay keeps the scheduler from racing explicit
	// start calls in these tests.
	ctrl := NewController(flaky, idem.NewMemoryCache(time.Minute, 0), NewRecorder(logger, 16),
		NewListing(), &fakeBroadcaster{}, rules.StubEngine{}, nil, Config{
			AutoStartDelay:    time.Hour,
			LobbyRejoinWindow: time.Minute,
			GameRejoinWindow:  5 * time.Minute,
			FinishedRoomTTL:   2 * time.Minute,
			IdleRoomTTL:       30 * time.Minute,
		}, logger)
	ctrl.now = clock.Now
	t.Cleanup(ctrl.Scheduler().Stop)
	return ctrl, flaky, clock
}

func TestStoreWriteFailuresSurfaceAsErrors(t *testing.T) {
	ctrl, flaky, clock := newFlakyController(t)
	ctx := context.Background()
	dbDown := errors.New("db connection lost")

	host, guest := uuid.New(), uuid.New()
	guestConn := uuid.New()
	card, err := ctrl.Create(ctx, host, uuid.New(), CreateParams{
		Visibility: models.VisibilityPublic, MaxPlayers: 4, Rounds: 3, Bet: 10,
	}, "")
	require.NoError(t, err)
	_, err = ctrl.Join(ctx, guest, guestConn, card.Code, "", "")
	require.NoError(t, err)

	// Departure of a non-last participant.
	flaky.setFail(dbDown)
	assert.Error(t, ctrl.Leave(ctx, guest, card.Code, ""))
	flaky.setFail(nil)

	// Rejoin of a disconnected seat.
	ctrl.Disconnected(ctx, card.Code, guest, guestConn)
	flaky.setFail(dbDown)
	_, err = ctrl.Join(ctx, guest, uuid.New(), card.Code, "", "")
	assert.Error(t, err)
	flaky.setFail(nil)

	newConn := uuid.New()
	_, err = ctrl.Join(ctx, guest, newConn, card.Code, "", "")
	require.NoError(t, err)
	require.NoError(t, ctrl.SetReady(ctx, host, card.Code, true, ""))
	require.NoError(t, ctrl.SetReady(ctx, guest, card.Code, true, ""))

	// Start transition.
	flaky.setFail(dbDown)
	assert.Error(t, ctrl.Start(ctx, host, card.Code))
	flaky.setFail(nil)

	// Mid-game replacement runs inside the sweeper's goroutine; a write
	// failure there must come back as a recorded failure, never a crash.
	require.NoError(t, ctrl.Start(ctx, host, card.Code))
	ctrl.Disconnected(ctx, card.Code, guest, newConn)
	clock.Advance(6 * time.Minute)
	flaky.setFail(dbDown)
	require.NotPanics(t, func() { ctrl.SweepExpired(ctx) })
	flaky.setFail(nil)

	// The room survived every failed write intact.
	room, err := ctrl.store.GetRoomByCode(ctx, card.Code)
	require.NoError(t, err)
	assert.Equal(t, 2, room.PlayerCount)
	assert.Empty(t, CheckRoom(room))
}

func TestSettingsShrinkCannotStrandOccupiedSeat(t *testing.T) {
	ctrl, store, _, _ := newTestController(t)
	ctx := context.Background()

	host := uuid.New()
	card := mustCreate(t, ctrl, host, 4)
	mid1, mid2, last := uuid.New(), uuid.New(), uuid.New()
	for _, u := range []uuid.UUID{mid1, mid2, last} {
		_, err := ctrl.Join(ctx, u, uuid.New(), card.Code, "", "")
		require.NoError(t, err)
	}

	// Vacating the middle seats leaves seats 0 and 3 occupied: the head
	// count fits a smaller room, the highest seat does not.
	require.NoError(t, ctrl.Leave(ctx, mid1, card.Code, ""))
	require.NoError(t, ctrl.Leave(ctx, mid2, card.Code, ""))

	two := 2
	err := ctrl.UpdateSettings(ctx, host, card.Code, models.SettingsPatch{MaxPlayers: &two}, "")
	assert.ErrorIs(t, err, ErrInvalidSettings)

	room, err := store.GetRoomByCode(ctx, card.Code)
	require.NoError(t, err)
	assert.Equal(t, 4, room.MaxPlayers, "rejected patch must not commit")
	assert.Empty(t, CheckRoom(room))

	// A shrink that still covers every occupied seat is fine.
	other := uuid.New()
	otherCard := mustCreate(t, ctrl, other, 4)
	three := 3
	require.NoError(t, ctrl.UpdateSettings(ctx, other, otherCard.Code, models.SettingsPatch{MaxPlayers: &three}, ""))
}

func TestFullRoomRelistsAfterLeave(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	ctx := context.Background()

	host := uuid.New()
	card := mustCreate(t, ctrl, host, 2)
	guest := uuid.New()
	_, err := ctrl.Join(ctx, guest, uuid.New(), card.Code, "", "")
	require.NoError(t, err)
	assert.Empty(t, ctrl.Listing().Snapshot(), "full rooms are not listed")

	require.NoError(t, ctrl.Leave(ctx, guest, card.Code, ""))
	snap := ctrl.Listing().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, card.Code, snap[0].Code)
	assert.Equal(t, 1, snap[0].PlayerCount)
}
