// internal/room/scheduler.go
package room

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parlorhouse/parlor/internal/models"
)

// Scheduler arms the delayed auto-start countdown for rooms whose readiness
// condition holds. At most one timer is pending per room; a second trigger
// while one is pending is a no-op. The delay absorbs near-simultaneous
// ready toggles, and the fire callback must re-validate against current
// state before starting.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	delay  time.Duration
	fire   func(code string)
	log    *logrus.Logger
}

// NewScheduler builds a scheduler. fire runs on timer expiry in its own
// goroutine with no locks held; it re-validates and performs the start.
func NewScheduler(delay time.Duration, logger *logrus.Logger, fire func(code string)) *Scheduler {
	return &Scheduler{
		timers: make(map[string]*time.Timer),
		delay:  delay,
		fire:   fire,
		log:    logger,
	}
}

// Evaluate reconciles the countdown with a committed room state: arms it
// when the start condition holds, cancels it when it no longer does.
func (s *Scheduler) Evaluate(room *models.Room) {
	if startConditionHolds(room) {
		s.arm(room.Code)
	} else {
		s.Cancel(room.Code)
	}
}

// startConditionHolds is the auto-start trigger predicate: still in the
// lobby, at least two connected participants, every connected one ready.
func startConditionHolds(room *models.Room) bool {
	return room.State == models.RoomWaiting &&
		room.ConnectedCount() >= 2 &&
		room.AllConnectedReady()
}

func (s *Scheduler) arm(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, pending := s.timers[code]; pending {
		return
	}
	s.log.WithFields(logrus.Fields{"room": code, "delay": s.delay}).Info("auto-start countdown armed")

	var timer *time.Timer
	timer = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		// A cancelled-and-rearmed countdown owns a different timer; a stale
		// fire must not start the room.
		if s.timers[code] != timer {
			s.mu.Unlock()
			return
		}
		delete(s.timers, code)
		s.mu.Unlock()
		s.fire(code)
	})
	s.timers[code] = timer
}

// Cancel disarms any pending countdown for code.
func (s *Scheduler) Cancel(code string) {
	s.mu.Lock()
	timer, pending := s.timers[code]
	if pending {
		delete(s.timers, code)
	}
	s.mu.Unlock()

	if pending {
		timer.Stop()
		s.log.WithField("room", code).Info("auto-start countdown cancelled")
	}
}

// Pending reports whether a countdown is armed for code.
func (s *Scheduler) Pending(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[code]
	return ok
}

// Stop disarms every pending countdown. Called at shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for code, t := range s.timers {
		t.Stop()
		delete(s.timers, code)
	}
}
