// internal/room/sweeper.go
package room

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper drives the controller's deadline enforcement on a fixed ticker:
// reconnection windows, finished-room retention and idle-room cleanup.
type Sweeper struct {
	ctrl     *Controller
	interval time.Duration
	log      *logrus.Logger
}

// NewSweeper builds a sweeper around the controller.
func NewSweeper(ctrl *Controller, interval time.Duration, logger *logrus.Logger) *Sweeper {
	return &Sweeper{ctrl: ctrl, interval: interval, log: logger}
}

// Run blocks until ctx is cancelled, sweeping every interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.WithField("interval", s.interval).Info("deadline sweeper running")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ctrl.SweepExpired(ctx)
		}
	}
}
