// internal/ws/ack.go
package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/parlorhouse/parlor/internal/room"
)

// RiskFunc is invoked when a tracked event misses its ACK quorum before the
// timeout.
type RiskFunc func(code, eventID string, acked, targets int)

// AckTracker observes delivery of correctness-relevant broadcasts. It waits
// for a quorum of acknowledgments per event within a bounded timeout;
// falling short is a diagnostic, never a rollback, because the state
// transition behind the event is already durably committed.
type AckTracker struct {
	mu      sync.Mutex
	pending map[string]*pendingAck
	misses  int

	quorumPct int
	timeout   time.Duration
	onRisk    RiskFunc
	log       *logrus.Logger
}

type pendingAck struct {
	code    string
	targets map[uuid.UUID]bool
	acked   map[uuid.UUID]bool
	timer   *time.Timer
}

// NewAckTracker builds a tracker. quorumPct is the fraction of targets (in
// percent) whose ACK counts as successful delivery; it is policy, not a
// constant.
func NewAckTracker(quorumPct int, timeout time.Duration, onRisk RiskFunc, logger *logrus.Logger) *AckTracker {
	if quorumPct <= 0 || quorumPct > 100 {
		quorumPct = 50
	}
	return &AckTracker{
		pending:   make(map[string]*pendingAck),
		quorumPct: quorumPct,
		timeout:   timeout,
		onRisk:    onRisk,
		log:       logger,
	}
}

// Track registers an outgoing event against its target connections and
// arms the timeout. A target set of zero completes immediately.
func (t *AckTracker) Track(eventID, code string, targets []uuid.UUID) {
	if len(targets) == 0 {
		return
	}
	p := &pendingAck{
		code:    code,
		targets: make(map[uuid.UUID]bool, len(targets)),
		acked:   make(map[uuid.UUID]bool, len(targets)),
	}
	for _, id := range targets {
		p.targets[id] = true
	}

	t.mu.Lock()
	t.pending[eventID] = p
	p.timer = time.AfterFunc(t.timeout, func() { t.expire(eventID) })
	t.mu.Unlock()
}

// Ack records a connection's acknowledgment. Acks from connections outside
// the target set are ignored. Reaching quorum completes the event early.
func (t *AckTracker) Ack(connID uuid.UUID, eventID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[eventID]
	if !ok || !p.targets[connID] {
		return
	}
	p.acked[connID] = true
	if t.quorumMetLocked(p) {
		p.timer.Stop()
		delete(t.pending, eventID)
		if t.log != nil {
			t.log.WithFields(logrus.Fields{
				"room": p.code, "eventId": eventID, "acked": len(p.acked), "targets": len(p.targets),
			}).Debug("broadcast reached ack quorum")
		}
	}
}

func (t *AckTracker) quorumMetLocked(p *pendingAck) bool {
	return len(p.acked)*100 >= t.quorumPct*len(p.targets)
}

func (t *AckTracker) expire(eventID string) {
	t.mu.Lock()
	p, ok := t.pending[eventID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.pending, eventID)
	met := t.quorumMetLocked(p)
	if !met {
		t.misses++
	}
	acked, targets := len(p.acked), len(p.targets)
	t.mu.Unlock()

	if !met && t.onRisk != nil {
		t.onRisk(p.code, eventID, acked, targets)
	}
}

// Stats summarizes the tracker for triage bundles.
func (t *AckTracker) Stats() room.AckStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return room.AckStats{Pending: len(t.pending), QuorumMisses: t.misses}
}

// Stop disarms every pending timeout. Called at shutdown.
func (t *AckTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.pending {
		p.timer.Stop()
		delete(t.pending, id)
	}
}
