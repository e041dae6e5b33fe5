package welcome

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Coordinator drives the two-phase Welcome handoff. It wraps a
// Repository with a server-side grace timer: the moment a row transitions to in_flight, a timer is
// armed that reverts it back to available unless confirmWelcome arrives first. A cancellable
// time.AfterFunc optimistically schedules the revert so a confirming client can cancel it directly
// instead of racing a sleep-then-recheck goroutine.
type Coordinator struct {
	repo  Repository
	grace time.Duration
	log   zerolog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewCoordinator creates a Coordinator. grace is the in_flight -> available revert window
// (welcome_grace_seconds, default 300s).
func NewCoordinator(repo Repository, grace time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		repo:   repo,
		grace:  grace,
		log:    logger,
		timers: make(map[string]*time.Timer),
	}
}

func timerKey(convoID, recipientDID string) string { return convoID + "|" + recipientDID }

// GetWelcome implements the available|failed -> in_flight transition. On success it arms the grace
// timer. Returns ErrInFlight when a second fetch races a pending one for the same recipient: this is a
// conservative, reversible default (409 conflict rather than silently re-issuing the same artifact to a
// second device) pending real-world data on second-device retry behavior.
func (c *Coordinator) GetWelcome(ctx context.Context, convoID, recipientDID string) (*Artifact, error) {
	artifact, err := c.repo.TransitionToInFlight(ctx, convoID, recipientDID)
	if err != nil {
		return nil, err
	}
	c.armGraceTimer(convoID, recipientDID)
	return artifact, nil
}

// ConfirmWelcome implements the in_flight -> consumed|failed transition and disarms the grace timer.
func (c *Coordinator) ConfirmWelcome(ctx context.Context, convoID, recipientDID string, success bool) (*Artifact, error) {
	artifact, err := c.repo.TransitionFromInFlight(ctx, convoID, recipientDID, success)
	if err != nil {
		return nil, err
	}
	c.disarmGraceTimer(convoID, recipientDID)
	return artifact, nil
}

func (c *Coordinator) armGraceTimer(convoID, recipientDID string) {
	key := timerKey(convoID, recipientDID)

	c.mu.Lock()
	if existing, ok := c.timers[key]; ok {
		existing.Stop()
	}
	c.timers[key] = time.AfterFunc(c.grace, func() { c.revert(convoID, recipientDID) })
	c.mu.Unlock()
}

func (c *Coordinator) disarmGraceTimer(convoID, recipientDID string) {
	key := timerKey(convoID, recipientDID)

	c.mu.Lock()
	if existing, ok := c.timers[key]; ok {
		existing.Stop()
		delete(c.timers, key)
	}
	c.mu.Unlock()
}

func (c *Coordinator) revert(convoID, recipientDID string) {
	key := timerKey(convoID, recipientDID)
	c.mu.Lock()
	delete(c.timers, key)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.repo.RevertToAvailable(ctx, convoID, recipientDID); err != nil {
		// The recipient may have confirmed between the timer firing and this call acquiring the DB
		// connection; ErrWrongState here just means the race was lost harmlessly.
		if !errors.Is(err, ErrWrongState) {
			c.log.Warn().Err(err).Str("convo_id", convoID).Str("recipient_did", recipientDID).
				Msg("failed to revert expired in-flight welcome to available")
		}
		return
	}

	c.log.Debug().Str("convo_id", convoID).Str("recipient_did", recipientDID).
		Msg("grace timer expired, welcome artifact reverted to available")
}

// SweepExpired reverts any in_flight rows left over from a process restart, where in-memory timers were
// lost. Intended to run once at startup and optionally on a periodic interval as a backstop.
func (c *Coordinator) SweepExpired(ctx context.Context) (int64, error) {
	return c.repo.RevertExpiredInFlight(ctx, c.grace)
}
