// Package welcome stores Welcome artifacts and drives the two-phase handoff state machine: a recipient
// fetches its Welcome (available -> in_flight), then confirms success or failure once
// its local MLS library finishes joining. A grace timer reverts an unconfirmed in_flight row back to
// available so the client can re-fetch after a crash or lost connection.
package welcome

import (
	"context"
	"errors"
	"time"

	"github.com/joshlacal/mls-delivery-service/internal/postgres"
)

// States a welcome artifact may be in.
const (
	StateAvailable = "available"
	StateInFlight  = "in_flight"
	StateConsumed  = "consumed"
	StateFailed    = "failed"
)

// Sentinel errors for the welcome package.
var (
	ErrNotFound   = errors.New("welcome artifact not found")
	ErrConsumed   = errors.New("welcome artifact has already been consumed")
	ErrInFlight   = errors.New("welcome artifact is already in flight")
	ErrWrongState = errors.New("welcome artifact is not in the expected state for this transition")
)

// Artifact holds the fields read from the welcome_messages table.
type Artifact struct {
	ConvoID      string
	RecipientDID string
	Ciphertext   []byte
	State        string
	FetchedAt    *time.Time
	ConfirmedAt  *time.Time
	CreatedAt    time.Time
}

// Repository defines the data-access contract for welcome artifact storage, used by the Coordinator to
// implement the state machine.
type Repository interface {
	// Insert creates a new available welcome row. Called once per recipient by the Conversation Actor's
	// AddMembers handler, inside the same transaction as the commit/member writes.
	Insert(ctx context.Context, q postgres.Querier, convoID, recipientDID string, ciphertext []byte) error
	// Get returns the current row for (convoID, recipientDID).
	Get(ctx context.Context, convoID, recipientDID string) (*Artifact, error)
	// TransitionToInFlight performs the available|failed -> in_flight CAS and stamps fetched_at. Returns
	// ErrNotFound if no row exists, ErrConsumed if the row is consumed, ErrInFlight if already in_flight.
	TransitionToInFlight(ctx context.Context, convoID, recipientDID string) (*Artifact, error)
	// TransitionFromInFlight performs the in_flight -> consumed|failed CAS and stamps confirmed_at on
	// success. Returns ErrWrongState if the row is not currently in_flight.
	TransitionFromInFlight(ctx context.Context, convoID, recipientDID string, success bool) (*Artifact, error)
	// RevertToAvailable performs the in_flight -> available CAS used by the grace timer. A no-op
	// (ErrWrongState) if the row has already left in_flight by the time the timer fires.
	RevertToAvailable(ctx context.Context, convoID, recipientDID string) (*Artifact, error)
	// RevertExpiredInFlight reverts every row that has been in_flight longer than olderThan back to
	// available. Called at startup to recover timers lost to a process restart. Returns the number of
	// rows reverted.
	RevertExpiredInFlight(ctx context.Context, olderThan time.Duration) (int64, error)
}
