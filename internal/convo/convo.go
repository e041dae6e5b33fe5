// Package convo models the Conversation entity: a DID-addressed MLS group with a monotonic epoch.
package convo

import (
	"context"
	"errors"
	"time"

	"github.com/joshlacal/mls-delivery-service/internal/postgres"
)

// Sentinel errors for the convo package.
var (
	ErrNotFound      = errors.New("conversation not found")
	ErrAlreadyExists = errors.New("conversation already exists")
	ErrEpochConflict = errors.New("conversation epoch was not at the expected predecessor value")
)

// Conversation holds the fields read from the conversations table.
type Conversation struct {
	ID           string
	CreatorDID   string
	CurrentEpoch uint32
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Repository defines the data-access contract for conversation operations. AdvanceEpoch is only ever
// called by internal/actor, inside the same transaction as the commit and membership rows that
// accompany the epoch bump.
type Repository interface {
	Create(ctx context.Context, id, creatorDID string) (*Conversation, error)
	Get(ctx context.Context, id string) (*Conversation, error)
	// AdvanceEpoch sets current_epoch to newEpoch, enforcing newEpoch == current_epoch + 1 so a stale
	// or duplicate actor can never move the epoch counter out of order. Returns ErrEpochConflict if the
	// row's current_epoch was not exactly newEpoch-1 at update time.
	AdvanceEpoch(ctx context.Context, q postgres.Querier, id string, newEpoch uint32) error
}
