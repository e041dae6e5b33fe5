// Package messagestore persists ciphertext message rows: app messages and the commit messages that
// carry an epoch transition. Sender identity is never persisted (see the privacy rule in spec §9):
// callers must not pass a sender DID in, and the schema itself has no way to record one on insert.
package messagestore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/joshlacal/mls-delivery-service/internal/postgres"
)

// Kinds of message rows.
const (
	KindApp    = "app"
	KindCommit = "commit"
)

// Sentinel errors for the messagestore package.
var (
	ErrNotFound = errors.New("message not found")
)

// Message holds the fields read from the messages table. SenderDID is always nil: the column exists
// for a possible future signed-sender feature but every write path in this implementation leaves it
// null.
type Message struct {
	ID         uuid.UUID
	ConvoID    string
	SenderDID  *string
	Kind       string
	Epoch      uint32
	Seq        int64
	Ciphertext []byte
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}

// InsertParams groups the inputs for inserting a new message row. Seq is assigned by the repository,
// not the caller, so every insert must run through a Querier that can serialize against the rest of the
// conversation actor's transaction.
type InsertParams struct {
	ConvoID    string
	Kind       string
	Epoch      uint32
	Ciphertext []byte
	ExpiresAt  *time.Time
}

// Repository defines the data-access contract for message storage. Insert accepts a postgres.Querier so
// internal/actor can run it inside the same transaction as the epoch bump and membership writes that
// accompany a commit.
type Repository interface {
	Insert(ctx context.Context, q postgres.Querier, params InsertParams) (*Message, error)
	List(ctx context.Context, convoID string, afterSeq int64, limit int) ([]Message, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)
}
