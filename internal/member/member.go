// Package member models conversation membership: which DIDs belong to a conversation, their role, and
// their unread counter.
package member

import (
	"context"
	"errors"
	"time"

	"github.com/joshlacal/mls-delivery-service/internal/postgres"
)

// Roles a member may hold within a conversation.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// Sentinel errors for the member package.
var (
	ErrNotFound      = errors.New("member not found")
	ErrAlreadyMember = errors.New("did is already an active member of this conversation")
	ErrNotActive     = errors.New("did is not an active member of this conversation")
)

// Member holds the fields read from the members table.
type Member struct {
	ConvoID     string
	MemberDID   string
	JoinedAt    time.Time
	LeftAt      *time.Time
	UnreadCount uint32
	Role        string
}

// Active reports whether the member has not left the conversation.
func (m *Member) Active() bool {
	return m.LeftAt == nil
}

// Repository defines the data-access contract for membership operations. Write methods accept a
// postgres.Querier so internal/actor can run them inside its own transaction alongside the commit and
// message rows they accompany; read methods run directly against the pool.
type Repository interface {
	Insert(ctx context.Context, q postgres.Querier, convoID, memberDID, role string) error
	// SoftRemove sets left_at on an active membership row and reports whether a row was actually
	// changed, so a caller can distinguish "removed just now" from "was already gone".
	SoftRemove(ctx context.Context, q postgres.Querier, convoID, memberDID string) (bool, error)
	ResetUnread(ctx context.Context, q postgres.Querier, convoID, memberDID string) error
	// IncrementUnread adds delta to one member's persisted unread_count. The Conversation Actor calls
	// this once per member whose in-memory counter reaches BatchSize, not once per message, so the
	// exclude-sender logic for the IncrementUnread operation lives entirely in actor memory.
	IncrementUnread(ctx context.Context, q postgres.Querier, convoID, memberDID string, delta uint32) error

	Get(ctx context.Context, convoID, memberDID string) (*Member, error)
	ListActive(ctx context.Context, convoID string) ([]Member, error)
	IsActiveMember(ctx context.Context, convoID, memberDID string) (bool, error)
	IsAdmin(ctx context.Context, convoID, memberDID string) (bool, error)
}
