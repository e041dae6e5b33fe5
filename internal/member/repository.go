package member

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/joshlacal/mls-delivery-service/internal/postgres"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed member repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Insert adds an active membership row. Returns ErrAlreadyMember on unique violation of the
// (convo_id, member_did) primary key with a null left_at.
func (r *PGRepository) Insert(ctx context.Context, q postgres.Querier, convoID, memberDID, role string) error {
	tag, err := q.Exec(ctx,
		`INSERT INTO members (convo_id, member_did, role) VALUES ($1, $2, $3)
		 ON CONFLICT (convo_id, member_did) DO UPDATE SET left_at = NULL, role = EXCLUDED.role
		 WHERE members.left_at IS NOT NULL`,
		convoID, memberDID, role)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return ErrAlreadyMember
		}
		return fmt.Errorf("insert member: %w", err)
	}
	// An active row makes the conflict's WHERE false, so nothing is written and no error is raised.
	if tag.RowsAffected() == 0 {
		return ErrAlreadyMember
	}
	return nil
}

// SoftRemove sets left_at on an active membership row. A no-op if the member has already left, so
// calling leaveConvo twice in a row is harmless; the returned bool tells the caller whether this call
// was the one that actually removed the member.
func (r *PGRepository) SoftRemove(ctx context.Context, q postgres.Querier, convoID, memberDID string) (bool, error) {
	tag, err := q.Exec(ctx,
		`UPDATE members SET left_at = now() WHERE convo_id = $1 AND member_did = $2 AND left_at IS NULL`,
		convoID, memberDID)
	if err != nil {
		return false, fmt.Errorf("soft remove member: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResetUnread zeroes the persisted unread counter for one member.
func (r *PGRepository) ResetUnread(ctx context.Context, q postgres.Querier, convoID, memberDID string) error {
	tag, err := q.Exec(ctx,
		`UPDATE members SET unread_count = 0 WHERE convo_id = $1 AND member_did = $2 AND left_at IS NULL`,
		convoID, memberDID)
	if err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementUnread adds delta to one active member's persisted unread_count.
func (r *PGRepository) IncrementUnread(ctx context.Context, q postgres.Querier, convoID, memberDID string, delta uint32) error {
	_, err := q.Exec(ctx,
		`UPDATE members SET unread_count = unread_count + $1
		 WHERE convo_id = $2 AND member_did = $3 AND left_at IS NULL`,
		delta, convoID, memberDID)
	if err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}
	return nil
}

// Get returns a member row (active or not) by (convoID, memberDID).
func (r *PGRepository) Get(ctx context.Context, convoID, memberDID string) (*Member, error) {
	row := r.db.QueryRow(ctx,
		`SELECT convo_id, member_did, joined_at, left_at, unread_count, role
		 FROM members WHERE convo_id = $1 AND member_did = $2`,
		convoID, memberDID)

	m, err := scanMember(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query member: %w", err)
	}
	return m, nil
}

// ListActive returns every active (non-left) member of a conversation.
func (r *PGRepository) ListActive(ctx context.Context, convoID string) ([]Member, error) {
	rows, err := r.db.Query(ctx,
		`SELECT convo_id, member_did, joined_at, left_at, unread_count, role
		 FROM members WHERE convo_id = $1 AND left_at IS NULL
		 ORDER BY joined_at`, convoID)
	if err != nil {
		return nil, fmt.Errorf("query active members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

// IsActiveMember reports whether memberDID has a non-left membership row in convoID.
func (r *PGRepository) IsActiveMember(ctx context.Context, convoID, memberDID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM members WHERE convo_id = $1 AND member_did = $2 AND left_at IS NULL)`,
		convoID, memberDID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active membership: %w", err)
	}
	return exists, nil
}

// IsAdmin reports whether memberDID is an active member holding the admin role in convoID.
func (r *PGRepository) IsAdmin(ctx context.Context, convoID, memberDID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM members
		 WHERE convo_id = $1 AND member_did = $2 AND left_at IS NULL AND role = $3)`,
		convoID, memberDID, RoleAdmin).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check admin membership: %w", err)
	}
	return exists, nil
}

func scanMember(row pgx.Row) (*Member, error) {
	var m Member
	var unread int32
	if err := row.Scan(&m.ConvoID, &m.MemberDID, &m.JoinedAt, &m.LeftAt, &unread, &m.Role); err != nil {
		return nil, err
	}
	m.UnreadCount = uint32(unread)
	return &m, nil
}
