package convo

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

// NewPGRepository creates a new PostgreSQL-backed conversation repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a conversation at epoch 0. The id is client-chosen, so a unique violation maps to
// ErrAlreadyExists rather than a generated-surrogate-key collision.
func (r *PGRepository) Create(ctx context.Context, id, creatorDID string) (*Conversation, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO conversations (id, creator_did, current_epoch)
		 VALUES ($1, $2, 0)
		 RETURNING id, creator_did, current_epoch, created_at, updated_at`,
		id, creatorDID,
	)

	c, err := scanConversation(row)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

// Get returns a conversation by id.
func (r *PGRepository) Get(ctx context.Context, id string) (*Conversation, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, creator_did, current_epoch, created_at, updated_at
		 FROM conversations WHERE id = $1`, id,
	)

	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	return c, nil
}

// AdvanceEpoch bumps current_epoch to newEpoch using q, so the Conversation Actor can run it inside the
// same transaction as the commit and membership writes that accompany the bump. The WHERE clause enforces
// that the row is currently at newEpoch-1, guarding against a stale actor or a replayed mailbox entry
// moving the counter out of strictly-increasing order.
func (r *PGRepository) AdvanceEpoch(ctx context.Context, q postgres.Querier, id string, newEpoch uint32) error {
	tag, err := q.Exec(ctx,
		`UPDATE conversations SET current_epoch = $1, updated_at = now()
		 WHERE id = $2 AND current_epoch = $3`,
		newEpoch, id, newEpoch-1,
	)
	if err != nil {
		return fmt.Errorf("advance conversation epoch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEpochConflict
	}
	return nil
}

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	var epoch int32
	if err := row.Scan(&c.ID, &c.CreatorDID, &epoch, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.CurrentEpoch = uint32(epoch)
	return &c, nil
}
