package messagestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
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

// NewPGRepository creates a new PostgreSQL-backed message repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Insert assigns the next per-conversation seq and inserts a new message row. The seq computation reads
// max(seq) and inserts in the same statement; this is safe without row locking because the conversation
// actor's single-writer mailbox discipline guarantees at most one Insert per conversation is in flight at
// a time (spec §5, "locking discipline").
func (r *PGRepository) Insert(ctx context.Context, q postgres.Querier, params InsertParams) (*Message, error) {
	id := uuid.New()
	row := q.QueryRow(ctx,
		`INSERT INTO messages (id, convo_id, sender_did, kind, epoch, seq, ciphertext, expires_at)
		 VALUES ($1, $2, NULL, $3, $4,
		   COALESCE((SELECT MAX(seq) FROM messages WHERE convo_id = $2), 0) + 1,
		   $5, $6)
		 RETURNING id, convo_id, sender_did, kind, epoch, seq, ciphertext, created_at, expires_at`,
		id, params.ConvoID, params.Kind, params.Epoch, params.Ciphertext, params.ExpiresAt,
	)

	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// List returns messages in a conversation strictly after afterSeq, ordered by seq ascending, bounded by
// limit. Passing afterSeq=0 returns from the start of the conversation.
func (r *PGRepository) List(ctx context.Context, convoID string, afterSeq int64, limit int) ([]Message, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, convo_id, sender_did, kind, epoch, seq, ciphertext, created_at, expires_at
		 FROM messages WHERE convo_id = $1 AND seq > $2
		 ORDER BY seq ASC LIMIT $3`,
		convoID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// GetByID returns a single message by its surrogate id.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, convo_id, sender_did, kind, epoch, seq, ciphertext, created_at, expires_at
		 FROM messages WHERE id = $1`, id,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query message by id: %w", err)
	}
	return msg, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var msg Message
	var epoch int32
	if err := row.Scan(
		&msg.ID, &msg.ConvoID, &msg.SenderDID, &msg.Kind, &epoch, &msg.Seq,
		&msg.Ciphertext, &msg.CreatedAt, &msg.ExpiresAt,
	); err != nil {
		return nil, err
	}
	msg.Epoch = uint32(epoch)
	return &msg, nil
}
