package welcome

import (
	"context"
	"errors"
	"fmt"
	"time"

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

// NewPGRepository creates a new PostgreSQL-backed welcome artifact repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Insert creates a new available welcome row using q, so callers (the Conversation Actor) can run it
// inside the same transaction as the commit and member writes that accompany it.
func (r *PGRepository) Insert(ctx context.Context, q postgres.Querier, convoID, recipientDID string, ciphertext []byte) error {
	_, err := q.Exec(ctx,
		`INSERT INTO welcome_messages (convo_id, recipient_did, ciphertext, state)
		 VALUES ($1, $2, $3, $4)`,
		convoID, recipientDID, ciphertext, StateAvailable,
	)
	if err != nil {
		return fmt.Errorf("insert welcome artifact: %w", err)
	}
	return nil
}

// Get returns the current row for (convoID, recipientDID).
func (r *PGRepository) Get(ctx context.Context, convoID, recipientDID string) (*Artifact, error) {
	row := r.db.QueryRow(ctx,
		`SELECT convo_id, recipient_did, ciphertext, state, fetched_at, confirmed_at, created_at
		 FROM welcome_messages WHERE convo_id = $1 AND recipient_did = $2`,
		convoID, recipientDID,
	)
	a, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query welcome artifact: %w", err)
	}
	return a, nil
}

// TransitionToInFlight performs the available|failed -> in_flight CAS. When the UPDATE affects no row,
// a follow-up read distinguishes "no such artifact" from "already in_flight" or "already consumed" so the
// caller gets a precise error.
func (r *PGRepository) TransitionToInFlight(ctx context.Context, convoID, recipientDID string) (*Artifact, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE welcome_messages SET state = $1, fetched_at = now()
		 WHERE convo_id = $2 AND recipient_did = $3 AND state IN ($4, $5)
		 RETURNING convo_id, recipient_did, ciphertext, state, fetched_at, confirmed_at, created_at`,
		StateInFlight, convoID, recipientDID, StateAvailable, StateFailed,
	)
	a, err := scanArtifact(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition welcome artifact to in_flight: %w", err)
	}

	current, getErr := r.Get(ctx, convoID, recipientDID)
	if getErr != nil {
		return nil, getErr
	}
	switch current.State {
	case StateInFlight:
		return nil, ErrInFlight
	case StateConsumed:
		return nil, ErrConsumed
	default:
		return nil, ErrWrongState
	}
}

// TransitionFromInFlight performs the in_flight -> consumed|failed CAS.
func (r *PGRepository) TransitionFromInFlight(ctx context.Context, convoID, recipientDID string, success bool) (*Artifact, error) {
	newState := StateFailed
	if success {
		newState = StateConsumed
	}

	var row pgx.Row
	if success {
		row = r.db.QueryRow(ctx,
			`UPDATE welcome_messages SET state = $1, confirmed_at = now()
			 WHERE convo_id = $2 AND recipient_did = $3 AND state = $4
			 RETURNING convo_id, recipient_did, ciphertext, state, fetched_at, confirmed_at, created_at`,
			newState, convoID, recipientDID, StateInFlight,
		)
	} else {
		row = r.db.QueryRow(ctx,
			`UPDATE welcome_messages SET state = $1
			 WHERE convo_id = $2 AND recipient_did = $3 AND state = $4
			 RETURNING convo_id, recipient_did, ciphertext, state, fetched_at, confirmed_at, created_at`,
			newState, convoID, recipientDID, StateInFlight,
		)
	}

	a, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.Get(ctx, convoID, recipientDID); getErr != nil {
				return nil, getErr
			}
			return nil, ErrWrongState
		}
		return nil, fmt.Errorf("transition welcome artifact from in_flight: %w", err)
	}
	return a, nil
}

// RevertToAvailable performs the in_flight -> available CAS used by the Coordinator's grace timer.
func (r *PGRepository) RevertToAvailable(ctx context.Context, convoID, recipientDID string) (*Artifact, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE welcome_messages SET state = $1, fetched_at = NULL
		 WHERE convo_id = $2 AND recipient_did = $3 AND state = $4
		 RETURNING convo_id, recipient_did, ciphertext, state, fetched_at, confirmed_at, created_at`,
		StateAvailable, convoID, recipientDID, StateInFlight,
	)
	a, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.Get(ctx, convoID, recipientDID); getErr != nil {
				return nil, getErr
			}
			return nil, ErrWrongState
		}
		return nil, fmt.Errorf("revert welcome artifact to available: %w", err)
	}
	return a, nil
}

// RevertExpiredInFlight reverts every row that has been in_flight since before the cutoff back to
// available, implementing the server-side grace timer.
func (r *PGRepository) RevertExpiredInFlight(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	tag, err := r.db.Exec(ctx,
		`UPDATE welcome_messages SET state = $1, fetched_at = NULL
		 WHERE state = $2 AND fetched_at < $3`,
		StateAvailable, StateInFlight, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("revert expired in_flight welcome artifacts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanArtifact(row pgx.Row) (*Artifact, error) {
	var a Artifact
	if err := row.Scan(
		&a.ConvoID, &a.RecipientDID, &a.Ciphertext, &a.State, &a.FetchedAt, &a.ConfirmedAt, &a.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &a, nil
}
