package groupinfo

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

// NewPGRepository creates a new PostgreSQL-backed group info repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Upsert writes the latest GroupInfo for (convoID, epoch), overwriting ciphertext and published_at if a
// row already exists for that epoch.
func (r *PGRepository) Upsert(ctx context.Context, q postgres.Querier, convoID string, epoch uint32, ciphertext []byte) error {
	_, err := q.Exec(ctx,
		`INSERT INTO group_info (convo_id, epoch, ciphertext)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (convo_id, epoch) DO UPDATE SET ciphertext = EXCLUDED.ciphertext, published_at = now()`,
		convoID, epoch, ciphertext,
	)
	if err != nil {
		return fmt.Errorf("upsert group info: %w", err)
	}
	return nil
}

// GetLatest returns the GroupInfo for the highest epoch recorded for convoID.
func (r *PGRepository) GetLatest(ctx context.Context, convoID string) (*GroupInfo, error) {
	row := r.db.QueryRow(ctx,
		`SELECT convo_id, epoch, ciphertext, published_at FROM group_info
		 WHERE convo_id = $1 ORDER BY epoch DESC LIMIT 1`, convoID,
	)
	gi, err := scanGroupInfo(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query latest group info: %w", err)
	}
	return gi, nil
}

// Get returns the GroupInfo for a specific epoch.
func (r *PGRepository) Get(ctx context.Context, convoID string, epoch uint32) (*GroupInfo, error) {
	row := r.db.QueryRow(ctx,
		`SELECT convo_id, epoch, ciphertext, published_at FROM group_info
		 WHERE convo_id = $1 AND epoch = $2`, convoID, epoch,
	)
	gi, err := scanGroupInfo(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query group info: %w", err)
	}
	return gi, nil
}

func scanGroupInfo(row pgx.Row) (*GroupInfo, error) {
	var gi GroupInfo
	var epoch int32
	if err := row.Scan(&gi.ConvoID, &epoch, &gi.Ciphertext, &gi.PublishedAt); err != nil {
		return nil, err
	}
	gi.Epoch = uint32(epoch)
	return &gi, nil
}
