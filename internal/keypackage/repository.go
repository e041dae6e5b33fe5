package keypackage

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

// NewPGRepository creates a new PostgreSQL-backed key package repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Publish inserts a new available key package.
func (r *PGRepository) Publish(ctx context.Context, params PublishParams) (*KeyPackage, error) {
	id := uuid.New()
	row := r.db.QueryRow(ctx,
		`INSERT INTO key_packages (id, owner_did, cipher_suite, hash, ciphertext, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, owner_did, cipher_suite, hash, ciphertext, expires_at, state, created_at`,
		id, params.OwnerDID, params.CipherSuite, params.Hash, params.Ciphertext, params.ExpiresAt,
	)

	kp, err := scanKeyPackage(row)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrDuplicateHash
		}
		return nil, fmt.Errorf("publish key package: %w", err)
	}
	return kp, nil
}

// ListAvailable returns up to limit available, non-expired key packages for ownerDID, oldest first.
func (r *PGRepository) ListAvailable(ctx context.Context, ownerDID string, limit int) ([]KeyPackage, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, owner_did, cipher_suite, hash, ciphertext, expires_at, state, created_at
		 FROM key_packages
		 WHERE owner_did = $1 AND state = $2 AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY created_at ASC LIMIT $3`,
		ownerDID, StateAvailable, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query available key packages: %w", err)
	}
	defer rows.Close()

	var packages []KeyPackage
	for rows.Next() {
		kp, err := scanKeyPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan key package: %w", err)
		}
		packages = append(packages, *kp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate key packages: %w", err)
	}
	return packages, nil
}

// Consume atomically transitions the oldest available key package for ownerDID to consumed and returns
// it. The UPDATE...RETURNING with a subquery restricted to state='available' is the compare-and-swap: two
// concurrent callers race the same row set and at most one receives a given package.
func (r *PGRepository) Consume(ctx context.Context, ownerDID string) (*KeyPackage, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE key_packages SET state = $1
		 WHERE id = (
		   SELECT id FROM key_packages
		   WHERE owner_did = $2 AND state = $3 AND (expires_at IS NULL OR expires_at > now())
		   ORDER BY created_at ASC
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, owner_did, cipher_suite, hash, ciphertext, expires_at, state, created_at`,
		StateConsumed, ownerDID, StateAvailable,
	)

	kp, err := scanKeyPackage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("consume key package: %w", err)
	}
	return kp, nil
}

func scanKeyPackage(row pgx.Row) (*KeyPackage, error) {
	var kp KeyPackage
	var suite int32
	if err := row.Scan(
		&kp.ID, &kp.OwnerDID, &suite, &kp.Hash, &kp.Ciphertext, &kp.ExpiresAt, &kp.State, &kp.CreatedAt,
	); err != nil {
		return nil, err
	}
	kp.CipherSuite = uint16(suite)
	return &kp, nil
}
