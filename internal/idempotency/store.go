package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGStore creates a new PostgreSQL-backed idempotency store.
func NewPGStore(db *pgxpool.Pool, logger zerolog.Logger) *PGStore {
	return &PGStore{db: db, log: logger}
}

// Get returns the cached record for (endpoint, key). Expired records are treated as absent even if they
// have not yet been swept by a cleanup job.
func (s *PGStore) Get(ctx context.Context, endpoint, key string) (*Record, error) {
	row := s.db.QueryRow(ctx,
		`SELECT key, endpoint, response_body, status_code, created_at, expires_at
		 FROM idempotency_cache WHERE endpoint = $1 AND key = $2 AND expires_at > now()`,
		endpoint, key,
	)

	var r Record
	err := row.Scan(&r.Key, &r.Endpoint, &r.ResponseBody, &r.StatusCode, &r.CreatedAt, &r.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query idempotency record: %w", err)
	}
	return &r, nil
}

// Put writes a record with the given TTL, overwriting any existing one for the same (endpoint, key) —
// this covers the case where a previous attempt expired and the key is legitimately reused.
func (s *PGStore) Put(ctx context.Context, endpoint, key string, responseBody []byte, statusCode int, ttl time.Duration) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO idempotency_cache (key, endpoint, response_body, status_code, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (endpoint, key) DO UPDATE SET
		   response_body = EXCLUDED.response_body,
		   status_code = EXCLUDED.status_code,
		   created_at = now(),
		   expires_at = EXCLUDED.expires_at`,
		key, endpoint, responseBody, statusCode, time.Now().Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("put idempotency record: %w", err)
	}
	return nil
}
