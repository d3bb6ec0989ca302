package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// PostgresStore implements Store against the zone_blob table created
// by migrations/0001_zone_blob.sql, grounded on the teacher's
// repo-per-entity query style (QueryRow+errors.Is(pgx.ErrNoRows),
// Exec for writes) collapsed onto one table and one upsert statement.
type PostgresStore struct {
	db *DB
}

// NewPostgresStore wraps an already-connected DB.
func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, key, interval string, scope Scope, arena string) ([]byte, error) {
	var data []byte
	err := s.db.Pool.QueryRow(ctx,
		`SELECT data FROM zone_blob WHERE key = $1 AND interval = $2 AND scope = $3 AND arena = $4`,
		key, interval, string(scope), arena,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("persist: get %s/%s/%s/%s: %w", key, interval, scope, arena, err)
	}
	return data, nil
}

func (s *PostgresStore) Set(ctx context.Context, key, interval string, scope Scope, arena string, data []byte) error {
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO zone_blob (key, interval, scope, arena, data, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (key, interval, scope, arena)
		 DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		key, interval, string(scope), arena, data,
	)
	if err != nil {
		return fmt.Errorf("persist: set %s/%s/%s/%s: %w", key, interval, scope, arena, err)
	}
	return nil
}
