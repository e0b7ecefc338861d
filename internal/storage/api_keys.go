package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// APIKey is a stored credential for the request boundary. Only the Argon2id
// hash is persisted; the plaintext key exists client-side only.
type APIKey struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// CreateAPIKey stores a new named key hash. A duplicate name returns
// ErrDuplicateName.
func (db *DB) CreateAPIKey(ctx context.Context, name, keyHash string) (APIKey, error) {
	k := APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   keyHash,
		CreatedAt: time.Now().UTC(),
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, created_at) VALUES ($1, $2, $3, $4)`,
		k.ID, k.Name, k.KeyHash, k.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return APIKey{}, ErrDuplicateName
		}
		return APIKey{}, fmt.Errorf("storage: create api key: %w", err)
	}
	return k, nil
}

// GetAPIKeyByName retrieves a key by its unique name, revoked or not.
func (db *DB) GetAPIKeyByName(ctx context.Context, name string) (APIKey, error) {
	var k APIKey
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, key_hash, created_at, revoked_at FROM api_keys WHERE name = $1`, name,
	).Scan(&k.ID, &k.Name, &k.KeyHash, &k.CreatedAt, &k.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return APIKey{}, ErrNotFound
		}
		return APIKey{}, fmt.Errorf("storage: get api key: %w", err)
	}
	return k, nil
}

// RevokeAPIKey marks a key revoked so it drops out of the active set. Already
// revoked keys keep their original revocation time.
func (db *DB) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = COALESCE(revoked_at, $2) WHERE id = $1`,
		id, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveAPIKeys returns all non-revoked keys for request verification.
func (db *DB) ListActiveAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, key_hash, created_at, revoked_at
		 FROM api_keys WHERE revoked_at IS NULL
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list api keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.CreatedAt, &k.RevokedAt); err != nil {
			return nil, fmt.Errorf("storage: scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
