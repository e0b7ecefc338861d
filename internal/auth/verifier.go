package auth

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/veriops/veriops/internal/storage"
)

// Verifier authenticates presented API keys against the stored hashes.
//
// Argon2id verification costs tens of milliseconds, which is too slow to pay
// on every request of a busy ingestion client. After a key verifies once, its
// SHA-256 digest is cached in memory and subsequent requests skip the Argon2id
// work. Every request still confirms the cached key ID against the active set,
// so a revoked key stops authenticating on its next request. The cache holds
// digests, never plaintext keys.
type Verifier struct {
	db     *storage.DB
	logger *slog.Logger

	mu       sync.RWMutex
	verified map[[32]byte]uuid.UUID // presented-key digest -> api_keys.id
}

// NewVerifier creates a Verifier backed by the api_keys table.
func NewVerifier(db *storage.DB, logger *slog.Logger) *Verifier {
	return &Verifier{
		db:       db,
		logger:   logger,
		verified: make(map[[32]byte]uuid.UUID),
	}
}

// Verify checks a presented key and returns the matching stored key ID.
// A miss returns (uuid.Nil, false, nil); errors are infrastructure failures.
func (v *Verifier) Verify(ctx context.Context, presented string) (uuid.UUID, bool, error) {
	digest := sha256.Sum256([]byte(presented))

	keys, err := v.db.ListActiveAPIKeys(ctx)
	if err != nil {
		return uuid.Nil, false, err
	}

	v.mu.RLock()
	id, cached := v.verified[digest]
	v.mu.RUnlock()
	if cached {
		for _, k := range keys {
			if k.ID == id {
				return id, true, nil
			}
		}
		// The cached key left the active set. Forget it and fall through
		// to the full check, which will reject the key.
		v.mu.Lock()
		delete(v.verified, digest)
		v.mu.Unlock()
	}

	for _, k := range keys {
		match, err := VerifyAPIKey(presented, k.KeyHash)
		if err != nil {
			v.logger.Warn("skipping malformed key hash", "key_name", k.Name)
			continue
		}
		if match {
			v.mu.Lock()
			v.verified[digest] = k.ID
			v.mu.Unlock()
			return k.ID, true, nil
		}
	}

	// Equalize timing with the successful path when no hash matched.
	if len(keys) == 0 {
		DummyVerify()
	}
	return uuid.Nil, false, nil
}
