package auth_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriops/veriops/internal/auth"
	"github.com/veriops/veriops/internal/storage"
	"github.com/veriops/veriops/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

func seedKey(t *testing.T, name, plaintext string) storage.APIKey {
	t.Helper()
	hash, err := auth.HashAPIKey(plaintext)
	require.NoError(t, err)
	k, err := testDB.CreateAPIKey(context.Background(), name, hash)
	require.NoError(t, err)
	return k
}

func TestVerifyMatchesStoredKey(t *testing.T) {
	ctx := context.Background()
	k := seedKey(t, "verify-match", "vk_live_match_1234")
	v := auth.NewVerifier(testDB, testutil.TestLogger())

	id, ok, err := v.Verify(ctx, "vk_live_match_1234")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, k.ID, id)
}

func TestVerifyRejectsUnknownKey(t *testing.T) {
	ctx := context.Background()
	seedKey(t, "verify-unknown", "vk_live_unknown_1234")
	v := auth.NewVerifier(testDB, testutil.TestLogger())

	id, ok, err := v.Verify(ctx, "vk_live_wrong_1234")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uuid.Nil, id)
}

func TestVerifyRevokedKeyStopsAuthenticating(t *testing.T) {
	ctx := context.Background()
	k := seedKey(t, "verify-revoked", "vk_live_revoked_1234")
	v := auth.NewVerifier(testDB, testutil.TestLogger())

	// First call succeeds and populates the digest cache.
	id, ok, err := v.Verify(ctx, "vk_live_revoked_1234")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, k.ID, id)

	require.NoError(t, testDB.RevokeAPIKey(ctx, k.ID))

	// Revocation must take effect on the next request, cached or not.
	id, ok, err = v.Verify(ctx, "vk_live_revoked_1234")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uuid.Nil, id)
}

func TestRevokeAPIKeyUnknownID(t *testing.T) {
	err := testDB.RevokeAPIKey(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
