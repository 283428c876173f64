package users

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixgate/gateway/internal/auth"
)

func TestMemoryLookupByEmailAndID(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	store.Put(&auth.Principal{ID: "u1", Email: "alice@example.com", Tier: auth.TierPro, Status: auth.StatusActive, Roles: []string{"pro"}})

	byEmail, err := store.ByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", byEmail.ID)

	byID, err := store.ByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", byID.Email)
}

func TestMemoryLookupMissingReturnsErrNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	_, err := store.ByEmail(ctx, "missing@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.ByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryPutIsolatesCallerMutation(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	p := &auth.Principal{ID: "u1", Email: "alice@example.com", Tier: auth.TierFree, Status: auth.StatusActive}
	store.Put(p)

	p.Tier = auth.TierAdmin // mutate caller's copy after Put

	stored, err := store.ByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, auth.TierFree, stored.Tier)
}
