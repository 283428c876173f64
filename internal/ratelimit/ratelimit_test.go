package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixgate/gateway/internal/kvstore"
)

func TestAllowWithinLimit(t *testing.T) {
	limiter := New(kvstore.NewMemory(), time.Minute)
	ctx := context.Background()

	decision, err := limiter.Allow(ctx, "principal-1", 10, false)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 9, decision.Remaining)
}

func TestAllowDeniesOverLimit(t *testing.T) {
	limiter := New(kvstore.NewMemory(), time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := limiter.Allow(ctx, "principal-1", 3, false)
		require.NoError(t, err)
	}

	decision, err := limiter.Allow(ctx, "principal-1", 3, false)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 0, decision.Remaining)
}

func TestAllowBypassNeverIncrementsOrDenies(t *testing.T) {
	limiter := New(kvstore.NewMemory(), time.Minute)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		decision, err := limiter.Allow(ctx, "principal-1", 1, true)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	}
}

func TestAllowSeparatesWindowsByPrincipal(t *testing.T) {
	limiter := New(kvstore.NewMemory(), time.Minute)
	ctx := context.Background()

	_, err := limiter.Allow(ctx, "principal-1", 1, false)
	require.NoError(t, err)
	decision2, err := limiter.Allow(ctx, "principal-2", 1, false)
	require.NoError(t, err)
	assert.True(t, decision2.Allowed)
}

func TestAllowResetAtIsWithinWindow(t *testing.T) {
	limiter := New(kvstore.NewMemory(), time.Minute)
	ctx := context.Background()

	decision, err := limiter.Allow(ctx, "principal-1", 10, false)
	require.NoError(t, err)
	assert.True(t, decision.ResetAt.After(time.Now()))
	assert.True(t, decision.ResetAt.Before(time.Now().Add(time.Minute+time.Second)))
}
