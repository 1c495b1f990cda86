package github

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenCacheMargin(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	cache := NewTokenCache(5*time.Minute, func() time.Time { return now })

	_, ok := cache.Get(1)
	require.False(t, ok)

	cache.Put(1, Token{Token: "a", ExpiresAt: now.Add(10 * time.Minute)})
	tok, ok := cache.Get(1)
	require.True(t, ok)
	require.Equal(t, "a", tok.Token)

	now = now.Add(5 * time.Minute)
	_, ok = cache.Get(1)
	require.False(t, ok, "token at expires_at - margin must not be served")
}

func TestTokenCacheOverwrite(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	cache := NewTokenCache(0, func() time.Time { return now })

	cache.Put(1, Token{Token: "a", ExpiresAt: now.Add(time.Hour)})
	cache.Put(1, Token{Token: "b", ExpiresAt: now.Add(time.Hour)})
	tok, ok := cache.Get(1)
	require.True(t, ok)
	require.Equal(t, "b", tok.Token)

	cache.Invalidate(1)
	_, ok = cache.Get(1)
	require.False(t, ok)
}
