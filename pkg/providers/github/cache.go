package github

import (
	"sync"
	"time"
)

// DefaultSafetyMargin is how long before expiry a cached token stops being served.
const DefaultSafetyMargin = 5 * time.Minute

// Token is an installation credential held in memory only.
type Token struct {
	Token       string
	ExpiresAt   time.Time
	Permissions map[string]string
}

// TokenCache holds at most one token per installation. Entries are replaced
// whole, never mutated.
type TokenCache struct {
	mu      sync.RWMutex
	entries map[int64]Token
	margin  time.Duration
	now     func() time.Time
}

func NewTokenCache(margin time.Duration, now func() time.Time) *TokenCache {
	if margin <= 0 {
		margin = DefaultSafetyMargin
	}
	if now == nil {
		now = time.Now
	}
	return &TokenCache{
		entries: make(map[int64]Token),
		margin:  margin,
		now:     now,
	}
}

// Get returns a token only while now < expires_at - margin.
func (c *TokenCache) Get(installationID int64) (Token, bool) {
	c.mu.RLock()
	entry, ok := c.entries[installationID]
	c.mu.RUnlock()
	if !ok {
		return Token{}, false
	}
	if !c.now().Before(entry.ExpiresAt.Add(-c.margin)) {
		return Token{}, false
	}
	return entry, true
}

func (c *TokenCache) Put(installationID int64, token Token) {
	c.mu.Lock()
	c.entries[installationID] = token
	c.mu.Unlock()
}

func (c *TokenCache) Invalidate(installationID int64) {
	c.mu.Lock()
	delete(c.entries, installationID)
	c.mu.Unlock()
}
