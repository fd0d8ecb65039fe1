package chat

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// NicknameSource resolves a user's display name.
type NicknameSource interface {
	Nickname(ctx context.Context, userID int64) (string, error)
}

// defaultLookupTimeout bounds a shared lookup once it is detached from its callers.
const defaultLookupTimeout = 5 * time.Second

type cachedNickname struct {
	name    string
	expires time.Time
}

// NicknameCache is a short-TTL read-through cache in front of a
// NicknameSource. Concurrent misses for the same user share one lookup.
type NicknameCache struct {
	source        NicknameSource
	ttl           time.Duration
	lookupTimeout time.Duration
	now           func() time.Time

	mu      sync.RWMutex
	entries map[int64]cachedNickname
	sfGroup singleflight.Group
}

// NewNicknameCache wraps source. A ttl of zero or less disables caching but
// keeps lookup deduplication.
func NewNicknameCache(source NicknameSource, ttl time.Duration) *NicknameCache {
	return &NicknameCache{
		source:        source,
		ttl:           ttl,
		lookupTimeout: defaultLookupTimeout,
		now:           time.Now,
		entries:       make(map[int64]cachedNickname),
	}
}

// Nickname returns the cached name of userID or asks the source.
func (c *NicknameCache) Nickname(ctx context.Context, userID int64) (string, error) {
	if name, ok := c.lookup(userID); ok {
		return name, nil
	}

	// The shared lookup outlives any single caller, so one caller giving up
	// does not fail the others waiting on it.
	ch := c.sfGroup.DoChan(strconv.FormatInt(userID, 10), func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.lookupTimeout)
		defer cancel()
		return c.source.Nickname(lookupCtx, userID)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if res.Err != nil {
		return "", res.Err
	}

	name := res.Val.(string)
	if c.ttl > 0 {
		c.mu.Lock()
		c.entries[userID] = cachedNickname{name: name, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()
	}
	return name, nil
}

// Forget drops userID from the cache.
func (c *NicknameCache) Forget(userID int64) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

func (c *NicknameCache) lookup(userID int64) (string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok || !c.now().Before(entry.expires) {
		return "", false
	}
	return entry.name, true
}
