package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AccessCache is a short-TTL cache in front of an OrgAccessChecker. It
// removes the membership query from every org-scoped request. Errors are
// never cached.
type AccessCache struct {
	store OrgAccessChecker
	ttl   time.Duration
	now   func() time.Time

	mu        sync.RWMutex
	entries   map[accessKey]accessEntry
	lastSweep time.Time
}

type accessKey struct {
	orgID         uuid.UUID
	userID        string
	externalOrgID string
}

type accessEntry struct {
	exists, member bool
	expiresAt      time.Time
}

// NewAccessCache wraps store with a cache of the given TTL.
func NewAccessCache(store OrgAccessChecker, ttl time.Duration) *AccessCache {
	return &AccessCache{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[accessKey]accessEntry),
	}
}

// OrgAccess implements OrgAccessChecker.
func (c *AccessCache) OrgAccess(ctx context.Context, orgID uuid.UUID, userID, externalOrgID string) (bool, bool, error) {
	key := accessKey{orgID: orgID, userID: userID, externalOrgID: externalOrgID}
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && now.Before(e.expiresAt) {
		return e.exists, e.member, nil
	}

	exists, member, err := c.store.OrgAccess(ctx, orgID, userID, externalOrgID)
	if err != nil {
		return false, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = accessEntry{exists: exists, member: member, expiresAt: now.Add(c.ttl)}
	if now.Sub(c.lastSweep) > time.Minute {
		c.sweepLocked(now)
	}
	return exists, member, nil
}

// InvalidateOrg drops every cached answer for orgID. Call it after
// membership or org changes so they take effect immediately.
func (c *AccessCache) InvalidateOrg(orgID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.orgID == orgID {
			delete(c.entries, k)
		}
	}
}

// Len returns the number of cached entries, expired ones included.
func (c *AccessCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *AccessCache) sweepLocked(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.lastSweep = now
}
