package access

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"pymemad.org/internal/obs"
)

const (
	// DefaultCacheTTL keeps cached decisions short-lived; a revoked grant can
	// never outlive the TTL even if a targeted invalidation is missed.
	DefaultCacheTTL  = 5 * time.Second
	DefaultCacheSize = 4096
)

type cachedDecision struct {
	key      string
	decision Decision
	userID   string
	module   string
	roles    []string
}

// DecisionCache memoizes resolved decisions for a bounded TTL. Entries
// remember the role set used during resolution so mutations can evict exactly
// the decisions they may have changed.
type DecisionCache struct {
	lru *lru.LRU[string, cachedDecision]
}

// NewDecisionCache builds a cache with the given capacity and TTL. Non
// positive arguments fall back to the defaults.
func NewDecisionCache(size int, ttl time.Duration) *DecisionCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &DecisionCache{
		lru: lru.NewLRU[string, cachedDecision](size, nil, ttl),
	}
}

func decisionKey(userID, moduleCode string, action Action, region string) string {
	return strings.Join([]string{userID, moduleCode, string(action), region}, "\x1f")
}

// Get returns a cached decision if present and unexpired.
func (c *DecisionCache) Get(key string) (Decision, bool) {
	cd, ok := c.lru.Get(key)
	if !ok {
		obs.CacheMiss()
		return Decision{}, false
	}
	obs.CacheHit()
	return cd.decision, true
}

// Add stores a decision along with the identities it depends on.
func (c *DecisionCache) Add(key string, d Decision, userID, moduleCode string, roles []string) {
	c.lru.Add(key, cachedDecision{
		key:      key,
		decision: d,
		userID:   userID,
		module:   moduleCode,
		roles:    roles,
	})
}

// InvalidateUser drops every decision resolved for the user.
func (c *DecisionCache) InvalidateUser(userID string) {
	c.evict(func(cd cachedDecision) bool { return cd.userID == userID })
}

// InvalidateModule drops every decision touching the module.
func (c *DecisionCache) InvalidateModule(moduleCode string) {
	c.evict(func(cd cachedDecision) bool { return cd.module == moduleCode })
}

// InvalidateRole drops every decision that consulted the role.
func (c *DecisionCache) InvalidateRole(roleCode string) {
	c.evict(func(cd cachedDecision) bool {
		for _, rc := range cd.roles {
			if rc == roleCode {
				return true
			}
		}
		return false
	})
}

// Purge empties the cache.
func (c *DecisionCache) Purge() {
	c.lru.Purge()
}

// Len reports the number of live entries.
func (c *DecisionCache) Len() int {
	return c.lru.Len()
}

func (c *DecisionCache) evict(match func(cachedDecision) bool) {
	for _, cd := range c.lru.Values() {
		if match(cd) {
			c.lru.Remove(cd.key)
		}
	}
}
