package access

import (
	"testing"
	"time"
)

func TestDecisionCacheRoundTrip(t *testing.T) {
	c := NewDecisionCache(8, time.Minute)
	key := decisionKey("maria", "finance", ActionView, "")

	if _, ok := c.Get(key); ok {
		t.Fatalf("empty cache must miss")
	}

	want := Decision{Allowed: true, Roles: []string{"treasurer"}}
	c.Add(key, want, "maria", "finance", []string{"treasurer"})

	got, ok := c.Get(key)
	if !ok || !got.Allowed || got.Roles[0] != "treasurer" {
		t.Fatalf("unexpected cached decision: %+v ok=%v", got, ok)
	}
}

func TestDecisionCacheTTL(t *testing.T) {
	c := NewDecisionCache(8, 20*time.Millisecond)
	key := decisionKey("maria", "finance", ActionView, "")
	c.Add(key, Decision{Allowed: true}, "maria", "finance", []string{"treasurer"})

	time.Sleep(50 * time.Millisecond)
	if _, ok := c.Get(key); ok {
		t.Fatalf("entry must expire after the TTL")
	}
}

func TestDecisionCacheTargetedInvalidation(t *testing.T) {
	c := NewDecisionCache(8, time.Minute)

	k1 := decisionKey("maria", "finance", ActionView, "")
	k2 := decisionKey("maria", "news", ActionView, "")
	k3 := decisionKey("pedro", "finance", ActionView, "maule")
	c.Add(k1, Decision{Allowed: true}, "maria", "finance", []string{"treasurer"})
	c.Add(k2, Decision{Allowed: true}, "maria", "news", []string{"member"})
	c.Add(k3, Decision{Allowed: true}, "pedro", "finance", []string{"regional_president"})

	c.InvalidateUser("maria")
	if _, ok := c.Get(k1); ok {
		t.Fatalf("maria's finance decision must be gone")
	}
	if _, ok := c.Get(k2); ok {
		t.Fatalf("maria's news decision must be gone")
	}
	if _, ok := c.Get(k3); !ok {
		t.Fatalf("pedro's decision must survive")
	}

	c.InvalidateModule("finance")
	if _, ok := c.Get(k3); ok {
		t.Fatalf("finance decisions must be gone after module invalidation")
	}

	c.Add(k1, Decision{Allowed: true}, "maria", "finance", []string{"treasurer"})
	c.InvalidateRole("treasurer")
	if _, ok := c.Get(k1); ok {
		t.Fatalf("decisions consulting treasurer must be gone")
	}
}

func TestDecisionCacheKeyDistinguishesDimensions(t *testing.T) {
	keys := map[string]struct{}{
		decisionKey("u", "m", ActionView, ""):       {},
		decisionKey("u", "m", ActionView, "maule"):  {},
		decisionKey("u", "m", ActionAdd, ""):        {},
		decisionKey("u", "m2", ActionView, ""):      {},
		decisionKey("u2", "m", ActionView, ""):      {},
		decisionKey("u", "m", ActionView, "biobio"): {},
	}
	if len(keys) != 6 {
		t.Fatalf("expected 6 distinct keys, got %d", len(keys))
	}
}

func TestDecisionCachePurgeAndLen(t *testing.T) {
	c := NewDecisionCache(8, time.Minute)
	c.Add(decisionKey("u", "m", ActionView, ""), Decision{Allowed: true}, "u", "m", nil)
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", c.Len())
	}
	c.Purge()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after purge, got %d", c.Len())
	}
}
