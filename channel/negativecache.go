// Negative-name cache: a probabilistic "recently not-found" filter
// consulted before a Claim request re-invokes pvAttach for a name that
// just resolved to PV-not-found, avoiding a redundant round-trip into a
// possibly slow server tool when a client retries a typo'd or removed
// name. This plays the role aistore's own cmn/prob dynamic probabilistic
// filter plays elsewhere in the teacher, using the real third-party filter
// the teacher's go.mod already names (seiflotfy/cuckoofilter) instead of
// hand-rolling one.
/*
 * Copyright (c) 2024, casrv authors.
 */
package channel

import (
	"sync"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"
)

// NegativeNameCache remembers PV names that recently resolved to
// PV-not-found, for a bounded duration, so the dispatcher can short-circuit
// an immediate re-claim of the same bad name with a cheap in-memory check
// instead of calling back into the server tool.
//
// False positives are possible (that is what makes it "probabilistic"):
// the dispatcher answers a Claim with claim-failed as soon as MaybeNotFound
// reports true, without calling the server tool, so a name that collides
// with a marked one fails to claim until the filter is reset after ttl. It
// never produces false negatives, so it is safe to use as a "should I even
// bother calling pvAttach again this instant" filter.
const negativeCacheCapacity = 1024

type NegativeNameCache struct {
	mu     sync.Mutex
	filter *cuckoo.Filter
	since  time.Time
	ttl    time.Duration
}

// NewNegativeNameCache creates a cache that forgets everything it has seen
// after ttl has elapsed since the last reset (a full filter rebuild, not a
// per-entry expiry, matching cuckoofilter's lack of per-item TTL support).
func NewNegativeNameCache(ttl time.Duration) *NegativeNameCache {
	return &NegativeNameCache{
		filter: cuckoo.NewFilter(negativeCacheCapacity),
		since:  time.Now(),
		ttl:    ttl,
	}
}

// MarkNotFound records that name just resolved to PV-not-found.
func (n *NegativeNameCache) MarkNotFound(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.maybeReset()
	n.filter.Insert([]byte(name))
}

// MaybeNotFound reports whether name was recently marked not-found. A true
// result is a hint, not a guarantee (cuckoo filters can false-positive);
// a false result is reliable.
func (n *NegativeNameCache) MaybeNotFound(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.maybeReset()
	return n.filter.Lookup([]byte(name))
}

// Forget removes name from the cache, e.g. once the server tool creates
// the PV under that name after all (a late-registered PV).
func (n *NegativeNameCache) Forget(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter.Delete([]byte(name))
}

func (n *NegativeNameCache) maybeReset() {
	if n.ttl > 0 && time.Since(n.since) > n.ttl {
		n.filter.Reset()
		n.since = time.Now()
	}
}
