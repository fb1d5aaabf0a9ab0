// Package capability answers authorization questions: which coarse actions a
// role holds and whether a role may act on a given workflow step.
package capability

import (
	"sync"
	"time"

	"github.com/pitabwire/qms/model"
)

type cacheEntry struct {
	perms   model.PermissionSet
	expires time.Time
}

// Resolver implements model.PermissionResolver with an in-memory cache.
type Resolver struct {
	evaluator model.PolicyEvaluator
	ttl       time.Duration
	mu        sync.RWMutex
	cache     map[string]cacheEntry
	onLookup  func(hit bool)
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration) *Resolver {
	return &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		cache:     make(map[string]cacheEntry),
	}
}

// OnLookup registers fn to be told whether each Resolve hit the cache.
// It must be called before the resolver is shared.
func (r *Resolver) OnLookup(fn func(hit bool)) {
	r.onLookup = fn
}

// Resolve returns the permission set for role. Results are cached for the
// configured TTL. An evaluator failure resolves to an empty set so the caller
// denies.
func (r *Resolver) Resolve(role string) model.PermissionSet {
	r.mu.RLock()
	if entry, ok := r.cache[role]; ok && time.Now().Before(entry.expires) {
		r.mu.RUnlock()
		r.observe(true)
		return entry.perms
	}
	r.mu.RUnlock()
	r.observe(false)

	perms, err := r.evaluator.PermissionsFor(role)
	if err != nil {
		return model.PermissionSet{}
	}

	r.mu.Lock()
	r.cache[role] = cacheEntry{perms: perms, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return perms
}

// Invalidate clears the cached permissions of role. An empty role clears the
// whole cache.
func (r *Resolver) Invalidate(role string) {
	r.mu.Lock()
	if role == "" {
		r.cache = make(map[string]cacheEntry)
	} else {
		delete(r.cache, role)
	}
	r.mu.Unlock()
}

func (r *Resolver) observe(hit bool) {
	if r.onLookup != nil {
		r.onLookup(hit)
	}
}
