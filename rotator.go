package spyhunt

import (
	"math/rand"
	"sync"
)

// defaultUserAgents is the identity pool used when rotation is enabled
// without a caller-supplied pool.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:89.0) Gecko/20100101 Firefox/89.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:89.0) Gecko/20100101 Firefox/89.0",
	"Mozilla/5.0 (X11; Linux x86_64; rv:89.0) Gecko/20100101 Firefox/89.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.1.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36 Edg/91.0.864.59",
}

// IdentityRotator cycles an outbound identity (User-Agent) string across
// requests. The default mode is deterministic round-robin, exhaustive across
// the pool before repeating; uniform-random selection is explicit
// configuration. Safe for concurrent use.
type IdentityRotator struct {
	mu     sync.Mutex
	pool   []string
	cursor int
	random bool
}

// NewIdentityRotator builds a rotator over identities, falling back to the
// default User-Agent pool when identities is empty. random selects uniform
// random mode instead of round-robin.
func NewIdentityRotator(identities []string, random bool) *IdentityRotator {
	pool := identities
	if len(pool) == 0 {
		pool = defaultUserAgents
	}
	cp := make([]string, len(pool))
	copy(cp, pool)
	return &IdentityRotator{pool: cp, random: random}
}

// Next returns the next identity in rotation.
func (r *IdentityRotator) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.random {
		return r.pool[rand.Intn(len(r.pool))]
	}
	id := r.pool[r.cursor]
	r.cursor = (r.cursor + 1) % len(r.pool)
	return id
}

// Size returns the pool size.
func (r *IdentityRotator) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pool)
}

// EgressRotator maintains a working/failed partition of alternate network
// egress endpoints (proxies) and hands one out per attempt by round-robin
// over the working set. Safe for concurrent use.
type EgressRotator struct {
	mu      sync.Mutex
	working []string
	failed  []string
	cursor  int
}

// NewEgressRotator builds a rotator over endpoints; all start as working.
func NewEgressRotator(endpoints []string) *EgressRotator {
	working := make([]string, len(endpoints))
	copy(working, endpoints)
	return &EgressRotator{working: working}
}

// Next returns the next working endpoint, or ok=false when none remain (the
// caller then proceeds without an alternate egress point).
func (r *EgressRotator) Next() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.working) == 0 {
		return "", false
	}
	if r.cursor >= len(r.working) {
		r.cursor = 0
	}
	endpoint := r.working[r.cursor]
	r.cursor = (r.cursor + 1) % len(r.working)
	return endpoint, true
}

// MarkFailed moves endpoint from working to failed. It is idempotent: an
// endpoint already failed or unknown is left alone.
func (r *EgressRotator) MarkFailed(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.working {
		if e == endpoint {
			r.working = append(r.working[:i], r.working[i+1:]...)
			r.failed = append(r.failed, endpoint)
			if r.cursor > i {
				r.cursor--
			}
			return
		}
	}
}

// ResetFailed moves every failed endpoint back into working rotation.
func (r *EgressRotator) ResetFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.working = append(r.working, r.failed...)
	r.failed = nil
}

// Working returns a copy of the current working set.
func (r *EgressRotator) Working() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]string, len(r.working))
	copy(cp, r.working)
	return cp
}

// Failed returns a copy of the current failed set.
func (r *EgressRotator) Failed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]string, len(r.failed))
	copy(cp, r.failed)
	return cp
}
