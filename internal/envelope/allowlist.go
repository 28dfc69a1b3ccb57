package envelope

import "sync"

// AllowList is the connected-site allow-list (§6.4), consulted by the
// dispatcher's fast path. It lives in memory only: NewAllowList seeds it
// and Snapshot exports it, but nothing here writes it to or loads it
// from storage. It is safe for concurrent
// reads; writes come only from the approval surface's explicit
// connect/disconnect actions.
type AllowList struct {
	mu      sync.RWMutex
	origins map[string]bool
}

// NewAllowList builds an AllowList seeded from a persisted set, e.g.
// loaded from the §6.4 session blob at process start.
func NewAllowList(seed []string) *AllowList {
	al := &AllowList{origins: make(map[string]bool, len(seed))}
	for _, o := range seed {
		al.origins[o] = true
	}
	return al
}

// Contains reports whether origin is pre-approved. The unknown sentinel
// bucket is never treated as pre-approved, even if literally present in
// the seeded set: malformed origins must go through normal admission
// (§9 open question, resolved conservatively — see DESIGN.md).
func (al *AllowList) Contains(origin string) bool {
	if origin == UnknownOrigin {
		return false
	}
	al.mu.RLock()
	defer al.mu.RUnlock()
	return al.origins[origin]
}

// Add approves origin, e.g. after a user approves a connect request.
func (al *AllowList) Add(origin string) {
	if origin == "" || origin == UnknownOrigin {
		return
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	al.origins[origin] = true
}

// Remove revokes a previously approved origin.
func (al *AllowList) Remove(origin string) {
	al.mu.Lock()
	defer al.mu.Unlock()
	delete(al.origins, origin)
}

// Snapshot returns the current allow-list for persistence.
func (al *AllowList) Snapshot() []string {
	al.mu.RLock()
	defer al.mu.RUnlock()
	out := make([]string, 0, len(al.origins))
	for o := range al.origins {
		out = append(out, o)
	}
	return out
}
