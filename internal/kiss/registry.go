package kiss

import "sync"

// PathRegistry guards device paths so two transport instances can't race
// on the same character device. spec.md §5 describes this as "a
// process-wide set"; per the redesign note in spec.md §9 ("Global
// singletons... replace with an explicitly constructed root object"),
// this is an explicitly constructed, explicitly shared resource rather
// than a package-level global -- callers that want process-wide
// exclusion construct one NewPathRegistry() and pass it to every
// SerialPort they open.
type PathRegistry struct {
	mu      sync.Mutex
	claimed map[string]bool
}

// NewPathRegistry returns an empty registry.
func NewPathRegistry() *PathRegistry {
	return &PathRegistry{claimed: make(map[string]bool)}
}

// Claim reserves path, returning false if it is already held.
func (r *PathRegistry) Claim(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimed[path] {
		return false
	}
	r.claimed[path] = true
	return true
}

// Release frees path for another transport to claim.
func (r *PathRegistry) Release(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claimed, path)
}
