package breaker

import (
	"sync"
	"time"
)

// Registry manages one breaker per dependency key. It is an injected,
// explicitly-owned store: construct one per runtime and pass it where
// needed, no package-level default.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config

	retry RetryConfig
}

// NewRegistry creates a registry whose breakers start from defaults.
func NewRegistry(defaults Config, retry RetryConfig) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults.withDefaults(),
		retry:    retry.withDefaults(),
	}
}

// Get returns or creates the breaker for key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock.
	if b, ok := r.breakers[key]; ok {
		return b
	}

	config := r.defaults
	config.Key = key
	b = New(config)
	r.breakers[key] = b
	return b
}

// GetWithConfig returns or creates the breaker for key with a custom config.
func (r *Registry) GetWithConfig(key string, config Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b
	}
	config.Key = key
	b := New(config.withDefaults())
	r.breakers[key] = b
	return b
}

// Snapshot returns statistics for every registered breaker.
func (r *Registry) Snapshot() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.Snapshot())
	}
	return stats
}

// OpenCircuits returns the keys of all currently open breakers.
func (r *Registry) OpenCircuits() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var open []string
	for key, b := range r.breakers {
		if b.State() == StateOpen {
			open = append(open, key)
		}
	}
	return open
}

// Prune drops closed breakers that have not been used since cutoff, so
// one-off dependency keys do not accumulate forever.
func (r *Registry) Prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for key, b := range r.breakers {
		if b.State() == StateClosed && b.idleSince().Before(cutoff) {
			delete(r.breakers, key)
			pruned++
		}
	}
	return pruned
}

// ResetAll resets every breaker to closed. Test teardown helper.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
