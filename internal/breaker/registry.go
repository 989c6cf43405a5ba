package breaker

import (
	"sync"
	"time"
)

// Registry hands out one Breaker per handler name.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	threshold int
	timeout   time.Duration
	onChange  func(name string, from, to State)
}

type RegistryOption func(*Registry)

// OnStateChange observes every breaker transition. fn runs with the breaker
// locked and must not call back into it.
func OnStateChange(fn func(name string, from, to State)) RegistryOption {
	return func(r *Registry) { r.onChange = fn }
}

func NewRegistry(threshold int, timeout time.Duration, opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		timeout:   timeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// another goroutine may have created it
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = New(r.threshold, r.timeout)
	if r.onChange != nil {
		fn := r.onChange
		b.onChange = func(from, to State) { fn(name, from, to) }
	}
	r.breakers[name] = b
	return b
}

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*Breaker)
}

func (r *Registry) Stats() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		stats[name] = b.State()
	}
	return stats
}
