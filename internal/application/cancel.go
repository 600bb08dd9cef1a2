package application

import "sync"

// CancelRegistry holds operator cancel requests per release name. It
// implements [domain.CancelSignals].
type CancelRegistry struct {
	mu     sync.Mutex
	raised map[string]bool
}

func (r *CancelRegistry) Raise(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.raised == nil {
		r.raised = make(map[string]bool)
	}
	r.raised[name] = true
}

func (r *CancelRegistry) Clear(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.raised, name)
}

func (r *CancelRegistry) Canceled(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.raised[name]
}
