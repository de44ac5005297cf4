package runtime

import (
	"sync"

	"github.com/justapithecus/afar/executor"
)

// registry tracks a RunContext's outstanding futures per executor.
// Futures remove themselves when they complete.
type registry struct {
	mu      sync.Mutex
	pending map[executor.Executor]map[string]*executor.Future
}

func newRegistry() *registry {
	return &registry{pending: make(map[executor.Executor]map[string]*executor.Future)}
}

func (r *registry) add(f *executor.Future) {
	owner := f.Owner()
	if owner == nil {
		return
	}
	r.mu.Lock()
	set, ok := r.pending[owner]
	if !ok {
		set = make(map[string]*executor.Future)
		r.pending[owner] = set
	}
	set[f.Key()] = f
	r.mu.Unlock()

	f.AddDoneCallback(r.remove)
}

func (r *registry) remove(f *executor.Future) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.pending[f.Owner()]
	if !ok {
		return
	}
	delete(set, f.Key())
	if len(set) == 0 {
		delete(r.pending, f.Owner())
	}
}

// drain removes and returns the futures of exec, or of every executor
// when exec is nil.
func (r *registry) drain(exec executor.Executor) map[executor.Executor][]*executor.Future {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[executor.Executor][]*executor.Future)
	for owner, set := range r.pending {
		if exec != nil && owner != exec {
			continue
		}
		for _, f := range set {
			out[owner] = append(out[owner], f)
		}
		delete(r.pending, owner)
	}
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, set := range r.pending {
		n += len(set)
	}
	return n
}
