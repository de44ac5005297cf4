// Package relay carries captured output and display values from a
// dispatched block back to the client's front-end.
//
// In blocking mode the client waits for the captured text and writes it
// out in order. In event mode output arrives as relay events tagged with a
// correlation key and is appended to a per-key output as it comes in.
package relay

import (
	"context"
	"sync"

	"go.starlark.net/starlark"

	"github.com/justapithecus/afar/display"
	"github.com/justapithecus/afar/executor"
	"github.com/justapithecus/afar/log"
	"github.com/justapithecus/afar/metrics"
	"github.com/justapithecus/afar/types"
)

// Placeholder text shown in an output before any event arrives.
const (
	Running   = "Running afar...\n"
	Restarted = "Running afar... (restarted)\n"
)

// Relay routes block output to a front-end. Safe for concurrent use:
// event delivery and completion callbacks may observe the same key.
type Relay struct {
	frontend display.Frontend
	logger   *log.Logger
	metrics  *metrics.Collector

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	out           display.Output
	updated       bool
	finished      bool
	expectDisplay bool
	displayed     bool
}

// New returns a relay writing to frontend. logger and collector may be nil.
func New(frontend display.Frontend, logger *log.Logger, collector *metrics.Collector) *Relay {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Relay{
		frontend: frontend,
		logger:   logger,
		metrics:  collector,
		entries:  make(map[string]*entry),
	}
}

// Frontend returns the relay's front-end.
func (r *Relay) Frontend() display.Frontend { return r.frontend }

// Blocking waits for the captured stdout, stderr and display futures and
// writes them in that order. Nil futures are skipped.
func (r *Relay) Blocking(ctx context.Context, stdout, stderr, repr *executor.Future) error {
	if s, err := text(ctx, stdout); err != nil {
		return err
	} else if s != "" {
		_, _ = r.frontend.Stdout().Write([]byte(s))
	}
	if s, err := text(ctx, stderr); err != nil {
		return err
	} else if s != "" {
		_, _ = r.frontend.Stderr().Write([]byte(s))
	}
	if repr == nil {
		return nil
	}
	v, err := repr.Result(ctx)
	repr.Release()
	if err != nil {
		return err
	}
	if rep := AsRepr(v); rep != nil {
		r.frontend.Display(rep)
	}
	return nil
}

func text(ctx context.Context, f *executor.Future) (string, error) {
	if f == nil {
		return "", nil
	}
	defer f.Release()
	v, err := f.Result(ctx)
	if err != nil {
		return "", err
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case starlark.String:
		return string(s), nil
	}
	return "", nil
}

// Track opens an output for key. Events for untracked keys are dropped.
// With expectDisplay set the entry stays open after finish until
// DeliverDisplay is called.
func (r *Relay) Track(key string, expectDisplay bool) {
	e := &entry{expectDisplay: expectDisplay}
	if r.frontend.SupportsAsync() {
		e.out = r.frontend.NewOutput(key)
		e.out.AppendStdout(Running)
	}
	r.mu.Lock()
	r.entries[key] = e
	r.mu.Unlock()
}

// Tracked reports whether key has an open entry.
func (r *Relay) Tracked(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// Pending returns the number of open entries.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// HandleEvent applies one relay event.
func (r *Relay) HandleEvent(ev types.RelayEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[ev.Key]
	if !ok {
		r.metrics.IncRelayDropped()
		r.logger.Debug("relay event for unknown key", map[string]any{"key": ev.Key, "action": string(ev.Action)})
		return
	}
	r.metrics.IncRelayDelivered()

	switch ev.Action {
	case types.RelayBegin:
		if e.updated && e.out != nil {
			e.out.Clear()
			e.out.AppendStdout(Restarted)
			e.updated = false
		}
	case types.RelayStdout, types.RelayStderr:
		if e.out == nil {
			w := r.frontend.Stdout()
			if ev.Action == types.RelayStderr {
				w = r.frontend.Stderr()
			}
			_, _ = w.Write([]byte(ev.Payload))
			return
		}
		if !e.updated {
			e.out.Clear()
			e.updated = true
		}
		if ev.Action == types.RelayStdout {
			e.out.AppendStdout(ev.Payload)
		} else {
			e.out.AppendStderr(ev.Payload)
		}
	case types.RelayFinish:
		e.finished = true
		r.retire(ev.Key, e)
	}
}

// DeliverDisplay appends the display value for key. A nil repr only
// marks the display as delivered.
func (r *Relay) DeliverDisplay(key string, rep *display.Repr) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		if rep != nil {
			r.frontend.Display(rep)
		}
		return
	}
	if rep != nil {
		if e.out != nil {
			if !e.updated {
				e.out.Clear()
				e.updated = true
			}
			e.out.AppendDisplay(rep)
		} else {
			r.frontend.Display(rep)
		}
	}
	e.displayed = true
	r.retire(key, e)
}

// Forget drops the entry for key without waiting for finish.
func (r *Relay) Forget(key string) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

// retire removes a finished entry. Caller holds r.mu.
func (r *Relay) retire(key string, e *entry) {
	if !e.finished || (e.expectDisplay && !e.displayed) {
		return
	}
	if e.out != nil && !e.updated {
		e.out.Clear()
	}
	delete(r.entries, key)
}

// AsRepr extracts a representation from a task result.
func AsRepr(v any) *display.Repr {
	switch rep := v.(type) {
	case *display.Repr:
		return rep
	case display.Repr:
		return &rep
	case map[string]any:
		out := &display.Repr{Value: rep["value"]}
		out.Method, _ = rep["method"].(string)
		out.IsError, _ = rep["is_error"].(bool)
		return out
	}
	return nil
}
