package executor

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"go.starlark.net/starlark"

	"github.com/justapithecus/afar/lang"
	"github.com/justapithecus/afar/value"
)

// Status is the lifecycle state of a Future.
type Status string

// Future statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
	StatusLost      Status = "lost"
)

// IsTerminal returns true once the status can no longer change.
func (s Status) IsTerminal() bool {
	return s != StatusPending && s != StatusRunning
}

// Future is a handle to a value that may not be computed yet.
//
// Executors drive the state through MarkRunning, Complete, CompleteLazy
// and Abort. Callbacks run exactly once, on the goroutine that completes
// the future, or immediately when added after completion.
type Future struct {
	key   string
	owner Executor

	mu        sync.Mutex
	status    Status
	value     any
	err       error
	load      func(ctx context.Context) (any, error)
	loaded    bool
	callbacks []func(*Future)
	released  bool
	done      chan struct{}
}

// NewFuture returns a pending future owned by owner.
func NewFuture(key string, owner Executor) *Future {
	return &Future{key: key, owner: owner, status: StatusPending, done: make(chan struct{})}
}

// Resolved returns a future already finished with v.
func Resolved(key string, owner Executor, v any) *Future {
	f := NewFuture(key, owner)
	f.Complete(v, nil)
	return f
}

// Key returns the future's key.
func (f *Future) Key() string { return f.key }

// Owner returns the executor that created the future.
func (f *Future) Owner() Executor { return f.owner }

// Status returns the current status.
func (f *Future) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Done is closed when the future reaches a terminal status.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the failure of a completed future, or nil.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Result waits for the future and returns its value.
func (f *Future) Result(ctx context.Context) (any, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.load != nil && !f.loaded {
		v, err := f.load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load result %s: %w", f.key, err)
		}
		f.value = v
		f.loaded = true
	}
	return f.value, nil
}

// Cancel asks the owner to cancel the future if it has not started.
func (f *Future) Cancel(ctx context.Context) error {
	if f.owner == nil {
		return nil
	}
	return f.owner.Cancel(ctx, []*Future{f}, false)
}

// Release drops the local reference to the result. Safe to call twice.
func (f *Future) Release() {
	f.mu.Lock()
	if f.released {
		f.mu.Unlock()
		return
	}
	f.released = true
	f.mu.Unlock()
	if f.owner != nil {
		f.owner.Release(f)
	}
}

// Released reports whether Release was called.
func (f *Future) Released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// AddDoneCallback registers fn to run once the future completes.
func (f *Future) AddDoneCallback(fn func(*Future)) {
	f.mu.Lock()
	if !f.status.IsTerminal() {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	fn(f)
}

// MarkRunning moves a pending future to running.
// It returns false if the future was no longer pending.
func (f *Future) MarkRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != StatusPending {
		return false
	}
	f.status = StatusRunning
	return true
}

// Complete finishes the future with a value or an error.
func (f *Future) Complete(v any, err error) bool {
	status := StatusFinished
	if err != nil {
		status = StatusError
	}
	return f.finish(status, v, err, nil)
}

// CompleteLazy finishes the future with a value fetched on first Result.
func (f *Future) CompleteLazy(load func(ctx context.Context) (any, error)) bool {
	return f.finish(StatusFinished, nil, nil, load)
}

// Abort ends a non-terminal future with status and err.
func (f *Future) Abort(status Status, err error) bool {
	return f.finish(status, nil, err, nil)
}

// CancelPending cancels the future only if it has not started.
func (f *Future) CancelPending() bool {
	return f.finish(StatusCancelled, nil, ErrCancelled, nil, StatusPending)
}

func (f *Future) finish(status Status, v any, err error, load func(context.Context) (any, error), only ...Status) bool {
	f.mu.Lock()
	if f.status.IsTerminal() || (len(only) > 0 && f.status != only[0]) {
		f.mu.Unlock()
		return false
	}
	f.status = status
	f.value = v
	f.err = err
	if status == StatusFinished {
		f.load = load
	}
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range callbacks {
		fn(f)
	}
	return true
}

// AsCompleted yields futures in completion order. If ctx ends first it
// yields a nil future with the context error and stops.
func AsCompleted(ctx context.Context, futures []*Future) iter.Seq2[*Future, error] {
	return func(yield func(*Future, error) bool) {
		ch := make(chan *Future, len(futures))
		for _, f := range futures {
			f.AddDoneCallback(func(f *Future) { ch <- f })
		}
		for range futures {
			select {
			case f := <-ch:
				if !yield(f, nil) {
					return
				}
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}

func sortedFutureKeys(m map[string]*Future) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Starlark interface: a Future is a value a block can hold and wait on.

var (
	_ starlark.Value    = (*Future)(nil)
	_ starlark.HasAttrs = (*Future)(nil)
)

// String implements starlark.Value.
func (f *Future) String() string {
	return fmt.Sprintf("<future %s status=%s>", f.key, f.Status())
}

// Type implements starlark.Value.
func (f *Future) Type() string { return "future" }

// Freeze implements starlark.Value. A future is immutable from Starlark.
func (f *Future) Freeze() {}

// Truth implements starlark.Value.
func (f *Future) Truth() starlark.Bool { return starlark.True }

// Hash implements starlark.Value.
func (f *Future) Hash() (uint32, error) {
	return starlark.String(f.key).Hash()
}

// AttrNames implements starlark.HasAttrs.
func (f *Future) AttrNames() []string {
	return []string{"cancel", "done", "key", "result", "status"}
}

// Attr implements starlark.HasAttrs.
func (f *Future) Attr(name string) (starlark.Value, error) {
	switch name {
	case "key":
		return starlark.String(f.key), nil
	case "status":
		return starlark.String(f.Status()), nil
	case "done":
		return starlark.NewBuiltin("done", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
			return starlark.Bool(f.Status().IsTerminal()), nil
		}).BindReceiver(f), nil
	case "result":
		return starlark.NewBuiltin("result", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
				return nil, err
			}
			v, err := f.Result(lang.Context(thread))
			if err != nil {
				return nil, err
			}
			return value.FromGo(v)
		}).BindReceiver(f), nil
	case "cancel":
		return starlark.NewBuiltin("cancel", func(thread *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			return starlark.None, f.Cancel(lang.Context(thread))
		}).BindReceiver(f), nil
	}
	return nil, nil
}
