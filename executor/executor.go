// Package executor defines the task-submission backend a dispatched block
// runs on, and the Future handles it returns.
//
// Two implementations ship with afar: executor/local runs tasks on an
// in-process goroutine pool, executor/process runs them in worker
// processes speaking the ipc frame protocol.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/justapithecus/afar/types"
)

// ErrClosed is returned by executors after Close.
var ErrClosed = errors.New("executor closed")

// ErrCancelled is the error of a cancelled Future.
var ErrCancelled = errors.New("future cancelled")

// ErrLost is the error of a Future whose worker went away.
var ErrLost = errors.New("worker lost while running task")

// Task is one unit of remote work.
type Task struct {
	// Func names a registered TaskFunc.
	Func string
	// Args are passed to the function. A *Future argument, or a *Future
	// value inside a map argument, is replaced by its result before the call.
	Args []any
	// Options are submission options; executors may read scheduling hints
	// from them but never interpret them otherwise.
	Options map[string]any
	// Key identifies the result; generated when empty.
	Key string
}

// Executor submits tasks and distributes values.
type Executor interface {
	// Name identifies the executor in logs and errors.
	Name() string
	// Submit schedules a task and returns its handle immediately.
	Submit(ctx context.Context, task Task) (*Future, error)
	// Scatter distributes values ahead of submission. Every value gets a
	// fresh key; identical content is never deduplicated.
	Scatter(ctx context.Context, values []any) ([]*Future, error)
	// Cancel requests cancellation. Pending futures are cancelled; running
	// ones are interrupted only when force is set.
	Cancel(ctx context.Context, futures []*Future, force bool) error
	// Release drops the client's interest in a future's result.
	Release(f *Future)
	// Subscribe delivers relay events published on topic until the
	// returned function is called.
	Subscribe(ctx context.Context, topic string, handler func(types.RelayEvent)) (func(), error)
	// Close stops the executor. Pending futures are cancelled.
	Close() error
}

// TaskError is a task failure reported by another process.
type TaskError struct {
	Func      string
	Key       string
	Message   string
	Backtrace string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s (%s) failed: %s", e.Func, e.Key, e.Message)
}

// NewKey returns a fresh future key with a readable prefix.
func NewKey(prefix string) string {
	return prefix + "-" + uuid.New().String()
}

// Deps lists the futures referenced by args, in order of appearance.
func Deps(args []any) []*Future {
	var deps []*Future
	for _, arg := range args {
		switch a := arg.(type) {
		case *Future:
			deps = append(deps, a)
		case map[string]*Future:
			for _, k := range sortedFutureKeys(a) {
				deps = append(deps, a[k])
			}
		case map[string]any:
			for _, v := range a {
				if f, ok := v.(*Future); ok {
					deps = append(deps, f)
				}
			}
		}
	}
	return deps
}

// ResolveArgs replaces futures in args with their results.
func ResolveArgs(ctx context.Context, args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, arg := range args {
		switch a := arg.(type) {
		case *Future:
			v, err := a.Result(ctx)
			if err != nil {
				return nil, err
			}
			out[i] = v
		case map[string]*Future:
			m := make(map[string]any, len(a))
			for k, f := range a {
				v, err := f.Result(ctx)
				if err != nil {
					return nil, err
				}
				m[k] = v
			}
			out[i] = m
		case map[string]any:
			m := make(map[string]any, len(a))
			for k, v := range a {
				if f, ok := v.(*Future); ok {
					rv, err := f.Result(ctx)
					if err != nil {
						return nil, err
					}
					v = rv
				}
				m[k] = v
			}
			out[i] = m
		default:
			out[i] = arg
		}
	}
	return out, nil
}

var (
	ambientMu sync.RWMutex
	ambient   Executor
)

// SetDefault installs the process-wide ambient executor and returns a
// function restoring the previous one.
func SetDefault(e Executor) (restore func()) {
	ambientMu.Lock()
	prev := ambient
	ambient = e
	ambientMu.Unlock()
	return func() {
		ambientMu.Lock()
		ambient = prev
		ambientMu.Unlock()
	}
}

// Default returns the ambient executor, or nil.
func Default() Executor {
	ambientMu.RLock()
	defer ambientMu.RUnlock()
	return ambient
}
