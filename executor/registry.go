package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/justapithecus/afar/types"
)

// Env is what a running task can see of its host.
type Env interface {
	// Publish sends a relay event to subscribers of topic.
	Publish(topic string, ev types.RelayEvent)
	// WorkerID identifies the worker running the task.
	WorkerID() string
}

// TaskFunc is a function executors can run by name.
type TaskFunc func(ctx context.Context, env Env, args []any) (any, error)

// Codec moves values across a process boundary.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]TaskFunc{}
)

// Register makes fn available under name. Registering a name twice panics.
func Register(name string, fn TaskFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("executor: task %q registered twice", name))
	}
	registry[name] = fn
}

// Lookup returns the function registered under name.
func Lookup(name string) (TaskFunc, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown task %q", name)
	}
	return fn, nil
}

// Registered lists registered task names, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NopEnv discards events.
type NopEnv struct{ ID string }

// Publish implements Env.
func (NopEnv) Publish(string, types.RelayEvent) {}

// WorkerID implements Env.
func (e NopEnv) WorkerID() string { return e.ID }
