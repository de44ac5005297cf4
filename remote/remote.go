// Package remote holds the task functions a worker runs on behalf of a
// dispatched block, and the codec that moves their inputs and outputs
// between processes.
package remote

import (
	"context"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/justapithecus/afar/display"
	"github.com/justapithecus/afar/executor"
	"github.com/justapithecus/afar/scope"
	"github.com/justapithecus/afar/types"
	"github.com/justapithecus/afar/value"
)

// Registered task names.
const (
	TaskRun  = "afar.run"
	TaskGet  = "afar.get"
	TaskRepr = "afar.repr"
)

func init() {
	executor.Register(TaskRun, Run)
	executor.Register(TaskGet, Get)
	executor.Register(TaskRepr, Repr)
}

// RunArgs builds the argument list of an afar.run task.
// deps maps outer names to futures resolved before the task starts.
func RunArgs(callable any, names []string, deps map[string]*executor.Future, capture bool, topic, key string) []any {
	return []any{callable, names, deps, capture, topic, key}
}

// Run executes a block and returns its result mapping: exactly the
// requested names, plus the trailing expression value and the captured
// text when present. Errors raised by the block are returned unchanged.
func Run(ctx context.Context, env executor.Env, args []any) (any, error) {
	if len(args) != 6 {
		return nil, fmt.Errorf("%s: got %d arguments, want 6", TaskRun, len(args))
	}
	callable, ok := args[0].(*scope.Callable)
	if !ok {
		return nil, fmt.Errorf("%s: expected block, got %T", TaskRun, args[0])
	}
	names, err := stringList(args[1])
	if err != nil {
		return nil, fmt.Errorf("%s: names: %w", TaskRun, err)
	}
	capture, _ := args[3].(bool)
	topic, _ := args[4].(string)
	key, _ := args[5].(string)

	if deps, ok := args[2].(map[string]any); ok && len(deps) > 0 {
		bound, err := value.DictFromGo(deps)
		if err != nil {
			return nil, fmt.Errorf("%s: deps: %w", TaskRun, err)
		}
		callable = callable.Bind(bound)
	}

	opts := scope.CallOptions{Name: key}
	var rec *Recorder
	if capture {
		rec = NewRecorder(env, topic, key)
		rec.Begin()
		defer rec.Finish()
		opts.Stdout, opts.Stderr = rec.Stdout(), rec.Stderr()
	}

	res, err := callable.Call(ctx, opts)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(names)+3)
	for _, name := range names {
		v, ok := res.Values[name]
		if !ok {
			return nil, fmt.Errorf("block did not assign %q", name)
		}
		out[name] = v
	}
	if res.HasReturn {
		out[types.ReturnValueKey] = res.ReturnValue
	}
	if rec != nil {
		out[types.StdoutKey] = rec.StdoutText()
		out[types.StderrKey] = rec.StderrText()
	}
	return out, nil
}

// Get extracts one key from a result mapping.
func Get(_ context.Context, _ executor.Env, args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%s: got %d arguments, want 2", TaskGet, len(args))
	}
	key, _ := args[1].(string)
	switch m := args[0].(type) {
	case map[string]any:
		v, ok := m[key]
		if !ok {
			return nil, fmt.Errorf("%s: no %q in result", TaskGet, key)
		}
		return v, nil
	case *starlark.Dict:
		v, found, err := m.Get(starlark.String(key))
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%s: no %q in result", TaskGet, key)
		}
		return v, nil
	}
	return nil, fmt.Errorf("%s: expected mapping, got %T", TaskGet, args[0])
}

// Repr computes the display representation of a value where it lives.
// A failing repr method produces an error representation, not a task error.
func Repr(ctx context.Context, _ executor.Env, args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%s: got %d arguments, want 2", TaskRepr, len(args))
	}
	v, err := value.FromGo(args[0])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", TaskRepr, err)
	}
	methods, err := stringList(args[1])
	if err != nil {
		return nil, fmt.Errorf("%s: methods: %w", TaskRepr, err)
	}
	r := display.ComputeRepr(ctx, v, methods)
	if r == nil {
		return nil, nil
	}
	return r, nil
}

func stringList(v any) ([]string, error) {
	switch l := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return l, nil
	case []any:
		out := make([]string, len(l))
		for i, e := range l {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("element %d is %T, not string", i, e)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected list of strings, got %T", v)
}
