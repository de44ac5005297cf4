package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.starlark.net/starlark"

	"github.com/justapithecus/afar/executor"
	"github.com/justapithecus/afar/lang"
	"github.com/justapithecus/afar/span"
)

// State is a RunContext's position in the dispatch cycle.
type State string

// Dispatch states.
const (
	StateIdle        State = "idle"
	StateEntered     State = "entered"
	StateDispatching State = "dispatching"
	StateLocal       State = "running-locally"
	StateRemote      State = "running-remotely"
	StateDeferred    State = "deferred"
)

// ErrBusy is returned when a RunContext is entered twice.
var ErrBusy = errors.New("run context is already in use")

// Config configures a RunContext.
type Config struct {
	// Names are the block variables written to Data. Empty means the last
	// name the block assigns.
	Names []string
	// Executor overrides the directive's and the ambient executor.
	Executor executor.Executor
	// Data receives results and persists across blocks. A private mapping
	// is used when nil.
	Data *starlark.Dict
	// Gather waits for remote results and writes values instead of
	// futures.
	Gather bool
}

// RunContext is the value a block header opens: `with run("y"), remotely:`.
//
// The singleton variants (see NewSingleton) get a fresh data mapping on
// every entry and drop it on exit. Calling a RunContext from Starlark
// returns a configured, non-singleton copy.
type RunContext struct {
	names     []string
	exec      executor.Executor
	gather    bool
	singleton bool

	mu          sync.Mutex
	state       State
	data        *starlark.Dict
	frame       *span.Frame
	header      *span.Header
	contextBody []string

	pending *registry
}

// New returns a RunContext configured by cfg.
func New(cfg Config) *RunContext {
	data := cfg.Data
	if data == nil {
		data = starlark.NewDict(len(cfg.Names))
	}
	return &RunContext{
		names:   append([]string(nil), cfg.Names...),
		exec:    cfg.Executor,
		gather:  cfg.Gather,
		data:    data,
		state:   StateIdle,
		pending: newRegistry(),
	}
}

// NewSingleton returns a shared RunContext: `run` when gather is false,
// `get` when it is true.
func NewSingleton(gather bool) *RunContext {
	return &RunContext{gather: gather, singleton: true, state: StateIdle, pending: newRegistry()}
}

// Names returns the requested names.
func (rc *RunContext) Names() []string { return append([]string(nil), rc.names...) }

// Executor returns the bound executor, or nil.
func (rc *RunContext) Executor() executor.Executor { return rc.exec }

// Gather reports whether remote results are waited for.
func (rc *RunContext) Gather() bool { return rc.gather }

// Singleton reports whether the context drops its data after each block.
func (rc *RunContext) Singleton() bool { return rc.singleton }

// State returns the current dispatch state.
func (rc *RunContext) State() State {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Data returns the data mapping, or nil for an idle singleton.
func (rc *RunContext) Data() *starlark.Dict {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.data
}

// ContextBody returns the lines of the last captured block.
func (rc *RunContext) ContextBody() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]string(nil), rc.contextBody...)
}

// Enter opens a block at frame and returns the data mapping results are
// written to. The header is parsed immediately so a statement naming no
// location fails before its body is considered.
func (rc *RunContext) Enter(frame *span.Frame, history span.History) (*starlark.Dict, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.state != StateIdle {
		return nil, ErrBusy
	}

	lines, err := span.SourceLines(frame, history)
	if err != nil {
		return nil, err
	}
	header, err := span.LocateHeader(frame, lines)
	if err != nil {
		return nil, err
	}

	if rc.singleton {
		rc.data = starlark.NewDict(0)
	}
	rc.frame = frame
	rc.header = header
	rc.state = StateEntered
	return rc.data, nil
}

// transition moves the context to next if it is currently in from.
func (rc *RunContext) transition(from, next State) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.state != from {
		return fmt.Errorf("run context is %s, not %s", rc.state, from)
	}
	rc.state = next
	return nil
}

func (rc *RunContext) setState(s State) {
	rc.mu.Lock()
	rc.state = s
	rc.mu.Unlock()
}

func (rc *RunContext) setContextBody(lines []string) {
	rc.mu.Lock()
	rc.contextBody = append([]string(nil), lines...)
	rc.mu.Unlock()
}

// entered returns what Enter recorded.
func (rc *RunContext) entered() (*span.Frame, *span.Header) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.frame, rc.header
}

// exit returns the context to idle. A singleton forgets its data.
func (rc *RunContext) exit() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.state = StateIdle
	rc.frame = nil
	rc.header = nil
	if rc.singleton {
		rc.data = nil
	}
}

// Cancel cancels every tracked future of exec that has not started, or of
// every executor when exec is nil. Running futures are interrupted only
// when force is set. The tracked set is cleared, so a second call does
// nothing.
func (rc *RunContext) Cancel(ctx context.Context, exec executor.Executor, force bool) error {
	var errs []error
	for e, futures := range rc.pending.drain(exec) {
		if err := e.Cancel(ctx, futures, force); err != nil {
			errs = append(errs, fmt.Errorf("cancel on %s: %w", e.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Pending returns the number of tracked futures not yet complete.
func (rc *RunContext) Pending() int { return rc.pending.len() }

func (rc *RunContext) track(f *executor.Future) { rc.pending.add(f) }

// Starlark interface.

var (
	_ starlark.Value    = (*RunContext)(nil)
	_ starlark.Callable = (*RunContext)(nil)
	_ starlark.HasAttrs = (*RunContext)(nil)
)

// Name implements starlark.Callable.
func (rc *RunContext) Name() string {
	if rc.gather {
		return "get"
	}
	return "run"
}

func (rc *RunContext) String() string {
	if len(rc.names) == 0 {
		return rc.Name() + "()"
	}
	q := make([]string, len(rc.names))
	for i, n := range rc.names {
		q[i] = fmt.Sprintf("%q", n)
	}
	return rc.Name() + "(" + strings.Join(q, ", ") + ")"
}

// Type implements starlark.Value.
func (rc *RunContext) Type() string          { return "run_context" }
func (rc *RunContext) Freeze()               {}
func (rc *RunContext) Truth() starlark.Bool  { return starlark.True }
func (rc *RunContext) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: run_context") }

// CallInternal implements run("x", "y", executor=e, data=d).
func (rc *RunContext) CallInternal(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	cfg := Config{Gather: rc.gather}
	for i, a := range args {
		s, ok := starlark.AsString(a)
		if !ok {
			return nil, fmt.Errorf("%s: name %d is %s, not string", rc.Name(), i, a.Type())
		}
		cfg.Names = append(cfg.Names, s)
	}
	var execVal, dataVal starlark.Value = starlark.None, starlark.None
	if err := starlark.UnpackArgs(rc.Name(), nil, kwargs, "executor?", &execVal, "data?", &dataVal); err != nil {
		return nil, err
	}
	if execVal != starlark.None {
		e, err := executor.FromValue(execVal)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", rc.Name(), err)
		}
		cfg.Executor = e
	}
	if dataVal != starlark.None {
		d, ok := dataVal.(*starlark.Dict)
		if !ok {
			return nil, fmt.Errorf("%s: data must be a dict, got %s", rc.Name(), dataVal.Type())
		}
		cfg.Data = d
	}
	return New(cfg), nil
}

// AttrNames implements starlark.HasAttrs.
func (rc *RunContext) AttrNames() []string {
	return []string{"cancel", "context_body", "data", "names"}
}

// Attr implements starlark.HasAttrs.
func (rc *RunContext) Attr(name string) (starlark.Value, error) {
	switch name {
	case "context_body":
		body := rc.ContextBody()
		if body == nil {
			return starlark.None, nil
		}
		return starlark.String(strings.Join(body, "")), nil
	case "data":
		if d := rc.Data(); d != nil {
			return d, nil
		}
		return starlark.None, nil
	case "names":
		elems := make([]starlark.Value, len(rc.names))
		for i, n := range rc.names {
			elems[i] = starlark.String(n)
		}
		return starlark.Tuple(elems), nil
	case "cancel":
		return starlark.NewBuiltin("cancel", rc.cancelBuiltin), nil
	}
	return nil, nil
}

func (rc *RunContext) cancelBuiltin(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var execVal starlark.Value = starlark.None
	force := false
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "executor?", &execVal, "force?", &force); err != nil {
		return nil, err
	}
	var exec executor.Executor
	if execVal != starlark.None {
		e, err := executor.FromValue(execVal)
		if err != nil {
			return nil, err
		}
		exec = e
	}
	return starlark.None, rc.Cancel(lang.Context(thread), exec, force)
}
