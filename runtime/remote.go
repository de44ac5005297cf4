package runtime

import (
	"context"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/justapithecus/afar/display"
	"github.com/justapithecus/afar/executor"
	"github.com/justapithecus/afar/lode"
	"github.com/justapithecus/afar/relay"
	"github.com/justapithecus/afar/remote"
	"github.com/justapithecus/afar/scope"
	"github.com/justapithecus/afar/types"
	"github.com/justapithecus/afar/value"
	"github.com/justapithecus/afar/where"
)

// resolveExecutor picks the executor for a remote block: the block's own,
// then the RunContext's, then the directive's, then the default.
func resolveExecutor(block Block, rc *RunContext, d *where.Directive) (executor.Executor, error) {
	for _, exec := range []executor.Executor{block.Executor, rc.Executor(), d.Executor, executor.Default()} {
		if exec != nil {
			return exec, nil
		}
	}
	return nil, ErrNoExecutor
}

// submitter submits tasks on one executor and tracks them on a RunContext.
type submitter struct {
	ctx     context.Context
	exec    executor.Executor
	rc      *RunContext
	options map[string]any
}

func (s *submitter) submit(fn string, args ...any) (*executor.Future, error) {
	f, err := s.exec.Submit(s.ctx, executor.Task{Func: fn, Args: args, Options: s.options})
	if err != nil {
		return nil, fmt.Errorf("submit %s to %s: %w", fn, s.exec.Name(), err)
	}
	s.rc.track(f)
	return f, nil
}

// runRemote submits the block.
//
// Remote flow:
//  1. Resolve the executor
//  2. Split the outer scope: futures pass through, data values are scattered
//     and replaced by their futures in the data mapping
//  3. Scatter the callable and submit afar.run; every handle is tracked
//  4. Submit one afar.get per requested name and release the run result
//  5. Gather values in completion order, or store the futures
//  6. Relay output and the display value
func (e *Engine) runRemote(ctx context.Context, rc *RunContext, d *where.Directive, block Block, c *scope.Callable, data *starlark.Dict, out *Outcome) error {
	exec, err := resolveExecutor(block, rc, d)
	if err != nil {
		return err
	}
	out.Executor = exec.Name()

	deps, err := e.partition(ctx, rc, exec, c, data)
	if err != nil {
		return err
	}
	depNames := make([]string, 0, len(deps))
	for name := range deps {
		depNames = append(depNames, name)
	}
	c = c.Without(depNames...)

	scattered, err := exec.Scatter(ctx, []any{c})
	if err != nil {
		return fmt.Errorf("scatter block: %w", err)
	}
	callableF := scattered[0]
	rc.track(callableF)

	async := e.relay != nil && e.config.Frontend.SupportsAsync()
	wantDisplay := e.relay != nil && c.DisplayExpr() && !block.NoDisplay
	if async {
		if err := e.subscribe(ctx, exec); err != nil {
			return err
		}
		e.relay.Track(out.Key, wantDisplay)
	}

	s := &submitter{ctx: ctx, exec: exec, rc: rc, options: d.Options}
	runF, err := s.submit(remote.TaskRun, remote.RunArgs(callableF, out.Names, deps, e.relay != nil, e.Topic(), out.Key)...)
	callableF.Release()
	if err != nil {
		e.forget(out.Key, async)
		return err
	}
	if async {
		runF.AddDoneCallback(func(f *executor.Future) {
			// A task that never ran publishes no finish event.
			if st := f.Status(); st == executor.StatusCancelled || st == executor.StatusLost {
				e.relay.Forget(out.Key)
			}
		})
	}

	outputs := make([]*executor.Future, len(out.Names))
	for i, name := range out.Names {
		if outputs[i], err = s.submit(remote.TaskGet, runF, name); err != nil {
			runF.Release()
			return err
		}
	}

	var stdoutF, stderrF, reprF *executor.Future
	if e.relay != nil && !async {
		if stdoutF, err = s.submit(remote.TaskGet, runF, types.StdoutKey); err != nil {
			runF.Release()
			return err
		}
		if stderrF, err = s.submit(remote.TaskGet, runF, types.StderrKey); err != nil {
			runF.Release()
			return err
		}
	}
	if wantDisplay {
		if reprF, err = e.submitRepr(s, runF); err != nil {
			runF.Release()
			return err
		}
		if async {
			key := out.Key
			reprF.AddDoneCallback(func(f *executor.Future) { e.deliverDisplay(key, f) })
		}
	}
	runF.Release()
	out.Futures = outputs

	if rc.Gather() {
		if err := e.gather(ctx, rc, exec, out.Names, outputs, data); err != nil {
			return err
		}
		out.Status = lode.StatusFinished
	} else {
		for i, name := range out.Names {
			if err := data.SetKey(starlark.String(name), outputs[i]); err != nil {
				return fmt.Errorf("store %q: %w", name, err)
			}
		}
		out.Status = lode.StatusSubmitted
	}

	if stdoutF != nil {
		if err := e.relay.Blocking(ctx, stdoutF, stderrF, reprF); err != nil {
			if ctx.Err() != nil {
				return e.interrupted(rc, exec, ctx.Err())
			}
			return err
		}
	}
	return nil
}

// partition returns the pass-through futures of the callable's outer scope.
// Plain values that also live in data are scattered first and their data
// entries replaced by the futures, so later blocks reuse the remote copy.
func (e *Engine) partition(ctx context.Context, rc *RunContext, exec executor.Executor, c *scope.Callable, data *starlark.Dict) (map[string]*executor.Future, error) {
	deps := make(map[string]*executor.Future)
	var names []string
	var values []any
	outer := c.Outer()
	for _, name := range outer.Keys() {
		v := outer[name]
		if f, ok := v.(*executor.Future); ok {
			deps[name] = f
			continue
		}
		if _, found, _ := data.Get(starlark.String(name)); found {
			names = append(names, name)
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return deps, nil
	}

	futures, err := exec.Scatter(ctx, values)
	if err != nil {
		return nil, fmt.Errorf("scatter %v: %w", names, err)
	}
	for i, name := range names {
		rc.track(futures[i])
		deps[name] = futures[i]
		if err := data.SetKey(starlark.String(name), futures[i]); err != nil {
			return nil, fmt.Errorf("store %q: %w", name, err)
		}
	}
	e.logger.Debug("scattered block inputs", map[string]any{"names": names, "executor": exec.Name()})
	return deps, nil
}

// submitRepr asks the worker for a representation of the trailing value.
func (e *Engine) submitRepr(s *submitter, runF *executor.Future) (*executor.Future, error) {
	retF, err := s.submit(remote.TaskGet, runF, types.ReturnValueKey)
	if err != nil {
		return nil, err
	}
	reprF, err := s.submit(remote.TaskRepr, retF, e.config.Frontend.ReprMethods())
	retF.Release()
	return reprF, err
}

func (e *Engine) deliverDisplay(key string, f *executor.Future) {
	defer f.Release()
	v, err := f.Result(context.Background())
	if err != nil {
		e.relay.DeliverDisplay(key, nil)
		return
	}
	var rep *display.Repr
	if v != nil {
		rep = relay.AsRepr(v)
	}
	e.relay.DeliverDisplay(key, rep)
}

// gather waits for outputs and writes each value to data as it arrives.
func (e *Engine) gather(ctx context.Context, rc *RunContext, exec executor.Executor, names []string, outputs []*executor.Future, data *starlark.Dict) error {
	index := make(map[*executor.Future]string, len(outputs))
	for i, f := range outputs {
		index[f] = names[i]
	}
	for f, err := range executor.AsCompleted(ctx, outputs) {
		if err != nil {
			return e.interrupted(rc, exec, err)
		}
		v, err := f.Result(ctx)
		if err != nil {
			return err
		}
		sv, err := value.FromGo(v)
		if err != nil {
			return fmt.Errorf("result %q: %w", index[f], err)
		}
		if err := data.SetKey(starlark.String(index[f]), sv); err != nil {
			return fmt.Errorf("store %q: %w", index[f], err)
		}
	}
	return nil
}

// interrupted cancels what is still pending on exec and returns cause.
func (e *Engine) interrupted(rc *RunContext, exec executor.Executor, cause error) error {
	if err := rc.Cancel(context.Background(), exec, false); err != nil {
		e.logger.Warn("cancel after interrupt failed", map[string]any{"executor": exec.Name(), "error": err.Error()})
	}
	return cause
}

// subscribe routes exec's relay events to the relay, once per executor.
func (e *Engine) subscribe(ctx context.Context, exec executor.Executor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subscribed[exec]; ok {
		return nil
	}
	unsubscribe, err := exec.Subscribe(ctx, e.Topic(), e.relay.HandleEvent)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", exec.Name(), err)
	}
	e.subscribed[exec] = unsubscribe
	return nil
}

func (e *Engine) forget(key string, tracked bool) {
	if tracked {
		e.relay.Forget(key)
	}
}
