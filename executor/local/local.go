// Package local runs tasks on an in-process goroutine pool.
package local

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/justapithecus/afar/adapter"
	"github.com/justapithecus/afar/adapter/memory"
	"github.com/justapithecus/afar/executor"
	"github.com/justapithecus/afar/log"
	"github.com/justapithecus/afar/metrics"
	"github.com/justapithecus/afar/types"
)

// DefaultName names a local executor when Config.Name is empty.
const DefaultName = "local"

// Config configures a local Executor.
type Config struct {
	// Name identifies the executor; DefaultName when empty.
	Name string
	// Parallel caps concurrently running tasks; NumCPU when zero.
	Parallel int
	// Codec, when set, round-trips scattered values and task results so
	// that tasks never share mutable values with the caller.
	Codec executor.Codec
	// Bus carries relay events; an in-memory bus when nil.
	Bus adapter.Bus
	// WorkerID is reported to tasks through their Env.
	WorkerID string

	Logger  *log.Logger
	Metrics *metrics.Collector
}

// Executor runs tasks on goroutines bounded by a semaphore.
type Executor struct {
	config  Config
	bus     adapter.Bus
	ownBus  bool
	logger  *log.Logger
	metrics *metrics.Collector
	sem     chan struct{}

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	tasks  map[*executor.Future]context.CancelFunc
}

var _ executor.Executor = (*Executor)(nil)

// New returns a running local executor.
func New(cfg Config) *Executor {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = runtime.NumCPU()
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = cfg.Name
	}
	e := &Executor{
		config:  cfg,
		bus:     cfg.Bus,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		sem:     make(chan struct{}, cfg.Parallel),
		tasks:   make(map[*executor.Future]context.CancelFunc),
	}
	if e.bus == nil {
		e.bus = memory.New()
		e.ownBus = true
	}
	if e.logger == nil {
		e.logger = log.NewNop()
	}
	e.root, e.cancel = context.WithCancel(context.Background())
	return e
}

// Name implements executor.Executor.
func (e *Executor) Name() string { return e.config.Name }

// Bus returns the relay bus tasks publish on.
func (e *Executor) Bus() adapter.Bus { return e.bus }

// Submit implements executor.Executor. The task waits for its future
// arguments, then for a free slot, then runs.
func (e *Executor) Submit(_ context.Context, task executor.Task) (*executor.Future, error) {
	fn, err := executor.Lookup(task.Func)
	if err != nil {
		return nil, err
	}
	key := task.Key
	if key == "" {
		key = executor.NewKey(shortName(task.Func))
	}

	f := executor.NewFuture(key, e)
	tctx, cancel := context.WithCancel(e.root)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return nil, executor.ErrClosed
	}
	e.tasks[f] = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	e.metrics.IncSubmitted()
	e.logger.Debug("task submitted", map[string]any{"func": task.Func, "key": key})

	go e.run(tctx, f, fn, task)
	return f, nil
}

func (e *Executor) run(ctx context.Context, f *executor.Future, fn executor.TaskFunc, task executor.Task) {
	defer e.wg.Done()
	defer e.forget(f)

	for _, dep := range executor.Deps(task.Args) {
		select {
		case <-dep.Done():
		case <-ctx.Done():
			f.Abort(executor.StatusCancelled, executor.ErrCancelled)
			return
		}
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		f.Abort(executor.StatusCancelled, executor.ErrCancelled)
		return
	}
	defer func() { <-e.sem }()

	if !f.MarkRunning() {
		return
	}

	args, err := executor.ResolveArgs(ctx, task.Args)
	if err != nil {
		f.Complete(nil, err)
		return
	}

	v, err := fn(ctx, env{e}, args)
	if ctx.Err() != nil {
		f.Abort(executor.StatusCancelled, executor.ErrCancelled)
		return
	}
	if err == nil && e.config.Codec != nil {
		v, err = roundTrip(e.config.Codec, v)
		if err != nil {
			err = fmt.Errorf("encode result of %s: %w", task.Func, err)
		}
	}
	if err != nil {
		e.logger.Debug("task failed", map[string]any{"key": f.Key(), "error": err.Error()})
	}
	f.Complete(v, err)
}

func (e *Executor) forget(f *executor.Future) {
	e.mu.Lock()
	cancel := e.tasks[f]
	delete(e.tasks, f)
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Scatter implements executor.Executor.
func (e *Executor) Scatter(_ context.Context, values []any) ([]*executor.Future, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, executor.ErrClosed
	}

	out := make([]*executor.Future, len(values))
	for i, v := range values {
		if e.config.Codec != nil {
			copied, err := roundTrip(e.config.Codec, v)
			if err != nil {
				return nil, fmt.Errorf("scatter value %d: %w", i, err)
			}
			v = copied
		}
		out[i] = executor.Resolved(executor.NewKey("scatter"), e, v)
	}
	e.metrics.AddScattered(len(values))
	return out, nil
}

// Cancel implements executor.Executor. Without force only tasks that have
// not started are cancelled.
func (e *Executor) Cancel(_ context.Context, futures []*executor.Future, force bool) error {
	n := 0
	for _, f := range futures {
		if f == nil || f.Owner() != e {
			continue
		}
		e.mu.Lock()
		cancel := e.tasks[f]
		e.mu.Unlock()

		switch {
		case f.CancelPending():
			n++
		case force && f.Status() == executor.StatusRunning:
			n++
		default:
			continue
		}
		if cancel != nil {
			cancel()
		}
	}
	e.metrics.AddCancelled(n)
	return nil
}

// Release implements executor.Executor. Results live only as long as the
// future does, so there is nothing to free.
func (e *Executor) Release(*executor.Future) {}

// Subscribe implements executor.Executor.
func (e *Executor) Subscribe(ctx context.Context, topic string, handler func(types.RelayEvent)) (func(), error) {
	sub, err := e.bus.Subscribe(ctx, topic, handler)
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Close() }, nil
}

// Close cancels outstanding tasks and waits for their goroutines.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pending := make([]*executor.Future, 0, len(e.tasks))
	for f := range e.tasks {
		pending = append(pending, f)
	}
	e.mu.Unlock()

	for _, f := range pending {
		f.CancelPending()
	}
	e.cancel()
	e.wg.Wait()

	if e.ownBus {
		return e.bus.Close()
	}
	return nil
}

// env is the view of the executor a task sees.
type env struct{ e *Executor }

func (v env) WorkerID() string { return v.e.config.WorkerID }

func (v env) Publish(topic string, ev types.RelayEvent) {
	if err := v.e.bus.Publish(context.Background(), topic, ev); err != nil {
		v.e.logger.Warn("relay publish failed", map[string]any{
			"topic": topic,
			"key":   ev.Key,
			"error": err.Error(),
		})
	}
}

func roundTrip(codec executor.Codec, v any) (any, error) {
	b, err := codec.Encode(v)
	if err != nil {
		return nil, err
	}
	return codec.Decode(b)
}

// shortName turns "afar.run" into "run" for readable keys.
func shortName(fn string) string {
	for i := len(fn) - 1; i >= 0; i-- {
		if fn[i] == '.' {
			return fn[i+1:]
		}
	}
	return fn
}
