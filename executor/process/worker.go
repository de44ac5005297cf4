package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"go.starlark.net/starlark"

	"github.com/justapithecus/afar/executor"
	"github.com/justapithecus/afar/ipc"
	"github.com/justapithecus/afar/lode"
	"github.com/justapithecus/afar/log"
	"github.com/justapithecus/afar/types"
)

// WorkerConfig configures the worker side of the protocol.
type WorkerConfig struct {
	// ID names the worker in ready frames and task environments.
	ID string
	// Blobs holds scattered values and results. It must be the store the
	// client reads from.
	Blobs *lode.BlobStore
	// Codec decodes arguments and encodes results.
	Codec executor.Codec
	// Parallel caps concurrently running tasks; NumCPU when zero.
	Parallel int
	Logger   *log.Logger
}

// Serve speaks the worker protocol on in and out until in reaches EOF or
// ctx ends. Outstanding tasks are cancelled before Serve returns.
func Serve(ctx context.Context, in io.Reader, out io.Writer, cfg WorkerConfig) error {
	if cfg.Blobs == nil || cfg.Codec == nil {
		return errors.New("worker requires a blob store and a codec")
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = runtime.NumCPU()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := &worker{
		cfg:   cfg,
		enc:   ipc.NewFrameEncoder(out),
		sem:   make(chan struct{}, cfg.Parallel),
		tasks: make(map[string]*workerTask),
	}
	if err := w.enc.WriteFrame(&ipc.Ready{
		Type:     ipc.TypeReady,
		WorkerID: cfg.ID,
		Protocol: types.ProtocolVersion,
		PID:      os.Getpid(),
	}); err != nil {
		return fmt.Errorf("write ready frame: %w", err)
	}

	err := w.loop(ctx, ipc.NewFrameDecoder(in))
	cancel()
	w.wg.Wait()
	return err
}

type workerTask struct {
	cancel  context.CancelFunc
	started bool
	dropped bool
}

type worker struct {
	cfg WorkerConfig
	enc *ipc.FrameEncoder
	sem chan struct{}
	wg  sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*workerTask
}

func (w *worker) loop(ctx context.Context, dec *ipc.FrameDecoder) error {
	for {
		frame, err := dec.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ipc.IsFatalFrameError(err) {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			w.cfg.Logger.Warn("dropping undecodable frame", map[string]any{"error": err.Error()})
			continue
		}

		switch f := frame.(type) {
		case *ipc.Task:
			w.start(ctx, f)
		case *ipc.Cancel:
			w.cancel(f)
		default:
			w.cfg.Logger.Warn("unexpected frame", map[string]any{"type": fmt.Sprintf("%T", frame)})
		}
	}
}

func (w *worker) start(ctx context.Context, t *ipc.Task) {
	tctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.tasks[t.Key] = &workerTask{cancel: cancel}
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer cancel()
		res := w.run(tctx, t)
		w.mu.Lock()
		delete(w.tasks, t.Key)
		w.mu.Unlock()
		if err := w.enc.WriteFrame(res); err != nil {
			w.cfg.Logger.Error("write result frame", map[string]any{"key": t.Key, "error": err.Error()})
		}
	}()
}

func (w *worker) run(ctx context.Context, t *ipc.Task) *ipc.Result {
	res := &ipc.Result{Type: ipc.TypeResult, Key: t.Key}
	cancelled := func() *ipc.Result {
		res.Status = ipc.ResultCancelled
		return res
	}

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return cancelled()
	}
	defer func() { <-w.sem }()

	w.mu.Lock()
	task := w.tasks[t.Key]
	if task.dropped {
		w.mu.Unlock()
		return cancelled()
	}
	task.started = true
	w.mu.Unlock()

	fail := func(err error) *ipc.Result {
		res.Status = ipc.ResultError
		res.Error = err.Error()
		var ee *starlark.EvalError
		if errors.As(err, &ee) {
			res.Backtrace = ee.Backtrace()
		}
		return res
	}

	fn, err := executor.Lookup(t.Func)
	if err != nil {
		return fail(err)
	}
	args := make([]any, len(t.Args))
	for i, a := range t.Args {
		v, err := w.decodeArg(ctx, a)
		if err != nil {
			return fail(fmt.Errorf("decode argument %d: %w", i, err))
		}
		args[i] = v
	}

	v, err := fn(ctx, workerEnv{w}, args)
	if ctx.Err() != nil {
		return cancelled()
	}
	if err != nil {
		return fail(err)
	}

	data, err := w.cfg.Codec.Encode(v)
	if err != nil {
		return fail(fmt.Errorf("encode result: %w", err))
	}
	if err := w.cfg.Blobs.Put(ctx, t.Key, data); err != nil {
		return fail(fmt.Errorf("store result: %w", err))
	}
	res.Status = ipc.ResultFinished
	return res
}

func (w *worker) decodeArg(ctx context.Context, a ipc.Arg) (any, error) {
	switch a.Kind {
	case ipc.ArgInline:
		return w.cfg.Codec.Decode(a.Data)
	case ipc.ArgRef:
		data, err := w.cfg.Blobs.Get(ctx, a.Ref)
		if err != nil {
			return nil, err
		}
		return w.cfg.Codec.Decode(data)
	case ipc.ArgMap:
		m := make(map[string]any, len(a.Map))
		for k, sub := range a.Map {
			v, err := w.decodeArg(ctx, sub)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			m[k] = v
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown argument kind %q", a.Kind)
	}
}

// cancel drops a task that has not started, or interrupts a running one
// when forced.
func (w *worker) cancel(c *ipc.Cancel) {
	w.mu.Lock()
	defer w.mu.Unlock()
	task, ok := w.tasks[c.Key]
	if !ok {
		return
	}
	if !task.started {
		task.dropped = true
		task.cancel()
		return
	}
	if c.Force {
		task.cancel()
	}
}

type workerEnv struct{ w *worker }

func (e workerEnv) WorkerID() string { return e.w.cfg.ID }

func (e workerEnv) Publish(topic string, ev types.RelayEvent) {
	if err := e.w.enc.WriteFrame(&ipc.Event{Type: ipc.TypeEvent, Topic: topic, Event: ev}); err != nil {
		e.w.cfg.Logger.Warn("write event frame", map[string]any{"key": ev.Key, "error": err.Error()})
	}
}
