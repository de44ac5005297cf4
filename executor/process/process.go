// Package process runs tasks in worker processes that speak the ipc frame
// protocol over their stdin and stdout.
//
// Values cross the process boundary through a shared lode.BlobStore:
// scattered values and task results are stored under their future keys
// and task frames reference them. Results are loaded on the first call to
// Future.Result and deleted once every future and every queued task that
// refers to them has let go.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/justapithecus/afar/adapter"
	"github.com/justapithecus/afar/adapter/memory"
	"github.com/justapithecus/afar/executor"
	"github.com/justapithecus/afar/ipc"
	"github.com/justapithecus/afar/lode"
	"github.com/justapithecus/afar/log"
	"github.com/justapithecus/afar/metrics"
	"github.com/justapithecus/afar/types"
)

// DefaultName names a process executor when Config.Name is empty.
const DefaultName = "process"

// Defaults for Config.
const (
	DefaultReadyTimeout    = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

var errNoWorkers = errors.New("no live workers")

// Config configures a process Executor.
type Config struct {
	// Name identifies the executor; DefaultName when empty.
	Name string
	// Workers is the number of worker processes; one when zero.
	Workers int
	// Factory starts workers. Use CommandFactory for child processes or
	// PipeFactory for in-process workers.
	Factory WorkerFactory
	// Blobs must be reachable by every worker.
	Blobs *lode.BlobStore
	// Codec encodes arguments and decodes results; workers must use the
	// same codec.
	Codec executor.Codec
	// Bus receives the relay events workers send; in-memory when nil.
	Bus adapter.Bus
	// ReadyTimeout bounds the wait for a worker's ready frame.
	ReadyTimeout time.Duration
	// ShutdownTimeout bounds the wait for workers to exit on Close before
	// they are killed.
	ShutdownTimeout time.Duration
	// Respawn starts a replacement when a worker dies.
	Respawn bool

	Logger  *log.Logger
	Metrics *metrics.Collector
}

type workerConn struct {
	conn     *Conn
	enc      *ipc.FrameEncoder
	inflight map[string]*submission
	logger   *log.Logger
}

type submission struct {
	f      *executor.Future
	task   executor.Task
	refs   []string
	cancel context.CancelFunc
	worker *workerConn
	// sent is closed once the task frame has been written, so a cancel
	// frame never overtakes it.
	sent chan struct{}
}

// Executor dispatches tasks to worker processes.
type Executor struct {
	config  Config
	bus     adapter.Bus
	ownBus  bool
	logger  *log.Logger
	metrics *metrics.Collector

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	spawned  int
	workers  []*workerConn
	subs     map[string]*submission
	refs     map[string]int
	released map[string]bool
}

var _ executor.Executor = (*Executor)(nil)

// New starts cfg.Workers workers and waits until each is ready.
func New(ctx context.Context, cfg Config) (*Executor, error) {
	if cfg.Factory == nil {
		return nil, errors.New("process executor requires a worker factory")
	}
	if cfg.Blobs == nil || cfg.Codec == nil {
		return nil, errors.New("process executor requires a blob store and a codec")
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	e := &Executor{
		config:   cfg,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		subs:     make(map[string]*submission),
		refs:     make(map[string]int),
		released: make(map[string]bool),
	}
	if e.bus == nil {
		e.bus = memory.New()
		e.ownBus = true
	}
	if e.logger == nil {
		e.logger = log.NewNop()
	}
	e.root, e.cancel = context.WithCancel(context.Background())

	for range cfg.Workers {
		if err := e.spawn(ctx); err != nil {
			_ = e.Close()
			return nil, err
		}
	}
	return e, nil
}

// Name implements executor.Executor.
func (e *Executor) Name() string { return e.config.Name }

// Bus returns the bus worker events are published on.
func (e *Executor) Bus() adapter.Bus { return e.bus }

// Workers returns the number of live workers.
func (e *Executor) Workers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workers)
}

func (e *Executor) spawn(ctx context.Context) error {
	e.mu.Lock()
	e.spawned++
	id := fmt.Sprintf("%s-%d", e.config.Name, e.spawned)
	e.mu.Unlock()

	conn, err := e.config.Factory(ctx, id)
	if err != nil {
		return fmt.Errorf("start worker %s: %w", id, err)
	}
	dec := ipc.NewFrameDecoder(conn.Stdout)
	if err := e.awaitReady(ctx, conn, dec); err != nil {
		_ = conn.Kill()
		return fmt.Errorf("worker %s: %w", id, err)
	}

	wc := &workerConn{
		conn:     conn,
		enc:      ipc.NewFrameEncoder(conn.Stdin),
		inflight: make(map[string]*submission),
		logger:   e.logger.With(map[string]any{"worker_id": id}),
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = conn.Kill()
		return executor.ErrClosed
	}
	e.workers = append(e.workers, wc)
	e.wg.Add(1)
	e.mu.Unlock()

	e.metrics.IncWorkerStart()
	wc.logger.Info("worker ready", nil)
	go e.read(wc, dec)
	return nil
}

func (e *Executor) awaitReady(ctx context.Context, conn *Conn, dec *ipc.FrameDecoder) error {
	type ready struct {
		frame *ipc.Ready
		err   error
	}
	ch := make(chan ready, 1)
	go func() {
		v, err := dec.Next()
		r, ok := v.(*ipc.Ready)
		if err == nil && !ok {
			err = fmt.Errorf("expected ready frame, got %T", v)
		}
		ch <- ready{r, err}
	}()

	timer := time.NewTimer(e.config.ReadyTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.frame.Protocol != types.ProtocolVersion {
			return fmt.Errorf("protocol %s, client speaks %s", res.frame.Protocol, types.ProtocolVersion)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("no ready frame within %s", e.config.ReadyTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// read consumes a worker's frames until its stream ends.
func (e *Executor) read(wc *workerConn, dec *ipc.FrameDecoder) {
	defer e.wg.Done()
	var streamErr error
	for {
		v, err := dec.Next()
		if err != nil {
			if err == io.EOF || ipc.IsFatalFrameError(err) {
				if err != io.EOF {
					streamErr = err
				}
				break
			}
			e.metrics.IncIPCDecodeErrors()
			wc.logger.Warn("dropping undecodable frame", map[string]any{"error": err.Error()})
			continue
		}
		switch f := v.(type) {
		case *ipc.Result:
			e.complete(wc, f)
		case *ipc.Event:
			if err := e.bus.Publish(e.root, f.Topic, f.Event); err != nil {
				e.logger.Warn("relay publish failed", map[string]any{"topic": f.Topic, "error": err.Error()})
			}
		default:
			wc.logger.Warn("unexpected frame", map[string]any{"type": fmt.Sprintf("%T", v)})
		}
	}
	e.lost(wc, streamErr)
}

func (e *Executor) complete(wc *workerConn, r *ipc.Result) {
	e.mu.Lock()
	sub := wc.inflight[r.Key]
	delete(wc.inflight, r.Key)
	e.mu.Unlock()
	if sub == nil {
		return
	}

	switch r.Status {
	case ipc.ResultFinished:
		key := r.Key
		sub.f.CompleteLazy(func(ctx context.Context) (any, error) {
			data, err := e.config.Blobs.Get(ctx, key)
			if err != nil {
				return nil, err
			}
			return e.config.Codec.Decode(data)
		})
	case ipc.ResultCancelled:
		sub.f.Abort(executor.StatusCancelled, executor.ErrCancelled)
	default:
		sub.f.Complete(nil, &executor.TaskError{
			Func:      sub.task.Func,
			Key:       r.Key,
			Message:   r.Error,
			Backtrace: r.Backtrace,
		})
	}
	e.finish(sub)
}

// lost fails every task the worker held and optionally replaces it.
func (e *Executor) lost(wc *workerConn, streamErr error) {
	e.mu.Lock()
	closing := e.closed
	inflight := wc.inflight
	wc.inflight = make(map[string]*submission)
	for i, w := range e.workers {
		if w == wc {
			e.workers = append(e.workers[:i], e.workers[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	for _, sub := range inflight {
		if closing {
			sub.f.Abort(executor.StatusCancelled, executor.ErrCancelled)
		} else {
			sub.f.Abort(executor.StatusLost, executor.ErrLost)
		}
		e.finish(sub)
	}
	if closing {
		return
	}

	e.metrics.IncWorkerCrash()
	fields := map[string]any{"lost_tasks": len(inflight)}
	if streamErr != nil {
		fields["error"] = streamErr.Error()
	}
	wc.logger.Error("worker exited unexpectedly", fields)
	_ = wc.conn.Kill()

	if e.config.Respawn {
		if err := e.spawn(e.root); err != nil && !errors.Is(err, executor.ErrClosed) {
			e.logger.Error("worker respawn failed", map[string]any{"error": err.Error()})
		}
	}
}

// Submit implements executor.Executor. The task is sent to the least
// loaded worker once its future arguments have completed.
func (e *Executor) Submit(_ context.Context, task executor.Task) (*executor.Future, error) {
	if _, err := executor.Lookup(task.Func); err != nil {
		return nil, err
	}
	if task.Key == "" {
		task.Key = executor.NewKey(strings.ReplaceAll(task.Func, ".", "-"))
	}
	f := executor.NewFuture(task.Key, e)
	sctx, cancel := context.WithCancel(e.root)
	sub := &submission{f: f, task: task, cancel: cancel, sent: make(chan struct{})}
	for _, dep := range executor.Deps(task.Args) {
		if dep.Owner() == e {
			sub.refs = append(sub.refs, dep.Key())
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return nil, executor.ErrClosed
	}
	e.subs[task.Key] = sub
	for _, k := range sub.refs {
		e.refs[k]++
	}
	e.wg.Add(1)
	e.mu.Unlock()

	e.metrics.IncSubmitted()
	go e.dispatch(sctx, sub)
	return f, nil
}

func (e *Executor) dispatch(ctx context.Context, sub *submission) {
	defer e.wg.Done()
	f := sub.f

	for _, dep := range executor.Deps(sub.task.Args) {
		select {
		case <-dep.Done():
		case <-ctx.Done():
			f.Abort(executor.StatusCancelled, executor.ErrCancelled)
			e.finish(sub)
			return
		}
		if err := dep.Err(); err != nil {
			f.Complete(nil, err)
			e.finish(sub)
			return
		}
	}

	args := make([]ipc.Arg, len(sub.task.Args))
	for i, a := range sub.task.Args {
		arg, err := e.encodeArg(ctx, a)
		if err != nil {
			f.Complete(nil, fmt.Errorf("encode argument %d of %s: %w", i, sub.task.Func, err))
			e.finish(sub)
			return
		}
		args[i] = arg
	}

	e.mu.Lock()
	wc := e.leastLoaded()
	if wc == nil {
		e.mu.Unlock()
		f.Abort(executor.StatusLost, errNoWorkers)
		e.finish(sub)
		return
	}
	if !f.MarkRunning() {
		e.mu.Unlock()
		e.finish(sub)
		return
	}
	wc.inflight[sub.task.Key] = sub
	sub.worker = wc
	e.mu.Unlock()

	err := wc.enc.WriteFrame(&ipc.Task{
		Type:    ipc.TypeTask,
		Key:     sub.task.Key,
		Func:    sub.task.Func,
		Args:    args,
		Options: sub.task.Options,
	})
	close(sub.sent)
	if err != nil {
		e.mu.Lock()
		_, stillInflight := wc.inflight[sub.task.Key]
		delete(wc.inflight, sub.task.Key)
		e.mu.Unlock()
		if stillInflight {
			f.Abort(executor.StatusLost, fmt.Errorf("%w: %v", executor.ErrLost, err))
			e.finish(sub)
		}
	}
}

func (e *Executor) leastLoaded() *workerConn {
	var best *workerConn
	for _, wc := range e.workers {
		if best == nil || len(wc.inflight) < len(best.inflight) {
			best = wc
		}
	}
	return best
}

func (e *Executor) encodeArg(ctx context.Context, a any) (ipc.Arg, error) {
	switch x := a.(type) {
	case *executor.Future:
		return e.encodeFuture(ctx, x)
	case map[string]*executor.Future:
		m := make(map[string]ipc.Arg, len(x))
		for k, f := range x {
			arg, err := e.encodeFuture(ctx, f)
			if err != nil {
				return ipc.Arg{}, err
			}
			m[k] = arg
		}
		return ipc.Arg{Kind: ipc.ArgMap, Map: m}, nil
	case map[string]any:
		m := make(map[string]ipc.Arg, len(x))
		for k, v := range x {
			arg, err := e.encodeArg(ctx, v)
			if err != nil {
				return ipc.Arg{}, fmt.Errorf("%s: %w", k, err)
			}
			m[k] = arg
		}
		return ipc.Arg{Kind: ipc.ArgMap, Map: m}, nil
	default:
		data, err := e.config.Codec.Encode(a)
		if err != nil {
			return ipc.Arg{}, err
		}
		return ipc.Arg{Kind: ipc.ArgInline, Data: data}, nil
	}
}

// encodeFuture references results this executor stored and inlines the
// values of foreign futures.
func (e *Executor) encodeFuture(ctx context.Context, f *executor.Future) (ipc.Arg, error) {
	if f.Owner() == e && f.Status() == executor.StatusFinished {
		return ipc.Arg{Kind: ipc.ArgRef, Ref: f.Key()}, nil
	}
	v, err := f.Result(ctx)
	if err != nil {
		return ipc.Arg{}, err
	}
	data, err := e.config.Codec.Encode(v)
	if err != nil {
		return ipc.Arg{}, err
	}
	return ipc.Arg{Kind: ipc.ArgInline, Data: data}, nil
}

// finish drops a terminal submission and its holds on referenced blobs.
func (e *Executor) finish(sub *submission) {
	sub.cancel()
	e.mu.Lock()
	delete(e.subs, sub.task.Key)
	var drop []string
	for _, k := range sub.refs {
		e.refs[k]--
		if e.refs[k] <= 0 {
			delete(e.refs, k)
			if e.released[k] {
				delete(e.released, k)
				drop = append(drop, k)
			}
		}
	}
	if e.released[sub.task.Key] && e.refs[sub.task.Key] == 0 {
		delete(e.released, sub.task.Key)
		drop = append(drop, sub.task.Key)
	}
	e.mu.Unlock()
	e.deleteBlobs(drop)
}

// Scatter implements executor.Executor. Each value is stored under a fresh
// key; the returned futures hold the caller's copy.
func (e *Executor) Scatter(ctx context.Context, values []any) ([]*executor.Future, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, executor.ErrClosed
	}

	out := make([]*executor.Future, len(values))
	for i, v := range values {
		data, err := e.config.Codec.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("scatter value %d: %w", i, err)
		}
		key := executor.NewKey("scatter")
		if err := e.config.Blobs.Put(ctx, key, data); err != nil {
			return nil, fmt.Errorf("scatter value %d: %w", i, err)
		}
		out[i] = executor.Resolved(key, e, v)
	}
	e.metrics.AddScattered(len(values))
	return out, nil
}

// Cancel implements executor.Executor. Tasks still waiting on the client
// are cancelled at once; tasks already sent are cancelled by their worker,
// which interrupts a running task only when force is set.
func (e *Executor) Cancel(_ context.Context, futures []*executor.Future, force bool) error {
	n := 0
	var errs []error
	for _, f := range futures {
		if f == nil || f.Owner() != e {
			continue
		}
		e.mu.Lock()
		sub := e.subs[f.Key()]
		var wc *workerConn
		if sub != nil {
			wc = sub.worker
		}
		e.mu.Unlock()
		if sub == nil {
			continue
		}

		if f.CancelPending() {
			sub.cancel()
			n++
			continue
		}
		if wc == nil {
			continue
		}
		<-sub.sent
		if force {
			n++
		}
		if err := wc.enc.WriteFrame(&ipc.Cancel{Type: ipc.TypeCancel, Key: f.Key(), Force: force}); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", f.Key(), err))
		}
	}
	e.metrics.AddCancelled(n)
	return errors.Join(errs...)
}

// Release implements executor.Executor. The blob behind f is deleted once
// no queued task refers to it.
func (e *Executor) Release(f *executor.Future) {
	if f == nil || f.Owner() != e {
		return
	}
	key := f.Key()
	e.mu.Lock()
	_, pending := e.subs[key]
	if pending || e.refs[key] > 0 {
		e.released[key] = true
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	if f.Status() == executor.StatusFinished {
		e.deleteBlobs([]string{key})
	}
}

func (e *Executor) deleteBlobs(keys []string) {
	for _, k := range keys {
		if err := e.config.Blobs.Delete(context.Background(), k); err != nil {
			e.logger.Warn("blob delete failed", map[string]any{"key": k, "error": err.Error()})
		}
	}
}

// Subscribe implements executor.Executor.
func (e *Executor) Subscribe(ctx context.Context, topic string, handler func(types.RelayEvent)) (func(), error) {
	sub, err := e.bus.Subscribe(ctx, topic, handler)
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Close() }, nil
}

// Close cancels outstanding tasks, closes the workers' input and waits
// for them to exit, killing any that outlive ShutdownTimeout.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	workers := append([]*workerConn(nil), e.workers...)
	subs := make([]*submission, 0, len(e.subs))
	for _, sub := range e.subs {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	for _, sub := range subs {
		if sub.f.CancelPending() {
			sub.cancel()
		}
	}
	for _, wc := range workers {
		_ = wc.conn.Stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(e.config.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		e.logger.Warn("workers did not exit in time, killing", map[string]any{"workers": len(workers)})
		for _, wc := range workers {
			_ = wc.conn.Kill()
		}
		<-done
	}

	var errs []error
	for _, wc := range workers {
		res, err := wc.conn.Wait()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res.ExitCode != 0 {
			wc.logger.Warn("worker exited with error", map[string]any{
				"exit_code": res.ExitCode,
				"stderr":    string(res.Stderr),
			})
		}
	}
	e.cancel()
	if e.ownBus {
		errs = append(errs, e.bus.Close())
	}
	return errors.Join(errs...)
}
