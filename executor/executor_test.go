package executor

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"go.starlark.net/starlark"

	"github.com/justapithecus/afar/types"
)

func TestFuture_Lifecycle(t *testing.T) {
	f := NewFuture("k", nil)
	if f.Status() != StatusPending {
		t.Fatalf("status = %s", f.Status())
	}
	if !f.MarkRunning() {
		t.Fatal("MarkRunning failed on pending future")
	}
	if f.CancelPending() {
		t.Error("running future cancelled without force")
	}
	if !f.Complete(42, nil) {
		t.Fatal("Complete failed")
	}
	if f.Complete(43, nil) {
		t.Error("second Complete succeeded")
	}
	v, err := f.Result(context.Background())
	if err != nil || v != 42 {
		t.Errorf("Result = %v, %v", v, err)
	}
}

func TestFuture_Error(t *testing.T) {
	f := NewFuture("k", nil)
	boom := errors.New("boom")
	f.Complete(nil, boom)
	if f.Status() != StatusError {
		t.Errorf("status = %s", f.Status())
	}
	if _, err := f.Result(context.Background()); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}

func TestFuture_CancelPending(t *testing.T) {
	f := NewFuture("k", nil)
	if !f.CancelPending() {
		t.Fatal("CancelPending failed")
	}
	if f.Status() != StatusCancelled {
		t.Errorf("status = %s", f.Status())
	}
	if _, err := f.Result(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Errorf("err = %v", err)
	}
}

func TestFuture_LazyLoadRunsOnce(t *testing.T) {
	loads := 0
	f := NewFuture("k", nil)
	f.CompleteLazy(func(context.Context) (any, error) {
		loads++
		return "v", nil
	})
	for range 3 {
		if v, err := f.Result(context.Background()); err != nil || v != "v" {
			t.Fatalf("Result = %v, %v", v, err)
		}
	}
	if loads != 1 {
		t.Errorf("loads = %d", loads)
	}
}

func TestFuture_ResultHonorsContext(t *testing.T) {
	f := NewFuture("k", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Result(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}

func TestFuture_DoneCallbacks(t *testing.T) {
	f := NewFuture("k", nil)
	var calls []string
	f.AddDoneCallback(func(*Future) { calls = append(calls, "before") })
	f.Complete(1, nil)
	f.AddDoneCallback(func(*Future) { calls = append(calls, "after") })

	if !reflect.DeepEqual(calls, []string{"before", "after"}) {
		t.Errorf("calls = %v", calls)
	}
}

func TestAsCompleted_Order(t *testing.T) {
	a, b, c := NewFuture("a", nil), NewFuture("b", nil), NewFuture("c", nil)
	go func() {
		b.Complete(2, nil)
		time.Sleep(5 * time.Millisecond)
		c.Complete(3, nil)
		time.Sleep(5 * time.Millisecond)
		a.Complete(1, nil)
	}()

	var got []string
	for f, err := range AsCompleted(context.Background(), []*Future{a, b, c}) {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, f.Key())
	}
	if !reflect.DeepEqual(got, []string{"b", "c", "a"}) {
		t.Errorf("order = %v", got)
	}
}

func TestAsCompleted_ContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var errs int
	for f, err := range AsCompleted(ctx, []*Future{NewFuture("a", nil)}) {
		if f != nil || err == nil {
			t.Fatalf("got %v, %v", f, err)
		}
		errs++
	}
	if errs != 1 {
		t.Errorf("errs = %d", errs)
	}
}

func TestDepsAndResolveArgs(t *testing.T) {
	x := Resolved("x", nil, 1)
	y := Resolved("y", nil, 2)
	z := Resolved("z", nil, 3)
	args := []any{x, map[string]*Future{"b": z, "a": y}, "plain"}

	deps := Deps(args)
	if len(deps) != 3 || deps[0] != x || deps[1] != y || deps[2] != z {
		t.Errorf("deps = %v", deps)
	}

	resolved, err := ResolveArgs(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	want := []any{1, map[string]any{"a": 2, "b": 3}, "plain"}
	if !reflect.DeepEqual(resolved, want) {
		t.Errorf("resolved = %v", resolved)
	}
}

func TestSetDefault_Restores(t *testing.T) {
	if Default() != nil {
		t.Skip("ambient executor already installed")
	}
	restore := SetDefault(&stubExecutor{name: "one"})
	if Default().Name() != "one" {
		t.Errorf("Default = %v", Default())
	}
	restore()
	if Default() != nil {
		t.Error("restore left executor installed")
	}
}

func TestRegistry(t *testing.T) {
	Register("test.echo", func(_ context.Context, _ Env, args []any) (any, error) {
		return args[0], nil
	})
	fn, err := Lookup("test.echo")
	if err != nil {
		t.Fatal(err)
	}
	v, _ := fn(context.Background(), NopEnv{}, []any{"hi"})
	if v != "hi" {
		t.Errorf("v = %v", v)
	}
	if _, err := Lookup("test.missing"); err == nil {
		t.Error("expected unknown task error")
	}
	defer func() {
		if recover() == nil {
			t.Error("duplicate Register did not panic")
		}
	}()
	Register("test.echo", fn)
}

func TestFuture_StarlarkAttrs(t *testing.T) {
	f := Resolved("k", nil, int64(5))
	thread := &starlark.Thread{}

	result, err := f.Attr("result")
	if err != nil {
		t.Fatal(err)
	}
	v, err := starlark.Call(thread, result, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != "5" {
		t.Errorf("result() = %s", v)
	}

	status, _ := f.Attr("status")
	if status.(starlark.String) != "finished" {
		t.Errorf("status = %s", status)
	}
}

func TestFuture_ReleaseOnce(t *testing.T) {
	e := &stubExecutor{name: "stub"}
	f := NewFuture("k", e)
	f.Release()
	f.Release()
	if e.released != 1 {
		t.Errorf("released = %d", e.released)
	}
}

type stubExecutor struct {
	name     string
	released int
}

func (s *stubExecutor) Name() string { return s.name }
func (s *stubExecutor) Submit(context.Context, Task) (*Future, error) {
	return nil, errors.New("not implemented")
}
func (s *stubExecutor) Scatter(context.Context, []any) ([]*Future, error) {
	return nil, errors.New("not implemented")
}
func (s *stubExecutor) Cancel(context.Context, []*Future, bool) error { return nil }
func (s *stubExecutor) Release(*Future)                               { s.released++ }
func (s *stubExecutor) Subscribe(context.Context, string, func(types.RelayEvent)) (func(), error) {
	return func() {}, nil
}
func (s *stubExecutor) Close() error { return nil }
