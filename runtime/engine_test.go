package runtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"go.starlark.net/starlark"

	"github.com/justapithecus/afar/adapter"
	"github.com/justapithecus/afar/display"
	"github.com/justapithecus/afar/executor"
	"github.com/justapithecus/afar/executor/local"
	"github.com/justapithecus/afar/lang"
	"github.com/justapithecus/afar/lode"
	"github.com/justapithecus/afar/metrics"
	"github.com/justapithecus/afar/relay"
	"github.com/justapithecus/afar/remote"
	"github.com/justapithecus/afar/scope"
	"github.com/justapithecus/afar/span"
	"github.com/justapithecus/afar/types"
	"github.com/justapithecus/afar/where"

	lodestore "github.com/justapithecus/lode/lode"
)

// blockFrame builds a frame suspended on the header of src's first line.
// The statement after the body is the first later line at column zero.
func blockFrame(src string, globals starlark.StringDict) *span.Frame {
	lines := lang.SplitLines(src)
	next := len(lines) + 1
	for i := 1; i < len(lines); i++ {
		if !lang.IsBlank(lines[i]) && lines[i][0] != ' ' && lines[i][0] != '\t' {
			next = i + 1
			break
		}
	}
	if globals == nil {
		globals = starlark.StringDict{}
	}
	return &span.Frame{
		Filename: "<cell>",
		Lines:    lines,
		Lineno:   1,
		Locals:   globals,
		Globals:  globals,
		LineStarts: []span.LineStart{
			{Offset: 2, Line: 1},
			{Offset: 2 * next, Line: next},
			{Offset: 1 << 20, Line: len(lines) + 1},
		},
		Lasti: 2,
	}
}

// runBlock enters rc on src and exits it toward d.
func runBlock(t *testing.T, e *Engine, rc *RunContext, d *where.Directive, src string, globals starlark.StringDict) (*Outcome, error) {
	t.Helper()
	if _, err := rc.Enter(blockFrame(src, globals), nil); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	return e.Exit(context.Background(), rc, d, nil)
}

func get(t *testing.T, d *starlark.Dict, name string) starlark.Value {
	t.Helper()
	v, found, err := d.Get(starlark.String(name))
	if err != nil || !found {
		t.Fatalf("data has no %q (err=%v)", name, err)
	}
	return v
}

// resolve returns v, or the result of v when it is a future.
func resolve(t *testing.T, v starlark.Value) string {
	t.Helper()
	f, ok := v.(*executor.Future)
	if !ok {
		return v.String()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := f.Result(ctx)
	if err != nil {
		t.Fatalf("result of %s: %v", f.Key(), err)
	}
	return fmt.Sprint(r)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newLocal(t *testing.T, codec executor.Codec) *local.Executor {
	t.Helper()
	exec := local.New(local.Config{Parallel: 2, Codec: codec})
	t.Cleanup(func() { _ = exec.Close() })
	return exec
}

func TestExit_LocalSingleName(t *testing.T) {
	e := NewEngine(EngineConfig{})
	rc := New(Config{Names: []string{"y"}})
	globals := starlark.StringDict{"x": starlark.MakeInt(1)}

	out, err := runBlock(t, e, rc, where.Locally, "with run(\"y\"), locally:\n    y = x + 1\n    w = 5\nz = 0\n", globals)
	if err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if got := get(t, rc.Data(), "y"); got.String() != "2" {
		t.Errorf("y = %s, want 2", got)
	}
	if _, found, _ := rc.Data().Get(starlark.String("w")); found {
		t.Error("unrequested name w was stored")
	}
	if got := globals["y"]; got == nil || got.String() != "2" {
		t.Errorf("caller y = %v, want 2", got)
	}
	if out.Status != lode.StatusFinished || out.Location != types.LocationLocally {
		t.Errorf("outcome = %s %s", out.Status, out.Location)
	}
	if rc.State() != StateIdle {
		t.Errorf("state = %s, want idle", rc.State())
	}
}

func TestExit_DefaultNameAndPersistentData(t *testing.T) {
	e := NewEngine(EngineConfig{})
	rc := New(Config{})

	if _, err := runBlock(t, e, rc, where.Locally, "with run, locally:\n    a = 1\n    x = a + 1\n", nil); err != nil {
		t.Fatal(err)
	}
	out, err := runBlock(t, e, rc, where.Locally, "with run, locally:\n    y = x * 10\n", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Names) != 1 || out.Names[0] != "y" {
		t.Errorf("names = %v, want [y]", out.Names)
	}
	keys := rc.Data().Keys()
	if len(keys) != 2 {
		t.Fatalf("data keys = %v, want x and y", keys)
	}
	if got := get(t, rc.Data(), "y"); got.String() != "20" {
		t.Errorf("y = %s, want 20", got)
	}
}

func TestExit_SingletonResets(t *testing.T) {
	e := NewEngine(EngineConfig{})
	rc := NewSingleton(false)

	data, err := rc.Enter(blockFrame("with run, locally:\n    x = 1\n", nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Exit(context.Background(), rc, where.Locally, nil); err != nil {
		t.Fatal(err)
	}
	if get(t, data, "x").String() != "1" {
		t.Error("entered mapping did not receive x")
	}
	if rc.Data() != nil {
		t.Error("singleton kept its data after exit")
	}

	data, err = rc.Enter(blockFrame("with run, locally:\n    y = 2\n", nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	if data.Len() != 0 {
		t.Errorf("second entry sees %v", data.Keys())
	}
	if _, err := e.Exit(context.Background(), rc, where.Locally, nil); err != nil {
		t.Fatal(err)
	}
}

func TestExit_TrailingExpressionDisplays(t *testing.T) {
	fe := display.NewRecorder(false)
	e := NewEngine(EngineConfig{Frontend: fe})
	rc := New(Config{})

	out, err := runBlock(t, e, rc, where.Locally, "with run, locally:\n    x = 1\n    print(\"hi\")\n    x + 2\n", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !out.HasReturn || out.ReturnValue.String() != "3" {
		t.Errorf("return = %v (%v)", out.ReturnValue, out.HasReturn)
	}
	if d := fe.Displays(); len(d) != 1 || d[0].Text() != "3" {
		t.Errorf("displays = %v", d)
	}
	if fe.StdoutText() != "hi\n" {
		t.Errorf("stdout = %q", fe.StdoutText())
	}
	if keys := rc.Data().Keys(); len(keys) != 1 || keys[0] != starlark.String("x") {
		t.Errorf("data keys = %v, want [x]", keys)
	}
}

func TestExit_NoDisplayWithoutFrontend(t *testing.T) {
	e := NewEngine(EngineConfig{})
	rc := New(Config{})
	out, err := runBlock(t, e, rc, where.Locally, "with run, locally:\n    y = 2\n    y\n", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.HasReturn {
		t.Error("trailing expression rewritten without a front-end")
	}
}

func TestExit_LaterKeepsBody(t *testing.T) {
	e := NewEngine(EngineConfig{})
	rc := New(Config{})

	out, err := runBlock(t, e, rc, where.Later, "with run, later:\n    1 / 0\nnext = 1\n", nil)
	if err != nil {
		t.Fatalf("later block ran: %v", err)
	}
	if out.Status != lode.StatusDeferred {
		t.Errorf("status = %s, want deferred", out.Status)
	}
	body := strings.Join(rc.ContextBody(), "")
	if body != "    1 / 0\n" {
		t.Errorf("context body = %q", body)
	}
	if rc.State() != StateIdle {
		t.Errorf("state = %s", rc.State())
	}

	v, err := rc.Attr("context_body")
	if err != nil || v.String() != `"    1 / 0\n"` {
		t.Errorf("context_body attr = %v, %v", v, err)
	}
}

func TestExit_MissingLocation(t *testing.T) {
	e := NewEngine(EngineConfig{})
	rc := New(Config{})
	if _, err := rc.Enter(blockFrame("with run, x:\n    pass\n", nil), nil); err != nil {
		t.Fatal(err)
	}
	_, err := e.Exit(context.Background(), rc, nil, nil)
	var usage *span.UsageError
	if !errors.As(err, &usage) || !strings.Contains(usage.Msg, "`run` is missing a location") {
		t.Fatalf("err = %v, want missing location", err)
	}
	if rc.State() != StateIdle {
		t.Errorf("state = %s after failure", rc.State())
	}
}

func TestExit_SingleContextFailsOnEnter(t *testing.T) {
	rc := New(Config{})
	_, err := rc.Enter(blockFrame("with run:\n    pass\n", nil), nil)
	var usage *span.UsageError
	if !errors.As(err, &usage) {
		t.Fatalf("err = %v, want usage error", err)
	}
	if rc.State() != StateIdle {
		t.Errorf("state = %s", rc.State())
	}
}

// undefinedErr is the error evaluating name with no environment raises.
func undefinedErr(name string) error {
	_, err := starlark.EvalOptions(lang.FileOptions(), &starlark.Thread{}, "<cell>", name, nil)
	return err
}

func TestExit_BareLocationNames(t *testing.T) {
	exec := newLocal(t, nil)
	restore := executor.SetDefault(exec)
	defer restore()

	e := NewEngine(EngineConfig{})

	rc := New(Config{Names: []string{"y"}})
	if _, err := rc.Enter(blockFrame("with run, remotely:\n    y = 7\n", nil), nil); err != nil {
		t.Fatal(err)
	}
	out, err := e.Exit(context.Background(), rc, nil, undefinedErr("remotely"))
	if err != nil {
		t.Fatalf("bare remotely: %v", err)
	}
	if out.Location != types.LocationRemotely || out.Executor != exec.Name() {
		t.Errorf("outcome = %s on %q", out.Location, out.Executor)
	}
	if got := resolve(t, get(t, rc.Data(), "y")); got != "7" {
		t.Errorf("y = %s", got)
	}

	unknown := undefinedErr("nowhere")
	if _, err := rc.Enter(blockFrame("with run, nowhere:\n    y = 7\n", nil), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Exit(context.Background(), rc, nil, unknown); err == nil || err.Error() != unknown.Error() {
		t.Errorf("err = %v, want the evaluation error unchanged", err)
	}
}

func TestExit_Errors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		check func(error) bool
	}{
		{
			name:  "unbound name",
			src:   "with run, locally:\n    y = q + 1\n",
			check: func(err error) bool { var ne *scope.NameError; return errors.As(err, &ne) && ne.Names[0] == "q" },
		},
		{
			name:  "runtime failure",
			src:   "with run, locally:\n    y = 1 // 0\n",
			check: func(err error) bool { return strings.Contains(err.Error(), "division by zero") },
		},
		{
			name:  "requested name unassigned",
			src:   "with run, locally:\n    if False:\n        y = 1\n",
			check: func(err error) bool { return strings.Contains(err.Error(), `did not assign "y"`) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector := metrics.NewCollector("local", "memory", "s")
			e := NewEngine(EngineConfig{Metrics: collector})
			rc := New(Config{Names: []string{"y"}})
			_, err := runBlock(t, e, rc, where.Locally, tt.src, nil)
			if err == nil || !tt.check(err) {
				t.Fatalf("err = %v", err)
			}
			if collector.Snapshot().BlocksFailed != 1 {
				t.Error("failure not counted")
			}
			if rc.State() != StateIdle {
				t.Errorf("state = %s", rc.State())
			}
		})
	}
}

func TestEnter_Busy(t *testing.T) {
	rc := New(Config{})
	frame := blockFrame("with run, locally:\n    x = 1\n", nil)
	if _, err := rc.Enter(frame, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := rc.Enter(frame, nil); !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
}

func TestRemote_RunScattersData(t *testing.T) {
	exec := newLocal(t, nil)
	collector := metrics.NewCollector("local", "memory", "s")
	e := NewEngine(EngineConfig{Metrics: collector})

	data := starlark.NewDict(1)
	_ = data.SetKey(starlark.String("x"), starlark.MakeInt(1))
	rc := New(Config{Names: []string{"y"}, Executor: exec, Data: data})

	out, err := runBlock(t, e, rc, where.Remotely, "with run(\"y\"), remotely:\n    y = x + 1\n", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != lode.StatusSubmitted || len(out.Futures) != 1 {
		t.Errorf("outcome = %s with %d futures", out.Status, len(out.Futures))
	}
	if _, ok := get(t, data, "x").(*executor.Future); !ok {
		t.Error("x was not replaced by its scattered future")
	}
	if got := resolve(t, get(t, data, "y")); got != "2" {
		t.Errorf("y = %s, want 2", got)
	}
	if snap := collector.Snapshot(); snap.BlocksByLocation["remotely"] != 1 {
		t.Errorf("blocks = %v", snap.BlocksByLocation)
	}
}

func TestRemote_FuturesChainBetweenBlocks(t *testing.T) {
	exec := newLocal(t, nil)
	e := NewEngine(EngineConfig{})
	rc := New(Config{Executor: exec})

	if _, err := runBlock(t, e, rc, where.Remotely, "with run, remotely:\n    y = 2\n", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := runBlock(t, e, rc, where.Remotely, "with run, remotely:\n    z = y * 3\n", nil); err != nil {
		t.Fatal(err)
	}
	if got := resolve(t, get(t, rc.Data(), "z")); got != "6" {
		t.Errorf("z = %s, want 6", got)
	}
}

func TestRemote_GetGathersValues(t *testing.T) {
	exec := newLocal(t, remote.Codec{})
	e := NewEngine(EngineConfig{})
	rc := New(Config{Names: []string{"a", "b"}, Executor: exec, Gather: true})
	globals := starlark.StringDict{"base": starlark.MakeInt(10)}

	out, err := runBlock(t, e, rc, where.Remotely, "with get(\"a\", \"b\"), remotely:\n    a = base + 1\n    b = [a, \"s\"]\n", globals)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != lode.StatusFinished {
		t.Errorf("status = %s", out.Status)
	}
	a := get(t, rc.Data(), "a")
	if _, ok := a.(*executor.Future); ok || a.String() != "11" {
		t.Errorf("a = %v, want the value 11", a)
	}
	if got := get(t, rc.Data(), "b").String(); got != `[11, "s"]` {
		t.Errorf("b = %s", got)
	}
	if globals["a"] == nil {
		t.Error("gathered value not written back to the caller")
	}
}

func TestRemote_KeepsContainerTypes(t *testing.T) {
	pair := starlark.Tuple{starlark.MakeInt(1), starlark.String("x")}

	tests := []struct {
		name string
		loc  *where.Directive
	}{
		{"locally", where.Locally},
		{"remotely", where.Remotely},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newLocal(t, remote.Codec{})
			e := NewEngine(EngineConfig{})
			rc := New(Config{Names: []string{"k", "kind", "s"}, Executor: exec, Gather: true})
			src := fmt.Sprintf("with get(\"k\", \"kind\", \"s\"), %s:\n    k = pair\n    kind = type(k)\n    s = set([pair])\n", tt.name)

			if _, err := runBlock(t, e, rc, tt.loc, src, starlark.StringDict{"pair": pair}); err != nil {
				t.Fatal(err)
			}
			if got := get(t, rc.Data(), "kind").String(); got != `"tuple"` {
				t.Errorf("kind = %s, want \"tuple\"", got)
			}
			if got := get(t, rc.Data(), "k").Type(); got != "tuple" {
				t.Errorf("k is a %s, want tuple", got)
			}
			if got := get(t, rc.Data(), "s").Type(); got != "set" {
				t.Errorf("s is a %s, want set", got)
			}
		})
	}
}

func TestRemote_DirectiveExecutorAndFailure(t *testing.T) {
	exec := newLocal(t, remote.Codec{})
	e := NewEngine(EngineConfig{})
	rc := New(Config{Names: []string{"y"}, Gather: true})

	_, err := runBlock(t, e, rc, where.Remotely.With(exec, nil), "with get, remotely(ex):\n    y = 1 // 0\n", nil)
	if err == nil || !strings.Contains(err.Error(), "division by zero") {
		t.Fatalf("err = %v, want the block's failure", err)
	}
}

func TestRemote_NoExecutor(t *testing.T) {
	restore := executor.SetDefault(nil)
	defer restore()

	e := NewEngine(EngineConfig{})
	rc := New(Config{})
	if _, err := runBlock(t, e, rc, where.Remotely, "with run, remotely:\n    y = 1\n", nil); !errors.Is(err, ErrNoExecutor) {
		t.Errorf("err = %v, want ErrNoExecutor", err)
	}
}

func TestRemote_BlockingRelay(t *testing.T) {
	exec := newLocal(t, remote.Codec{})
	fe := display.NewRecorder(false)
	e := NewEngine(EngineConfig{Frontend: fe})
	rc := New(Config{Executor: exec})

	if _, err := runBlock(t, e, rc, where.Remotely, "with run, remotely:\n    print(\"out\")\n    eprint(\"err\")\n    y = 1\n    y + 1\n", nil); err != nil {
		t.Fatal(err)
	}
	if fe.StdoutText() != "out\n" || fe.StderrText() != "err\n" {
		t.Errorf("streams = %q / %q", fe.StdoutText(), fe.StderrText())
	}
	if d := fe.Displays(); len(d) != 1 || d[0].Text() != "2" {
		t.Errorf("displays = %v", d)
	}
}

func TestRemote_EventRelay(t *testing.T) {
	exec := newLocal(t, remote.Codec{})
	fe := display.NewRecorder(true)
	e := NewEngine(EngineConfig{Frontend: fe, SessionID: "s1"})
	defer e.Close()
	rc := New(Config{Executor: exec, Gather: true})

	out, err := runBlock(t, e, rc, where.Remotely, "with get, remotely:\n    print(\"out\")\n    y = 1\n    y + 1\n", nil)
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return e.Relay().Pending() == 0 })

	o := fe.Output(out.Key)
	if o == nil {
		t.Fatalf("no output for %s (have %v)", out.Key, fe.Keys())
	}
	snap := o.Snapshot()
	if snap.Stdout != "out\n" {
		t.Errorf("stdout = %q", snap.Stdout)
	}
	if len(snap.Displays) != 1 || snap.Displays[0].Text() != "2" {
		t.Errorf("displays = %v", snap.Displays)
	}
	if snap.Stdout == relay.Running {
		t.Error("placeholder never replaced")
	}
}

// stallExecutor accepts tasks that never finish.
type stallExecutor struct {
	mu        sync.Mutex
	cancelled []*executor.Future
	// slowScatter leaves scattered values pending, like a store upload.
	slowScatter bool
}

func (s *stallExecutor) Name() string { return "stall" }

func (s *stallExecutor) Submit(context.Context, executor.Task) (*executor.Future, error) {
	return executor.NewFuture(executor.NewKey("stall"), s), nil
}

func (s *stallExecutor) Scatter(_ context.Context, values []any) ([]*executor.Future, error) {
	out := make([]*executor.Future, len(values))
	for i, v := range values {
		if s.slowScatter {
			out[i] = executor.NewFuture(executor.NewKey("scatter"), s)
			continue
		}
		out[i] = executor.Resolved(executor.NewKey("scatter"), s, v)
	}
	return out, nil
}

func (s *stallExecutor) Cancel(_ context.Context, futures []*executor.Future, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range futures {
		if f.CancelPending() {
			s.cancelled = append(s.cancelled, f)
		}
	}
	return nil
}

func (s *stallExecutor) Release(*executor.Future) {}

func (s *stallExecutor) Subscribe(context.Context, string, func(types.RelayEvent)) (func(), error) {
	return func() {}, nil
}

func (s *stallExecutor) Close() error { return nil }

func TestRemote_InterruptCancelsPending(t *testing.T) {
	stall := &stallExecutor{}
	e := NewEngine(EngineConfig{})
	rc := New(Config{Names: []string{"y"}, Executor: stall, Gather: true})
	if _, err := rc.Enter(blockFrame("with get, remotely:\n    y = 1\n", nil), nil); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.Exit(ctx, rc, where.Remotely, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	stall.mu.Lock()
	n := len(stall.cancelled)
	stall.mu.Unlock()
	// afar.run and one afar.get
	if n != 2 {
		t.Errorf("cancelled %d futures, want 2", n)
	}
	if rc.Pending() != 0 {
		t.Errorf("pending = %d after interrupt", rc.Pending())
	}
	if rc.State() != StateIdle {
		t.Errorf("state = %s", rc.State())
	}
}

func TestRemote_InterruptCancelsScatteredHandles(t *testing.T) {
	stall := &stallExecutor{slowScatter: true}
	e := NewEngine(EngineConfig{})
	rc := New(Config{Names: []string{"y"}, Executor: stall, Gather: true})
	data, err := rc.Enter(blockFrame("with get, remotely:\n    y = x + 1\n", nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = data.SetKey(starlark.String("x"), starlark.MakeInt(1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := e.Exit(ctx, rc, where.Remotely, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	stall.mu.Lock()
	keys := make([]string, 0, len(stall.cancelled))
	for _, f := range stall.cancelled {
		keys = append(keys, strings.SplitN(f.Key(), "-", 2)[0])
	}
	stall.mu.Unlock()
	sort.Strings(keys)
	// afar.run, one afar.get, the block and its input x
	want := []string{"scatter", "scatter", "stall", "stall"}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("cancelled %v, want %v", keys, want)
	}
	if rc.Pending() != 0 {
		t.Errorf("pending = %d after interrupt", rc.Pending())
	}
}

func TestExit_NotEnteredLeavesContext(t *testing.T) {
	e := NewEngine(EngineConfig{})

	rc := NewSingleton(false)
	data, err := rc.Enter(blockFrame("with run, locally:\n    y = 1\n", nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	// A block of rc is being dispatched.
	rc.setState(StateDispatching)

	if _, err := e.Exit(context.Background(), rc, where.Locally, nil); err == nil {
		t.Fatal("Exit on a dispatching context succeeded")
	}
	if rc.State() != StateDispatching {
		t.Errorf("state = %s, want dispatching", rc.State())
	}
	if rc.Data() != data {
		t.Error("singleton data dropped by a stray Exit")
	}

	idle := New(Config{})
	if _, err := e.Exit(context.Background(), idle, where.Locally, nil); err == nil {
		t.Fatal("Exit without Enter succeeded")
	}
	if idle.State() != StateIdle {
		t.Errorf("state = %s, want idle", idle.State())
	}
}

func TestCancel_PerExecutor(t *testing.T) {
	a, b := &stallExecutor{}, &stallExecutor{}
	rc := New(Config{})
	for _, exec := range []executor.Executor{a, b, a} {
		f, _ := exec.Submit(context.Background(), executor.Task{})
		rc.track(f)
	}
	done := executor.Resolved("done", a, 1)
	rc.track(done)
	if rc.Pending() != 3 {
		t.Fatalf("pending = %d, want 3", rc.Pending())
	}

	if err := rc.Cancel(context.Background(), a, false); err != nil {
		t.Fatal(err)
	}
	if len(a.cancelled) != 2 || len(b.cancelled) != 0 {
		t.Errorf("cancelled a=%d b=%d", len(a.cancelled), len(b.cancelled))
	}
	if err := rc.Cancel(context.Background(), nil, false); err != nil {
		t.Fatal(err)
	}
	if len(b.cancelled) != 1 || rc.Pending() != 0 {
		t.Errorf("cancelled b=%d pending=%d", len(b.cancelled), rc.Pending())
	}
	// Draining twice is a no-op.
	if err := rc.Cancel(context.Background(), nil, false); err != nil || len(a.cancelled) != 2 {
		t.Errorf("second cancel: %v, a=%d", err, len(a.cancelled))
	}
}

func TestJournal_RecordsBlocks(t *testing.T) {
	store := lodestore.NewMemory()
	journal, err := lode.NewJournal(lode.JournalConfig{}, lode.SharedFactory(store), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(EngineConfig{SessionID: "s1", Journal: journal})
	rc := New(Config{Names: []string{"y"}})

	if _, err := runBlock(t, e, rc, where.Locally, "with run, locally:\n    y = 1\n", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := runBlock(t, e, rc, where.Locally, "with run, locally:\n    y = nope\n", nil); err == nil {
		t.Fatal("expected failure")
	}

	recs, err := lode.History(context.Background(), journal.Dataset(), lode.HistoryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	statuses := map[string]bool{}
	for _, r := range recs {
		statuses[r.Status] = true
		if r.SessionID != "s1" || r.Location != "locally" {
			t.Errorf("record = %+v", r)
		}
	}
	if !statuses[lode.StatusFinished] || !statuses[lode.StatusFailed] {
		t.Errorf("statuses = %v", statuses)
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []*adapter.BlockEvent
}

func (n *recordingNotifier) Notify(_ context.Context, ev *adapter.BlockEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

func TestNotifier_ToldAboutBlocks(t *testing.T) {
	n := &recordingNotifier{}
	e := NewEngine(EngineConfig{SessionID: "s2", Notifier: n})
	rc := New(Config{Names: []string{"y"}})

	if _, err := runBlock(t, e, rc, where.Locally, "with run, locally:\n    y = 1\n", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := runBlock(t, e, rc, where.Later, "with run, later:\n    y = 2\n", nil); err != nil {
		t.Fatal(err)
	}

	if len(n.events) != 2 {
		t.Fatalf("events = %d, want 2", len(n.events))
	}
	first, second := n.events[0], n.events[1]
	if first.EventType != adapter.EventBlockDispatched || first.SessionID != "s2" || first.Status != lode.StatusFinished {
		t.Errorf("first = %+v", first)
	}
	if second.Location != "later" || second.Status != lode.StatusDeferred {
		t.Errorf("second = %+v", second)
	}
}

func TestRunContext_Starlark(t *testing.T) {
	env := starlark.StringDict{"run": NewSingleton(false), "get": NewSingleton(true)}
	thread := &starlark.Thread{}

	tests := []struct {
		expr string
		want string
	}{
		{`run("a", "b").names`, `("a", "b")`},
		{`get("a")`, `get("a")`},
		{`type(run)`, `"run_context"`},
		{`run().context_body`, `None`},
		{`run(data={"k": 1}).data`, `{"k": 1}`},
	}
	for _, tt := range tests {
		v, err := starlark.EvalOptions(lang.FileOptions(), thread, "<test>", tt.expr, env)
		if err != nil {
			t.Errorf("%s: %v", tt.expr, err)
			continue
		}
		if got := v.String(); got != tt.want {
			t.Errorf("%s = %s, want %s", tt.expr, got, tt.want)
		}
	}

	if _, err := starlark.EvalOptions(lang.FileOptions(), thread, "<test>", `run(1)`, env); err == nil {
		t.Error("non-string name accepted")
	}
	v, err := starlark.EvalOptions(lang.FileOptions(), thread, "<test>", `get("x")`, env)
	if err != nil {
		t.Fatal(err)
	}
	if rc := v.(*RunContext); !rc.Gather() || rc.Singleton() {
		t.Errorf("get() = gather %v singleton %v", rc.Gather(), rc.Singleton())
	}
}
