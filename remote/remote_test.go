package remote

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"go.starlark.net/starlark"

	"github.com/justapithecus/afar/display"
	"github.com/justapithecus/afar/lang"
	"github.com/justapithecus/afar/scope"
	"github.com/justapithecus/afar/types"
)

type recordingEnv struct {
	mu     sync.Mutex
	topics []string
	events []types.RelayEvent
}

func (e *recordingEnv) Publish(topic string, ev types.RelayEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.topics = append(e.topics, topic)
	e.events = append(e.events, ev)
}

func (e *recordingEnv) WorkerID() string { return "w-test" }

func (e *recordingEnv) actions() []types.RelayAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.RelayAction, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Action
	}
	return out
}

func compile(t *testing.T, src string, data starlark.StringDict, display bool) *scope.Callable {
	t.Helper()
	c, err := scope.Compile(lang.SplitLines(src), data, scope.Options{Display: display})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRun_ExactNames(t *testing.T) {
	c := compile(t, "x = 1\ny = x + 1\n", nil, false)
	out, err := Run(context.Background(), &recordingEnv{}, RunArgs(c, []string{"y"}, nil, false, "", "k"))
	if err != nil {
		t.Fatal(err)
	}
	m := out.(map[string]any)
	if len(m) != 1 || m["y"].(starlark.Value).String() != "2" {
		t.Errorf("result = %v", m)
	}
}

func TestRun_BindsDeps(t *testing.T) {
	c := compile(t, "y = x * 2\n", nil, false)
	args := []any{c, []any{"y"}, map[string]any{"x": int64(21)}, false, "", "k"}
	out, err := Run(context.Background(), nil, args)
	if err != nil {
		t.Fatal(err)
	}
	if got := out.(map[string]any)["y"].(starlark.Value).String(); got != "42" {
		t.Errorf("y = %s", got)
	}
}

func TestRun_CaptureEmitsEvents(t *testing.T) {
	env := &recordingEnv{}
	c := compile(t, "print('a')\neprint('b')\nx = 1\nx\n", nil, true)

	out, err := Run(context.Background(), env, RunArgs(c, []string{"x"}, nil, true, "topic", "k"))
	if err != nil {
		t.Fatal(err)
	}
	m := out.(map[string]any)
	if m[types.StdoutKey] != "a\n" || m[types.StderrKey] != "b\n" {
		t.Errorf("captured = %q / %q", m[types.StdoutKey], m[types.StderrKey])
	}
	if _, ok := m[types.ReturnValueKey]; !ok {
		t.Error("return value missing")
	}

	want := []types.RelayAction{types.RelayBegin, types.RelayStdout, types.RelayStderr, types.RelayFinish}
	if got := env.actions(); !reflect.DeepEqual(got, want) {
		t.Errorf("actions = %v", got)
	}
	for i, ev := range env.events {
		if ev.Key != "k" || ev.Seq != int64(i+1) || env.topics[i] != "topic" {
			t.Errorf("event %d = %+v on %s", i, ev, env.topics[i])
		}
	}
}

func TestRun_FinishOnError(t *testing.T) {
	env := &recordingEnv{}
	c := compile(t, "x = 1 // 0\n", nil, false)

	_, err := Run(context.Background(), env, RunArgs(c, []string{"x"}, nil, true, "topic", "k"))
	var ee *starlark.EvalError
	if !errors.As(err, &ee) {
		t.Fatalf("expected the block's own error, got %v", err)
	}
	got := env.actions()
	if len(got) == 0 || got[len(got)-1] != types.RelayFinish {
		t.Errorf("actions = %v", got)
	}
}

func TestRun_UnassignedName(t *testing.T) {
	c := compile(t, "x = 1\n", nil, false)
	_, err := Run(context.Background(), nil, RunArgs(c, []string{"nope"}, nil, false, "", "k"))
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Errorf("err = %v", err)
	}
}

func TestRun_ConcurrentCapturesStaySeparate(t *testing.T) {
	c := compile(t, "for i in range(50):\n    print(tag)\nx = tag\n", nil, false)
	var wg sync.WaitGroup
	results := make([]map[string]any, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tag := string(rune('a' + i))
			bound := c.Bind(starlark.StringDict{"tag": starlark.String(tag)})
			out, err := Run(context.Background(), nil, RunArgs(bound, []string{"x"}, nil, true, "", tag))
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = out.(map[string]any)
		}()
	}
	wg.Wait()
	for i, m := range results {
		tag := string(rune('a' + i))
		if m[types.StdoutKey] != strings.Repeat(tag+"\n", 50) {
			t.Errorf("%s: stdout mixed: %q", tag, m[types.StdoutKey])
		}
	}
}

func TestGet(t *testing.T) {
	m := map[string]any{"a": 1}
	if v, err := Get(context.Background(), nil, []any{m, "a"}); err != nil || v != 1 {
		t.Errorf("Get = %v, %v", v, err)
	}
	if _, err := Get(context.Background(), nil, []any{m, "b"}); err == nil {
		t.Error("expected missing key error")
	}
}

func TestRepr_ErrorBecomesPayload(t *testing.T) {
	c := compile(t, "def f():\n    return 1 // 0\ns = struct(_repr_text_ = f)\n", nil, false)
	c = c.Bind(starlark.StringDict{"struct": structBuiltin})
	res, err := c.Call(context.Background(), scope.CallOptions{})
	if err != nil {
		t.Fatal(err)
	}
	out, err := Repr(context.Background(), nil, []any{res.Values["s"], []any{display.MethodText}})
	if err != nil {
		t.Fatalf("repr task failed: %v", err)
	}
	r := out.(*display.Repr)
	if !r.IsError || !strings.Contains(r.Text(), "division by zero") {
		t.Errorf("repr = %+v", r)
	}
}

func TestRepr_NoneHasNoRepr(t *testing.T) {
	out, err := Repr(context.Background(), nil, []any{nil, []string{display.MethodText}})
	if err != nil || out != nil {
		t.Errorf("Repr(None) = %v, %v", out, err)
	}
}
