package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/justapithecus/afar/display"
	"github.com/justapithecus/afar/executor"
	"github.com/justapithecus/afar/metrics"
	"github.com/justapithecus/afar/types"
)

func ev(key string, action types.RelayAction, payload string) types.RelayEvent {
	return types.RelayEvent{Key: key, Action: action, Payload: payload}
}

func TestBlocking_WritesInOrder(t *testing.T) {
	fe := display.NewRecorder(false)
	r := New(fe, nil, nil)

	stdout := executor.Resolved("o", nil, "out\n")
	stderr := executor.Resolved("e", nil, "err\n")
	repr := executor.Resolved("r", nil, &display.Repr{Value: "3", Method: display.MethodRepr})

	if err := r.Blocking(context.Background(), stdout, stderr, repr); err != nil {
		t.Fatal(err)
	}
	if fe.StdoutText() != "out\n" || fe.StderrText() != "err\n" {
		t.Errorf("streams = %q / %q", fe.StdoutText(), fe.StderrText())
	}
	if d := fe.Displays(); len(d) != 1 || d[0].Text() != "3" {
		t.Errorf("displays = %v", d)
	}
	if !stdout.Released() || !repr.Released() {
		t.Error("futures not released")
	}
}

func TestBlocking_PropagatesRemoteError(t *testing.T) {
	r := New(display.NewRecorder(false), nil, nil)
	failed := executor.NewFuture("o", nil)
	failed.Complete(nil, fmt.Errorf("boom"))
	if err := r.Blocking(context.Background(), failed, nil, nil); err == nil {
		t.Error("expected error")
	}
}

func TestEventMode_Lifecycle(t *testing.T) {
	fe := display.NewRecorder(true)
	col := metrics.NewCollector("local", "memory", "")
	r := New(fe, nil, col)

	r.Track("k", false)
	out := fe.Output("k")
	if out.Snapshot().Stdout != Running {
		t.Fatalf("placeholder = %q", out.Snapshot().Stdout)
	}

	r.HandleEvent(ev("k", types.RelayBegin, ""))
	r.HandleEvent(ev("k", types.RelayStdout, "a"))
	r.HandleEvent(ev("k", types.RelayStderr, "b"))
	r.HandleEvent(ev("k", types.RelayStdout, "c"))

	snap := out.Snapshot()
	if snap.Stdout != "ac" || snap.Stderr != "b" {
		t.Errorf("output = %+v", snap)
	}

	r.HandleEvent(ev("k", types.RelayFinish, ""))
	if r.Tracked("k") {
		t.Error("entry not retired on finish")
	}

	r.HandleEvent(ev("k", types.RelayStdout, "late"))
	if out.Snapshot().Stdout != "ac" {
		t.Error("event after finish was applied")
	}
	s := col.Snapshot()
	if s.RelayDelivered != 5 || s.RelayDropped != 1 {
		t.Errorf("metrics = %d/%d", s.RelayDelivered, s.RelayDropped)
	}
}

func TestEventMode_Restart(t *testing.T) {
	fe := display.NewRecorder(true)
	r := New(fe, nil, nil)
	r.Track("k", false)

	r.HandleEvent(ev("k", types.RelayBegin, ""))
	r.HandleEvent(ev("k", types.RelayStdout, "first"))
	r.HandleEvent(ev("k", types.RelayBegin, ""))

	if got := fe.Output("k").Snapshot().Stdout; got != Restarted {
		t.Errorf("after restart = %q", got)
	}
	r.HandleEvent(ev("k", types.RelayStdout, "second"))
	if got := fe.Output("k").Snapshot().Stdout; got != "second" {
		t.Errorf("after rerun = %q", got)
	}
}

func TestEventMode_FinishWaitsForDisplay(t *testing.T) {
	fe := display.NewRecorder(true)
	r := New(fe, nil, nil)
	r.Track("k", true)

	r.HandleEvent(ev("k", types.RelayFinish, ""))
	if !r.Tracked("k") {
		t.Fatal("entry retired before display arrived")
	}
	r.DeliverDisplay("k", &display.Repr{Value: "v", Method: display.MethodText})
	if r.Tracked("k") {
		t.Error("entry not retired after display")
	}
	if d := fe.Output("k").Snapshot().Displays; len(d) != 1 {
		t.Errorf("displays = %v", d)
	}
}

func TestEventMode_NoAsyncWritesStreams(t *testing.T) {
	fe := display.NewRecorder(false)
	r := New(fe, nil, nil)
	r.Track("k", false)

	r.HandleEvent(ev("k", types.RelayStdout, "x\n"))
	r.HandleEvent(ev("k", types.RelayStderr, "y\n"))

	if fe.StdoutText() != "x\n" || fe.StderrText() != "y\n" {
		t.Errorf("streams = %q / %q", fe.StdoutText(), fe.StderrText())
	}
	if len(fe.Keys()) != 0 {
		t.Error("output created without async support")
	}
}

func TestEventMode_ConcurrentKeysDoNotMix(t *testing.T) {
	fe := display.NewRecorder(true)
	r := New(fe, nil, nil)
	const keys = 8
	const chunks = 200

	for i := range keys {
		r.Track(fmt.Sprintf("k%d", i), true)
	}

	var wg sync.WaitGroup
	for i := range keys {
		key := fmt.Sprintf("k%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range chunks {
				r.HandleEvent(ev(key, types.RelayStdout, "."))
			}
			r.HandleEvent(ev(key, types.RelayFinish, ""))
		}()
		go func() {
			defer wg.Done()
			r.DeliverDisplay(key, nil)
		}()
	}
	wg.Wait()

	for i := range keys {
		got := fe.Output(fmt.Sprintf("k%d", i)).Snapshot().Stdout
		if len(got) != chunks {
			t.Errorf("k%d: %d chunks, want %d", i, len(got), chunks)
		}
	}
	if r.Pending() != 0 {
		t.Errorf("pending = %d", r.Pending())
	}
}
