package remote

import (
	"io"
	"strings"
	"sync"

	"github.com/justapithecus/afar/executor"
	"github.com/justapithecus/afar/types"
)

// Recorder captures one invocation's output and republishes each write
// as a relay event. Each invocation gets its own Recorder, so concurrent
// blocks on one worker never see each other's output.
type Recorder struct {
	env   executor.Env
	topic string
	key   string

	mu     sync.Mutex
	seq    int64
	stdout strings.Builder
	stderr strings.Builder
}

// NewRecorder returns a Recorder publishing on topic. With an empty topic
// or nil env, output is only buffered.
func NewRecorder(env executor.Env, topic, key string) *Recorder {
	return &Recorder{env: env, topic: topic, key: key}
}

// Begin announces the start of a run.
func (r *Recorder) Begin() { r.emit(types.RelayBegin, "") }

// Finish announces the end of a run, successful or not.
func (r *Recorder) Finish() { r.emit(types.RelayFinish, "") }

// Stdout returns the writer for print.
func (r *Recorder) Stdout() io.Writer { return stream{r, types.RelayStdout} }

// Stderr returns the writer for eprint.
func (r *Recorder) Stderr() io.Writer { return stream{r, types.RelayStderr} }

// StdoutText returns everything written to Stdout.
func (r *Recorder) StdoutText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stdout.String()
}

// StderrText returns everything written to Stderr.
func (r *Recorder) StderrText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stderr.String()
}

func (r *Recorder) write(action types.RelayAction, p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if action == types.RelayStdout {
		r.stdout.Write(p)
	} else {
		r.stderr.Write(p)
	}
	r.publish(action, string(p))
}

func (r *Recorder) emit(action types.RelayAction, payload string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publish(action, payload)
}

// publish sends one event. Caller holds r.mu, so sequence order is
// delivery order.
func (r *Recorder) publish(action types.RelayAction, payload string) {
	if r.env == nil || r.topic == "" {
		return
	}
	r.seq++
	r.env.Publish(r.topic, types.RelayEvent{Key: r.key, Action: action, Payload: payload, Seq: r.seq})
}

type stream struct {
	r      *Recorder
	action types.RelayAction
}

func (s stream) Write(p []byte) (int, error) {
	s.r.write(s.action, p)
	return len(p), nil
}
