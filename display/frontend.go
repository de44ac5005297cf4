package display

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Output is an appendable sink for one dispatched block.
type Output interface {
	AppendStdout(s string)
	AppendStderr(s string)
	AppendDisplay(r *Repr)
	Clear()
}

// Frontend is where a client shows block output.
type Frontend interface {
	// ReprMethods lists the repr methods the front-end probes, in order.
	ReprMethods() []string
	// Display renders a representation.
	Display(r *Repr)
	// SupportsAsync reports whether output may arrive after the block
	// returns, through outputs created by NewOutput.
	SupportsAsync() bool
	NewOutput(key string) Output
	Stdout() io.Writer
	Stderr() io.Writer
}

// Terminal writes everything to two streams.
type Terminal struct {
	Out, Err io.Writer
	// Async enables per-key outputs, written with a key prefix.
	Async bool

	mu sync.Mutex
}

// NewTerminal returns a blocking terminal front-end.
func NewTerminal(out, err io.Writer) *Terminal {
	return &Terminal{Out: out, Err: err}
}

// ReprMethods implements Frontend.
func (t *Terminal) ReprMethods() []string {
	return append([]string(nil), DefaultReprMethods...)
}

// Display implements Frontend.
func (t *Terminal) Display(r *Repr) {
	if r == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.IsError {
		writeLine(t.Err, r.Text())
		return
	}
	writeLine(t.Out, r.Text())
}

// SupportsAsync implements Frontend.
func (t *Terminal) SupportsAsync() bool { return t.Async }

// Stdout implements Frontend.
func (t *Terminal) Stdout() io.Writer { return t.Out }

// Stderr implements Frontend.
func (t *Terminal) Stderr() io.Writer { return t.Err }

// NewOutput implements Frontend.
func (t *Terminal) NewOutput(key string) Output {
	return &terminalOutput{t: t, prefix: "[" + shortKey(key) + "] "}
}

type terminalOutput struct {
	t      *Terminal
	prefix string
}

func (o *terminalOutput) AppendStdout(s string) { o.write(o.t.Out, s) }
func (o *terminalOutput) AppendStderr(s string) { o.write(o.t.Err, s) }
func (o *terminalOutput) Clear()                {}

func (o *terminalOutput) AppendDisplay(r *Repr) {
	if r == nil {
		return
	}
	w := o.t.Out
	if r.IsError {
		w = o.t.Err
	}
	o.write(w, r.Text()+"\n")
}

func (o *terminalOutput) write(w io.Writer, s string) {
	o.t.mu.Lock()
	defer o.t.mu.Unlock()
	for _, line := range strings.SplitAfter(s, "\n") {
		if line != "" {
			_, _ = io.WriteString(w, o.prefix+line)
		}
	}
}

func writeLine(w io.Writer, s string) {
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	_, _ = io.WriteString(w, s)
}

// shortKey keeps the tail of key: keys share a prefix and end in random hex.
func shortKey(key string) string {
	if len(key) > 8 {
		return key[len(key)-8:]
	}
	return key
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Recorder is an in-memory front-end. It records every call and is safe
// for concurrent use.
type Recorder struct {
	Methods []string
	Async   bool

	mu       sync.Mutex
	stdout   strings.Builder
	stderr   strings.Builder
	displays []*Repr
	outputs  map[string]*RecordedOutput
	order    []string
}

// NewRecorder returns an empty Recorder.
func NewRecorder(async bool) *Recorder {
	return &Recorder{Async: async, outputs: make(map[string]*RecordedOutput)}
}

// ReprMethods implements Frontend.
func (r *Recorder) ReprMethods() []string {
	if r.Methods != nil {
		return r.Methods
	}
	return DefaultReprMethods
}

// Display implements Frontend.
func (r *Recorder) Display(rep *Repr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.displays = append(r.displays, rep)
}

// SupportsAsync implements Frontend.
func (r *Recorder) SupportsAsync() bool { return r.Async }

// Stdout implements Frontend.
func (r *Recorder) Stdout() io.Writer { return lockedWriter{r, &r.stdout} }

// Stderr implements Frontend.
func (r *Recorder) Stderr() io.Writer { return lockedWriter{r, &r.stderr} }

// NewOutput implements Frontend.
func (r *Recorder) NewOutput(key string) Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := &RecordedOutput{mu: &r.mu}
	r.outputs[key] = o
	r.order = append(r.order, key)
	return o
}

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

// Displays returns the representations passed to Display.
func (r *Recorder) Displays() []*Repr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Repr(nil), r.displays...)
}

// Output returns the output created for key, or nil.
func (r *Recorder) Output(key string) *RecordedOutput {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outputs[key]
}

// Keys returns output keys in creation order.
func (r *Recorder) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type lockedWriter struct {
	r *Recorder
	b *strings.Builder
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.r.mu.Lock()
	defer w.r.mu.Unlock()
	return w.b.Write(p)
}

// RecordedOutput is the Output of a Recorder.
type RecordedOutput struct {
	mu       *sync.Mutex
	Stdout   string
	Stderr   string
	Displays []*Repr
	Clears   int
}

func (o *RecordedOutput) AppendStdout(s string) { o.mu.Lock(); o.Stdout += s; o.mu.Unlock() }
func (o *RecordedOutput) AppendStderr(s string) { o.mu.Lock(); o.Stderr += s; o.mu.Unlock() }

func (o *RecordedOutput) AppendDisplay(r *Repr) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Displays = append(o.Displays, r)
}

func (o *RecordedOutput) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Stdout, o.Stderr, o.Displays = "", "", nil
	o.Clears++
}

// Snapshot returns a copy of the recorded fields under the lock.
func (o *RecordedOutput) Snapshot() RecordedOutput {
	o.mu.Lock()
	defer o.mu.Unlock()
	return RecordedOutput{Stdout: o.Stdout, Stderr: o.Stderr, Displays: append([]*Repr(nil), o.Displays...), Clears: o.Clears}
}

var (
	_ Frontend = (*Terminal)(nil)
	_ Frontend = (*Recorder)(nil)
)

// String implements fmt.Stringer.
func (r *Repr) String() string {
	return fmt.Sprintf("%s: %s", r.Method, r.Text())
}
