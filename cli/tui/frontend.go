package tui

import (
	"io"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/justapithecus/afar/display"
)

// Frontend implements display.Frontend on a Bubble Tea program. Every
// method may be called from any goroutine.
type Frontend struct {
	program *tea.Program
	send    func(tea.Msg)
	done    chan struct{}
	err     error
}

var _ display.Frontend = (*Frontend)(nil)

// New returns a Frontend drawing on the alternate screen. Call Start
// before the session runs.
func New(opts ...tea.ProgramOption) *Frontend {
	p := tea.NewProgram(NewModel(), append([]tea.ProgramOption{tea.WithAltScreen()}, opts...)...)
	return &Frontend{program: p, send: p.Send, done: make(chan struct{})}
}

// Start runs the program until the user quits.
func (f *Frontend) Start() {
	go func() {
		defer close(f.done)
		_, f.err = f.program.Run()
	}()
}

// Finish shows the final session state and leaves the panes up for
// reading.
func (f *Frontend) Finish(state, detail string) {
	f.send(finishedMsg{state: state, detail: detail})
}

// Wait blocks until the user quits.
func (f *Frontend) Wait() error {
	<-f.done
	return f.err
}

// ReprMethods implements display.Frontend.
func (f *Frontend) ReprMethods() []string {
	return append([]string(nil), display.DefaultReprMethods...)
}

// Display implements display.Frontend.
func (f *Frontend) Display(r *display.Repr) {
	if r != nil {
		f.send(displayMsg{key: sessionPane, repr: r})
	}
}

// SupportsAsync implements display.Frontend.
func (f *Frontend) SupportsAsync() bool { return true }

// NewOutput implements display.Frontend.
func (f *Frontend) NewOutput(key string) display.Output {
	f.send(paneMsg{key: key})
	return &output{f: f, key: key}
}

// Stdout implements display.Frontend.
func (f *Frontend) Stdout() io.Writer { return streamWriter{f: f} }

// Stderr implements display.Frontend.
func (f *Frontend) Stderr() io.Writer { return streamWriter{f: f, stderr: true} }

type streamWriter struct {
	f      *Frontend
	stderr bool
}

func (w streamWriter) Write(p []byte) (int, error) {
	w.f.send(appendMsg{key: sessionPane, text: string(p), stderr: w.stderr})
	return len(p), nil
}

type output struct {
	f   *Frontend
	key string
}

func (o *output) AppendStdout(s string) { o.f.send(appendMsg{key: o.key, text: s}) }
func (o *output) AppendStderr(s string) { o.f.send(appendMsg{key: o.key, text: s, stderr: true}) }
func (o *output) Clear()                { o.f.send(clearMsg{key: o.key}) }

func (o *output) AppendDisplay(r *display.Repr) {
	if r != nil {
		o.f.send(displayMsg{key: o.key, repr: r})
	}
}
