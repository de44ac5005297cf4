// Package session drives Starlark cells the way a notebook kernel does.
//
// A Session keeps one set of module globals across cells. Top-level `with`
// statements are dispatched through a runtime.Engine, lines starting with
// `%` invoke line magics, and a cell whose first line starts with `%%` is a
// cell magic. Everything else executes as ordinary Starlark.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/justapithecus/afar/adapter"
	"github.com/justapithecus/afar/display"
	"github.com/justapithecus/afar/executor"
	"github.com/justapithecus/afar/lang"
	"github.com/justapithecus/afar/lode"
	"github.com/justapithecus/afar/log"
	"github.com/justapithecus/afar/metrics"
	"github.com/justapithecus/afar/runtime"
	"github.com/justapithecus/afar/span"
	"github.com/justapithecus/afar/types"
	"github.com/justapithecus/afar/where"
)

// CellFilename names ordinary cells in positions and frames.
const CellFilename = "<cell>"

// timedFilename is the name timed cells execute under. Their source is
// recovered from history.
const timedFilename = "<timed exec>"

// Config configures a Session.
type Config struct {
	// Frontend receives print output, display values and relay output.
	// Output is discarded when nil.
	Frontend display.Frontend
	// Executors are bound as globals under their keys, for use as
	// `executor=` arguments and `-c` magic options.
	Executors map[string]executor.Executor
	// SessionID names relay topics and journal records.
	SessionID string
	// Journal, when set, records every dispatched block.
	Journal *lode.Journal
	// Notifier, when set, is told about every dispatched block.
	Notifier adapter.Notifier

	Logger  *log.Logger
	Metrics *metrics.Collector
}

// Session is one interactive namespace. Cells run one at a time.
type Session struct {
	config  Config
	engine  *runtime.Engine
	logger  *log.Logger
	metrics *metrics.Collector

	mu       sync.Mutex
	globals  starlark.StringDict
	magics   map[string]*Magic
	lastCell string
	haveCell bool
	cells    int
}

// New returns a Session with the afar surface bound: `run`, `get` and the
// `afar` module.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	s := &Session{
		config:  cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		magics:  make(map[string]*Magic),
	}
	s.engine = runtime.NewEngine(runtime.EngineConfig{
		Frontend:  cfg.Frontend,
		History:   s,
		SessionID: cfg.SessionID,
		Journal:   cfg.Journal,
		Notifier:  cfg.Notifier,
		Logger:    logger,
		Metrics:   cfg.Metrics,
	})
	s.magics[DefaultMagic] = &Magic{Name: DefaultMagic}

	run, get := runtime.NewSingleton(false), runtime.NewSingleton(true)
	s.globals = starlark.StringDict{
		"run": run,
		"get": get,
		"afar": &starlarkstruct.Module{
			Name: "afar",
			Members: starlark.StringDict{
				"run":       run,
				"get":       get,
				"locally":   where.Locally,
				"remotely":  where.Remotely,
				"later":     where.Later,
				"new_magic": starlark.NewBuiltin("new_magic", s.newMagicBuiltin),
				"version":   starlark.String(types.Version),
			},
		},
	}
	for name, exec := range cfg.Executors {
		s.globals[name] = executor.AsValue(exec)
	}
	return s
}

// Engine returns the session's dispatch engine.
func (s *Session) Engine() *runtime.Engine { return s.engine }

// Globals returns the session namespace. The map is live; callers must not
// modify it while a cell runs.
func (s *Session) Globals() starlark.StringDict { return s.globals }

// Close releases relay subscriptions.
func (s *Session) Close() { s.engine.Close() }

// LastCell implements span.History: it returns the text of the cell being
// run, as typed.
func (s *Session) LastCell() (string, error) {
	if !s.haveCell {
		return "", errors.New("no input in history")
	}
	return s.lastCell, nil
}

var _ span.History = (*Session)(nil)

// RunCell executes one cell. Statements before a failing one keep their
// effects.
func (s *Session) RunCell(ctx context.Context, src string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cells++
	s.lastCell = src
	s.haveCell = true
	s.logger.Debug("running cell", map[string]any{"cell": s.cells, "bytes": len(src)})

	thread := s.newThread(ctx)
	defer s.watch(ctx, thread)()

	lines := lang.SplitLines(src)
	if name, args, body, ok := cellMagic(lines); ok {
		if name == "time" {
			return s.runTimed(ctx, thread, src)
		}
		m, err := s.magic(name)
		if err != nil {
			return err
		}
		_, err = s.runMagic(ctx, m, args, body, false)
		return err
	}
	return s.runLines(ctx, thread, lines, CellFilename, false)
}

// runTimed executes a %%time cell and reports its wall time. Blocks in it
// are located through history, since the timed source is not addressable.
func (s *Session) runTimed(ctx context.Context, thread *starlark.Thread, cell string) error {
	start := time.Now()
	err := s.runLines(ctx, thread, span.StripMagic(cell), timedFilename, true)
	fmt.Fprintf(s.stdout(), "Wall time: %s\n", time.Since(start).Round(time.Microsecond))
	return err
}

// runLines executes the chunks of a cell in order.
func (s *Session) runLines(ctx context.Context, thread *starlark.Thread, lines []string, filename string, fromHistory bool) error {
	for _, c := range splitChunks(lines, filename) {
		var err error
		switch c.kind {
		case chunkCode:
			err = s.execCode(thread, lines, c, filename)
		case chunkWith:
			err = s.execWith(ctx, thread, lines, c, filename, fromHistory)
		case chunkMagic:
			err = s.execLineMagic(ctx, lines[c.start])
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// execCode runs ordinary statements. A trailing expression is evaluated
// separately and displayed, as a notebook would.
func (s *Session) execCode(thread *starlark.Thread, lines []string, c chunk, filename string) error {
	// Leading newlines keep positions aligned with the cell.
	src := strings.Repeat("\n", c.start) + strings.Join(lines[c.start:c.end], "")
	f, err := lang.FileOptions().Parse(filename, src, 0)
	if err != nil {
		return err
	}
	var trailing syntax.Expr
	if n := len(f.Stmts); n > 0 {
		if stmt, ok := f.Stmts[n-1].(*syntax.ExprStmt); ok {
			trailing = stmt.X
			f.Stmts = f.Stmts[:n-1]
		}
	}
	if len(f.Stmts) > 0 {
		if err := starlark.ExecREPLChunk(f, thread, s.globals); err != nil {
			return err
		}
	}
	if trailing == nil {
		return nil
	}
	v, err := starlark.EvalExprOptions(lang.FileOptions(), thread, trailing, s.globals)
	if err != nil {
		return err
	}
	s.display(lang.Context(thread), v)
	return nil
}

// execWith dispatches one top-level `with` statement.
//
// The first context must evaluate to a run context, which is entered before
// the remaining contexts are evaluated. The first of those that yields a
// location wins. An evaluation failure is handed to the engine, which
// recognizes the bare location names.
func (s *Session) execWith(ctx context.Context, thread *starlark.Thread, lines []string, c chunk, filename string, fromHistory bool) error {
	if c.err != nil {
		return c.err
	}
	frame := s.frame(lines, c, filename, fromHistory)
	opts := lang.FileOptions()

	first := c.header.Contexts[0]
	v, err := starlark.EvalOptions(opts, thread, filename, first.Expr, s.globals)
	if err != nil {
		return err
	}
	rc, ok := v.(*runtime.RunContext)
	if !ok {
		return &span.UsageError{Msg: fmt.Sprintf("`%s` is %s, not run or get", first.Expr, v.Type())}
	}
	data, err := rc.Enter(frame, s)
	if err != nil {
		return err
	}
	s.bind(first.Target, data)

	var (
		directive *where.Directive
		blockErr  error
	)
	for _, item := range c.header.Contexts[1:] {
		v, err := starlark.EvalOptions(opts, thread, filename, item.Expr, s.globals)
		if err != nil {
			blockErr = err
			break
		}
		if d, ok := v.(*where.Directive); ok {
			directive = d
			s.bind(item.Target, d)
			break
		}
	}

	_, err = s.engine.Exit(ctx, rc, directive, blockErr)
	return err
}

// frame builds the execution point of a `with` chunk: suspended on its
// header, with the next top-level statement closing the line table.
func (s *Session) frame(lines []string, c chunk, filename string, fromHistory bool) *span.Frame {
	header, next := c.start+1, c.end+1
	f := &span.Frame{
		Filename: filename,
		Lines:    lines,
		Lineno:   header,
		Locals:   s.globals,
		Globals:  s.globals,
		LineStarts: []span.LineStart{
			{Offset: 2 * header, Line: header},
			{Offset: 2 * next, Line: next},
		},
		Lasti: 2 * header,
	}
	if fromHistory {
		f.Lines = nil
	}
	return f
}

func (s *Session) bind(target string, v starlark.Value) {
	if target != "" && lang.IsIdentifier(target) {
		s.globals[target] = v
	}
}

func (s *Session) display(ctx context.Context, v starlark.Value) {
	fe := s.config.Frontend
	if fe == nil || v == starlark.None {
		return
	}
	if rep := display.ComputeRepr(ctx, v, fe.ReprMethods()); rep != nil {
		fe.Display(rep)
	}
}

func (s *Session) stdout() io.Writer {
	if s.config.Frontend == nil {
		return io.Discard
	}
	return s.config.Frontend.Stdout()
}

func (s *Session) newThread(ctx context.Context) *starlark.Thread {
	out := s.stdout()
	thread := &starlark.Thread{
		Name: fmt.Sprintf("cell-%d", s.cells),
		Print: func(_ *starlark.Thread, msg string) {
			_, _ = io.WriteString(out, msg+"\n")
		},
	}
	lang.WithContext(thread, ctx)
	return thread
}

// watch cancels thread when ctx ends. The returned function stops watching.
func (s *Session) watch(ctx context.Context, thread *starlark.Thread) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()
	return func() { close(done) }
}
