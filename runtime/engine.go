// Package runtime dispatches captured blocks.
//
// A RunContext is the first item of a block header and a where.Directive
// the second. When the block exits, Engine.Exit recovers the block's source,
// compiles it against the context's data and runs it locally, submits it to
// an executor, or keeps it for later.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.starlark.net/starlark"

	"github.com/justapithecus/afar/adapter"
	"github.com/justapithecus/afar/display"
	"github.com/justapithecus/afar/executor"
	"github.com/justapithecus/afar/lode"
	"github.com/justapithecus/afar/log"
	"github.com/justapithecus/afar/metrics"
	"github.com/justapithecus/afar/relay"
	"github.com/justapithecus/afar/scope"
	"github.com/justapithecus/afar/span"
	"github.com/justapithecus/afar/types"
	"github.com/justapithecus/afar/value"
	"github.com/justapithecus/afar/where"
)

// ErrNoExecutor is returned for a remote block when no executor is bound
// to the block, its RunContext or its directive, and none is the default.
var ErrNoExecutor = errors.New("no executor available for a remote block: " +
	"pass executor= to run() or remotely(), or start a default executor")

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Frontend shows output and display values. When nil, output is
	// discarded and trailing expressions are not displayed.
	Frontend display.Frontend
	// History is consulted when a frame's source is not available.
	History span.History
	// SessionID names the relay topic and journal records.
	SessionID string
	// Journal, when set, records every dispatched block.
	Journal *lode.Journal
	// Notifier, when set, is told about every dispatched block.
	Notifier adapter.Notifier
	// Logger is the structured logger. A no-op logger is used when nil.
	Logger *log.Logger
	// Metrics is the metrics collector. All Collector methods are nil-safe.
	Metrics *metrics.Collector
}

// Engine dispatches blocks. Exit and Exec are synchronous for the caller;
// relay events and completion callbacks arrive on executor goroutines.
type Engine struct {
	config  EngineConfig
	relay   *relay.Relay
	logger  *log.Logger
	metrics *metrics.Collector

	mu         sync.Mutex
	subscribed map[executor.Executor]func()
}

// NewEngine returns an Engine.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	var r *relay.Relay
	if cfg.Frontend != nil {
		r = relay.New(cfg.Frontend, logger, cfg.Metrics)
	}
	return &Engine{
		config:     cfg,
		relay:      r,
		logger:     logger,
		metrics:    cfg.Metrics,
		subscribed: make(map[executor.Executor]func()),
	}
}

// Relay returns the engine's relay, or nil without a front-end.
func (e *Engine) Relay() *relay.Relay { return e.relay }

// Topic is the relay topic remote blocks of this engine publish on.
func (e *Engine) Topic() string {
	return types.RelayTopic(e.config.SessionID)
}

// Close ends every relay subscription.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for exec, unsubscribe := range e.subscribed {
		unsubscribe()
		delete(e.subscribed, exec)
	}
}

// Block is one unit of dispatch: captured lines plus everything needed to
// bind and deliver them.
type Block struct {
	// Lines are the captured source lines.
	Lines []string
	// Names overrides the RunContext's requested names.
	Names []string
	// Data overrides the RunContext's data mapping.
	Data *starlark.Dict
	// Executor overrides every other executor source.
	Executor executor.Executor
	// Locals and Globals resolve names the data does not provide. Requested
	// names are written back to Locals after dispatch.
	Locals  starlark.StringDict
	Globals starlark.StringDict
	// NoDisplay suppresses display of a trailing expression.
	NoDisplay bool
	// Return compiles a trailing expression for its value even when there
	// is no front-end to display it.
	Return bool
}

// Exit finishes a block opened with rc.Enter. directive is the location the
// header named, or nil; blockErr is the error evaluating the header's
// remaining items raised, if any.
//
// Exit flow:
//  1. A bare location name that failed to resolve selects that location
//  2. Any other error is returned unchanged
//  3. No location at all is a usage error
//  4. The body is located and dispatched through Exec
//
// The context is idle again when Exit returns, unless it was not entered:
// then it is left as it was.
func (e *Engine) Exit(ctx context.Context, rc *RunContext, directive *where.Directive, blockErr error) (*Outcome, error) {
	if err := rc.transition(StateEntered, StateDispatching); err != nil {
		return nil, err
	}
	defer rc.exit()
	frame, header := rc.entered()

	if blockErr != nil {
		d, ok := where.FromError(blockErr)
		if !ok {
			return nil, blockErr
		}
		directive = d
	}
	if directive == nil {
		return nil, span.MissingLocation(header.Contexts[0].Expr)
	}

	sp, err := span.Locate(frame, e.config.History)
	if err != nil {
		return nil, err
	}
	return e.exec(ctx, rc, directive, Block{
		Lines:   sp.Body,
		Locals:  frame.Locals,
		Globals: frame.Globals,
	})
}

// Exec dispatches block to directive's location on behalf of rc. It is
// the entry point shared by block headers and magics.
//
// Exec flow:
//  1. Compile the block against the data mapping
//  2. Bind remaining free names from Locals, then Globals
//  3. Run locally, submit remotely or keep the text for later
//  4. Write the requested names back to Locals
//  5. Journal the block
func (e *Engine) Exec(ctx context.Context, rc *RunContext, directive *where.Directive, block Block) (*Outcome, error) {
	rc.setState(StateDispatching)
	defer rc.setState(StateIdle)
	return e.exec(ctx, rc, directive, block)
}

func (e *Engine) exec(ctx context.Context, rc *RunContext, directive *where.Directive, block Block) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{
		Key:      executor.NewKey("afar"),
		Location: directive.Where,
		Source:   strings.Join(block.Lines, ""),
	}
	rc.setContextBody(block.Lines)
	e.metrics.IncBlock(string(directive.Where))

	err := e.dispatch(ctx, rc, directive, block, out)
	out.Duration = time.Since(start)
	if err != nil {
		e.metrics.IncBlockFailed()
		out.Err = err
	}
	e.record(ctx, start, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) dispatch(ctx context.Context, rc *RunContext, directive *where.Directive, block Block, out *Outcome) error {
	if directive.Where == types.LocationLater {
		rc.setState(StateDeferred)
		out.Status = lode.StatusDeferred
		e.logger.Debug("block deferred", map[string]any{"key": out.Key, "lines": len(block.Lines)})
		return nil
	}

	data := block.Data
	if data == nil {
		data = rc.Data()
	}
	if data == nil {
		data = starlark.NewDict(0)
	}
	out.Data = data

	callable, err := scope.Compile(block.Lines, value.StringDict(data), scope.Options{
		Display: block.Return || e.config.Frontend != nil && !block.NoDisplay,
	})
	if err != nil {
		return err
	}
	callable = bindMissing(callable, block.Locals, block.Globals)

	names := block.Names
	if len(names) == 0 {
		names = rc.Names()
	}
	if len(names) == 0 {
		names = callable.DefaultNames()
	}
	out.Names = names

	switch directive.Where {
	case types.LocationLocally:
		rc.setState(StateLocal)
		err = e.runLocal(ctx, callable, data, out, !block.NoDisplay)
	case types.LocationRemotely:
		rc.setState(StateRemote)
		err = e.runRemote(ctx, rc, directive, block, callable, data, out)
	default:
		err = fmt.Errorf("don't know how to run a block %s", directive.Where)
	}
	if err != nil {
		return err
	}

	if block.Locals != nil {
		for _, name := range names {
			v, found, err := data.Get(starlark.String(name))
			if err == nil && found {
				block.Locals[name] = v
			}
		}
	}
	return nil
}

// bindMissing supplies free names from the caller's namespaces.
func bindMissing(c *scope.Callable, locals, globals starlark.StringDict) *scope.Callable {
	missing := c.Missing()
	if len(missing) == 0 {
		return c
	}
	found := make(starlark.StringDict, len(missing))
	for _, name := range missing {
		if v, ok := locals[name]; ok {
			found[name] = v
		} else if v, ok := globals[name]; ok {
			found[name] = v
		}
	}
	if len(found) == 0 {
		return c
	}
	return c.Bind(found)
}

func (e *Engine) runLocal(ctx context.Context, c *scope.Callable, data *starlark.Dict, out *Outcome, show bool) error {
	opts := scope.CallOptions{Name: out.Key}
	if fe := e.config.Frontend; fe != nil {
		opts.Stdout, opts.Stderr = fe.Stdout(), fe.Stderr()
	}
	res, err := c.Call(ctx, opts)
	if err != nil {
		return err
	}
	for _, name := range out.Names {
		v, ok := res.Values[name]
		if !ok {
			return fmt.Errorf("block did not assign %q", name)
		}
		if err := data.SetKey(starlark.String(name), v); err != nil {
			return fmt.Errorf("store %q: %w", name, err)
		}
	}
	out.Status = lode.StatusFinished
	if res.HasReturn {
		out.ReturnValue = res.ReturnValue
		out.HasReturn = true
		if fe := e.config.Frontend; fe != nil && show && res.ReturnValue != starlark.None {
			if rep := display.ComputeRepr(ctx, res.ReturnValue, fe.ReprMethods()); rep != nil {
				fe.Display(rep)
			}
		}
	}
	return nil
}

func (e *Engine) record(ctx context.Context, start time.Time, out *Outcome) {
	if e.config.Journal == nil && e.config.Notifier == nil {
		return
	}
	rec := out.Record(start)
	if e.config.SessionID != "" {
		rec.SessionID = e.config.SessionID
	}
	if e.config.Journal != nil {
		if err := e.config.Journal.Record(ctx, rec); err != nil {
			e.logger.Warn("journal write failed", map[string]any{"key": out.Key, "error": err.Error()})
		}
	}
	if e.config.Notifier != nil {
		if err := e.config.Notifier.Notify(ctx, blockEvent(rec)); err != nil {
			e.logger.Warn("block notification failed", map[string]any{"key": out.Key, "error": err.Error()})
		}
	}
}

func blockEvent(rec lode.BlockRecord) *adapter.BlockEvent {
	return &adapter.BlockEvent{
		EventType:  adapter.EventBlockDispatched,
		SessionID:  rec.SessionID,
		Key:        rec.Key,
		Location:   rec.Location,
		Executor:   rec.Executor,
		Names:      rec.Names,
		Status:     rec.Status,
		Error:      rec.Error,
		StartedAt:  rec.StartedAt.UTC().Format(time.RFC3339Nano),
		DurationMs: rec.Duration.Milliseconds(),
	}
}
