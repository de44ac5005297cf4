// Package scope compiles a captured block into a Callable bound to the
// minimal set of outer values it references.
//
// A block is compiled as a Starlark module. Names it assigns at top level
// form its result mapping. Names it reads without assigning are free: those
// found in the supplied data become the outer scope, universal builtins are
// recorded as builtins, and the rest are missing until bound.
package scope

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/justapithecus/afar/lang"
	"github.com/justapithecus/afar/types"
)

// Filename is the name blocks are compiled under.
const Filename = "<afar>"

// Options control compilation.
type Options struct {
	// Display rewrites a trailing bare expression so its value is returned.
	// Only set it where a human-facing display of the value is possible.
	Display bool
}

// Callable is a compiled block plus the outer values it needs.
// A Callable is never mutated after construction; Bind and Without
// return new values sharing the compiled program.
type Callable struct {
	source      string
	display     bool
	displayExpr bool
	program     *starlark.Program

	free     []string
	assigned []string
	builtins []string

	outer   starlark.StringDict
	missing []string
}

// NameError reports free names that were never bound.
type NameError struct {
	Names []string
}

func (e *NameError) Error() string {
	if len(e.Names) == 1 {
		return fmt.Sprintf("name '%s' is not defined", e.Names[0])
	}
	return fmt.Sprintf("names %s are not defined", quoteAll(e.Names))
}

func quoteAll(names []string) string {
	q := make([]string, len(names))
	for i, n := range names {
		q[i] = "'" + n + "'"
	}
	return strings.Join(q, ", ")
}

// Compile compiles block lines. Free names present in data are bound
// immediately; the remainder is reported by Missing.
func Compile(lines []string, data starlark.StringDict, opts Options) (*Callable, error) {
	source := strings.Join(lang.Dedent(lines), "")
	c, err := compile(source, opts.Display)
	if err != nil {
		return nil, err
	}
	return c.bindFrom(data), nil
}

func compile(source string, display bool) (*Callable, error) {
	f, err := lang.FileOptions().Parse(Filename, source, 0)
	if err != nil {
		return nil, err
	}

	c := &Callable{source: source, display: display}
	c.assigned = assignedNames(f.Stmts)

	if display && len(f.Stmts) > 0 {
		last := len(f.Stmts) - 1
		if expr, ok := f.Stmts[last].(*syntax.ExprStmt); ok {
			f.Stmts[last] = &syntax.AssignStmt{
				OpPos: syntax.Start(expr),
				Op:    syntax.EQ,
				LHS:   &syntax.Ident{NamePos: syntax.Start(expr), Name: types.ReturnValueKey},
				RHS:   expr.X,
			}
			c.displayExpr = true
		}
	}

	// The resolver asks about every name the block reads but never binds.
	// Universal names always resolve to the builtin, so data cannot shadow
	// them.
	seen := make(map[string]bool)
	isPredeclared := func(name string) bool {
		if !seen[name] {
			seen[name] = true
			if starlark.Universe.Has(name) || Builtins.Has(name) {
				c.builtins = append(c.builtins, name)
			} else {
				c.free = append(c.free, name)
			}
		}
		return !starlark.Universe.Has(name)
	}
	prog, err := starlark.FileProgram(f, isPredeclared)
	if err != nil {
		return nil, err
	}
	c.program = prog
	sort.Strings(c.free)
	sort.Strings(c.builtins)
	return c, nil
}

// bindFrom binds every free name found in values.
func (c *Callable) bindFrom(values starlark.StringDict) *Callable {
	out := *c
	out.outer = make(starlark.StringDict, len(c.outer))
	for k, v := range c.outer {
		out.outer[k] = v
	}
	for _, name := range c.free {
		if v, ok := values[name]; ok {
			out.outer[name] = v
		}
	}
	out.missing = unbound(c.free, out.outer)
	return &out
}

func unbound(free []string, outer starlark.StringDict) []string {
	var missing []string
	for _, name := range free {
		if _, ok := outer[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Bind returns a new Callable with values merged into the outer scope.
// New entries take precedence; entries for names the block does not
// reference are ignored.
func (c *Callable) Bind(values starlark.StringDict) *Callable {
	return c.bindFrom(values)
}

// Without returns a new Callable with names removed from the outer scope.
func (c *Callable) Without(names ...string) *Callable {
	out := *c
	out.outer = make(starlark.StringDict, len(c.outer))
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	for k, v := range c.outer {
		if !drop[k] {
			out.outer[k] = v
		}
	}
	out.missing = unbound(c.free, out.outer)
	return &out
}

// Source returns the dedented block source.
func (c *Callable) Source() string { return c.source }

// Outer returns a copy of the bound outer scope.
func (c *Callable) Outer() starlark.StringDict {
	out := make(starlark.StringDict, len(c.outer))
	for k, v := range c.outer {
		out[k] = v
	}
	return out
}

// Missing returns the free names not yet bound, sorted.
func (c *Callable) Missing() []string { return append([]string(nil), c.missing...) }

// Builtins returns the universal names the block references, sorted.
func (c *Callable) Builtins() []string { return append([]string(nil), c.builtins...) }

// Assigned returns the names the block assigns at top level, in order of
// their first assignment.
func (c *Callable) Assigned() []string { return uniq(c.assigned) }

// DisplayExpr reports whether the trailing expression was rewritten.
func (c *Callable) DisplayExpr() bool { return c.displayExpr }

// Display reports whether the Callable was compiled for display.
func (c *Callable) Display() bool { return c.display }

// DefaultNames returns the name of the last assignment in source order,
// or nothing when the block assigns nothing.
func (c *Callable) DefaultNames() []string {
	if len(c.assigned) == 0 {
		return nil
	}
	return []string{c.assigned[len(c.assigned)-1]}
}

// Bytecode returns the compiled program in its serialized form.
func (c *Callable) Bytecode() ([]byte, error) {
	var buf bytes.Buffer
	if err := c.program.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// String implements fmt.Stringer.
func (c *Callable) String() string {
	return fmt.Sprintf("<block outer=%v missing=%v>", c.outer.Keys(), c.missing)
}

// CallOptions configure one invocation.
type CallOptions struct {
	// Stdout receives print output; discarded when nil.
	Stdout io.Writer
	// Stderr receives eprint output; discarded when nil.
	Stderr io.Writer
	// Name names the Starlark thread.
	Name string
}

// Result is the outcome of one invocation.
type Result struct {
	// Values holds every top-level name the block bound.
	Values starlark.StringDict
	// ReturnValue is the trailing expression value when HasReturn is set.
	ReturnValue starlark.Value
	HasReturn   bool
}

const stderrLocal = "afar.stderr"

var uninitialized = regexp.MustCompile(`predeclared variable (\S+) is uninitialized`)

// Call runs the block. Unbound free names fail before any statement runs.
func (c *Callable) Call(ctx context.Context, opts CallOptions) (*Result, error) {
	if len(c.missing) > 0 {
		return nil, &NameError{Names: c.Missing()}
	}

	stdout := opts.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	name := opts.Name
	if name == "" {
		name = "afar"
	}

	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			_, _ = io.WriteString(stdout, msg+"\n")
		},
	}
	thread.SetLocal(stderrLocal, stderr)
	lang.WithContext(thread, ctx)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	predeclared := make(starlark.StringDict, len(c.outer)+1)
	for k, v := range c.outer {
		predeclared[k] = v
	}
	for _, name := range c.builtins {
		if v, ok := Builtins[name]; ok {
			predeclared[name] = v
		}
	}

	globals, err := c.program.Init(thread, predeclared)
	if err != nil {
		if m := uninitialized.FindStringSubmatch(err.Error()); m != nil {
			return nil, &NameError{Names: []string{m[1]}}
		}
		return nil, err
	}

	res := &Result{Values: make(starlark.StringDict, len(globals))}
	for k, v := range globals {
		if k == types.ReturnValueKey {
			res.ReturnValue = v
			res.HasReturn = true
			continue
		}
		res.Values[k] = v
	}
	return res, nil
}

// Builtins are names every block may use on top of the Starlark universe.
var Builtins = starlark.StringDict{
	"eprint": eprint,
}

// eprint is print for the error stream.
var eprint = starlark.NewBuiltin("eprint", func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	sep := " "
	if err := starlark.UnpackArgs("eprint", nil, kwargs, "sep?", &sep); err != nil {
		return nil, err
	}
	var b strings.Builder
	for i, v := range args {
		if i > 0 {
			b.WriteString(sep)
		}
		if s, ok := starlark.AsString(v); ok {
			b.WriteString(s)
		} else {
			b.WriteString(v.String())
		}
	}
	b.WriteByte('\n')
	if w, ok := thread.Local(stderrLocal).(io.Writer); ok {
		_, _ = io.WriteString(w, b.String())
	}
	return starlark.None, nil
})

func uniq(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
