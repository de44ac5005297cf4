package session

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/urfave/cli/v2"
	"go.starlark.net/starlark"

	"github.com/justapithecus/afar/executor"
	"github.com/justapithecus/afar/lang"
	"github.com/justapithecus/afar/runtime"
	"github.com/justapithecus/afar/span"
	"github.com/justapithecus/afar/where"
)

// DefaultMagic is the name of the built-in magic.
const DefaultMagic = "afar"

// Magic is a line and cell magic that dispatches its code as a block.
// Fields that are set are baked in: the matching options are not accepted.
type Magic struct {
	Name     string
	Run      *runtime.RunContext
	Data     *starlark.Dict
	Where    *where.Directive
	Executor executor.Executor
}

// magicOptions are the parsed options of one invocation. Values name
// session globals.
type magicOptions struct {
	get      bool
	run      string
	data     string
	where    string
	executor string
}

// option describes one magic flag.
type option struct {
	name  string
	short string
	usage string
	// valued flags consume the next token
	valued bool
}

var options = []option{
	{name: "get", short: "g", usage: "gather results as values instead of futures"},
	{name: "run", short: "r", usage: "run context from the namespace", valued: true},
	{name: "data", short: "d", usage: "dict from the namespace to hold results", valued: true},
	{name: "where", short: "w", usage: "location from the namespace, such as remotely(...)", valued: true},
	{name: "executor", short: "c", usage: "executor from the namespace", valued: true},
}

// accepts reports whether m takes the named option.
func (m *Magic) accepts(name string) bool {
	switch name {
	case "get", "run":
		return m.Run == nil
	case "data":
		return m.Data == nil
	case "where":
		return m.Where == nil
	case "executor":
		return m.Executor == nil
	}
	return false
}

// Usage returns the help text of m.
func (m *Magic) Usage() string {
	var opts strings.Builder
	var flags []string
	for _, o := range options {
		if !m.accepts(o.name) {
			continue
		}
		arg := "-" + o.short
		if o.valued {
			arg += " " + o.name
		}
		flags = append(flags, arg)
		fmt.Fprintf(&opts, "  -%s/--%s\n    %s\n", o.short, o.name, o.usage)
	}
	return fmt.Sprintf("Usage, in line mode:\n    %%%s [%s] code_to_run\n"+
		"Usage, in cell mode:\n    %%%%%s [%s <variable_names>]\n    code...\n\nOptions:\n%s"+
		"  <variable_names>\n    Names (space- or comma-separated) to copy to the namespace.\n",
		m.Name, strings.Join(flags, " "), m.Name, strings.Join(flags, " "), opts.String())
}

// parse splits the option tokens off the front of line and parses them.
// The rest of line is returned untouched.
func (m *Magic) parse(line string) (magicOptions, string, error) {
	valued := make(map[string]bool)
	canonical := make(map[string]string)
	var flags []cli.Flag
	for _, o := range options {
		if !m.accepts(o.name) {
			continue
		}
		canonical["-"+o.short], canonical["--"+o.name] = o.name, o.name
		if o.valued {
			valued["-"+o.short], valued["--"+o.name] = true, true
			flags = append(flags, &cli.StringFlag{Name: o.name, Aliases: []string{o.short}, Usage: o.usage})
		} else {
			flags = append(flags, &cli.BoolFlag{Name: o.name, Aliases: []string{o.short}, Usage: o.usage})
		}
	}

	args, rest := splitOptions(line, valued)
	seen := make(map[string]string)
	for _, a := range args {
		flag, _, _ := strings.Cut(a, "=")
		name, ok := canonical[flag]
		if !ok {
			continue
		}
		if prev, dup := seen[name]; dup {
			return magicOptions{}, "", &span.UsageError{Msg: fmt.Sprintf("%s and %s options may not be used at the same time", prev, flag)}
		}
		seen[name] = flag
	}

	var opts magicOptions
	app := &cli.App{
		Name:            "%" + m.Name,
		Flags:           flags,
		HideHelp:        true,
		HideVersion:     true,
		Writer:          io.Discard,
		ErrWriter:       io.Discard,
		OnUsageError:    func(_ *cli.Context, err error, _ bool) error { return err },
		ExitErrHandler:  func(*cli.Context, error) {},
		CommandNotFound: func(*cli.Context, string) {},
		Action: func(c *cli.Context) error {
			if c.NArg() > 0 {
				return fmt.Errorf("unexpected argument %q", c.Args().First())
			}
			opts = magicOptions{
				get:      c.Bool("get"),
				run:      c.String("run"),
				data:     c.String("data"),
				where:    c.String("where"),
				executor: c.String("executor"),
			}
			return nil
		},
	}
	if err := app.Run(append([]string{app.Name}, args...)); err != nil {
		return magicOptions{}, "", &span.UsageError{Msg: fmt.Sprintf("%s: %v\n\n%s", app.Name, err, m.Usage())}
	}
	return opts, rest, nil
}

// splitOptions consumes leading option tokens, and the value of each
// valued one, from line. "--" ends the options.
func splitOptions(line string, valued map[string]bool) (args []string, rest string) {
	rest = strings.TrimLeft(line, " \t")
	for strings.HasPrefix(rest, "-") {
		tok, after := cutToken(rest)
		rest = after
		if tok == "--" {
			break
		}
		args = append(args, tok)
		if valued[tok] {
			var val string
			val, rest = cutToken(rest)
			if val != "" {
				args = append(args, val)
			}
		}
	}
	return args, rest
}

func cutToken(s string) (tok, rest string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t\r\n")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i:], " \t")
}

// parseNames reads the output names of a cell magic: comma- and/or
// space-separated identifiers, up to an optional comment.
func parseNames(line string) ([]string, error) {
	line, _, _ = strings.Cut(line, "#")
	var names, bad []string
	for _, item := range strings.Split(line, ",") {
		for _, name := range strings.Fields(item) {
			if lang.IsIdentifier(name) {
				names = append(names, name)
			} else {
				bad = append(bad, name)
			}
		}
	}
	if len(bad) > 0 {
		return nil, &span.UsageError{Msg: fmt.Sprintf(
			"The following are bad variable names: %q\n"+
				"The %%%%afar magic accepts a list of variable names (after any options) "+
				"to bring back to local scope.  Example usage:\n\n"+
				"%%%%afar x, y\nx = 1\ny = x + 1", bad)}
	}
	return names, nil
}

// magic returns the registered magic called name.
func (s *Session) magic(name string) (*Magic, error) {
	m, ok := s.magics[name]
	if !ok {
		return nil, &span.UsageError{Msg: fmt.Sprintf("Magic function `%%%s` not found.", name)}
	}
	return m, nil
}

// execLineMagic runs `%name code` or `target = %name code`.
func (s *Session) execLineMagic(ctx context.Context, line string) error {
	match := lineMagic.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if match == nil {
		return &span.UsageError{Msg: fmt.Sprintf("malformed magic line %q", line)}
	}
	target, name, args := match[1], match[2], match[3]
	m, err := s.magic(name)
	if err != nil {
		return err
	}
	v, err := s.runMagic(ctx, m, args, nil, true)
	if err != nil {
		return err
	}
	if target != "" {
		s.globals[target] = v
	}
	return nil
}

// runMagic dispatches a magic invocation. In line mode the code follows
// the options on the same line and the trailing expression value of a
// local run is returned; in cell mode the line lists output names and
// body is the code.
func (s *Session) runMagic(ctx context.Context, m *Magic, line string, body []string, lineMode bool) (starlark.Value, error) {
	opts, rest, err := m.parse(line)
	if err != nil {
		return nil, err
	}

	rc := m.Run
	if rc == nil {
		if opts.run != "" {
			v, err := s.option(opts.run, "-r or --run")
			if err != nil {
				return nil, err
			}
			var ok bool
			if rc, ok = v.(*runtime.RunContext); !ok {
				return nil, &span.UsageError{Msg: fmt.Sprintf("-r or --run argument must be of type run_context; got: %s", v.Type())}
			}
		} else {
			rc = runtime.New(runtime.Config{Gather: opts.get})
		}
	}

	data := m.Data
	if data == nil && opts.data != "" {
		v, err := s.option(opts.data, "-d or --data")
		if err != nil {
			return nil, err
		}
		var ok bool
		if data, ok = v.(*starlark.Dict); !ok {
			return nil, &span.UsageError{Msg: fmt.Sprintf("-d or --data argument must be of type dict; got: %s", v.Type())}
		}
	}

	directive := m.Where
	if directive == nil {
		directive = where.Remotely
		if opts.where != "" {
			v, err := s.option(opts.where, "-w or --where")
			if err != nil {
				return nil, err
			}
			var ok bool
			if directive, ok = v.(*where.Directive); !ok {
				return nil, &span.UsageError{Msg: fmt.Sprintf("-w or --where argument must be of type location; got: %s", v.Type())}
			}
		}
	}

	exec := m.Executor
	if exec == nil && opts.executor != "" {
		v, err := s.option(opts.executor, "-c or --executor")
		if err != nil {
			return nil, err
		}
		if exec, err = executor.FromValue(v); err != nil {
			return nil, &span.UsageError{Msg: fmt.Sprintf("-c or --executor argument must be of type executor; got: %s", v.Type())}
		}
	}

	block := runtime.Block{
		Data:     data,
		Executor: exec,
		Locals:   s.globals,
		Globals:  s.globals,
		Return:   lineMode,
	}
	if lineMode {
		block.Lines = []string{rest + "\n"}
	} else {
		if block.Names, err = parseNames(rest); err != nil {
			return nil, err
		}
		block.Lines = body
	}

	s.logger.Debug("magic invoked", map[string]any{"magic": m.Name, "where": string(directive.Where), "line_mode": lineMode})
	out, err := s.engine.Exec(ctx, rc, directive, block)
	if err != nil {
		return nil, err
	}
	if lineMode && out.HasReturn && out.ReturnValue != nil {
		return out.ReturnValue, nil
	}
	return starlark.None, nil
}

func (s *Session) option(name, flag string) (starlark.Value, error) {
	v, ok := s.globals[name]
	if !ok {
		return nil, &span.UsageError{Msg: fmt.Sprintf("Variable name %q for %s argument not found in local namespace", name, flag)}
	}
	return v, nil
}

// newMagicBuiltin implements
// afar.new_magic(name, run=None, data=None, where=None, executor=None).
func (s *Session) newMagicBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var runV, dataV, whereV, execV starlark.Value = starlark.None, starlark.None, starlark.None, starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name, "run?", &runV, "data?", &dataV, "where?", &whereV, "executor?", &execV); err != nil {
		return nil, err
	}
	if !lang.IsIdentifier(name) || name == "time" {
		return nil, fmt.Errorf("%s: invalid magic name %q", b.Name(), name)
	}

	m := &Magic{Name: name}
	if runV != starlark.None {
		rc, ok := runV.(*runtime.RunContext)
		if !ok {
			return nil, fmt.Errorf("%s: run must be a run_context, got %s", b.Name(), runV.Type())
		}
		m.Run = rc
	}
	if dataV != starlark.None {
		d, ok := dataV.(*starlark.Dict)
		if !ok {
			return nil, fmt.Errorf("%s: data must be a dict, got %s", b.Name(), dataV.Type())
		}
		m.Data = d
	}
	if whereV != starlark.None {
		d, ok := whereV.(*where.Directive)
		if !ok {
			return nil, fmt.Errorf("%s: where must be a location, got %s", b.Name(), whereV.Type())
		}
		m.Where = d
	}
	if execV != starlark.None {
		e, err := executor.FromValue(execV)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		m.Executor = e
	}
	s.RegisterMagic(m)
	return starlark.None, nil
}

// RegisterMagic adds or replaces a magic. It may be called while a cell
// runs only from that cell.
func (s *Session) RegisterMagic(m *Magic) {
	s.magics[m.Name] = m
	s.logger.Debug("magic registered", map[string]any{"magic": m.Name})
}
