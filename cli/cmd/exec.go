package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.starlark.net/starlark"

	"github.com/justapithecus/afar/cli/render"
	"github.com/justapithecus/afar/display"
	"github.com/justapithecus/afar/executor"
	"github.com/justapithecus/afar/lang"
	"github.com/justapithecus/afar/runtime"
	"github.com/justapithecus/afar/types"
	"github.com/justapithecus/afar/value"
	"github.com/justapithecus/afar/where"
)

// returnKey holds the value of a trailing expression in exec results.
// It is a keyword, so no block variable can collide with it.
const returnKey = "return"

// ExecCommand returns the exec command: run one block from a file.
func ExecCommand() *cli.Command {
	flags := append(StackFlags(), OutputFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:    "data",
			Aliases: []string{"d"},
			Usage:   "Input data as a JSON object; its keys are bound as names",
			Value:   "{}",
		},
		&cli.StringSliceFlag{
			Name:    "names",
			Aliases: []string{"n"},
			Usage:   "Block variables to return (default: the last one assigned)",
		},
		&cli.StringFlag{
			Name:    "where",
			Aliases: []string{"w"},
			Usage:   "Location: locally or remotely",
			Value:   string(types.LocationRemotely),
		},
	)
	return &cli.Command{
		Name:      "exec",
		Usage:     "Run one block from a file and render the values it produced",
		ArgsUsage: "FILE",
		Flags:     flags,
		Action:    execAction,
	}
}

func execAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("exec requires exactly one block file", exitUsage)
	}
	loc, err := types.ParseLocation(c.String("where"))
	if err != nil || loc == types.LocationLater {
		return cli.Exit(fmt.Sprintf("invalid --where %q (must be locally or remotely)", c.String("where")), exitUsage)
	}
	directive, err := where.ByLocation(loc)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	data, err := parseData(c.String("data"))
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	src, err := readBlock(c.Args().First(), c.App.Reader)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStack(ctx, c.Bool(VerboseFlag.Name), cfg, stackOptions{executor: loc == types.LocationRemotely, journal: true})
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	restore := executor.SetDefault(st.exec)
	defer restore()

	// Block output goes to stderr so stdout carries only the result.
	engine := runtime.NewEngine(runtime.EngineConfig{
		Frontend:  display.NewTerminal(c.App.ErrWriter, c.App.ErrWriter),
		SessionID: cfg.SessionID,
		Journal:   st.journal,
		Notifier:  st.notifier,
		Logger:    st.logger,
		Metrics:   st.metrics,
	})
	defer engine.Close()

	rc := runtime.New(runtime.Config{Names: c.StringSlice("names"), Data: data, Gather: true})
	out, err := engine.Exec(ctx, rc, directive, runtime.Block{
		Lines:     lang.SplitLines(src),
		Globals:   starlark.StringDict{},
		NoDisplay: true,
		Return:    true,
	})
	if err != nil {
		fmt.Fprintln(c.App.ErrWriter, err)
		return cli.Exit("", exitBlockFailed)
	}

	result, err := execResult(out)
	if err != nil {
		return cli.Exit(err.Error(), exitBlockFailed)
	}
	return r.Render(result)
}

// execResult collects the requested names, and the trailing expression's
// value when there is one, as plain values.
func execResult(out *runtime.Outcome) (map[string]any, error) {
	result := make(map[string]any, len(out.Names)+1)
	for _, name := range out.Names {
		v, found, err := out.Data.Get(starlark.String(name))
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		gv, err := value.ToGo(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		result[name] = gv
	}
	if out.HasReturn && out.ReturnValue != starlark.None {
		gv, err := value.ToGo(out.ReturnValue)
		if err != nil {
			return nil, fmt.Errorf("return value: %w", err)
		}
		result[returnKey] = gv
	}
	return result, nil
}

// parseData decodes a JSON object into a data mapping. Integral numbers
// become Starlark ints.
func parseData(s string) (*starlark.Dict, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("invalid --data JSON: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid --data JSON: trailing data after the object")
	}
	d := starlark.NewDict(len(m))
	for k, v := range m {
		sv, err := value.FromGo(plainNumbers(v))
		if err != nil {
			return nil, fmt.Errorf("--data %s: %w", k, err)
		}
		if err := d.SetKey(starlark.String(k), sv); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func plainNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = plainNumbers(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = plainNumbers(x[k])
		}
		return x
	default:
		return v
	}
}

func readBlock(path string, stdin io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return "", fmt.Errorf("%s: empty block", path)
	}
	return string(data), nil
}
