// Package where holds the location directives a block header names:
// locally, remotely and later.
//
// A directive is a value. Calling it with keyword options returns a new
// directive carrying those options, which are forwarded untouched to the
// executor at submission.
package where

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"

	"github.com/justapithecus/afar/executor"
	"github.com/justapithecus/afar/lang"
	"github.com/justapithecus/afar/types"
	"github.com/justapithecus/afar/value"
)

// Directive says where a block runs and how it is submitted.
type Directive struct {
	Where types.Location
	// Options are submission options, opaque to afar.
	Options map[string]any
	// Executor, when set, overrides the ambient executor.
	Executor executor.Executor
}

// The three recognized directives.
var (
	Locally  = &Directive{Where: types.LocationLocally}
	Remotely = &Directive{Where: types.LocationRemotely}
	Later    = &Directive{Where: types.LocationLater}
)

// ByLocation returns the bare directive for loc.
func ByLocation(loc types.Location) (*Directive, error) {
	switch loc {
	case types.LocationLocally:
		return Locally, nil
	case types.LocationRemotely:
		return Remotely, nil
	case types.LocationLater:
		return Later, nil
	}
	return nil, fmt.Errorf("don't know where %q is", loc)
}

// With returns a copy of d bound to exec and options.
func (d *Directive) With(exec executor.Executor, options map[string]any) *Directive {
	opts := make(map[string]any, len(options))
	for k, v := range options {
		opts[k] = v
	}
	return &Directive{Where: d.Where, Options: opts, Executor: exec}
}

// Predeclared returns the directives keyed by their bare names, for use
// as a Starlark environment.
func Predeclared() starlark.StringDict {
	return starlark.StringDict{
		string(types.LocationLocally):  Locally,
		string(types.LocationRemotely): Remotely,
		string(types.LocationLater):    Later,
	}
}

var (
	_ starlark.Value    = (*Directive)(nil)
	_ starlark.Callable = (*Directive)(nil)
)

func (d *Directive) String() string {
	if len(d.Options) == 0 && d.Executor == nil {
		return string(d.Where)
	}
	keys := make([]string, 0, len(d.Options))
	for k := range d.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+1)
	if d.Executor != nil {
		parts = append(parts, "executor="+d.Executor.Name())
	}
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, d.Options[k]))
	}
	return fmt.Sprintf("%s(%s)", d.Where, strings.Join(parts, ", "))
}

func (d *Directive) Type() string          { return "location" }
func (d *Directive) Freeze()               {}
func (d *Directive) Truth() starlark.Bool  { return starlark.True }
func (d *Directive) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: location") }
func (d *Directive) Name() string          { return string(d.Where) }

// CallInternal implements starlark.Callable:
// remotely(executor=None, **options).
func (d *Directive) CallInternal(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > 1 {
		return nil, fmt.Errorf("%s: got %d positional arguments, want at most 1", d.Where, len(args))
	}
	exec := d.Executor
	if len(args) == 1 && args[0] != starlark.None {
		e, err := executor.FromValue(args[0])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.Where, err)
		}
		exec = e
	}
	options := make(map[string]any, len(kwargs))
	for _, kv := range kwargs {
		key := string(kv[0].(starlark.String))
		if key == "executor" {
			if kv[1] == starlark.None {
				continue
			}
			e, err := executor.FromValue(kv[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", d.Where, err)
			}
			exec = e
			continue
		}
		v, err := value.ToGo(kv[1])
		if err != nil {
			return nil, fmt.Errorf("%s: option %s: %w", d.Where, key, err)
		}
		options[key] = v
	}
	return d.With(exec, options), nil
}

// undefined maps the resolver's message for each bare location name to
// its directive.
var undefined = map[string]*Directive{}

func init() {
	for _, d := range []*Directive{Remotely, Locally, Later} {
		thread := &starlark.Thread{Name: "where"}
		_, err := starlark.EvalOptions(lang.FileOptions(), thread, "<where>", string(d.Where), nil)
		var list resolve.ErrorList
		if errors.As(err, &list) && len(list) > 0 {
			undefined[list[0].Msg] = d
		}
	}
}

// FromError returns the directive whose bare name err reports as undefined.
// A hint suffix such as " (did you mean ...?)" is ignored.
func FromError(err error) (*Directive, bool) {
	var list resolve.ErrorList
	if !errors.As(err, &list) || len(list) != 1 {
		return nil, false
	}
	msg := list[0].Msg
	if i := strings.Index(msg, " ("); i >= 0 {
		msg = msg[:i]
	}
	d, ok := undefined[msg]
	return d, ok
}
