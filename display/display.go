// Package display turns block values into transport-safe representations
// and defines the front-end a client renders them on.
package display

import (
	"context"
	"errors"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/justapithecus/afar/lang"
	"github.com/justapithecus/afar/value"
)

// Repr method names probed on a value, highest priority first.
const (
	MethodMimeBundle = "_repr_mimebundle_"
	MethodMarkdown   = "_repr_markdown_"
	MethodJSON       = "_repr_json_"
	MethodText       = "_repr_text_"
	// MethodRepr marks the String() fallback.
	MethodRepr = "__repr__"
)

// DefaultReprMethods is the probe order of front-ends without their own.
var DefaultReprMethods = []string{MethodMimeBundle, MethodMarkdown, MethodJSON, MethodText}

// Repr is a representation computed where the value lives.
type Repr struct {
	// Value is a string, or a map for mime bundles. When IsError is set it
	// holds the formatted backtrace of the failing method.
	Value   any    `msgpack:"value" json:"value"`
	Method  string `msgpack:"method" json:"method"`
	IsError bool   `msgpack:"is_error" json:"is_error"`
}

// Text returns the representation as plain text.
func (r *Repr) Text() string {
	switch v := r.Value.(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v["text/plain"].(string); ok {
			return s
		}
		for _, k := range sortedKeys(v) {
			if s, ok := v[k].(string); ok {
				return s
			}
		}
	}
	return fmt.Sprint(r.Value)
}

// ComputeRepr probes v for each method in order and returns the first
// usable result. A method that fails yields an error Repr carrying its
// backtrace instead of failing the caller. None has no representation.
func ComputeRepr(ctx context.Context, v starlark.Value, methods []string) *Repr {
	if v == nil || v == starlark.None {
		return nil
	}
	thread := &starlark.Thread{Name: "repr"}
	lang.WithContext(thread, ctx)

	attrs, ok := v.(starlark.HasAttrs)
	if ok {
		for _, name := range methods {
			m, err := attrs.Attr(name)
			if err != nil || m == nil || m == starlark.None {
				continue
			}
			fn, ok := m.(starlark.Callable)
			if !ok {
				continue
			}
			rv, err := starlark.Call(thread, fn, nil, nil)
			if err != nil {
				return &Repr{Value: backtrace(err), Method: name, IsError: true}
			}
			if r := accept(name, rv); r != nil {
				return r
			}
		}
	}
	return &Repr{Value: v.String(), Method: MethodRepr}
}

func accept(method string, rv starlark.Value) *Repr {
	if rv == starlark.None {
		return nil
	}
	if method == MethodMimeBundle {
		d, ok := rv.(*starlark.Dict)
		if !ok {
			return nil
		}
		bundle, err := value.ToGo(d)
		if err != nil {
			return nil
		}
		return &Repr{Value: bundle, Method: method}
	}
	s, ok := starlark.AsString(rv)
	if !ok {
		return nil
	}
	return &Repr{Value: s, Method: method}
}

func backtrace(err error) string {
	var ee *starlark.EvalError
	if errors.As(err, &ee) {
		return ee.Backtrace()
	}
	return err.Error()
}
