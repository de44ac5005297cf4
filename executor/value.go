package executor

import (
	"fmt"

	"go.starlark.net/starlark"
)

// Value wraps an Executor so cells can pass it to a directive as
// executor=... or hold it in a variable.
type Value struct {
	Executor Executor
}

var _ starlark.Value = (*Value)(nil)

// AsValue wraps e for Starlark.
func AsValue(e Executor) *Value { return &Value{Executor: e} }

// FromValue unwraps an executor held in a Starlark value.
func FromValue(v starlark.Value) (Executor, error) {
	if ev, ok := v.(*Value); ok && ev.Executor != nil {
		return ev.Executor, nil
	}
	return nil, fmt.Errorf("expected executor, got %s", v.Type())
}

func (v *Value) String() string        { return fmt.Sprintf("<executor %s>", v.Executor.Name()) }
func (v *Value) Type() string          { return "executor" }
func (v *Value) Freeze()               {}
func (v *Value) Truth() starlark.Bool  { return starlark.True }
func (v *Value) Hash() (uint32, error) { return starlark.String(v.Executor.Name()).Hash() }
