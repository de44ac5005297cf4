package remote

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"go.starlark.net/starlark"

	"github.com/justapithecus/afar/display"
	"github.com/justapithecus/afar/executor"
	"github.com/justapithecus/afar/scope"
	"github.com/justapithecus/afar/value"
)

// Envelope kinds.
const (
	kindCallable = "callable"
	kindRepr     = "repr"
	kindValue    = "value"
)

type envelope struct {
	Kind string             `msgpack:"kind"`
	Data msgpack.RawMessage `msgpack:"data"`
}

// Codec encodes blocks, representations and values for transport.
// Starlark values travel in their wire form (see value.ToWire) and decode
// as plain Go values; callers convert back with value.FromGo.
type Codec struct{}

var _ executor.Codec = Codec{}

// Encode implements executor.Codec.
func (Codec) Encode(v any) ([]byte, error) {
	var (
		kind string
		data []byte
		err  error
	)
	switch x := v.(type) {
	case *scope.Callable:
		kind = kindCallable
		data, err = x.MarshalMsgpack()
	case *display.Repr:
		kind = kindRepr
		data, err = msgpack.Marshal(x)
	default:
		var p any
		p, err = plain(v)
		if err == nil {
			kind = kindValue
			data, err = msgpack.Marshal(p)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return msgpack.Marshal(envelope{Kind: kind, Data: data})
}

// Decode implements executor.Codec.
func (Codec) Decode(data []byte) (any, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Kind {
	case kindCallable:
		return scope.Decode(env.Data)
	case kindRepr:
		var r display.Repr
		if err := msgpack.Unmarshal(env.Data, &r); err != nil {
			return nil, fmt.Errorf("decode repr: %w", err)
		}
		return &r, nil
	case kindValue:
		var v any
		if err := msgpack.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("decode value: %w", err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("unknown envelope kind %q", env.Kind)
}

// plain converts Starlark values, including those nested in maps and
// slices, to their plain Go form.
func plain(v any) (any, error) {
	switch x := v.(type) {
	case starlark.Value:
		return value.ToWire(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			p, err := plain(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = p
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			p, err := plain(e)
			if err != nil {
				return nil, err
			}
			out[i] = p
		}
		return out, nil
	}
	return v, nil
}
