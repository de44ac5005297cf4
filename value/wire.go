package value

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"go.starlark.net/starlark"
)

// Msgpack extension IDs of the wire containers.
const (
	extTuple int8 = 1
	extSet   int8 = 2
	extDict  int8 = 3
)

func init() {
	msgpack.RegisterExt(extTuple, (*Tuple)(nil))
	msgpack.RegisterExt(extSet, (*Set)(nil))
	msgpack.RegisterExt(extDict, (*Dict)(nil))
}

// Tuple is the wire form of a Starlark tuple.
type Tuple []any

// Set is the wire form of a Starlark set, in iteration order.
type Set []any

// Dict is the wire form of a Starlark dict whose keys are not all
// strings: keys and values alternate.
type Dict []any

func (t *Tuple) MarshalMsgpack() ([]byte, error) { return msgpack.Marshal([]any(*t)) }

func (t *Tuple) UnmarshalMsgpack(b []byte) error { return msgpack.Unmarshal(b, (*[]any)(t)) }

func (s *Set) MarshalMsgpack() ([]byte, error) { return msgpack.Marshal([]any(*s)) }

func (s *Set) UnmarshalMsgpack(b []byte) error { return msgpack.Unmarshal(b, (*[]any)(s)) }

func (d *Dict) MarshalMsgpack() ([]byte, error) { return msgpack.Marshal([]any(*d)) }

func (d *Dict) UnmarshalMsgpack(b []byte) error {
	if err := msgpack.Unmarshal(b, (*[]any)(d)); err != nil {
		return err
	}
	if len(*d)%2 != 0 {
		return fmt.Errorf("dict wire form has %d elements, want pairs", len(*d))
	}
	return nil
}

// ToWire converts a Starlark value into the form it crosses a process
// boundary in. Unlike ToGo it keeps tuples, sets and dicts with
// non-string keys distinct, as *Tuple, *Set and *Dict; FromGo restores
// them.
func ToWire(v starlark.Value) (any, error) {
	return convert(v, "", true)
}

// DictToWire converts a name-keyed Starlark mapping into its wire form.
func DictToWire(d starlark.StringDict) (map[string]any, error) {
	out := make(map[string]any, len(d))
	for _, k := range d.Keys() {
		gv, err := convert(d[k], k, true)
		if err != nil {
			return nil, err
		}
		out[k] = gv
	}
	return out, nil
}

func elemsFromGo(elems []any) ([]starlark.Value, error) {
	out := make([]starlark.Value, len(elems))
	for i, e := range elems {
		sv, err := FromGo(e)
		if err != nil {
			return nil, err
		}
		out[i] = sv
	}
	return out, nil
}

func tupleFromGo(t Tuple) (starlark.Value, error) {
	elems, err := elemsFromGo(t)
	if err != nil {
		return nil, err
	}
	return starlark.Tuple(elems), nil
}

func setFromGo(s Set) (starlark.Value, error) {
	elems, err := elemsFromGo(s)
	if err != nil {
		return nil, err
	}
	set := starlark.NewSet(len(elems))
	for _, e := range elems {
		if err := set.Insert(e); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func dictFromGo(d Dict) (starlark.Value, error) {
	if len(d)%2 != 0 {
		return nil, fmt.Errorf("dict wire form has %d elements, want pairs", len(d))
	}
	elems, err := elemsFromGo(d)
	if err != nil {
		return nil, err
	}
	out := starlark.NewDict(len(elems) / 2)
	for i := 0; i < len(elems); i += 2 {
		if err := out.SetKey(elems[i], elems[i+1]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
