// Package value converts between Starlark values and the plain Go values
// that cross a process boundary (msgpack, JSON, YAML).
//
// Plain values are nil, bool, int64, uint64, float64, string, []byte,
// []any and map[string]any. Transport adds the wire containers Tuple, Set
// and Dict. Anything else cannot leave the process.
package value

import (
	"fmt"
	"math/big"
	"sort"

	"go.starlark.net/starlark"
)

// UnsupportedError reports a value that has no plain representation.
type UnsupportedError struct {
	Type string
	Path string
}

func (e *UnsupportedError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("cannot transport value of type %s", e.Type)
	}
	return fmt.Sprintf("cannot transport value of type %s at %s", e.Type, e.Path)
}

// ToGo converts a Starlark value into its plain Go form.
// Tuples and sets become slices; dict keys must be strings.
func ToGo(v starlark.Value) (any, error) {
	return convert(v, "", false)
}

// convert builds the plain form of v, or its wire form when wire is set.
func convert(v starlark.Value, path string, wire bool) (any, error) {
	switch x := v.(type) {
	case nil, starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		if i, ok := x.Int64(); ok {
			return i, nil
		}
		if u, ok := x.Uint64(); ok {
			return u, nil
		}
		return nil, &UnsupportedError{Type: "int (out of 64-bit range)", Path: path}
	case starlark.Float:
		return float64(x), nil
	case starlark.String:
		return string(x), nil
	case starlark.Bytes:
		return []byte(x), nil
	case *starlark.List:
		return iterToGo(x, x.Len(), path, wire)
	case starlark.Tuple:
		elems, err := iterToGo(x, x.Len(), path, wire)
		if err != nil || !wire {
			return elems, err
		}
		t := Tuple(elems)
		return &t, nil
	case *starlark.Set:
		elems, err := iterToGo(x, x.Len(), path, wire)
		if err != nil || !wire {
			return elems, err
		}
		s := Set(elems)
		return &s, nil
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, item := range x.Items() {
			k, ok := item[0].(starlark.String)
			if !ok {
				if wire {
					return dictToWire(x, path)
				}
				return nil, &UnsupportedError{Type: "dict with " + item[0].Type() + " keys", Path: path}
			}
			gv, err := convert(item[1], path+"["+k.GoString()+"]", wire)
			if err != nil {
				return nil, err
			}
			out[string(k)] = gv
		}
		return out, nil
	case Plain:
		return x.Plain(), nil
	default:
		return nil, &UnsupportedError{Type: v.Type(), Path: path}
	}
}

func iterToGo(it starlark.Iterable, n int, path string, wire bool) ([]any, error) {
	out := make([]any, 0, n)
	iter := it.Iterate()
	defer iter.Done()
	var elem starlark.Value
	for i := 0; iter.Next(&elem); i++ {
		gv, err := convert(elem, fmt.Sprintf("%s[%d]", path, i), wire)
		if err != nil {
			return nil, err
		}
		out = append(out, gv)
	}
	return out, nil
}

// Plain is implemented by Starlark values that wrap a plain Go value.
type Plain interface {
	starlark.Value
	Plain() any
}

// FromGo converts a plain Go value into a Starlark value.
// Starlark values pass through unchanged.
func FromGo(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case starlark.Value:
		return x, nil
	case bool:
		return starlark.Bool(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int8:
		return starlark.MakeInt64(int64(x)), nil
	case int16:
		return starlark.MakeInt64(int64(x)), nil
	case int32:
		return starlark.MakeInt64(int64(x)), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case uint:
		return starlark.MakeUint(x), nil
	case uint8:
		return starlark.MakeUint64(uint64(x)), nil
	case uint16:
		return starlark.MakeUint64(uint64(x)), nil
	case uint32:
		return starlark.MakeUint64(uint64(x)), nil
	case uint64:
		return starlark.MakeUint64(x), nil
	case *big.Int:
		return starlark.MakeBigInt(x), nil
	case float32:
		return starlark.Float(x), nil
	case float64:
		return starlark.Float(x), nil
	case string:
		return starlark.String(x), nil
	case []byte:
		return starlark.Bytes(x), nil
	case []string:
		elems := make([]starlark.Value, len(x))
		for i, s := range x {
			elems[i] = starlark.String(s)
		}
		return starlark.NewList(elems), nil
	case []any:
		elems, err := elemsFromGo(x)
		if err != nil {
			return nil, err
		}
		return starlark.NewList(elems), nil
	case *Tuple:
		return tupleFromGo(*x)
	case Tuple:
		return tupleFromGo(x)
	case *Set:
		return setFromGo(*x)
	case Set:
		return setFromGo(x)
	case *Dict:
		return dictFromGo(*x)
	case Dict:
		return dictFromGo(x)
	case map[string]any:
		d := starlark.NewDict(len(x))
		for _, k := range sortedKeys(x) {
			sv, err := FromGo(x[k])
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	case map[any]any:
		d := starlark.NewDict(len(x))
		for k, e := range x {
			sk, err := FromGo(k)
			if err != nil {
				return nil, err
			}
			sv, err := FromGo(e)
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(sk, sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	default:
		return nil, &UnsupportedError{Type: fmt.Sprintf("%T", v)}
	}
}

// DictFromGo converts a plain mapping into a StringDict.
func DictFromGo(m map[string]any) (starlark.StringDict, error) {
	out := make(starlark.StringDict, len(m))
	for k, v := range m {
		sv, err := FromGo(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = sv
	}
	return out, nil
}

// StringDict copies the string-keyed entries of a Starlark dict.
// Entries with non-string keys are not addressable as names and are skipped.
func StringDict(d *starlark.Dict) starlark.StringDict {
	out := make(starlark.StringDict, d.Len())
	for _, item := range d.Items() {
		if k, ok := item[0].(starlark.String); ok {
			out[string(k)] = item[1]
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func dictToWire(d *starlark.Dict, path string) (any, error) {
	out := make(Dict, 0, 2*d.Len())
	for i, item := range d.Items() {
		k, err := convert(item[0], fmt.Sprintf("%s.keys()[%d]", path, i), true)
		if err != nil {
			return nil, err
		}
		v, err := convert(item[1], fmt.Sprintf("%s.values()[%d]", path, i), true)
		if err != nil {
			return nil, err
		}
		out = append(out, k, v)
	}
	return &out, nil
}
