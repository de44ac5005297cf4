package scope

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/justapithecus/afar/value"
)

// wireCallable is the transport form of a Callable.
// The compiled program is not portable; the source travels instead.
type wireCallable struct {
	Source  string         `msgpack:"source"`
	Display bool           `msgpack:"display"`
	Outer   map[string]any `msgpack:"outer"`
}

// MarshalMsgpack encodes the source, the display flag and the outer scope.
// Every outer value must have a plain form.
func (c *Callable) MarshalMsgpack() ([]byte, error) {
	outer, err := value.DictToWire(c.outer)
	if err != nil {
		return nil, fmt.Errorf("encode outer scope: %w", err)
	}
	return msgpack.Marshal(wireCallable{Source: c.source, Display: c.display, Outer: outer})
}

// Decode rebuilds a Callable from its transport form by recompiling the
// source. The result compiles to the same bytecode as the original.
func Decode(data []byte) (*Callable, error) {
	var w wireCallable
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	outer, err := value.DictFromGo(w.Outer)
	if err != nil {
		return nil, fmt.Errorf("decode outer scope: %w", err)
	}
	c, err := compile(w.Source, w.Display)
	if err != nil {
		return nil, fmt.Errorf("recompile block: %w", err)
	}
	return c.bindFrom(outer), nil
}
