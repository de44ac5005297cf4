package types

// RelayAction is the kind of a relay event.
type RelayAction string

// Relay actions, emitted in this order for a single correlation key:
// one begin, any number of stdout/stderr chunks, an optional display value,
// then finish.
const (
	RelayBegin       RelayAction = "begin"
	RelayStdout      RelayAction = "stdout"
	RelayStderr      RelayAction = "stderr"
	RelayDisplayExpr RelayAction = "display_expr"
	RelayFinish      RelayAction = "finish"
)

// IsTerminal returns true if no further events follow for the key.
func (a RelayAction) IsTerminal() bool {
	return a == RelayFinish
}

// RelayEvent is one out-of-band message published by a running block.
// All fields use msgpack tags; the same encoding is used on the worker
// pipe and on every bus adapter.
type RelayEvent struct {
	// Key correlates the event with the dispatch that produced it.
	Key string `msgpack:"key" json:"key"`
	// Action is the event kind.
	Action RelayAction `msgpack:"action" json:"action"`
	// Payload is the text chunk for stdout/stderr; empty otherwise.
	Payload string `msgpack:"payload,omitempty" json:"payload,omitempty"`
	// Seq is the per-key emission order, starting at 1.
	Seq int64 `msgpack:"seq" json:"seq"`
}

// RelayTopic is the topic the blocks of a session publish on.
func RelayTopic(sessionID string) string {
	if sessionID == "" {
		return "afar"
	}
	return "afar-" + sessionID
}
