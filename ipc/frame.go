// Package ipc implements the frame protocol between an afar client and its
// worker processes.
//
// Every frame is a 4-byte big-endian length followed by a msgpack map with
// a "type" field. The worker announces itself with ready, then receives
// task and cancel frames and answers with result and event frames.
package ipc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/justapithecus/afar/types"
)

// Frame size limits.
const (
	// MaxFrameSize is the maximum frame size (16 MiB), including the length prefix.
	MaxFrameSize = 16 * 1024 * 1024
	// MaxPayloadSize is the largest msgpack body a frame can carry.
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
)

// Frame type discriminants.
const (
	TypeReady  = "ready"
	TypeTask   = "task"
	TypeResult = "result"
	TypeEvent  = "event"
	TypeCancel = "cancel"
)

// Result statuses carried by result frames.
const (
	ResultFinished  = "finished"
	ResultError     = "error"
	ResultCancelled = "cancelled"
)

// Argument kinds.
const (
	ArgInline = "inline"
	ArgRef    = "ref"
	ArgMap    = "map"
)

// Ready is the first frame a worker writes.
type Ready struct {
	Type     string `msgpack:"type"`
	WorkerID string `msgpack:"worker_id"`
	Protocol string `msgpack:"protocol"`
	PID      int    `msgpack:"pid"`
}

// Arg is one task argument on the wire.
//
// Inline args carry a codec payload. Ref args name a blob the worker loads
// from the shared store; they stand for a future's result. Map args carry
// a mapping of further args.
type Arg struct {
	Kind string         `msgpack:"kind"`
	Data []byte         `msgpack:"data,omitempty"`
	Ref  string         `msgpack:"ref,omitempty"`
	Map  map[string]Arg `msgpack:"map,omitempty"`
}

// Task asks the worker to run a registered function.
type Task struct {
	Type    string         `msgpack:"type"`
	Key     string         `msgpack:"key"`
	Func    string         `msgpack:"func"`
	Args    []Arg          `msgpack:"args"`
	Options map[string]any `msgpack:"options,omitempty"`
}

// Result reports a task outcome. A finished task's value is in the blob
// store under Key.
type Result struct {
	Type      string `msgpack:"type"`
	Key       string `msgpack:"key"`
	Status    string `msgpack:"status"`
	Error     string `msgpack:"error,omitempty"`
	Backtrace string `msgpack:"backtrace,omitempty"`
}

// Event carries a relay event a task published.
type Event struct {
	Type  string           `msgpack:"type"`
	Topic string           `msgpack:"topic"`
	Event types.RelayEvent `msgpack:"event"`
}

// Cancel asks the worker to stop a task. Without Force only a task that
// has not started is dropped.
type Cancel struct {
	Type  string `msgpack:"type"`
	Key   string `msgpack:"key"`
	Force bool   `msgpack:"force"`
}

// FrameErrorKind classifies frame errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack decoding error.
	FrameErrorDecode
)

// FrameError represents a frame encoding or decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error { return e.Err }

// IsFatal reports whether the stream can no longer be trusted.
// Partial and oversized frames desynchronise the stream; a body that fails
// to decode does not.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError returns true if err is a fatal *FrameError.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// FrameDecoder reads length-prefixed frames from a stream.
type FrameDecoder struct {
	reader io.Reader
}

// NewFrameDecoder creates a new frame decoder. Reads are buffered so a
// pipe returning a few bytes per read does not cost a syscall per byte.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{reader: bufio.NewReader(r)}
}

// ReadFrame reads one frame and returns its msgpack body.
// It returns io.EOF only when the stream ends on a frame boundary.
func (d *FrameDecoder) ReadFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(d.reader, lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read length prefix", Err: err}
	}

	size := binary.BigEndian.Uint32(lengthBuf[:])
	if size > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", size, MaxPayloadSize),
		}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(d.reader, payload); err != nil {
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read payload", Err: err}
	}
	return payload, nil
}

// Next reads and decodes one frame.
func (d *FrameDecoder) Next() (any, error) {
	payload, err := d.ReadFrame()
	if err != nil {
		return nil, err
	}
	return DecodeFrame(payload)
}

// FrameEncoder writes frames. It is safe for concurrent use; frames from
// different goroutines never interleave.
type FrameEncoder struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewFrameEncoder creates a new frame encoder.
func NewFrameEncoder(w io.Writer) *FrameEncoder {
	return &FrameEncoder{writer: w}
}

// WriteFrame encodes v and writes it as one frame.
func (e *FrameEncoder) WriteFrame(v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return &FrameError{Kind: FrameErrorDecode, Msg: "failed to encode frame", Err: err}
	}
	if len(payload) > MaxPayloadSize {
		return &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}

	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.writer.Write(buf)
	return err
}

// frameTypeProbe peeks at the type field without a full decode.
type frameTypeProbe struct {
	Type string `msgpack:"type"`
}

// DecodeFrame decodes a frame body into *Ready, *Task, *Result, *Event
// or *Cancel according to its type field.
func DecodeFrame(payload []byte) (any, error) {
	var probe frameTypeProbe
	if err := msgpack.Unmarshal(payload, &probe); err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode frame type", Err: err}
	}

	var v any
	switch probe.Type {
	case TypeReady:
		v = &Ready{}
	case TypeTask:
		v = &Task{}
	case TypeResult:
		v = &Result{}
	case TypeEvent:
		v = &Event{}
	case TypeCancel:
		v = &Cancel{}
	default:
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: fmt.Sprintf("unknown frame type %q", probe.Type)}
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode " + probe.Type + " frame", Err: err}
	}
	return v, nil
}
