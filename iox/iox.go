// Package iox holds the cleanup helpers shared by the adapters and the CLI.
package iox

import (
	"errors"
	"io"
)

// drainLimit bounds how much of an unread body DrainClose consumes.
const drainLimit = 64 << 10

// DiscardClose closes c and drops the error, for defers where nothing can
// act on it.
func DiscardClose(c io.Closer) { _ = c.Close() }

// DrainClose reads what is left of rc, up to a limit, then closes it. HTTP
// clients only reuse a connection whose response body was read to EOF.
func DrainClose(rc io.ReadCloser) {
	_, _ = io.CopyN(io.Discard, rc, drainLimit)
	_ = rc.Close()
}

// CloseFunc adapts c for t.Cleanup.
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// Closers runs close functions in reverse registration order.
type Closers []func() error

// Add registers fn.
func (cs *Closers) Add(fn func() error) { *cs = append(*cs, fn) }

// Close calls every function, last added first, and joins their errors.
// The list is empty afterwards, so a second Close is a no-op.
func (cs *Closers) Close() error {
	var errs []error
	for i := len(*cs) - 1; i >= 0; i-- {
		if err := (*cs)[i](); err != nil {
			errs = append(errs, err)
		}
	}
	*cs = nil
	return errors.Join(errs...)
}
