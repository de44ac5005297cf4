// Package lang holds the Starlark dialect shared by block capture,
// block compilation and the session driver.
package lang

import (
	"context"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// FileOptions returns the dialect used for every parse in afar.
// Cells are written like scripts: top-level loops, while, sets and
// rebinding of globals are all allowed.
func FileOptions() *syntax.FileOptions {
	return &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
		Recursion:       true,
	}
}

// SplitLines splits text into lines that keep their trailing newline.
// The last line gains a newline if it lacked one.
func SplitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if last := lines[len(lines)-1]; !strings.HasSuffix(last, "\n") {
		lines[len(lines)-1] = last + "\n"
	}
	return lines
}

// IsBlank reports whether a line holds only whitespace or a comment.
func IsBlank(line string) bool {
	s := strings.TrimSpace(line)
	return s == "" || strings.HasPrefix(s, "#")
}

// Indent returns the width of the leading whitespace of line.
func Indent(line string) int {
	return len(line) - len(strings.TrimLeft(line, " \t"))
}

// Dedent removes the common leading whitespace of all lines holding code.
// Blank and comment-only lines do not count towards it.
func Dedent(lines []string) []string {
	common := -1
	for _, l := range lines {
		if IsBlank(l) {
			continue
		}
		if n := Indent(l); common < 0 || n < common {
			common = n
		}
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		switch {
		case common <= 0:
			out[i] = l
		case len(l) >= common && strings.TrimSpace(l[:common]) == "":
			out[i] = l[common:]
		default:
			out[i] = strings.TrimLeft(l, " \t")
		}
		if !strings.HasSuffix(out[i], "\n") {
			out[i] += "\n"
		}
	}
	return out
}

// IsIdentifier reports whether s is a valid Starlark identifier.
func IsIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_', 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case i > 0 && '0' <= c && c <= '9':
		default:
			return false
		}
	}
	return !keywords[s]
}

// keywords are the words the Starlark scanner refuses as identifiers,
// reserved words included.
var keywords = map[string]bool{
	"and": true, "break": true, "continue": true, "def": true, "elif": true,
	"else": true, "for": true, "if": true, "in": true, "lambda": true,
	"load": true, "not": true, "or": true, "pass": true, "return": true,
	"while": true, "as": true, "async": true, "await": true, "class": true,
	"del": true, "except": true, "finally": true, "from": true, "global": true,
	"import": true, "is": true, "nonlocal": true, "raise": true, "try": true,
	"with": true, "yield": true,
}

// contextLocal is the thread-local key holding the caller's context.
const contextLocal = "afar.context"

// WithContext attaches ctx to a Starlark thread so builtins that block
// (waiting on a handle, for instance) honour cancellation.
func WithContext(thread *starlark.Thread, ctx context.Context) {
	thread.SetLocal(contextLocal, ctx)
}

// Context returns the context attached to thread, or a background context.
func Context(thread *starlark.Thread) context.Context {
	if thread != nil {
		if ctx, ok := thread.Local(contextLocal).(context.Context); ok {
			return ctx
		}
	}
	return context.Background()
}
