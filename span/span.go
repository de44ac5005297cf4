// Package span recovers the source lines of a captured block.
//
// A block is the body of a dual-context statement:
//
//	with run("y"), remotely:
//	    x = 1
//	    y = x + 1
//
// Given a suspended execution point (Frame), Locate finds the opening
// statement, counts its chained contexts, bounds the body using the frame's
// offset/line table and trims the candidate until it compiles on its own.
package span

import (
	"fmt"
	"strings"

	"go.starlark.net/starlark"

	"github.com/justapithecus/afar/lang"
)

// WiggleRoom is how many lines past the body start are considered when the
// frame does not expose a usable end marker.
const WiggleRoom = 5

// Keyword opens a dual-context statement.
const Keyword = "with"

// Filenames under which a timed wrapper executes cell source.
// Their text is not addressable through the frame, only through history.
var timedFilenames = map[string]bool{
	"<timed exec>":   true,
	"<magic-timeit>": true,
}

// LineStart maps a code offset to the source line it begins.
type LineStart struct {
	Offset int
	Line   int // 1-based
}

// Frame is a suspended execution point.
// It is borrowed for the duration of block analysis only.
type Frame struct {
	// Filename is the name the source was executed under.
	Filename string
	// Lines is the enclosing source; nil when it cannot be read directly.
	Lines []string
	// Lineno is the 1-based line being executed.
	Lineno int
	// Locals is the local-variable mapping.
	Locals starlark.StringDict
	// Globals is the global-variable mapping.
	Globals starlark.StringDict
	// LineStarts is the offset/line correspondence table, ordered by offset.
	LineStarts []LineStart
	// Lasti is the offset executing when the block exited.
	Lasti int
}

// History gives access to the last input executed by an interactive shell.
type History interface {
	LastCell() (string, error)
}

// Context is one item of a dual-context statement.
type Context struct {
	Expr   string
	Target string
}

// Header describes a parsed dual-context statement.
type Header struct {
	// Start is the 0-based index of the line holding the keyword.
	Start int
	// BodyStart is the 0-based index of the first body line.
	BodyStart int
	// Contexts are the chained context items in order.
	Contexts []Context
}

// Span is a located block.
type Span struct {
	Header *Header
	Body   []string
}

// CaptureError reports a block whose source extent could not be recovered.
type CaptureError struct {
	Msg string
	Err error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return e.Msg + " (" + e.Err.Error() + ")"
	}
	return e.Msg
}

func (e *CaptureError) Unwrap() error { return e.Err }

// UsageError reports a statement that is well formed but misused.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

const (
	msgAnalyze    = "Failed to analyze the context!"
	msgSingleLine = "Failed to analyze the context!  When using afar, please put the context body on a new line."
	msgBody       = "Failed to analyze the context body!"
)

// MissingLocation builds the usage error for a statement with a single
// context. name is the source text of that context.
func MissingLocation(name string) *UsageError {
	return &UsageError{Msg: fmt.Sprintf(
		"`%s` is missing a location.\n"+
			"For example:\n\n"+
			">>> with %s, remotely:\n"+
			"...     pass\n\n"+
			"Please specify a location such as adding `, remotely`.", name, name)}
}

// Locate runs every step: find the header, bound the body, trim it.
func Locate(frame *Frame, history History) (*Span, error) {
	lines, err := SourceLines(frame, history)
	if err != nil {
		return nil, err
	}
	header, err := LocateHeader(frame, lines)
	if err != nil {
		return nil, err
	}
	body, err := LocateBody(frame, header, lines)
	if err != nil {
		return nil, err
	}
	return &Span{Header: header, Body: body}, nil
}

// LocateHeader finds and parses the statement enclosing the frame's line.
func LocateHeader(frame *Frame, lines []string) (*Header, error) {
	start, err := FindHeader(lines, frame.Lineno)
	if err != nil {
		return nil, err
	}
	return ParseHeader(lines, start, frame.Filename)
}

// LocateBody bounds and trims the body following header.
func LocateBody(frame *Frame, header *Header, lines []string) ([]string, error) {
	end := EndLine(frame, header, len(lines))
	if end <= header.BodyStart {
		return nil, &CaptureError{Msg: msgBody}
	}
	return Trim(lines[header.BodyStart:end])
}

// SourceLines returns the frame's source, falling back to shell history
// for code run under a timed wrapper.
func SourceLines(frame *Frame, history History) ([]string, error) {
	if frame.Lines != nil {
		return frame.Lines, nil
	}
	if !timedFilenames[frame.Filename] || history == nil {
		return nil, &CaptureError{Msg: msgAnalyze, Err: fmt.Errorf("source of %q is not available", frame.Filename)}
	}
	cell, err := history.LastCell()
	if err != nil {
		return nil, &CaptureError{Msg: msgAnalyze, Err: err}
	}
	lines := StripMagic(cell)
	if len(lines) == 0 {
		return nil, &CaptureError{Msg: msgAnalyze, Err: fmt.Errorf("last input is empty")}
	}
	return lines, nil
}

// StripMagic drops a leading cell-magic line and the blank lines after it.
func StripMagic(cell string) []string {
	lines := lang.SplitLines(cell)
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[0]), "%%") {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	return lines
}

// FindHeader scans backward from lineno for the opening keyword.
func FindHeader(lines []string, lineno int) (int, error) {
	i := lineno - 1
	if i >= len(lines) {
		i = len(lines) - 1
	}
	for ; i >= 0; i-- {
		if IsHeaderLine(lines[i]) {
			return i, nil
		}
	}
	return -1, &CaptureError{Msg: msgAnalyze}
}

// IsHeaderLine reports whether line opens a dual-context statement.
func IsHeaderLine(line string) bool {
	s := strings.TrimLeft(line, " \t")
	if !strings.HasPrefix(s, Keyword) {
		return false
	}
	if len(s) == len(Keyword) {
		return true
	}
	return !isIdentByte(s[len(Keyword)])
}

func isIdentByte(c byte) bool {
	return c == '_' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9'
}

// EndLine returns the exclusive 0-based end of the body candidate.
// The first line-table entry past Lasti that lies after the header closes
// the body; without one, WiggleRoom lines past the body start are taken.
func EndLine(frame *Frame, header *Header, nlines int) int {
	maxline := header.BodyStart
	for _, ls := range frame.LineStarts {
		if ls.Line > maxline {
			maxline = ls.Line
		}
		if ls.Offset > frame.Lasti && ls.Line > header.BodyStart {
			return min(maxline, nlines)
		}
	}
	return min(maxline+WiggleRoom, nlines)
}

const (
	trimHead = "def _afar_block_():\n if True:\n"
	trimTail = " pass\n pass\n"
)

// Trim pops lines off the end of candidate until the rest compiles as the
// body of a function. Trailing blank and comment-only lines are dropped too,
// since they may belong to the code after the block.
func Trim(candidate []string) ([]string, error) {
	lines := append([]string(nil), candidate...)
	for len(lines) > 0 {
		if parsesAsBody(lines) {
			return trimTrailingBlank(lines), nil
		}
		lines = lines[:len(lines)-1]
	}
	return nil, &CaptureError{Msg: msgBody}
}

func parsesAsBody(lines []string) bool {
	var b strings.Builder
	b.WriteString(trimHead)
	for _, l := range lines {
		b.WriteString("  ")
		b.WriteString(l)
		if !strings.HasSuffix(l, "\n") {
			b.WriteByte('\n')
		}
	}
	b.WriteString(trimTail)
	_, err := lang.FileOptions().Parse("<block>", b.String(), 0)
	return err == nil
}

// trimTrailingBlank drops blank and comment-only lines off the end of body.
// A "#" line that closes a multi-line string must stay, so the shorter body
// is kept only if it still parses.
func trimTrailingBlank(body []string) []string {
	n := len(body)
	for n > 0 && lang.IsBlank(body[n-1]) {
		n--
	}
	if n == len(body) || n == 0 || !parsesAsBody(body[:n]) {
		return body
	}
	return body[:n]
}
