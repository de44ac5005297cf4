package span

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/justapithecus/afar/lang"
)

var asTarget = regexp.MustCompile(`^(?s)(.*\S)\s+as\s+([A-Za-z_][A-Za-z0-9_]*)\s*$`)

// ParseHeader parses the dual-context statement opening at lines[start].
//
// The statement may span several lines through brackets or backslash
// continuations. It ends at the first colon outside brackets and strings;
// the body must begin on a later line. At least two contexts are required.
func ParseHeader(lines []string, start int, filename string) (*Header, error) {
	if start < 0 || start >= len(lines) || !IsHeaderLine(lines[start]) {
		return nil, &CaptureError{Msg: msgAnalyze}
	}

	text := strings.Join(lines[start:], "")
	pos := strings.Index(text, Keyword) + len(Keyword)

	sc := headerScanner{text: text, line: start}
	items, colon, err := sc.scan(pos)
	if err != nil {
		return nil, err
	}

	if rest := restOfLine(text[colon+1:]); rest != "" {
		return nil, &CaptureError{Msg: msgSingleLine}
	}

	opts := lang.FileOptions()
	contexts := make([]Context, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			return nil, &CaptureError{Msg: msgAnalyze, Err: fmt.Errorf("empty context in %q", strings.TrimSpace(lines[start]))}
		}
		ctx := Context{Expr: item}
		if m := asTarget.FindStringSubmatch(item); m != nil {
			if _, err := opts.ParseExpr(filename, m[1], 0); err == nil {
				ctx = Context{Expr: strings.TrimSpace(m[1]), Target: m[2]}
			}
		}
		if _, err := opts.ParseExpr(filename, ctx.Expr, 0); err != nil {
			return nil, &CaptureError{Msg: msgAnalyze, Err: err}
		}
		contexts = append(contexts, ctx)
	}

	if len(contexts) < 2 {
		return nil, MissingLocation(contexts[0].Expr)
	}

	return &Header{Start: start, BodyStart: sc.line + 1, Contexts: contexts}, nil
}

// restOfLine returns the code following a header colon on the same line,
// without comments and whitespace.
func restOfLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// headerScanner splits header text into top-level comma-separated items.
type headerScanner struct {
	text string
	line int // 0-based index of the line under the cursor
}

func (sc *headerScanner) scan(pos int) (items []string, colon int, err error) {
	var cur strings.Builder
	depth := 0
	quote := ""
	text := sc.text

	for i := pos; i < len(text); i++ {
		c := text[i]

		if quote != "" {
			switch {
			case c == '\\' && i+1 < len(text):
				cur.WriteByte(c)
				cur.WriteByte(text[i+1])
				if text[i+1] == '\n' {
					sc.line++
				}
				i++
			case strings.HasPrefix(text[i:], quote):
				cur.WriteString(quote)
				i += len(quote) - 1
				quote = ""
			case c == '\n':
				if len(quote) == 1 {
					return nil, 0, &CaptureError{Msg: msgAnalyze, Err: fmt.Errorf("unterminated string")}
				}
				cur.WriteByte(c)
				sc.line++
			default:
				cur.WriteByte(c)
			}
			continue
		}

		switch c {
		case '#':
			for i+1 < len(text) && text[i+1] != '\n' {
				i++
			}
		case '\\':
			if i+1 < len(text) && text[i+1] == '\n' {
				writeSpace(&cur)
				sc.line++
				i++
			} else {
				cur.WriteByte(c)
			}
		case '\'', '"':
			quote = string(c)
			if strings.HasPrefix(text[i:], strings.Repeat(quote, 3)) {
				quote = strings.Repeat(quote, 3)
			}
			cur.WriteString(quote)
			i += len(quote) - 1
		case '(', '[', '{':
			depth++
			cur.WriteByte(c)
		case ')', ']', '}':
			depth--
			if depth < 0 {
				return nil, 0, &CaptureError{Msg: msgAnalyze, Err: fmt.Errorf("unbalanced %q", c)}
			}
			cur.WriteByte(c)
		case '\n':
			if depth == 0 {
				return nil, 0, &CaptureError{Msg: msgAnalyze, Err: fmt.Errorf("statement ends without ':'")}
			}
			writeSpace(&cur)
			sc.line++
		case ' ', '\t':
			writeSpace(&cur)
		case ',':
			if depth == 0 {
				items = append(items, cur.String())
				cur.Reset()
			} else {
				cur.WriteByte(c)
			}
		case ':':
			if depth == 0 {
				items = append(items, cur.String())
				return items, i, nil
			}
			cur.WriteByte(c)
		default:
			cur.WriteByte(c)
		}
	}
	return nil, 0, &CaptureError{Msg: msgAnalyze, Err: fmt.Errorf("statement ends without ':'")}
}

// writeSpace collapses runs of whitespace outside strings.
func writeSpace(b *strings.Builder) {
	if s := b.String(); s != "" && s[len(s)-1] == ' ' {
		return
	}
	b.WriteByte(' ')
}
