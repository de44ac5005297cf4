package session

import (
	"regexp"
	"strings"

	"github.com/justapithecus/afar/lang"
	"github.com/justapithecus/afar/span"
)

type chunkKind int

const (
	chunkCode chunkKind = iota
	chunkWith
	chunkMagic
)

// chunk is a run of cell lines [start, end) executed as one unit.
type chunk struct {
	kind  chunkKind
	start int
	end   int

	// header of a `with` chunk; err is set instead when it does not parse
	// and is reported when the chunk runs.
	header *span.Header
	err    error
}

// lineMagic matches `%name args` and `target = %name args`.
var lineMagic = regexp.MustCompile(`^(?:([A-Za-z_][A-Za-z0-9_]*)\s*=\s*)?%([A-Za-z_][A-Za-z0-9_]*)(?:[ \t]+(.*?))?\s*$`)

// splitChunks cuts a cell into ordinary code, top-level `with` statements
// and line magics. Only statements at column zero are recognized.
func splitChunks(lines []string, filename string) []chunk {
	var chunks []chunk
	code := -1
	flush := func(end int) {
		if code >= 0 {
			chunks = append(chunks, chunk{kind: chunkCode, start: code, end: end})
			code = -1
		}
	}

	for i := 0; i < len(lines); {
		line := lines[i]
		switch {
		case atTop(line) && span.IsHeaderLine(line):
			flush(i)
			c := chunk{kind: chunkWith, start: i}
			bodyStart := i + 1
			if h, err := span.ParseHeader(lines, i, filename); err != nil {
				c.err = err
			} else {
				c.header = h
				bodyStart = h.BodyStart
			}
			c.end = bodyEnd(lines, bodyStart)
			chunks = append(chunks, c)
			i = c.end
		case atTop(line) && lineMagic.MatchString(line):
			flush(i)
			chunks = append(chunks, chunk{kind: chunkMagic, start: i, end: i + 1})
			i++
		default:
			if code < 0 {
				code = i
			}
			i++
		}
	}
	flush(len(lines))
	return chunks
}

// bodyEnd returns the first line at or after from that starts a new
// top-level statement.
func bodyEnd(lines []string, from int) int {
	for j := from; j < len(lines); j++ {
		if !lang.IsBlank(lines[j]) && atTop(lines[j]) {
			return j
		}
	}
	return len(lines)
}

func atTop(line string) bool {
	return line != "" && line[0] != ' ' && line[0] != '\t'
}

// cellMagic reports whether the first non-blank line of a cell invokes a
// cell magic, returning its name, argument text and the lines after it.
func cellMagic(lines []string) (name, args string, body []string, ok bool) {
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rest, found := strings.CutPrefix(strings.TrimLeft(line, " \t"), "%%")
		if !found {
			return "", "", nil, false
		}
		rest = strings.TrimRight(rest, "\r\n")
		name, args, _ = strings.Cut(rest, " ")
		return name, strings.TrimSpace(args), lines[i+1:], name != ""
	}
	return "", "", nil, false
}

// SplitCells splits a cell file on `# %%` marker lines. Empty cells are
// dropped; a marker's trailing text is a title and not part of the cell.
// Every cell ends in a newline, the last one included.
func SplitCells(src string) []string {
	var (
		cells []string
		cur   strings.Builder
	)
	emit := func() {
		if strings.TrimSpace(cur.String()) != "" {
			cells = append(cells, cur.String())
		}
		cur.Reset()
	}
	for _, line := range lang.SplitLines(src) {
		if strings.HasPrefix(line, "# %%") {
			emit()
			continue
		}
		cur.WriteString(line)
	}
	emit()
	return cells
}
