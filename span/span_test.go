package span

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/justapithecus/afar/lang"
)

// frameFor builds a frame over src suspended at headerLine, with one
// line-table entry per listed statement line plus an end sentinel.
func frameFor(src string, headerLine int, statements ...int) *Frame {
	lines := lang.SplitLines(src)
	f := &Frame{Filename: "<cell>", Lines: lines, Lineno: headerLine}
	for _, line := range statements {
		f.LineStarts = append(f.LineStarts, LineStart{Offset: 2 * line, Line: line})
		if line == headerLine {
			f.Lasti = 2 * line
		}
	}
	f.LineStarts = append(f.LineStarts, LineStart{Offset: 1 << 20, Line: len(lines) + 1})
	return f
}

func TestLocate_Bodies(t *testing.T) {
	tests := []struct {
		name       string
		src        string
		header     int
		statements []int
		want       []string
		contexts   []Context
	}{
		{
			name:       "simple",
			src:        "with run, later:\n    pass\n\nz = 1\n",
			header:     1,
			statements: []int{1, 4},
			want:       []string{"    pass\n"},
			contexts:   []Context{{Expr: "run"}, {Expr: "later"}},
		},
		{
			name:       "two assignments",
			src:        "with run, later:\n    b = a + 1\n    c = a + b\n\nassert_done()\n",
			header:     1,
			statements: []int{1, 5},
			want:       []string{"    b = a + 1\n", "    c = a + b\n"},
		},
		{
			name:       "continuation lines and trailing comment",
			src:        "with \\\n    run, \\\n    later \\\n:\n\n    pass\n\n# fmt: on\n\nx = 1\n",
			header:     1,
			statements: []int{1, 10},
			want:       []string{"\n", "    pass\n"},
		},
		{
			name: "colon inside call",
			src: "with \\\n    run as c, \\\n    later( \\\n    d= \\\n    \":\" \\\n    ) \\\n:\n\n" +
				"    f\n    g\n    h(\n        z\n        =\n        2\n    )\n\nnext()\n",
			header:     1,
			statements: []int{1, 17},
			want: []string{
				"\n", "    f\n", "    g\n", "    h(\n", "        z\n",
				"        =\n", "        2\n", "    )\n",
			},
			contexts: []Context{{Expr: "run", Target: "c"}, {Expr: "later( d= \":\" )"}},
		},
		{
			name: "multi-line statement after body",
			src: "with \\\n    run, \\\n    later:\n    # :\n    (\n        1\n        +\n        2\n    )\n" +
				"x = (\n    3\n    +\n    4\n)\n",
			header:     1,
			statements: []int{1, 10},
			want:       []string{"    # :\n", "    (\n", "        1\n", "        +\n", "        2\n", "    )\n"},
		},
		{
			name:       "column-0 comment after body",
			src:        "with run(\"y\"), locally:\n    y = 1\n# note\nz = y\n",
			header:     1,
			statements: []int{1, 4},
			want:       []string{"    y = 1\n"},
		},
		{
			name:       "leading comment kept, trailing comments dropped",
			src:        "with run, later:\n    # first\n    x = 1\n    # last\n  # shallow\ny = 2\n",
			header:     1,
			statements: []int{1, 6},
			want:       []string{"    # first\n", "    x = 1\n"},
		},
		{
			name:       "hash line closing a multi-line string stays",
			src:        "with run, later:\n    s = \"\"\"a\n# b\"\"\"\nz = 1\n",
			header:     1,
			statements: []int{1, 4},
			want:       []string{"    s = \"\"\"a\n", "# b\"\"\"\n"},
		},
		{
			name:       "extra contexts are tolerated",
			src:        "with run, later, z:\n    pass\ny = 2\n",
			header:     1,
			statements: []int{1, 3},
			want:       []string{"    pass\n"},
			contexts:   []Context{{Expr: "run"}, {Expr: "later"}, {Expr: "z"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Locate(frameFor(tt.src, tt.header, tt.statements...), nil)
			if err != nil {
				t.Fatalf("Locate: %v", err)
			}
			if !reflect.DeepEqual(got.Body, tt.want) {
				t.Errorf("body = %q\nwant %q", got.Body, tt.want)
			}
			if tt.contexts != nil && !reflect.DeepEqual(got.Header.Contexts, tt.contexts) {
				t.Errorf("contexts = %+v, want %+v", got.Header.Contexts, tt.contexts)
			}
		})
	}
}

func TestLocate_SingleLineBody(t *testing.T) {
	_, err := Locate(frameFor("with run, later: pass\n", 1, 1), nil)
	var ce *CaptureError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CaptureError, got %v", err)
	}
	if !strings.Contains(err.Error(), "please put the context body on a new line") {
		t.Errorf("error = %q", err)
	}
}

func TestLocate_MissingLocation(t *testing.T) {
	_, err := Locate(frameFor("with run:\n    pass\n", 1, 1), nil)
	var ue *UsageError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UsageError, got %v", err)
	}
	if !strings.Contains(ue.Msg, "`run` is missing a location") || !strings.Contains(ue.Msg, "adding `, remotely`") {
		t.Errorf("message = %q", ue.Msg)
	}
}

func TestLocate_NoHeader(t *testing.T) {
	_, err := Locate(frameFor("x = 1\ny = 2\n", 2, 1, 2), nil)
	var ce *CaptureError
	if !errors.As(err, &ce) || ce.Msg != msgAnalyze {
		t.Fatalf("expected analyze error, got %v", err)
	}
}

func TestLocate_UntrimmableBody(t *testing.T) {
	_, err := Locate(frameFor("with run, later:\n    )\n", 1, 1), nil)
	var ce *CaptureError
	if !errors.As(err, &ce) || ce.Msg != msgBody {
		t.Fatalf("expected body error, got %v", err)
	}
}

func TestEndLine_WiggleRoom(t *testing.T) {
	lines := lang.SplitLines(strings.Repeat("    x\n", 20))
	frame := &Frame{Lines: lines}
	header := &Header{Start: 0, BodyStart: 1}

	if got := EndLine(frame, header, len(lines)); got != 1+WiggleRoom {
		t.Errorf("EndLine = %d, want %d", got, 1+WiggleRoom)
	}
	if got := EndLine(frame, header, 3); got != 3 {
		t.Errorf("EndLine capped = %d, want 3", got)
	}
}

func TestEndLine_IgnoresHeaderContinuation(t *testing.T) {
	// A column-0 line inside a multi-line header must not end the body.
	frame := &Frame{
		LineStarts: []LineStart{{Offset: 0, Line: 1}, {Offset: 2, Line: 2}, {Offset: 4, Line: 6}},
		Lasti:      0,
	}
	header := &Header{Start: 0, BodyStart: 2}
	if got := EndLine(frame, header, 10); got != 6 {
		t.Errorf("EndLine = %d, want 6", got)
	}
}

type fakeHistory struct {
	cell string
	err  error
}

func (h fakeHistory) LastCell() (string, error) { return h.cell, h.err }

func TestLocate_HistoryFallback(t *testing.T) {
	cell := "%%time\n\n\nwith run, later:\n    y = 1\nz = 2\n"
	frame := &Frame{
		Filename:   "<timed exec>",
		Lineno:     1,
		LineStarts: []LineStart{{Offset: 0, Line: 1}, {Offset: 2, Line: 3}},
	}

	got, err := Locate(frame, fakeHistory{cell: cell})
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if want := []string{"    y = 1\n"}; !reflect.DeepEqual(got.Body, want) {
		t.Errorf("body = %q, want %q", got.Body, want)
	}

	frame.Filename = "<compiled>"
	if _, err := Locate(frame, fakeHistory{cell: cell}); err == nil {
		t.Error("expected error when source is unavailable outside a timed wrapper")
	}
}

func TestStripMagic(t *testing.T) {
	got := StripMagic("%%time\n\n  \nx = 1\n\ny = 2")
	want := []string{"x = 1\n", "\n", "y = 2\n"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("StripMagic = %q, want %q", got, want)
	}
}

func TestIsHeaderLine(t *testing.T) {
	for line, want := range map[string]bool{
		"with run, later:\n": true,
		"    with x, y:\n":   true,
		"with\\\n":           true,
		"without = 1\n":      false,
		"x = with_\n":        false,
	} {
		if got := IsHeaderLine(line); got != want {
			t.Errorf("IsHeaderLine(%q) = %v, want %v", line, got, want)
		}
	}
}
