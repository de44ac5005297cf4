package render

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    Format
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"JSON", FormatJSON, false},
		{"table", FormatTable, false},
		{"yaml", FormatYAML, false},
		{"", "", false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.input)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tt.input, got, err)
		}
	}
	if _, err := ParseFormat("csv"); err == nil || !strings.Contains(err.Error(), "json, table, or yaml") {
		t.Errorf("error should list valid formats: %v", err)
	}
}

type blocks [][]string

func (b blocks) Columns() []string { return []string{"KEY", "STATUS"} }
func (b blocks) Rows() [][]string  { return b }

type line string

func (l line) Line() string { return "> " + string(l) }

func render(t *testing.T, f Format, data any) string {
	t.Helper()
	var buf bytes.Buffer
	if err := NewRendererWithWriter(f, true, &buf).Render(data); err != nil {
		t.Fatalf("Render: %v", err)
	}
	return buf.String()
}

func TestRender(t *testing.T) {
	data := map[string]any{"y": 42, "names": []any{"a", "b"}}
	tests := []struct {
		format Format
		data   any
		want   []string
	}{
		{FormatJSON, data, []string{`"y": 42`, `"names": [`}},
		// yaml.v3 quotes keys that YAML 1.1 would read as booleans.
		{FormatYAML, data, []string{`"y": 42`, "names:", "- a"}},
		{FormatTable, data, []string{"names:  [\"a\",\"b\"]", "y:      42"}},
		{FormatTable, blocks{{"k1", "finished"}, {"k2", "failed"}}, []string{"KEY  STATUS", "k1   finished", "k2   failed"}},
		{FormatTable, blocks{}, []string{"(no results)"}},
		{FormatTable, "plain", []string{"plain"}},
	}
	for _, tt := range tests {
		got := render(t, tt.format, tt.data)
		for _, w := range tt.want {
			if !strings.Contains(got, w) {
				t.Errorf("%s output missing %q:\n%s", tt.format, w, got)
			}
		}
	}
}

func TestStream(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, true, &buf)
	_ = r.Stream(line("one"))
	_ = r.Stream(7)
	if got := buf.String(); got != "> one\n7\n" {
		t.Errorf("table stream = %q", got)
	}

	buf.Reset()
	r = NewRendererWithWriter(FormatJSON, true, &buf)
	_ = r.Stream(map[string]int{"a": 1})
	_ = r.Stream(map[string]int{"a": 2})
	if got := buf.String(); got != "{\"a\":1}\n{\"a\":2}\n" {
		t.Errorf("json stream = %q", got)
	}
}

func TestCell(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"s", "s"},
		{3.5, "3.5"},
		{[]any{1, "x"}, `[1,"x"]`},
		{map[string]any{"k": true}, `{"k":true}`},
	}
	for _, tt := range tests {
		if got := Cell(tt.in); got != tt.want {
			t.Errorf("Cell(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
