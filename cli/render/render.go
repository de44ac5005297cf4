// Package render writes command results as JSON, YAML or a table.
//
// Without --format, a terminal gets a table and anything else gets JSON.
// --no-color only affects tables.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// Format is an output format.
type Format string

// Supported formats.
const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses s. The empty string is valid and means "choose".
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatTable, FormatYAML, "":
		return f, nil
	default:
		return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
	}
}

// Table is implemented by results with a tabular form.
type Table interface {
	Columns() []string
	Rows() [][]string
}

// Liner is implemented by streamed values with a one-line table form.
type Liner interface {
	Line() string
}

var headerStyle = lipgloss.NewStyle().Bold(true)

// Renderer writes results in one format.
type Renderer struct {
	format  Format
	noColor bool
	out     io.Writer
}

// NewRenderer reads --format and --no-color from c and writes to stdout.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	format, err := ParseFormat(c.String("format"))
	if err != nil {
		return nil, err
	}
	out := c.App.Writer
	if out == nil {
		out = os.Stdout
	}
	if format == "" {
		format = FormatJSON
		if f, ok := out.(*os.File); ok && isTTY(f) {
			format = FormatTable
		}
	}
	return &Renderer{format: format, noColor: c.Bool("no-color"), out: out}, nil
}

// NewRendererWithWriter returns a renderer writing to out.
func NewRendererWithWriter(format Format, noColor bool, out io.Writer) *Renderer {
	return &Renderer{format: format, noColor: noColor, out: out}
}

// Format returns the selected format.
func (r *Renderer) Format() Format { return r.format }

// Render writes data.
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatJSON:
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		enc := yaml.NewEncoder(r.out)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	case FormatTable:
		return r.table(data)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

// Stream writes one value of a sequence: a compact JSON line, a YAML
// document, or the value's Line.
func (r *Renderer) Stream(v any) error {
	switch r.format {
	case FormatJSON:
		return json.NewEncoder(r.out).Encode(v)
	case FormatYAML:
		if _, err := io.WriteString(r.out, "---\n"); err != nil {
			return err
		}
		return yaml.NewEncoder(r.out).Encode(v)
	default:
		if l, ok := v.(Liner); ok {
			_, err := fmt.Fprintln(r.out, l.Line())
			return err
		}
		_, err := fmt.Fprintf(r.out, "%v\n", v)
		return err
	}
}

func (r *Renderer) table(data any) error {
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	switch d := data.(type) {
	case Table:
		rows := d.Rows()
		if len(rows) == 0 {
			fmt.Fprintln(w, "(no results)")
			return nil
		}
		fmt.Fprintln(w, r.header(strings.Join(d.Columns(), "\t")))
		for _, row := range rows {
			fmt.Fprintln(w, strings.Join(row, "\t"))
		}
	case map[string]any:
		keys := make([]string, 0, len(d))
		for k := range d {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%s:\t%s\n", r.header(k), Cell(d[k]))
		}
	default:
		fmt.Fprintf(w, "%v\n", data)
	}
	return nil
}

func (r *Renderer) header(s string) string {
	if r.noColor {
		return s
	}
	return headerStyle.Render(s)
}

// Cell formats a plain value for a table cell. Collections are written as
// compact JSON.
func Cell(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any, map[string]any, []string:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	default:
		return fmt.Sprint(v)
	}
}

func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
