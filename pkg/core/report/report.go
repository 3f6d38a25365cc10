// Package report renders an analysis result as a statement-shaped table.
package report

import (
	"bytes"
	"fmt"
	"strings"

	"corvus_analytics/pkg/core/analysis"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Markdown renders the comparison as GitHub-flavoured tables: the statement
// lines, their vertical and horizontal metrics, then the ratio catalog.
func Markdown(res *analysis.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s (%s)\n\n", title(string(res.Statement)), strings.ReplaceAll(string(res.Mode), "_", "-"))

	header := []string{"Code", "Line"}
	for _, c := range res.Columns {
		header = append(header, c.Key)
	}
	if res.BasisCode != "" {
		for _, c := range res.Columns {
			header = append(header, "% "+c.Key)
		}
	}
	var variations []analysis.Variation
	if len(res.Lines) > 0 {
		variations = res.Lines[0].Horizontal
	}
	for _, v := range variations {
		header = append(header, "Δ "+v.To, "Δ% "+v.To)
	}
	writeRow(&b, header)
	writeSeparator(&b, len(header))

	for _, l := range res.Lines {
		row := []string{"`" + l.Code + "`", strings.Repeat("&nbsp;&nbsp;", l.Depth) + escape(l.Name)}
		for _, c := range l.Values {
			row = append(row, amount(c))
		}
		for _, c := range l.Vertical {
			row = append(row, percent(c))
		}
		for _, v := range l.Horizontal {
			row = append(row, amount(v.AbsVar), percent(v.PctVar))
		}
		writeRow(&b, row)
	}

	if len(res.Ratios) > 0 {
		b.WriteString("\n## Ratios\n\n")
		header := []string{"Ratio", "Formula"}
		for _, c := range res.Columns {
			header = append(header, c.Key)
		}
		writeRow(&b, header)
		writeSeparator(&b, len(header))
		for _, r := range res.Ratios {
			name := r.Ratio.Name
			if r.Ratio.Label != "" {
				name = escape(r.Ratio.Label)
			}
			row := []string{name, "`" + r.Ratio.Numerator + "` / `" + r.Ratio.Denominator + "`"}
			for _, c := range r.Values {
				row = append(row, ratio(c))
			}
			writeRow(&b, row)
		}
	}

	if len(res.Warnings) > 0 {
		b.WriteString("\n## Warnings\n\n")
		for _, w := range res.Warnings {
			fmt.Fprintf(&b, "- **%s** %s\n", w.Code, escape(w.Message))
		}
	}
	return b.String()
}

// HTML renders Markdown(res) to an HTML fragment.
func HTML(res *analysis.Result) ([]byte, error) {
	md := goldmark.New(
		goldmark.WithExtensions(extension.Table),
		goldmark.WithRendererOptions(html.WithUnsafe()),
	)
	var buf bytes.Buffer
	if err := md.Convert([]byte(Markdown(res)), &buf); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	return buf.Bytes(), nil
}

func writeRow(b *strings.Builder, cells []string) {
	b.WriteString("| ")
	b.WriteString(strings.Join(cells, " | "))
	b.WriteString(" |\n")
}

func writeSeparator(b *strings.Builder, n int) {
	cells := make([]string, n)
	for i := range cells {
		cells[i] = "---"
		if i >= 2 {
			cells[i] = "---:"
		}
	}
	writeRow(b, cells)
}

func amount(c analysis.Cell) string {
	if c.Value == nil {
		return absent(c)
	}
	s := c.Value.StringFixed(2)
	if c.Unit != "" {
		s += " " + c.Unit
	}
	return s
}

func percent(c analysis.Cell) string {
	if c.Value == nil {
		return absent(c)
	}
	return c.Value.Shift(2).StringFixed(2) + "%"
}

func ratio(c analysis.Cell) string {
	if c.Value == nil {
		return absent(c)
	}
	return c.Value.StringFixed(4)
}

func absent(c analysis.Cell) string {
	if c.Flag == "" {
		return "n/a"
	}
	return "_" + string(c.Flag) + "_"
}

func escape(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
