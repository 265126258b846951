package cli

import (
	"bufio"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
)

const columnGap = "  "

// table renders aligned columns measured in display width, so names in
// wide scripts and ANSI-styled cells line up.
type table struct {
	headers []string
	rows    [][]string
	limits  map[int]int
}

func newTable(headers ...string) *table {
	return &table{headers: headers, limits: make(map[int]int)}
}

// limit truncates cells in column col to width display columns.
func (t *table) limit(col, width int) *table {
	t.limits[col] = width
	return t
}

func (t *table) row(cells ...string) {
	for col, cell := range cells {
		if width, ok := t.limits[col]; ok {
			cells[col] = truncate(cell, width)
		}
	}
	t.rows = append(t.rows, cells)
}

func (t *table) render(out io.Writer) error {
	cols := len(t.headers)
	for _, r := range t.rows {
		cols = max(cols, len(r))
	}
	if cols == 0 {
		return nil
	}

	widths := make([]int, cols)
	measure := func(r []string) {
		for col, cell := range r {
			widths[col] = max(widths[col], displayWidth(cell))
		}
	}
	measure(t.headers)
	for _, r := range t.rows {
		measure(r)
	}

	w := bufio.NewWriter(out)
	write := func(r []string) {
		for col := 0; col < cols; col++ {
			cell := ""
			if col < len(r) {
				cell = r[col]
			}
			w.WriteString(cell)
			if col < cols-1 {
				w.WriteString(strings.Repeat(" ", widths[col]-displayWidth(cell)))
				w.WriteString(columnGap)
			}
		}
		w.WriteByte('\n')
	}
	if len(t.headers) > 0 {
		write(t.headers)
	}
	for _, r := range t.rows {
		write(r)
	}
	return w.Flush()
}

func displayWidth(s string) int {
	return runewidth.StringWidth(stripANSI(s))
}

// truncate collapses whitespace and shortens value to width display
// columns, marking the cut.
func truncate(value string, width int) string {
	value = strings.Join(strings.Fields(value), " ")
	if width <= 0 || runewidth.StringWidth(value) <= width {
		return value
	}
	return runewidth.Truncate(value, width, "…")
}

// stripANSI drops CSI escape sequences.
func stripANSI(value string) string {
	if !strings.Contains(value, "\x1b[") {
		return value
	}
	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); i++ {
		if value[i] != 0x1b || i+1 >= len(value) || value[i+1] != '[' {
			b.WriteByte(value[i])
			continue
		}
		for i += 2; i < len(value) && (value[i] < 0x40 || value[i] > 0x7e); i++ {
		}
	}
	return b.String()
}
