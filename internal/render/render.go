package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/netmeasure/flowbench/pkg/model"
)

// Options is the rendering configuration, fixed at construction.
type Options struct {
	// BinaryUnits reports throughput in binary mega-units (MByte/s, /2^20)
	// instead of decimal Mbit/s.
	BinaryUnits bool

	// NumericCAState renders the congestion-avoidance state as the raw
	// kernel code instead of its symbolic name.
	NumericCAState bool
}

// ScaleThroughput converts a bytes-per-second value to the configured
// reporting unit.
func (o Options) ScaleThroughput(bytesPerSecond float64) float64 {
	if o.BinaryUnits {
		return bytesPerSecond / (1 << 20)
	}
	return bytesPerSecond / 1e6 * 8
}

// ThroughputUnit is the unit label matching ScaleThroughput.
func (o Options) ThroughputUnit() string {
	if o.BinaryUnits {
		return "[MB/s]"
	}
	return "[Mbit/s]"
}

// Line is one physical report line: an endpoint tag (S0, D3, ...) and that
// endpoint's report for the interval. A nil report renders every value
// cell blank.
type Line struct {
	ID     string
	Report *model.IntervalReport
}

// Renderer owns the column catalog and writes formatted report lines to
// its writers. It is driven only by the collector's single loop, so it
// needs no locking of its own.
type Renderer struct {
	opts    Options
	columns []*column
	writers []io.Writer

	// headerDirty forces a header reprint before the next row, initially
	// and whenever a column width grew.
	headerDirty bool
}

// New returns a Renderer with the default column set writing to the given
// writers (typically stdout and a log file).
func New(opts Options, writers ...io.Writer) *Renderer {
	r := &Renderer{
		opts:        opts,
		columns:     catalog(),
		writers:     writers,
		headerDirty: true,
	}
	for _, c := range r.columns {
		if c.id == ColThrough {
			c.unit = opts.ThroughputUnit()
		}
	}
	return r
}

// Show makes the given columns visible.
func (r *Renderer) Show(ids map[ColumnID]bool) {
	r.setVisible(ids, true)
}

// Hide removes the given columns from the table.
func (r *Renderer) Hide(ids map[ColumnID]bool) {
	r.setVisible(ids, false)
}

func (r *Renderer) setVisible(ids map[ColumnID]bool, visible bool) {
	for _, c := range r.columns {
		if ids[c.id] {
			c.visible = visible
			r.headerDirty = true
		}
	}
}

// groups maps -c group names to their column membership.
func (r *Renderer) groups() map[string][]*column {
	m := map[string][]*column{}
	for _, c := range r.columns {
		m[c.group] = append(m[c.group], c)
	}
	return m
}

// ConfigureGroups applies a -c style include/exclude list, e.g.
// "+delay,-kernel,-iat". Every entry must name a known column group with a
// + or - prefix.
func (r *Renderer) ConfigureGroups(arg string) error {
	groups := r.groups()
	for _, part := range strings.Split(arg, ",") {
		if len(part) < 2 || (part[0] != '+' && part[0] != '-') {
			return fmt.Errorf("malformed column directive %q (want +group or -group)", part)
		}
		cols, ok := groups[part[1:]]
		if !ok {
			return fmt.Errorf("unknown column group %q", part[1:])
		}
		for _, c := range cols {
			c.visible = part[0] == '+'
		}
	}
	r.headerDirty = true
	return nil
}

// Oversized returns how often the column's rendered value exceeded its
// width so far.
func (r *Renderer) Oversized(id ColumnID) int {
	for _, c := range r.columns {
		if c.id == id {
			return c.oversized
		}
	}
	return 0
}

// Width returns the column's current width.
func (r *Renderer) Width(id ColumnID) int {
	for _, c := range r.columns {
		if c.id == id {
			return c.width()
		}
	}
	return 0
}

// width is the column's current width: at least as wide as the header
// rows and as the widest value rendered so far. It never shrinks.
func (c *column) width() int {
	w := len(c.name)
	if len(c.unit) > w {
		w = len(c.unit)
	}
	if c.lastWidth > w {
		w = c.lastWidth
	}
	return w
}

// RenderRow writes one logical row: one line per endpoint. Hidden columns
// are skipped entirely, including width bookkeeping.
func (r *Renderer) RenderRow(lines []Line) {
	if r.headerDirty {
		r.renderHeader()
		r.headerDirty = false
	}
	for _, line := range lines {
		var b strings.Builder
		for _, c := range r.columns {
			if !c.visible {
				continue
			}
			cell := ""
			if c.id == ColFlowID {
				cell = line.ID
			} else if line.Report != nil {
				if v, ok := c.value(r.opts, line.Report); ok {
					cell = v
				}
			}
			w := c.width()
			if len(cell) > w {
				// Overflow: count it and let the width grow for the next
				// render. This row stays misaligned rather than jittering
				// the whole table.
				c.oversized++
				c.lastWidth = len(cell)
				r.headerDirty = true
			}
			fmt.Fprintf(&b, "%*s ", w, cell)
		}
		r.writeLine(b.String())
	}
}

// RenderSummary writes a flow's final report line through the same column
// path used for interval rows.
func (r *Renderer) RenderSummary(id string, final *model.FinalReport) {
	if final == nil {
		r.RenderRow([]Line{{ID: id}})
		return
	}
	r.RenderRow([]Line{{ID: id, Report: &final.IntervalReport}})
}

func (r *Renderer) renderHeader() {
	var names, units strings.Builder
	for _, c := range r.columns {
		if !c.visible {
			continue
		}
		w := c.width()
		fmt.Fprintf(&names, "%*s ", w, c.name)
		fmt.Fprintf(&units, "%*s ", w, c.unit)
	}
	r.writeLine(names.String())
	r.writeLine(units.String())
}

func (r *Renderer) writeLine(s string) {
	for _, w := range r.writers {
		fmt.Fprintln(w, strings.TrimRight(s, " "))
	}
}
