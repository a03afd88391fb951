package features

import (
	"time"

	"github.com/fractal-lba/orion/internal/model"
)

// Base column names.
const (
	ColQuantity  = "quantity_sold"
	ColRevenue   = "total_revenue"
	ColUnitPrice = "unit_price"
)

// Frame is a gap-filled daily series with engineered feature columns.
// Columns are stored column-major and share the Dates index.
type Frame struct {
	Dates   []time.Time
	columns map[string][]float64
	order   []string
}

func newFrame(dates []time.Time) *Frame {
	return &Frame{Dates: dates, columns: make(map[string][]float64)}
}

// Len returns the number of daily rows.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Dates)
}

// Empty reports whether the frame has no rows.
func (f *Frame) Empty() bool { return f.Len() == 0 }

// Columns returns column names in insertion order.
func (f *Frame) Columns() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.order...)
}

// Column returns a column by name.
func (f *Frame) Column(name string) ([]float64, bool) {
	if f == nil {
		return nil, false
	}
	c, ok := f.columns[name]
	return c, ok
}

// Quantity returns the target column.
func (f *Frame) Quantity() []float64 {
	c, _ := f.Column(ColQuantity)
	return c
}

func (f *Frame) set(name string, values []float64) {
	if _, ok := f.columns[name]; !ok {
		f.order = append(f.order, name)
	}
	f.columns[name] = values
}

// Target returns the quantity column as a model series.
func (f *Frame) Target() model.Series {
	if f.Empty() {
		return model.Series{}
	}
	return model.Series{
		Dates:  append([]time.Time(nil), f.Dates...),
		Values: append([]float64(nil), f.Quantity()...),
	}
}

// Split cuts the frame chronologically; the first int(n*(1-testFraction))
// rows train, the rest test. Rows are never shuffled.
func (f *Frame) Split(testFraction float64) (*Frame, *Frame) {
	if f == nil {
		return nil, nil
	}
	n := f.Len()
	idx := int(float64(n) * (1 - testFraction))
	if idx < 0 {
		idx = 0
	}
	if idx > n {
		idx = n
	}
	return f.slice(0, idx), f.slice(idx, n)
}

// Tail returns the last n rows.
func (f *Frame) Tail(n int) *Frame {
	if f == nil {
		return nil
	}
	if n >= f.Len() {
		return f.slice(0, f.Len())
	}
	return f.slice(f.Len()-n, f.Len())
}

func (f *Frame) slice(from, to int) *Frame {
	out := newFrame(append([]time.Time(nil), f.Dates[from:to]...))
	for _, name := range f.order {
		out.set(name, append([]float64(nil), f.columns[name][from:to]...))
	}
	return out
}
