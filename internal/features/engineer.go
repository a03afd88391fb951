package features

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/fractal-lba/orion/internal/api"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var (
	lagOffsets     = []int{1, 7, 14, 30}
	rollingWindows = []int{7, 14, 30}
)

// SalesReader loads raw sales rows ordered by date.
// Zero from/to leave that side of the range open.
type SalesReader interface {
	Sales(ctx context.Context, filter api.Filter, from, to time.Time) ([]api.SalesRecord, error)
}

// FrameCache memoizes built frames.
type FrameCache interface {
	Get(key string) (*Frame, bool)
	Set(key string, frame *Frame)
}

// Engineer turns raw sales rows into feature frames.
type Engineer struct {
	reader   SalesReader
	calendar Calendar
	cache    FrameCache
}

// Option configures an Engineer.
type Option func(*Engineer)

// WithCalendar overrides the holiday calendar.
func WithCalendar(c Calendar) Option {
	return func(e *Engineer) { e.calendar = c }
}

// WithCache memoizes frames by filter and date range.
func WithCache(c FrameCache) Option {
	return func(e *Engineer) { e.cache = c }
}

// NewEngineer creates a feature engineer over a sales reader.
func NewEngineer(reader SalesReader, opts ...Option) *Engineer {
	e := &Engineer{reader: reader, calendar: DefaultCalendar()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CacheKey identifies a frame request.
func CacheKey(filter api.Filter, from, to time.Time) string {
	return fmt.Sprintf("%s|%s|%s", filter, dayKey(from), dayKey(to))
}

func dayKey(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02")
}

// Build loads sales for the filter and returns the engineered frame.
// No matching rows yields an empty frame and a nil error.
func (e *Engineer) Build(ctx context.Context, filter api.Filter, from, to time.Time) (*Frame, error) {
	key := CacheKey(filter, from, to)
	if e.cache != nil {
		if f, ok := e.cache.Get(key); ok {
			return f, nil
		}
	}

	rows, err := e.reader.Sales(ctx, filter, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load sales for %s: %w", filter, err)
	}
	if len(rows) == 0 {
		log.Printf("features: no sales data for %s", filter)
		return newFrame(nil), nil
	}

	f := e.FromRecords(rows)
	if e.cache != nil {
		e.cache.Set(key, f)
	}
	log.Printf("features: prepared %s with %d rows and %d columns", filter, f.Len(), len(f.order))
	return f, nil
}

// FromRecords runs the full feature pipeline over already-loaded rows.
func (e *Engineer) FromRecords(rows []api.SalesRecord) *Frame {
	f := aggregateDaily(rows)
	if f.Empty() {
		return f
	}
	e.addCalendar(f)
	addLags(f)
	addRolling(f)
	e.addHolidays(f)
	addTrend(f)
	fillGaps(f)
	return f
}

type dayTotals struct {
	quantity  int64
	revenue   decimal.Decimal
	priceSum  decimal.Decimal
	priceRows int64
}

// aggregateDaily sums quantity and revenue per day, averages unit price, and
// reindexes onto a continuous calendar. Missing days get zero quantity and
// revenue and the last known unit price.
func aggregateDaily(rows []api.SalesRecord) *Frame {
	byDay := make(map[time.Time]*dayTotals)
	for _, r := range rows {
		d := api.Day(r.SaleDate)
		t, ok := byDay[d]
		if !ok {
			t = &dayTotals{}
			byDay[d] = t
		}
		t.quantity += r.QuantitySold
		t.revenue = t.revenue.Add(r.TotalRevenue)
		t.priceSum = t.priceSum.Add(r.UnitPrice)
		t.priceRows++
	}
	if len(byDay) == 0 {
		return newFrame(nil)
	}

	days := make([]time.Time, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	first, last := days[0], days[len(days)-1]

	n := daysBetween(first, last) + 1
	dates := make([]time.Time, n)
	qty := make([]float64, n)
	rev := make([]float64, n)
	price := make([]float64, n)
	lastPrice := math.NaN()
	for i := 0; i < n; i++ {
		d := first.AddDate(0, 0, i)
		dates[i] = d
		if t, ok := byDay[d]; ok {
			qty[i] = float64(t.quantity)
			rev[i] = t.revenue.InexactFloat64()
			lastPrice = t.priceSum.Div(decimal.NewFromInt(t.priceRows)).InexactFloat64()
		}
		price[i] = lastPrice
	}

	f := newFrame(dates)
	f.set(ColQuantity, qty)
	f.set(ColRevenue, rev)
	f.set(ColUnitPrice, price)
	return f
}

func (e *Engineer) addCalendar(f *Frame) {
	n := f.Len()
	cols := map[string][]float64{}
	names := []string{
		"year", "month", "day", "day_of_week", "day_of_year", "week_of_year", "quarter",
		"is_weekend", "is_month_start", "is_month_end",
		"month_sin", "month_cos", "day_of_week_sin", "day_of_week_cos",
		"is_summer", "is_winter", "is_spring", "is_fall",
		"is_school_holiday", "is_lunar_period", "seasonal_spending_factor",
	}
	for _, name := range names {
		cols[name] = make([]float64, n)
	}

	for i, d := range f.Dates {
		dow := weekdayIndex(d)
		_, week := d.ISOWeek()
		month := float64(d.Month())
		cols["year"][i] = float64(d.Year())
		cols["month"][i] = month
		cols["day"][i] = float64(d.Day())
		cols["day_of_week"][i] = float64(dow)
		cols["day_of_year"][i] = float64(d.YearDay())
		cols["week_of_year"][i] = float64(week)
		cols["quarter"][i] = float64((int(d.Month())-1)/3 + 1)
		cols["is_weekend"][i] = flag(dow >= 5)
		cols["is_month_start"][i] = flag(d.Day() == 1)
		cols["is_month_end"][i] = flag(d.AddDate(0, 0, 1).Day() == 1)
		cols["month_sin"][i] = math.Sin(2 * math.Pi * month / 12)
		cols["month_cos"][i] = math.Cos(2 * math.Pi * month / 12)
		cols["day_of_week_sin"][i] = math.Sin(2 * math.Pi * float64(dow) / 7)
		cols["day_of_week_cos"][i] = math.Cos(2 * math.Pi * float64(dow) / 7)

		ind := e.calendar.Indicators(d)
		cols["is_summer"][i] = ind.Summer
		cols["is_winter"][i] = ind.Winter
		cols["is_spring"][i] = ind.Spring
		cols["is_fall"][i] = ind.Fall
		cols["is_school_holiday"][i] = ind.SchoolHoliday
		cols["is_lunar_period"][i] = ind.LunarPeriod
		cols["seasonal_spending_factor"][i] = ind.SpendingFactor
	}
	for _, name := range names {
		f.set(name, cols[name])
	}
}

// weekdayIndex maps Monday to 0 and Sunday to 6.
func weekdayIndex(d time.Time) int {
	return (int(d.Weekday()) + 6) % 7
}

func addLags(f *Frame) {
	qty, _ := f.Column(ColQuantity)
	rev, _ := f.Column(ColRevenue)
	for _, lag := range lagOffsets {
		f.set(fmt.Sprintf("quantity_lag_%d", lag), shift(qty, lag))
		f.set(fmt.Sprintf("revenue_lag_%d", lag), shift(rev, lag))
	}
}

func shift(values []float64, lag int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		if i < lag {
			out[i] = math.NaN()
			continue
		}
		out[i] = values[i-lag]
	}
	return out
}

func addRolling(f *Frame) {
	qty := f.Quantity()
	for _, w := range rollingWindows {
		mean := make([]float64, len(qty))
		std := make([]float64, len(qty))
		lo := make([]float64, len(qty))
		hi := make([]float64, len(qty))
		for i := range qty {
			start := i - w + 1
			if start < 0 {
				start = 0
			}
			mean[i], std[i], lo[i], hi[i] = windowStats(qty[start : i+1])
		}
		f.set(fmt.Sprintf("quantity_rolling_mean_%d", w), mean)
		f.set(fmt.Sprintf("quantity_rolling_std_%d", w), std)
		f.set(fmt.Sprintf("quantity_rolling_min_%d", w), lo)
		f.set(fmt.Sprintf("quantity_rolling_max_%d", w), hi)
	}
}

// windowStats returns mean, sample std (NaN for one value), min, and max.
func windowStats(w []float64) (mean, std, lo, hi float64) {
	mean, lo, hi = stat.Mean(w, nil), floats.Min(w), floats.Max(w)
	if len(w) < 2 {
		return mean, math.NaN(), lo, hi
	}
	return mean, stat.StdDev(w, nil), lo, hi
}

func (e *Engineer) addHolidays(f *Frame) {
	n := f.Len()
	isHoliday := make([]float64, n)
	toNext := make([]float64, n)
	sincePrev := make([]float64, n)
	for i, d := range f.Dates {
		isHoliday[i] = flag(e.calendar.IsHoliday(d))
		next, prev := e.calendar.HolidayDistance(d)
		toNext[i] = float64(next)
		sincePrev[i] = float64(prev)
	}
	f.set("is_holiday", isHoliday)
	f.set("days_to_holiday", toNext)
	f.set("days_since_holiday", sincePrev)
}

// addTrend fits quantity = slope*days_since_start + intercept by OLS.
func addTrend(f *Frame) {
	n := f.Len()
	x := make([]float64, n)
	for i, d := range f.Dates {
		x[i] = float64(daysBetween(f.Dates[0], d))
	}
	f.set("days_since_start", x)

	qty := f.Quantity()
	trend := make([]float64, n)
	if n < 2 {
		copy(trend, qty)
		f.set("linear_trend", trend)
		return
	}
	slope, intercept := linearFit(x, qty)
	for i := range trend {
		trend[i] = slope*x[i] + intercept
	}
	f.set("linear_trend", trend)
}

func linearFit(x, y []float64) (slope, intercept float64) {
	if floats.Min(x) == floats.Max(x) {
		return 0, stat.Mean(y, nil)
	}
	intercept, slope = stat.LinearRegression(x, y, nil, false)
	return slope, intercept
}

// fillGaps leaves no NaN behind: lag columns forward-fill, rolling columns
// back-fill, and whatever remains becomes 0.
func fillGaps(f *Frame) {
	for _, name := range f.order {
		col := f.columns[name]
		switch {
		case isLagColumn(name):
			forwardFill(col)
		case isRollingColumn(name):
			backFill(col)
		}
		for i, v := range col {
			if math.IsNaN(v) {
				col[i] = 0
			}
		}
	}
}

func isLagColumn(name string) bool     { return strings.Contains(name, "lag_") }
func isRollingColumn(name string) bool { return strings.Contains(name, "rolling_") }

func forwardFill(col []float64) {
	last := math.NaN()
	for i, v := range col {
		if math.IsNaN(v) {
			col[i] = last
			continue
		}
		last = v
	}
}

func backFill(col []float64) {
	next := math.NaN()
	for i := len(col) - 1; i >= 0; i-- {
		if math.IsNaN(col[i]) {
			col[i] = next
			continue
		}
		next = col[i]
	}
}
