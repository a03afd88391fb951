package insights

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/fractal-lba/orion/internal/api"
)

const (
	historyDays   = 90
	leadTimeDays  = 5
	reorderWindow = 7
	fastMoverRate = 20.0
	slowMoverRate = 5.0
)

var weekdayNames = [7]string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// point is one forecast day under analysis.
type point struct {
	date      time.Time
	predicted float64
}

// scope stamps entity fields and the validity start on new insights.
type scope struct {
	filter api.Filter
	today  time.Time
}

func (s scope) insight(t api.InsightType, sev api.Severity, validUntil time.Time) api.Insight {
	return api.Insight{
		Type:       t,
		Severity:   sev,
		ProductID:  s.filter.ProductID,
		SKU:        s.filter.SKU,
		CategoryID: s.filter.CategoryID,
		ValidFrom:  s.today,
		ValidUntil: validUntil,
	}
}

func meanOf(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return stat.Mean(v, nil)
}

// sampleStd is the n-1 standard deviation; NaN below two observations.
func sampleStd(v []float64) float64 {
	if len(v) < 2 {
		return math.NaN()
	}
	return stat.StdDev(v, nil)
}

// quantile interpolates linearly between order statistics at q*(n-1).
// stat.Quantile has no kind for this rule.
func quantile(v []float64, q float64) float64 {
	if len(v) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	pos := q * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	return s[lo] + (s[hi]-s[lo])*(pos-float64(lo))
}

func predictions(pts []point) []float64 {
	out := make([]float64, len(pts))
	for i, p := range pts {
		out[i] = p.predicted
	}
	return out
}

func day(t time.Time) string { return t.Format("2006-01-02") }

func detectSpike(pts []point, hist []float64, sc scope) []api.Insight {
	avg, std := meanOf(hist), sampleStd(hist)
	if len(pts) == 0 || math.IsNaN(std) || avg <= 0 {
		return nil
	}

	var peak *point
	for i := range pts {
		if pts[i].predicted > avg+2*std && (peak == nil || pts[i].predicted > peak.predicted) {
			peak = &pts[i]
		}
	}
	if peak == nil {
		return nil
	}

	sev := api.SeverityMedium
	switch {
	case peak.predicted > avg+3*std:
		sev = api.SeverityCritical
	case peak.predicted > avg+2.5*std:
		sev = api.SeverityHigh
	}
	increase := (peak.predicted - avg) / avg * 100

	in := sc.insight(api.InsightDemandSpike, sev, peak.date)
	in.Title = "Demand Spike Expected"
	in.Description = fmt.Sprintf("Predicted demand spike of %d units on %s, which is %d%% above historical average of %d units.",
		int(peak.predicted), day(peak.date), int(increase), int(avg))
	in.Recommendation = fmt.Sprintf("Increase inventory levels by %d units before %s to avoid stockouts.",
		int(peak.predicted-avg), day(peak.date))
	in.Data = map[string]any{
		"predicted_quantity":  peak.predicted,
		"historical_average":  avg,
		"spike_date":          day(peak.date),
		"increase_percentage": increase,
	}
	return []api.Insight{in}
}

func detectDrop(pts []point, hist []float64, sc scope) []api.Insight {
	avg := meanOf(hist)
	if len(pts) == 0 || len(hist) == 0 || avg <= 0 {
		return nil
	}

	var low *point
	for i := range pts {
		if pts[i].predicted < 0.5*avg && (low == nil || pts[i].predicted < low.predicted) {
			low = &pts[i]
		}
	}
	if low == nil {
		return nil
	}

	sev := api.SeverityLow
	if low.predicted < 0.3*avg {
		sev = api.SeverityMedium
	}
	decrease := (avg - low.predicted) / avg * 100

	in := sc.insight(api.InsightDemandDrop, sev, low.date)
	in.Title = "Demand Drop Expected"
	in.Description = fmt.Sprintf("Predicted demand drop to %d units on %s, which is %d%% below historical average of %d units.",
		int(low.predicted), day(low.date), int(decrease), int(avg))
	in.Recommendation = "Consider reducing inventory levels or planning promotions to maintain sales."
	in.Data = map[string]any{
		"predicted_quantity":  low.predicted,
		"historical_average":  avg,
		"drop_date":           day(low.date),
		"decrease_percentage": decrease,
	}
	return []api.Insight{in}
}

func detectStockout(pts []point, sc scope) []api.Insight {
	if len(pts) == 0 {
		return nil
	}
	vals := predictions(pts)
	avg := meanOf(vals)
	threshold := quantile(vals, 0.8)

	high := 0
	for _, v := range vals {
		if v >= threshold {
			high++
		}
	}
	if high < 5 {
		return nil
	}

	in := sc.insight(api.InsightStockoutRisk, api.SeverityHigh, sc.today.AddDate(0, 0, 30))
	in.Title = "Stockout Risk Detected"
	in.Description = fmt.Sprintf("High demand expected for %d days in the forecast period. Average predicted demand: %d units/day.",
		high, int(avg))
	in.Recommendation = fmt.Sprintf("Ensure minimum stock level of %d units (7-day supply) to prevent stockouts.", int(avg*7))
	in.Data = map[string]any{
		"avg_demand":              avg,
		"high_demand_days":        high,
		"recommended_stock_level": avg * 7,
	}
	return []api.Insight{in}
}

// weekday returns 0 for Monday.
func weekday(d time.Time) int { return (int(d.Weekday()) + 6) % 7 }

func detectSeasonal(pts []point, sc scope) []api.Insight {
	if len(pts) < 7 {
		return nil
	}

	var sum [7]float64
	var count [7]int
	for _, p := range pts {
		w := weekday(p.date)
		sum[w] += p.predicted
		count[w]++
	}

	var means []float64
	peak, trough := -1, -1
	var byDay [7]float64
	for w := 0; w < 7; w++ {
		if count[w] == 0 {
			continue
		}
		byDay[w] = sum[w] / float64(count[w])
		means = append(means, byDay[w])
		if peak < 0 || byDay[w] > byDay[peak] {
			peak = w
		}
		if trough < 0 || byDay[w] < byDay[trough] {
			trough = w
		}
	}
	overall := meanOf(means)
	if overall <= 0 {
		return nil
	}
	variation := (byDay[peak] - byDay[trough]) / overall
	if variation <= 0.3 {
		return nil
	}

	in := sc.insight(api.InsightSeasonalTrend, api.SeverityLow, sc.today.AddDate(0, 0, 90))
	in.Title = "Weekly Seasonal Pattern Detected"
	in.Description = fmt.Sprintf("Demand peaks on %s (%d units) and is lowest on %s (%d units). Weekly variation: %d%%.",
		weekdayNames[peak], int(byDay[peak]), weekdayNames[trough], int(byDay[trough]), int(variation*100))
	in.Recommendation = fmt.Sprintf("Schedule restocking and promotions around %s to capitalize on peak demand.", weekdayNames[peak])
	in.Data = map[string]any{
		"peak_day":             weekdayNames[peak],
		"low_day":              weekdayNames[trough],
		"peak_demand":          byDay[peak],
		"low_demand":           byDay[trough],
		"variation_percentage": variation * 100,
	}
	return []api.Insight{in}
}

func headSum(pts []point, n int) float64 {
	if n > len(pts) {
		n = len(pts)
	}
	var s float64
	for _, p := range pts[:n] {
		s += p.predicted
	}
	return s
}

func reorderAlert(pts []point, sc scope) []api.Insight {
	if len(pts) == 0 {
		return nil
	}
	week := headSum(pts, reorderWindow)
	lead := headSum(pts, leadTimeDays)

	in := sc.insight(api.InsightReorderAlert, api.SeverityMedium, sc.today.AddDate(0, 0, 7))
	in.Title = "Reorder Recommendation"
	in.Description = fmt.Sprintf("Expected demand for next 7 days: %d units. With %d-day lead time, need %d units on hand.",
		int(week), leadTimeDays, int(lead))
	in.Recommendation = fmt.Sprintf("Reorder %d units now to cover next week's demand. Maintain safety stock of %d units.",
		int(week), int(lead))
	in.Data = map[string]any{
		"seven_day_demand":           week,
		"lead_time_days":             leadTimeDays,
		"lead_time_demand":           lead,
		"recommended_order_quantity": week,
	}
	return []api.Insight{in}
}

func classifyMover(pts []point, hist []float64, sc scope) []api.Insight {
	if len(pts) == 0 || len(hist) == 0 {
		return nil
	}
	avg := meanOf(predictions(pts))
	until := sc.today.AddDate(0, 0, 90)

	switch {
	case avg > fastMoverRate:
		in := sc.insight(api.InsightFastMover, api.SeverityMedium, until)
		in.Title = "Fast-Moving Product"
		in.Description = fmt.Sprintf("Product is a fast mover with average demand of %d units/day.", int(avg))
		in.Recommendation = "Maintain high stock levels and consider premium shelf placement."
		in.Data = map[string]any{"avg_daily_demand": avg, "classification": string(api.InsightFastMover)}
		return []api.Insight{in}
	case avg < slowMoverRate:
		in := sc.insight(api.InsightSlowMover, api.SeverityLow, until)
		in.Title = "Slow-Moving Product"
		in.Description = fmt.Sprintf("Product is a slow mover with average demand of %.1f units/day.", avg)
		in.Recommendation = "Consider promotional activities or reduce stock levels to avoid excess inventory."
		in.Data = map[string]any{"avg_daily_demand": avg, "classification": string(api.InsightSlowMover)}
		return []api.Insight{in}
	}
	return nil
}

// detect runs every detector in a fixed order.
func detect(pts []point, hist []float64, sc scope) []api.Insight {
	var out []api.Insight
	out = append(out, detectSpike(pts, hist, sc)...)
	out = append(out, detectDrop(pts, hist, sc)...)
	out = append(out, detectStockout(pts, sc)...)
	out = append(out, detectSeasonal(pts, sc)...)
	out = append(out, reorderAlert(pts, sc)...)
	out = append(out, classifyMover(pts, hist, sc)...)
	return out
}
