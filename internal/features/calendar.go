package features

import (
	"math"
	"time"

	"github.com/fractal-lba/orion/internal/config"
)

// noHolidayDistance is reported when no holiday lies in the searched years.
const noHolidayDistance = 365

// Calendar holds the fixed holiday dates and the lunar-period month table.
type Calendar struct {
	Holidays    []config.MonthDay
	LunarMonths []time.Month
}

// DefaultCalendar uses the built-in holiday list and April/May as the lunar period.
func DefaultCalendar() Calendar {
	return Calendar{
		Holidays:    append([]config.MonthDay(nil), config.DefaultHolidays...),
		LunarMonths: []time.Month{time.April, time.May},
	}
}

// CalendarFromConfig builds a calendar from service configuration.
func CalendarFromConfig(cfg *config.Config) Calendar {
	return Calendar{Holidays: cfg.Holidays, LunarMonths: cfg.LunarMonths}
}

// IsHoliday reports whether d falls on a fixed holiday.
func (c Calendar) IsHoliday(d time.Time) bool {
	for _, h := range c.Holidays {
		if d.Month() == h.Month && d.Day() == h.Day {
			return true
		}
	}
	return false
}

// HolidayDistance returns days until the next holiday and days since the
// previous one, searching the previous, current, and next year.
// The holiday day itself counts as neither.
func (c Calendar) HolidayDistance(d time.Time) (toNext, sincePrev int) {
	toNext, sincePrev = math.MaxInt, math.MaxInt
	for _, h := range c.Holidays {
		for _, y := range []int{d.Year(), d.Year() + 1, d.Year() - 1} {
			hd := time.Date(y, h.Month, h.Day, 0, 0, 0, 0, time.UTC)
			if hd.Month() != h.Month || hd.Day() != h.Day {
				continue // e.g. 02-29 outside a leap year
			}
			diff := daysBetween(d, hd)
			switch {
			case diff > 0 && diff < toNext:
				toNext = diff
			case diff < 0 && -diff < sincePrev:
				sincePrev = -diff
			}
		}
	}
	if toNext == math.MaxInt {
		toNext = noHolidayDistance
	}
	if sincePrev == math.MaxInt {
		sincePrev = noHolidayDistance
	}
	return toNext, sincePrev
}

// Indicators are month-driven seasonal flags.
type Indicators struct {
	Summer, Winter, Spring, Fall float64
	SchoolHoliday                float64
	LunarPeriod                  float64
	SpendingFactor               float64
}

// Indicators returns the seasonal flags for d.
func (c Calendar) Indicators(d time.Time) Indicators {
	m := d.Month()
	ind := Indicators{
		Summer:         flag(m >= time.June && m <= time.September),
		Winter:         flag(m == time.December || m <= time.February),
		Spring:         flag(m >= time.March && m <= time.May),
		Fall:           flag(m == time.October || m == time.November),
		SchoolHoliday:  flag(m == time.July || m == time.August || m == time.December || m == time.January),
		SpendingFactor: 1.0,
	}
	for _, lm := range c.LunarMonths {
		if lm == m {
			ind.LunarPeriod = 1
			break
		}
	}
	switch m {
	case time.December:
		ind.SpendingFactor = 1.2
	case time.January:
		ind.SpendingFactor = 0.8
	}
	return ind
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func daysBetween(from, to time.Time) int {
	a := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(math.Round(b.Sub(a).Hours() / 24))
}
