package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Cadence computes the next fire time strictly after a given instant.
type Cadence interface {
	Next(after time.Time) time.Time
	String() string
}

// Cron is a standard five-field crontab cadence evaluated on UTC wall-clock
// time.
type Cron struct {
	spec  string
	sched cron.Schedule
}

// ParseCadence parses a five-field crontab expression such as "0 */6 * * *".
func ParseCadence(spec string) (Cron, error) {
	sched, err := cron.ParseStandard("CRON_TZ=UTC " + spec)
	if err != nil {
		return Cron{}, fmt.Errorf("invalid cadence %q: %w", spec, err)
	}
	return Cron{spec: spec, sched: sched}, nil
}

// MustCadence is ParseCadence for compile-time constants.
func MustCadence(spec string) Cron {
	c, err := ParseCadence(spec)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Cron) Next(after time.Time) time.Time { return c.sched.Next(after.UTC()) }

func (c Cron) String() string { return c.spec }
