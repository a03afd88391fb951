// Package queue carries scheduler work items to forecast workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fractal-lba/orion/internal/api"
	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")
	// ErrFull is returned when a bounded queue has no room.
	ErrFull = errors.New("queue full")
)

// Kind names the task a job runs.
type Kind string

const (
	KindForecast Kind = "forecast"
	KindActuals  Kind = "actuals"
	KindInsights Kind = "insights"
	KindAccuracy Kind = "accuracy"
	KindCleanup  Kind = "cleanup"
)

// Job is one unit of work. Fields a kind does not use stay zero.
type Job struct {
	ID            uuid.UUID  `json:"id"`
	Kind          Kind       `json:"kind"`
	Filter        api.Filter `json:"filter,omitempty"`
	HorizonDays   int        `json:"horizon_days,omitempty"`
	Model         string     `json:"model,omitempty"`
	Date          time.Time  `json:"date,omitempty"`
	End           time.Time  `json:"end,omitempty"`
	RetentionDays int        `json:"retention_days,omitempty"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
}

// DedupKey identifies jobs that would do the same work.
func (j *Job) DedupKey() string {
	return fmt.Sprintf("%s|%s|%s|%s|%d|%s|%d",
		j.Kind, j.Filter, dateKey(j.Date), dateKey(j.End), j.HorizonDays, j.Model, j.RetentionDays)
}

func dateKey(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02")
}

func (j *Job) stamp() {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = time.Now().UTC()
	}
}

// Queue is a FIFO of jobs with pending-job deduplication.
type Queue interface {
	// Enqueue adds job unless an identical job is pending. It reports
	// whether the job was added.
	Enqueue(ctx context.Context, job *Job) (bool, error)

	// Dequeue blocks up to timeout. A nil job with nil error means the
	// wait timed out.
	Dequeue(ctx context.Context, timeout time.Duration) (*Job, error)

	// Ack releases the job's dedup key so the same work can be queued again.
	Ack(ctx context.Context, job *Job) error

	// Depth returns the number of waiting jobs.
	Depth(ctx context.Context) (int64, error)

	Close() error
}
