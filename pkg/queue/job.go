package queue

import (
	"context"
	"errors"
	"time"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// JobStatus is the tracked state of one ingest job.
type JobStatus struct {
	ID           string    `json:"id"`
	VideoID      string    `json:"videoId"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Handler processes one job. Returning nil marks it done.
type Handler func(context.Context, JobStatus) error

// PermanentError marks a handler failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the queue fails the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// jobRecord is the Redis hash layout of a job. Times are unix milliseconds.
type jobRecord struct {
	VideoID   string `redis:"videoId"`
	Status    string `redis:"status"`
	Error     string `redis:"error"`
	Attempts  int    `redis:"attempts"`
	CreatedAt int64  `redis:"createdAtMs"`
	UpdatedAt int64  `redis:"updatedAtMs"`
}

func (r jobRecord) status(id string) JobStatus {
	job := JobStatus{
		ID:           id,
		VideoID:      r.VideoID,
		Status:       r.Status,
		ErrorMessage: r.Error,
		Attempts:     r.Attempts,
	}
	if r.CreatedAt > 0 {
		job.CreatedAt = time.UnixMilli(r.CreatedAt).UTC()
	}
	if r.UpdatedAt > 0 {
		job.UpdatedAt = time.UnixMilli(r.UpdatedAt).UTC()
	}
	return job
}
