package domain

import (
	"time"
)

// JobType names a registered kind of background job.
type JobType string

// SessionPurge removes sessions older than a configured age.
const JobTypeSessionPurge JobType = "session_purge"

// JobStatus is the scheduling state of a job.
type JobStatus string

const (
	// JobStatusScheduled means the job is waiting for its run time.
	JobStatusScheduled JobStatus = "scheduled"
	// JobStatusPending means the job has been claimed for execution.
	JobStatusPending JobStatus = "pending"
)

// JobConfig carries arbitrary handler arguments.
type JobConfig map[string]any

// Float reads a numeric config value, tolerating the types JSON decoding
// produces. Returns fallback when the key is absent or not numeric.
func (c JobConfig) Float(key string, fallback float64) float64 {
	v, ok := c[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return fallback
}

// ScheduledJob is a durable, one-shot background job.
type ScheduledJob struct {
	JobID       string    `json:"id"`
	Name        string    `json:"name"`
	Type        JobType   `json:"job_type"`
	NextRunTime time.Time `json:"next_run_time"`
	Status      JobStatus `json:"status"`
	Config      JobConfig `json:"config,omitempty"`
}
