package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Defaults applied to a Job at registration.
const (
	DefaultLockTTL = 10 * time.Minute
	LockKeyPrefix  = "tarkka:job:"
	releaseTimeout = 5 * time.Second
)

var (
	// ErrDuplicateJob is returned by Add when the id is already registered.
	ErrDuplicateJob = errors.New("job already registered")
	// ErrUnknownJob is returned for ids that are not registered.
	ErrUnknownJob = errors.New("unknown job")
	// ErrInvalidJob is returned by Add for a job that cannot be scheduled.
	ErrInvalidJob = errors.New("invalid job")
)

// RunFunc is a job body.
type RunFunc func(ctx context.Context) error

// Job is a recurring unit of work guarded by a lease.
type Job struct {
	ID       string
	Schedule string // cron expression, 5 or 6 fields

	// LockKey names the lease. Defaults to LockKeyPrefix + ID.
	LockKey string
	// LockTTL bounds how long a crashed holder can block the job.
	LockTTL time.Duration
	// Timeout aborts a run. Defaults to LockTTL.
	Timeout time.Duration
	// MaxInstances caps concurrent runs inside this process. Defaults to 1.
	MaxInstances int

	Run RunFunc
}

func (j Job) withDefaults() Job {
	if j.LockKey == "" {
		j.LockKey = LockKeyPrefix + j.ID
	}
	if j.LockTTL == 0 {
		j.LockTTL = DefaultLockTTL
	}
	if j.Timeout == 0 {
		j.Timeout = j.LockTTL
	}
	if j.MaxInstances == 0 {
		j.MaxInstances = 1
	}
	return j
}

func (j Job) validate() error {
	switch {
	case j.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidJob)
	case j.Run == nil:
		return fmt.Errorf("%w: job %s has no body", ErrInvalidJob, j.ID)
	case j.LockTTL < 0 || j.Timeout < 0:
		return fmt.Errorf("%w: job %s has a negative duration", ErrInvalidJob, j.ID)
	case j.MaxInstances < 0:
		return fmt.Errorf("%w: job %s has negative max instances", ErrInvalidJob, j.ID)
	}
	if err := ValidateSchedule(j.Schedule); err != nil {
		return fmt.Errorf("%w: job %s: %v", ErrInvalidJob, j.ID, err)
	}
	return nil
}

// JobState is where a job sits in its run cycle.
type JobState string

const (
	StateIdle    JobState = "idle"
	StateLocked  JobState = "locked"
	StateRunning JobState = "running"
	StateSkipped JobState = "skipped"
)

// RunStatus is the terminal result of one tick.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
)

// Outcome describes one tick of a job.
type Outcome struct {
	JobID     string
	Status    RunStatus
	Reason    string
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// JobInfo is a read-only view of a registered job.
type JobInfo struct {
	ID       string
	Schedule string
	LockKey  string
	State    JobState
	Next     time.Time
	Last     Outcome
}
