package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"wablast/internal/campaign"
)

var ErrUnknownJob = errors.New("scheduler: unknown job")

// Starter is the part of the campaign manager the scheduler drives.
type Starter interface {
	StartRun(ctx context.Context, req campaign.Request) (campaign.RunInfo, error)
}

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
	Jobs     []Job
}

// Job is a resolved schedule entry. Delays are already defaulted.
type Job struct {
	Name        string
	Schedule    string
	Roster      string
	Message     string
	Attachment  string
	MinDelay    time.Duration
	MaxDelay    time.Duration
	RetryFailed bool
}

type jobDef struct {
	job     Job
	spec    string
	entryID cron.EntryID
	err     error // parse or register failure
}

type jobStatus struct {
	fires   uint64
	skipped uint64
	lastAt  time.Time
	lastRun string
	lastErr string
}

type JobInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Spec     string    `json:"spec,omitempty"`
	Roster   string    `json:"roster"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
	Fires    uint64    `json:"fires"`
	Skipped  uint64    `json:"skipped"`
	LastAt   time.Time `json:"last_at,omitempty"`
	LastRun  string    `json:"last_run,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
}

type Snapshot struct {
	Enabled  bool      `json:"enabled"`
	Running  bool      `json:"running"`
	Timezone string    `json:"timezone"`
	Jobs     []JobInfo `json:"jobs"`
}
