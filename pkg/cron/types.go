package cron

import (
	"context"
	"time"

	"github.com/harun/cropadvisor/pkg/orchestrator"
	"github.com/harun/cropadvisor/pkg/session"
)

// Advisor is the slice of orchestrator.Service the digest needs.
type Advisor interface {
	Users(ctx context.Context) ([]string, error)
	Session(ctx context.Context, userID string) (*session.Session, error)
	Submit(ctx context.Context, ev orchestrator.Event) (orchestrator.Response, error)
}

// Sender delivers a digest to a user outside of a conversation turn.
type Sender interface {
	Send(ctx context.Context, userID string, resp orchestrator.Response) error
}

// RunMode specifies how to run the digest manually
type RunMode string

const (
	// RunModeDue skips the run when today's digest already went out.
	RunModeDue RunMode = "due"
	// RunModeForce runs regardless of the last run date.
	RunModeForce RunMode = "force"
)

// Run statuses.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// RunState tracks the digest across restarts.
type RunState struct {
	LastRunID         string        `json:"lastRunId,omitempty"`
	LastRunDate       string        `json:"lastRunDate,omitempty"` // YYYY-MM-DD in the schedule's zone
	LastRunAt         *time.Time    `json:"lastRunAt,omitempty"`
	LastStatus        string        `json:"lastStatus,omitempty"`
	LastError         string        `json:"lastError,omitempty"`
	LastDuration      time.Duration `json:"lastDuration,omitempty"`
	NextRunAt         *time.Time    `json:"nextRunAt,omitempty"`
	ConsecutiveErrors int           `json:"consecutiveErrors,omitempty"`
}

// Report summarizes one digest run.
type Report struct {
	RunID     string `json:"runId"`
	Date      string `json:"date"`
	Status    string `json:"status"`
	Eligible  int    `json:"eligible"`
	Delivered int    `json:"delivered"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

// ServiceOptions configures the digest service
type ServiceOptions struct {
	Schedule    string // 5-field cron expression
	Timezone    string // IANA zone; empty uses local time
	StatePath   string // Path to the run state file; empty keeps state in memory
	Concurrency int    // Users processed at once
	Advisor     Advisor
	Sender      Sender
	Now         func() time.Time
}
