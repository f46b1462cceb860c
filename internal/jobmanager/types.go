// Package jobmanager implements C4: the process/job manager. It owns job
// lifecycle, drives agent backends (C3) through the priority
// scheduler (C5), forwards progress to the event bus (C6), and persists
// state through the store adapter (C1).
//
// Grounded almost directly on internal/daemon/runner/runner.go: Runner ->
// Manager, Run/RunSnapshot -> Job/JobState, the semaphore+subscribers
// field shape, Cancel's sync.Once+stopped-channel+context-cancel dual
// signal, and StartDraining/WaitForDrain's poll loop.
package jobmanager

import (
	"time"

	"github.com/tombarlow/orchestrator/internal/agentbackend"
)

// Status is the job status machine from spec §3:
// pending -> queued -> running -> (completed|failed|timeout|cancelled).
// For the DSL backend, validating/rendering refine running.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusValidating Status = "validating" // DSL-only refinement of running
	StatusRendering  Status = "rendering"  // DSL-only refinement of running
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether s is one of the four absorbing states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// ErrorKind is spec §3's job-level errorKind, distinct from the wire-stable
// pkg/errors.Kind used for admission-time failures.
type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindCancelled ErrorKind = "Cancelled"
	ErrorKindTimeout   ErrorKind = "Timeout"
	ErrorKindCrash     ErrorKind = "Crash"
	ErrorKindShutdown  ErrorKind = "Shutdown"
)

// Spec is the caller-supplied job description passed to Submit.
type Spec struct {
	JobID       string // caller-prefixed; generated if empty
	UserID      string
	BackendKind agentbackend.Kind
	Input       agentbackend.Input
	Priority    int
	TimeoutMs   int64
}

// Job is spec §3's Job entity.
type Job struct {
	JobID       string
	UserID      string
	BackendKind agentbackend.Kind
	Input       agentbackend.Input
	Priority    int
	TimeoutMs   int64

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	Status        Status
	Progress      int // 0-100, monotonic non-decreasing
	QueuePosition *int
	RetryCount    int

	ExitCode      *int
	StdoutBuffer  []byte
	StderrBuffer  []byte
	StdoutTruncated bool
	StderrTruncated bool
	ResultPayload any
	ErrorKind     ErrorKind
	ErrorMessage  string
}

// OwnerUserID implements store.Owned.
func (j *Job) OwnerUserID() string { return j.UserID }

// State is the immutable snapshot returned to external readers (spec §4.4
// getState), grounded on runner.go's RunSnapshot: contains no aliasing to
// internal mutable state.
type State struct {
	JobID         string
	UserID        string
	BackendKind   agentbackend.Kind
	Status        Status
	Progress      int
	QueuePosition *int
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ExitCode      *int
	ResultPayload any
	ErrorKind     ErrorKind
	ErrorMessage  string
}

func snapshotOf(j *Job) State {
	var qp *int
	if j.QueuePosition != nil {
		v := *j.QueuePosition
		qp = &v
	}
	var ec *int
	if j.ExitCode != nil {
		v := *j.ExitCode
		ec = &v
	}
	return State{
		JobID:         j.JobID,
		UserID:        j.UserID,
		BackendKind:   j.BackendKind,
		Status:        j.Status,
		Progress:      j.Progress,
		QueuePosition: qp,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
		ExitCode:      ec,
		ResultPayload: j.ResultPayload,
		ErrorKind:     j.ErrorKind,
		ErrorMessage:  j.ErrorMessage,
	}
}

// Admitted is the result of a successful Submit.
type Admitted struct {
	JobID                string
	QueuePosition        int // 0 if started immediately
	EstimatedWaitSeconds float64
}
