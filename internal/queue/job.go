package queue

import (
	"time"

	"github.com/courierq/courierq/internal/transport"
)

// Status represents the current status of a job
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the job has reached a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Result is the success payload recorded on a completed job.
type Result struct {
	Transport  string
	MessageID  string
	FinishedAt time.Time
}

// Failure is the error payload recorded on a failed job.
type Failure struct {
	Kind    string
	Code    string
	Message string
}

// Job is the internal, queueable representation of a delivery request.
// The queue owns it from submission until it reaches a terminal status.
type Job struct {
	ID        string
	RequestID string
	Payload   transport.Payload
	Priority  int

	// ExecuteNotBefore delays eligibility; SubmittedAt breaks priority ties.
	ExecuteNotBefore time.Time
	SubmittedAt      time.Time
	StartedAt        time.Time
	FinishedAt       time.Time

	// Attempts counts transport attempts, QueueRetries counts safety-net
	// requeues of the job itself.
	Attempts     int
	QueueRetries int

	Status  Status
	Result  *Result
	Failure *Failure
}

// Ready reports whether the job is eligible to run at now.
func (j *Job) Ready(now time.Time) bool {
	return !j.ExecuteNotBefore.After(now)
}

// Disposition is the handler's verdict on an attempt.
type Disposition int

const (
	// DispositionDelivered means the handler resolved the job successfully.
	DispositionDelivered Disposition = iota
	// DispositionFailed means the handler resolved the job as terminally
	// failed; the queue must not retry it.
	DispositionFailed
)

// Report carries everything the queue needs to settle a processed job.
// Err signals that the handler itself misbehaved, as opposed to deciding a
// terminal outcome, and engages the queue-level safety net.
type Report struct {
	Disposition Disposition
	Attempts    int
	Result      *Result
	Failure     *Failure
	Err         error
}
